// Package notify posts settlement and payout summaries to a Slack incoming webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/executor"
	"github.com/malbeclabs/shillbot/pkg/report"
	"github.com/malbeclabs/shillbot/pkg/settlement"
	"github.com/slack-go/slack"
)

// maxWinnerLines bounds the winners listed in one message.
const maxWinnerLines = 10

type Config struct {
	Logger     *slog.Logger
	WebhookURL string
	// Post defaults to slack.PostWebhookContext.
	Post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Post == nil {
		cfg.Post = slack.PostWebhookContext
	}
	return nil
}

// Notifier is a no-op when no webhook URL is configured. Delivery failures are logged and never
// returned to the caller.
type Notifier struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Notifier{log: cfg.Logger, cfg: cfg}, nil
}

func (n *Notifier) Enabled() bool {
	return n.cfg.WebhookURL != ""
}

func (n *Notifier) send(ctx context.Context, text string, blocks []slack.Block) {
	if !n.Enabled() {
		return
	}
	msg := &slack.WebhookMessage{Text: text, Blocks: &slack.Blocks{BlockSet: blocks}}
	if err := n.cfg.Post(ctx, n.cfg.WebhookURL, msg); err != nil {
		n.log.Warn("notify: failed to post slack message", "error", err)
		return
	}
	n.log.Debug("notify: posted slack message", "text", text)
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

// WindowClosedMessage renders a close result.
func WindowClosedMessage(res settlement.Result) (string, []slack.Block) {
	title := fmt.Sprintf("Window %s closed", res.Window.ID)
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, true, false))

	fields := []*slack.TextBlockObject{
		mrkdwn(fmt.Sprintf("*Fees in*\n%.9f SOL", contest.LamportsToSOL(res.FeeDelta))),
		mrkdwn(fmt.Sprintf("*Pot*\n%.9f SOL", contest.LamportsToSOL(res.Pot))),
		mrkdwn(fmt.Sprintf("*Ranked*\n%d", len(res.Ranked))),
		mrkdwn(fmt.Sprintf("*Planned payouts*\n%d", len(res.Plan))),
	}
	blocks := []slack.Block{header, slack.NewSectionBlock(nil, fields, nil)}

	if len(res.Plan) > 0 {
		var b strings.Builder
		for i, e := range res.Plan {
			if i == maxWinnerLines {
				fmt.Fprintf(&b, "_and %d more_\n", len(res.Plan)-maxWinnerLines)
				break
			}
			fmt.Fprintf(&b, "%d. @%s `%s` %.9f SOL\n", e.Rank, e.Handle, report.ShortWallet(e.Wallet), contest.LamportsToSOL(e.Amount))
		}
		blocks = append(blocks, slack.NewSectionBlock(mrkdwn(strings.TrimSpace(b.String())), nil, nil))
	}
	if len(res.Notes) > 0 {
		elems := make([]slack.MixedElement, 0, len(res.Notes))
		for _, note := range res.Notes {
			elems = append(elems, mrkdwn(note))
		}
		blocks = append(blocks, slack.NewContextBlock("", elems...))
	}
	return title, blocks
}

// PayoutsMessage renders an executor run.
func PayoutsMessage(s executor.Summary, dryRun bool) (string, []slack.Block) {
	title := fmt.Sprintf("Payouts for %s: %d sent, %d failed", s.Scope, s.Sent, s.Failed)
	if dryRun {
		title = fmt.Sprintf("Dry-run payouts for %s: %d simulated", s.Scope, s.DryRun)
	}
	text := fmt.Sprintf("planned %d, already handled %d, deferred %d", s.Planned, s.AlreadyHandled, s.Deferred)
	return title, []slack.Block{
		slack.NewSectionBlock(mrkdwn("*"+title+"*\n"+text), nil, nil),
	}
}

// WindowClosed posts a close result. Skipped closes are not posted.
func (n *Notifier) WindowClosed(ctx context.Context, res settlement.Result) {
	if res.Skipped {
		return
	}
	text, blocks := WindowClosedMessage(res)
	n.send(ctx, text, blocks)
}

// PayoutsExecuted posts an executor run. Runs that attempted nothing are not posted.
func (n *Notifier) PayoutsExecuted(ctx context.Context, s executor.Summary, dryRun bool) {
	if s.Sent+s.Failed+s.DryRun == 0 {
		return
	}
	text, blocks := PayoutsMessage(s, dryRun)
	n.send(ctx, text, blocks)
}

// Error posts a failure of the named operation.
func (n *Notifier) Error(ctx context.Context, op string, err error) {
	text := fmt.Sprintf("shillbot %s failed: %v", op, err)
	n.send(ctx, text, []slack.Block{slack.NewSectionBlock(mrkdwn(":warning: "+text), nil, nil)})
}
