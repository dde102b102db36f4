package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/executor"
	"github.com/malbeclabs/shillbot/pkg/payout"
	"github.com/malbeclabs/shillbot/pkg/settlement"
	sbtesting "github.com/malbeclabs/shillbot/utils/pkg/testing"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhook struct {
	mu     sync.Mutex
	bodies []map[string]any
	srv    *httptest.Server
}

func newWebhook(t *testing.T) *webhook {
	t.Helper()
	w := &webhook{}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body map[string]any
		assert.NoError(t, json.Unmarshal(b, &body))
		w.mu.Lock()
		w.bodies = append(w.bodies, body)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *webhook) received() []map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]map[string]any(nil), w.bodies...)
}

func closed() settlement.Result {
	return settlement.Result{
		Window:   contest.Window{ID: "20250301_1400"},
		FeeDelta: 2_000_000_000,
		Pot:      1_500_000_000,
		Ranked:   []contest.RankedEntry{{Rank: 1, Handle: "alice"}},
		Plan:     []payout.Entry{{Rank: 1, Handle: "alice", Wallet: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", Amount: 450_000_000}},
		Notes:    []string{"start balance from previous close"},
	}
}

func TestShillbot_Notify_WindowClosed(t *testing.T) {
	t.Parallel()

	t.Run("posts to webhook", func(t *testing.T) {
		t.Parallel()
		hook := newWebhook(t)
		n, err := New(Config{Logger: sbtesting.NewLogger(), WebhookURL: hook.srv.URL})
		require.NoError(t, err)
		require.True(t, n.Enabled())

		n.WindowClosed(context.Background(), closed())
		got := hook.received()
		require.Len(t, got, 1)
		require.Equal(t, "Window 20250301_1400 closed", got[0]["text"])
		require.Len(t, got[0]["blocks"], 4)
	})

	t.Run("skipped close is not posted", func(t *testing.T) {
		t.Parallel()
		hook := newWebhook(t)
		n, err := New(Config{Logger: sbtesting.NewLogger(), WebhookURL: hook.srv.URL})
		require.NoError(t, err)

		n.WindowClosed(context.Background(), settlement.Result{Skipped: true})
		require.Empty(t, hook.received())
	})

	t.Run("disabled without url", func(t *testing.T) {
		t.Parallel()
		calls := 0
		n, err := New(Config{Logger: sbtesting.NewLogger(), Post: func(context.Context, string, *slack.WebhookMessage) error {
			calls++
			return nil
		}})
		require.NoError(t, err)
		require.False(t, n.Enabled())
		n.WindowClosed(context.Background(), closed())
		n.Error(context.Background(), "close", errors.New("boom"))
		require.Zero(t, calls)
	})

	t.Run("delivery failure is swallowed", func(t *testing.T) {
		t.Parallel()
		n, err := New(Config{Logger: sbtesting.NewLogger(), WebhookURL: "http://example.invalid", Post: func(context.Context, string, *slack.WebhookMessage) error {
			return errors.New("unreachable")
		}})
		require.NoError(t, err)
		n.WindowClosed(context.Background(), closed())
	})
}

func TestShillbot_Notify_WindowClosedMessage(t *testing.T) {
	t.Parallel()

	res := closed()
	for i := 2; i <= 12; i++ {
		res.Plan = append(res.Plan, payout.Entry{Rank: i, Handle: "h", Wallet: "w", Amount: 1})
	}
	_, blocks := WindowClosedMessage(res)
	section, ok := blocks[2].(*slack.SectionBlock)
	require.True(t, ok)
	require.Contains(t, section.Text.Text, "@alice `9xQeWvG8...9PusVFin` 0.450000000 SOL")
	require.Contains(t, section.Text.Text, "_and 2 more_")
}

func TestShillbot_Notify_PayoutsExecuted(t *testing.T) {
	t.Parallel()

	var msgs []*slack.WebhookMessage
	var mu sync.Mutex
	n, err := New(Config{Logger: sbtesting.NewLogger(), WebhookURL: "http://hook", Post: func(_ context.Context, _ string, msg *slack.WebhookMessage) error {
		mu.Lock()
		defer mu.Unlock()
		msgs = append(msgs, msg)
		return nil
	}})
	require.NoError(t, err)

	n.PayoutsExecuted(context.Background(), executor.Summary{Scope: "CURRENT", Planned: 3, AlreadyHandled: 3}, false)
	n.PayoutsExecuted(context.Background(), executor.Summary{Scope: "CURRENT", Planned: 2, Sent: 1, Failed: 1}, false)
	n.PayoutsExecuted(context.Background(), executor.Summary{Scope: "w", Planned: 1, DryRun: 1}, true)

	require.Len(t, msgs, 2)
	require.Equal(t, "Payouts for CURRENT: 1 sent, 1 failed", msgs[0].Text)
	require.Equal(t, "Dry-run payouts for w: 1 simulated", msgs[1].Text)
}
