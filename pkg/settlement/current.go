package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/metrics"
	"github.com/malbeclabs/shillbot/pkg/payout"
	"github.com/malbeclabs/shillbot/pkg/ratelimit"
	"github.com/malbeclabs/shillbot/pkg/scoring"
)

// ErrNoTreasury is returned when a computation needs the live treasury balance and no reader is
// configured.
var ErrNoTreasury = errors.New("treasury balance reader is not configured")

// CurrentResult is the outcome of an ad-hoc plan over all stored posts.
type CurrentResult struct {
	Balance       int64
	Distributable int64
	Ranked        []contest.RankedEntry
	Plan          []payout.Entry
	Notes         []string
}

// ComputeCurrent ranks every stored post and replaces the CURRENT plan. The whole treasury
// balance above the gas reserve is the pot. Nothing is sent.
func (c *Closer) ComputeCurrent(ctx context.Context) (CurrentResult, error) {
	if c.cfg.Treasury == nil {
		return CurrentResult{}, ErrNoTreasury
	}

	var res CurrentResult
	err := c.cfg.Store.InTx(ctx, func(tx contest.Tx) error {
		var n notes
		if c.cfg.RunID != "" {
			n.add("run_id=%s", c.cfg.RunID)
		}

		posts, err := tx.AllPosts(ctx)
		if err != nil {
			return fmt.Errorf("failed to load posts: %w", err)
		}
		ranked, err := c.rankPosts(ctx, tx, posts, &n)
		if err != nil {
			return err
		}

		bal, err := c.cfg.Treasury.Balance(ctx)
		if err != nil {
			metrics.BalanceReadsTotal.WithLabelValues("current", "error").Inc()
			return fmt.Errorf("failed to get treasury balance: %w", err)
		}
		metrics.BalanceReadsTotal.WithLabelValues("current", "ok").Inc()
		now := c.cfg.Clock.Now().UTC()
		if err := tx.RecordTreasurySnapshot(ctx, contest.TreasurySnapshot{TakenAt: now, Lamports: bal, Source: "rpc"}); err != nil {
			return fmt.Errorf("failed to record treasury snapshot: %w", err)
		}

		distributable := max(0, bal-c.cfg.GasReserve)
		candidates := make([]payout.Candidate, 0, len(ranked))
		for _, e := range ranked {
			candidates = append(candidates, payout.Candidate{Handle: e.Handle, Wallet: e.Wallet, Score: e.Score})
		}
		plan := payout.Plan(distributable, candidates, c.cfg.MinPayout)

		entries := payout.ToPlanEntries(contest.CurrentScope, plan)
		for i := range entries {
			entries[i].CreatedAt = now
		}
		if err := tx.ReplacePlan(ctx, contest.CurrentScope, entries); err != nil {
			return fmt.Errorf("failed to persist payout plan: %w", err)
		}
		n.add("pot_lamports=%d", distributable)

		res = CurrentResult{Balance: bal, Distributable: distributable, Ranked: ranked, Plan: plan, Notes: n}
		return nil
	})
	if err != nil {
		return CurrentResult{}, fmt.Errorf("failed to compute current payouts: %w", err)
	}

	c.log.Info("settlement: current payouts computed",
		"balance", res.Balance, "distributable", res.Distributable, "ranked", len(res.Ranked), "planned", len(res.Plan))
	return res, nil
}

// Score rate limits, filters and scores every stored post and persists each author's best
// score. It returns all scored authors, registered or not, by descending score.
func (c *Closer) Score(ctx context.Context) ([]contest.RankedEntry, error) {
	var out []contest.RankedEntry
	err := c.cfg.Store.InTx(ctx, func(tx contest.Tx) error {
		posts, err := tx.AllPosts(ctx)
		if err != nil {
			return fmt.Errorf("failed to load posts: %w", err)
		}
		out, err = scoreAll(ctx, tx, posts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to score posts: %w", err)
	}
	return out, nil
}

func scoreAll(ctx context.Context, repo contest.Repository, posts []contest.Post) ([]contest.RankedEntry, error) {
	scores := scoring.BestPerAuthor(ratelimit.Apply(posts))
	out := make([]contest.RankedEntry, 0, scores.Len())
	for _, a := range scores.Authors {
		if err := repo.UpdatePostScore(ctx, a.PostID, a.Score); err != nil {
			return nil, fmt.Errorf("failed to persist score of post %s: %w", a.PostID, err)
		}
		out = append(out, contest.RankedEntry{Handle: a.Handle, PostID: a.PostID, Score: a.Score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}
