package app

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/payout"
	"github.com/malbeclabs/shillbot/pkg/scheduler"
	"github.com/malbeclabs/shillbot/pkg/settlement"
)

// scoreListLimit is how many authors score prints.
const scoreListLimit = 10

func runScore(ctx context.Context, a *App, args []string) error {
	if err := parseFlags(a.flagSet("score"), args); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		c, err := a.closer(st)
		if err != nil {
			return err
		}
		ranked, err := c.Score(ctx)
		if err != nil {
			return err
		}
		if len(ranked) == 0 {
			a.printf("No posts to score\n")
			return nil
		}
		a.printf("OK: Scored %d authors\n\n", len(ranked))
		for _, e := range ranked[:min(len(ranked), scoreListLimit)] {
			a.printf("%2d. @%-20s | Score: %6.2f | post %s\n", e.Rank, e.Handle, e.Score, e.PostID)
		}
		if len(ranked) > scoreListLimit {
			a.printf("... and %d more\n", len(ranked)-scoreListLimit)
		}
		return nil
	})
}

func runClose(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("close")
	force := fs.Bool("force", false, "re-close a window that is already closed")
	atFlag := fs.String("at", "", "close the window ending at or before this RFC3339 time instead of now")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	at := a.cfg.Clock.Now()
	if *atFlag != "" {
		t, err := time.Parse(time.RFC3339, *atFlag)
		if err != nil {
			return fmt.Errorf("%w: invalid --at (use RFC3339, e.g. 2025-01-02T14:00:00-06:00): %w", ErrUsage, err)
		}
		at = t
	}
	return a.withStore(ctx, func(st Store) error {
		_, err := a.closeWindow(ctx, st, at, *force)
		return err
	})
}

// closeWindow settles one window, then writes and announces its report. The report is only
// written after the settlement transaction committed.
func (a *App) closeWindow(ctx context.Context, st contest.Store, at time.Time, force bool) (settlement.Result, error) {
	n, err := a.notifier()
	if err != nil {
		return settlement.Result{}, err
	}
	c, err := a.closer(st)
	if err != nil {
		return settlement.Result{}, err
	}

	res, err := c.CloseAt(ctx, at, force)
	if err != nil {
		n.Error(ctx, "close", err)
		return settlement.Result{}, err
	}
	if res.Skipped {
		closedAt := "an earlier run"
		if res.Window.ClosedAt != nil {
			closedAt = res.Window.ClosedAt.UTC().Format(time.RFC3339)
		}
		a.printf("Window %s already closed at %s (use --force to re-close)\n", res.Window.ID, closedAt)
		return res, nil
	}

	paths, err := a.publishReport(ctx, res.Report)
	if err != nil {
		n.Error(ctx, "report", err)
		return res, fmt.Errorf("window %s closed but report was not written: %w", res.Window.ID, err)
	}
	n.WindowClosed(ctx, res)

	a.printf("OK: Closed window %s\n", res.Window.ID)
	a.printf("  fees_in: %.9f SOL (%d lamports)\n", contest.LamportsToSOL(res.FeeDelta), res.FeeDelta)
	a.printf("  pot: %.9f SOL\n", contest.LamportsToSOL(res.Pot))
	a.printf("  winners: %d, planned payouts: %d (%.9f SOL)\n", len(res.Ranked), len(res.Plan), contest.LamportsToSOL(payout.Total(res.Plan)))
	a.printf("  report: %s\n", paths.History)
	return res, nil
}

func (a *App) scheduler(st contest.Store, delay time.Duration, runOnStart bool) (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		Logger:     a.log,
		Clock:      a.cfg.Clock,
		Schedule:   a.cfg.Settings.Schedule(),
		Delay:      delay,
		RunOnStart: runOnStart,
		Close: func(ctx context.Context, at time.Time) error {
			_, err := a.closeWindow(ctx, st, at, false)
			return err
		},
	})
}

func runSchedule(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("schedule")
	delay := fs.Duration("delay", 30*time.Second, "wait this long after each close time before closing")
	runOnStart := fs.Bool("run-on-start", false, "close the most recent window once at startup")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		s, err := a.scheduler(st, *delay, *runOnStart)
		if err != nil {
			return err
		}
		return s.Run(ctx)
	})
}
