// Package settlement closes scoring windows: it reconciles the treasury balance, re-derives the
// ranking from stored posts and persists an idempotent payout plan and report.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/eligibility"
	"github.com/malbeclabs/shillbot/pkg/metrics"
	"github.com/malbeclabs/shillbot/pkg/payout"
	"github.com/malbeclabs/shillbot/pkg/ratelimit"
	"github.com/malbeclabs/shillbot/pkg/report"
	"github.com/malbeclabs/shillbot/pkg/scoring"
)

// DefaultGasReserve is kept in the treasury for transaction fees, 0.1 SOL.
const DefaultGasReserve int64 = 100_000_000

// BalanceReader reads the treasury balance in lamports.
type BalanceReader interface {
	Balance(ctx context.Context) (int64, error)
}

// Refresher pulls fresh posts for [start, end) into repo and returns a summary note.
type Refresher interface {
	Refresh(ctx context.Context, repo contest.Repository, start, end time.Time) (string, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    contest.Store
	Schedule Schedule

	// Treasury is optional; without it balances fall back to stored values and mock fees.
	Treasury BalanceReader
	// MockFees is added to the start balance when the end balance cannot be read.
	MockFees *int64

	Refresher Refresher

	TokenReader    eligibility.TokenBalanceReader
	TokenMint      string
	MinTokenAmount float64

	Insiders map[string]struct{}

	GasReserve     int64
	PotShare       float64
	MarketingShare float64
	DevShare       float64
	MinPayout      int64
	TopN           int

	// RunID tags the report notes of one run.
	RunID string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if cfg.GasReserve < 0 {
		return errors.New("gas reserve must not be negative")
	}
	if cfg.PotShare < 0 || cfg.PotShare > 1 {
		return errors.New("pot share must be between 0 and 1")
	}
	if cfg.MinPayout < 0 {
		return errors.New("min payout must not be negative")
	}
	if cfg.TopN <= 0 {
		return errors.New("top n must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result is the outcome of one close.
type Result struct {
	Skipped       bool
	Window        contest.Window
	StartBalance  int64
	EndBalance    int64
	FeeDelta      int64
	Distributable int64
	Pot           int64
	Ranked        []contest.RankedEntry
	Plan          []payout.Entry
	Notes         []string
	Report        report.Report
}

type Closer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Closer{log: cfg.Logger, cfg: cfg}, nil
}

// Schedule returns the close schedule.
func (c *Closer) Schedule() Schedule {
	return c.cfg.Schedule
}

// Close settles the window that ended most recently at or before now.
func (c *Closer) Close(ctx context.Context, force bool) (Result, error) {
	return c.CloseAt(ctx, c.cfg.Clock.Now(), force)
}

// CloseAt settles the window that ended most recently at or before at. A closed window is
// skipped without changes unless force is set. Steps after the window row exists run in a
// single transaction.
func (c *Closer) CloseAt(ctx context.Context, at time.Time, force bool) (Result, error) {
	started := c.cfg.Clock.Now()
	start, end := c.cfg.Schedule.Bounds(at)
	id := c.cfg.Schedule.WindowID(end)

	var res Result
	err := c.cfg.Store.InTx(ctx, func(tx contest.Tx) error {
		r, err := c.close(ctx, tx, contest.Window{ID: id, Start: start.UTC(), End: end.UTC()}, force)
		res = r
		return err
	})

	status := "closed"
	switch {
	case err != nil:
		status = "error"
	case res.Skipped:
		status = "skipped"
	}
	metrics.WindowClosesTotal.WithLabelValues(status).Inc()
	metrics.WindowCloseDuration.Observe(c.cfg.Clock.Since(started).Seconds())

	if err != nil {
		return Result{}, fmt.Errorf("failed to close window %s: %w", id, err)
	}
	return res, nil
}

type notes []string

func (n *notes) add(format string, args ...any) {
	*n = append(*n, fmt.Sprintf(format, args...))
}

func sol(lamports int64) float64 {
	return contest.LamportsToSOL(lamports)
}

func (c *Closer) close(ctx context.Context, tx contest.Tx, w contest.Window, force bool) (Result, error) {
	existing, err := tx.Window(ctx, w.ID)
	switch {
	case err == nil:
		if existing.Closed() && !force {
			c.log.Info("settlement: window already closed", "window_id", w.ID, "closed_at", existing.ClosedAt)
			return Result{Skipped: true, Window: existing}, nil
		}
	case errors.Is(err, contest.ErrNotFound):
	default:
		return Result{}, fmt.Errorf("failed to load window: %w", err)
	}

	if err := tx.EnsureWindow(ctx, w); err != nil {
		return Result{}, fmt.Errorf("failed to create window: %w", err)
	}
	if existing.ID != "" {
		w.StartBalance = existing.StartBalance
	}

	var n notes
	if c.cfg.RunID != "" {
		n.add("run_id=%s", c.cfg.RunID)
	}
	if force && existing.Closed() {
		n.add("WARNING: force re-close of window closed at %s", existing.ClosedAt.UTC().Format(time.RFC3339))
	}

	startBal, err := c.startBalance(ctx, tx, w, &n)
	if err != nil {
		return Result{}, err
	}
	endBal, err := c.endBalance(ctx, tx, startBal, &n)
	if err != nil {
		return Result{}, err
	}

	fee := endBal - startBal
	if fee < 0 {
		n.add("WARNING: negative fees_in=%d (balance decreased, possibly due to payouts or withdrawals)", fee)
	}

	closedAt := c.cfg.Clock.Now().UTC()
	if err := tx.CloseWindow(ctx, w.ID, closedAt, endBal, fee); err != nil {
		return Result{}, fmt.Errorf("failed to persist window close: %w", err)
	}
	w.ClosedAt = &closedAt
	w.StartBalance = &startBal
	w.EndBalance = &endBal
	w.FeeDelta = fee

	if c.cfg.Refresher != nil {
		err := tx.Savepoint(ctx, func(sp contest.Tx) error {
			summary, err := c.cfg.Refresher.Refresh(ctx, sp, w.Start, w.End)
			if err == nil && summary != "" {
				n.add("%s", summary)
			}
			return err
		})
		if err != nil {
			c.log.Warn("settlement: post refresh failed", "window_id", w.ID, "error", err)
			n.add("WARNING: failed to refresh posts: %v", err)
		}
	}

	ranked, err := c.rank(ctx, tx, w, &n)
	if err != nil {
		return Result{}, err
	}

	distributable := max(0, fee-c.cfg.GasReserve)
	pot := payout.Portion(distributable, c.cfg.PotShare)
	if fee > c.cfg.GasReserve {
		n.add("Reserved %g SOL (%d lamports) for gas, distributed %d lamports", sol(c.cfg.GasReserve), c.cfg.GasReserve, distributable)
	} else {
		n.add("WARNING: fees_in (%d lamports) less than reserve (%d lamports), no distribution", fee, c.cfg.GasReserve)
	}

	candidates := make([]payout.Candidate, 0, len(ranked))
	for _, e := range ranked {
		candidates = append(candidates, payout.Candidate{Handle: e.Handle, Wallet: e.Wallet, Score: e.Score})
	}
	plan := payout.Plan(pot, candidates, c.cfg.MinPayout)

	var planned []contest.PlanEntry
	err = tx.Savepoint(ctx, func(sp contest.Tx) error {
		entries := payout.ToPlanEntries(w.ID, plan)
		for i := range entries {
			entries[i].CreatedAt = closedAt
		}
		if err := sp.ReplacePlan(ctx, w.ID, entries); err != nil {
			return err
		}
		stored, err := sp.Plan(ctx, w.ID)
		planned = stored
		return err
	})
	if err != nil {
		c.log.Warn("settlement: failed to persist payout plan", "window_id", w.ID, "error", err)
		n.add("WARNING: failed to compute payout plan: %v", err)
		planned = nil
		plan = nil
	} else {
		n.add("Payout plan computed: %d payouts, %d lamports (use execute-payouts to send SOL)", len(plan), payout.Total(plan))
	}

	lifetime, err := tx.LifetimeFees(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load lifetime fees: %w", err)
	}

	n.add("window_local=%s..%s", w.Start.In(c.cfg.Schedule.Location).Format(time.RFC3339), w.End.In(c.cfg.Schedule.Location).Format(time.RFC3339))
	n.add("pot_lamports=%d", pot)
	if c.cfg.MarketingShare > 0 || c.cfg.DevShare > 0 {
		n.add("marketing_lamports=%d dev_lamports=%d", payout.Portion(distributable, c.cfg.MarketingShare), payout.Portion(distributable, c.cfg.DevShare))
	}
	n.add("top_n=%d", c.cfg.TopN)

	rep := report.Build(report.Input{
		WindowID:       w.ID,
		GeneratedAt:    c.cfg.Clock.Now(),
		FeeDelta:       fee,
		StartBalance:   &startBal,
		EndBalance:     &endBal,
		CurrentBalance: &endBal,
		LifetimeFees:   lifetime,
		Ranked:         ranked,
		Payouts:        report.PlannedPayouts(planned),
		Notes:          n,
	})

	c.log.Info("settlement: window closed",
		"window_id", w.ID, "fee_delta", fee, "pot", pot, "ranked", len(ranked), "planned", len(plan))

	return Result{
		Window:        w,
		StartBalance:  startBal,
		EndBalance:    endBal,
		FeeDelta:      fee,
		Distributable: distributable,
		Pot:           pot,
		Ranked:        ranked,
		Plan:          plan,
		Notes:         n,
		Report:        rep,
	}, nil
}

// startBalance resolves the window start balance: the window's own stored value, then the
// end balance of the last closed window, then a fresh snapshot, then zero.
func (c *Closer) startBalance(ctx context.Context, tx contest.Tx, w contest.Window, n *notes) (int64, error) {
	if w.StartBalance != nil {
		n.add("start_balance_sol=%.6f (from window record)", sol(*w.StartBalance))
		return *w.StartBalance, nil
	}

	var (
		bal    int64
		source string
	)
	prev, ok, err := tx.LastClosedEndBalance(ctx, w.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load previous window balance: %w", err)
	}
	switch {
	case ok:
		bal, source = prev, "previous_window"
		n.add("start_balance_sol=%.6f (from previous window end)", sol(bal))
	case c.cfg.Treasury != nil:
		snap, err := c.cfg.Treasury.Balance(ctx)
		if err != nil {
			metrics.BalanceReadsTotal.WithLabelValues("start", "error").Inc()
			c.log.Warn("settlement: failed to read start balance", "window_id", w.ID, "error", err)
			n.add("WARNING: failed to read start_balance from Solana RPC: %v", err)
			bal, source = 0, "fallback_zero"
		} else {
			metrics.BalanceReadsTotal.WithLabelValues("start", "ok").Inc()
			bal, source = snap, "rpc"
			n.add("start_balance_sol=%.6f (snapshot at window open)", sol(bal))
		}
	default:
		bal, source = 0, "fallback_zero"
		n.add("WARNING: treasury pubkey not set, using start_balance=0")
	}

	if err := tx.SetWindowStartBalance(ctx, w.ID, bal); err != nil {
		return 0, fmt.Errorf("failed to persist start balance: %w", err)
	}
	if err := tx.RecordTreasurySnapshot(ctx, contest.TreasurySnapshot{TakenAt: w.Start, Lamports: bal, Source: source}); err != nil {
		return 0, fmt.Errorf("failed to record treasury snapshot: %w", err)
	}
	return bal, nil
}

// endBalance snapshots the treasury. When the read fails the balance is derived from mock fees,
// or equals the start balance.
func (c *Closer) endBalance(ctx context.Context, tx contest.Tx, startBal int64, n *notes) (int64, error) {
	var (
		bal    int64
		source string
		read   bool
	)
	if c.cfg.Treasury != nil {
		snap, err := c.cfg.Treasury.Balance(ctx)
		if err != nil {
			metrics.BalanceReadsTotal.WithLabelValues("end", "error").Inc()
			c.log.Warn("settlement: failed to read end balance", "error", err)
			n.add("ERROR: failed to read end_balance from Solana RPC: %v", err)
		} else {
			metrics.BalanceReadsTotal.WithLabelValues("end", "ok").Inc()
			bal, source, read = snap, "rpc", true
			n.add("end_balance_sol=%.6f (snapshot at window close)", sol(bal))
		}
	} else {
		n.add("WARNING: treasury pubkey not set, end balance not read")
	}

	if !read {
		if c.cfg.MockFees != nil {
			bal, source = startBal+*c.cfg.MockFees, "mock_fees"
			n.add("end_balance_sol=%.6f (computed from mock_fees)", sol(bal))
		} else {
			bal, source = startBal, "start_balance"
			n.add("WARNING: end_balance equals start_balance (no snapshot, no mock)")
		}
	}

	if err := tx.RecordTreasurySnapshot(ctx, contest.TreasurySnapshot{TakenAt: c.cfg.Clock.Now().UTC(), Lamports: bal, Source: source}); err != nil {
		return 0, fmt.Errorf("failed to record treasury snapshot: %w", err)
	}
	return bal, nil
}

// rank loads the window's posts, filters and scores them, and returns the registered,
// eligible authors ordered by descending score with ranks assigned. The top entries are
// persisted as the window's scores.
func (c *Closer) rank(ctx context.Context, tx contest.Tx, w contest.Window, n *notes) ([]contest.RankedEntry, error) {
	posts, err := tx.PostsBetween(ctx, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load posts: %w", err)
	}
	ranked, err := c.rankPosts(ctx, tx, posts, n)
	if err != nil {
		return nil, err
	}

	rows := make([]contest.ScoreRow, 0, len(ranked))
	for _, e := range ranked {
		rows = append(rows, contest.ScoreRow{
			WindowID: w.ID,
			Handle:   e.Handle,
			PostID:   e.PostID,
			Score:    e.Score,
			Rank:     e.Rank,
		})
	}
	if err := tx.ReplaceWindowScores(ctx, w.ID, rows); err != nil {
		return nil, fmt.Errorf("failed to persist window scores: %w", err)
	}
	return ranked, nil
}

// rankPosts rate limits, filters and scores posts, persists each author's best score, and
// returns the top registered, eligible authors with ranks assigned.
func (c *Closer) rankPosts(ctx context.Context, repo contest.Repository, posts []contest.Post, n *notes) ([]contest.RankedEntry, error) {
	posts = ratelimit.Apply(posts)
	n.add("After rate limiting: %d posts", len(posts))

	excluded, err := repo.ExcludedPostIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load excluded posts: %w", err)
	}
	blacklisted, err := repo.BlacklistedHandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load blacklisted handles: %w", err)
	}
	filter := eligibility.Filter{ExcludedPosts: excluded, Blacklisted: blacklisted, Insiders: c.cfg.Insiders}
	posts, counts := filter.Posts(posts)
	if counts.Excluded > 0 {
		n.add("Excluded %d posts (excluded posts list)", counts.Excluded)
	}
	if counts.Blacklisted > 0 {
		n.add("Excluded %d posts (blacklisted handles)", counts.Blacklisted)
	}

	scores := scoring.BestPerAuthor(posts)
	for _, a := range scores.Authors {
		if err := repo.UpdatePostScore(ctx, a.PostID, a.Score); err != nil {
			return nil, fmt.Errorf("failed to persist score of post %s: %w", a.PostID, err)
		}
	}

	regs, err := repo.Registrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registrations: %w", err)
	}

	ranked := make([]contest.RankedEntry, 0, scores.Len())
	for _, a := range scores.Authors {
		reg, ok := regs.Lookup(a.Handle)
		if !ok || !reg.Payable() {
			continue
		}
		ranked = append(ranked, contest.RankedEntry{Handle: a.Handle, PostID: a.PostID, Wallet: reg.Wallet, Score: a.Score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	ranked, insiders := filter.Candidates(ranked)
	for _, h := range insiders {
		n.add("Excluded insider %s from payouts", h)
	}

	if c.cfg.TokenReader != nil && c.cfg.TokenMint != "" && c.cfg.MinTokenAmount > 0 {
		verified, tokenNotes, err := eligibility.VerifyTokenHoldings(ctx, eligibility.TokenCheckConfig{
			Logger:    c.log,
			Reader:    c.cfg.TokenReader,
			Mint:      c.cfg.TokenMint,
			MinAmount: c.cfg.MinTokenAmount,
		}, ranked)
		if err != nil {
			n.add("WARNING: token balance verification failed: %v, continuing without verification", err)
		} else {
			ranked = verified
			*n = append(*n, tokenNotes...)
		}
	}

	if len(ranked) > c.cfg.TopN {
		ranked = ranked[:c.cfg.TopN]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}
