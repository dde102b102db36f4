// Package executor replays persisted payout plans, sending each (scope, wallet) at most once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/metrics"
)

// ErrCredentials is returned when transfer credentials are missing or unusable.
var ErrCredentials = errors.New("transfer credentials unavailable")

var errDryRunRollback = errors.New("dry run rollback")

// Transferer moves lamports to a wallet. A nil signature means no transaction landed.
type Transferer interface {
	Transfer(ctx context.Context, wallet string, lamports int64) (contest.TransferStatus, *string, error)
}

// CredentialChecker verifies that the transferer can sign before any transfer is attempted.
type CredentialChecker interface {
	CheckCredentials() error
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      contest.Store
	Transferer Transferer
	// Credentials is required unless DryRun is set.
	Credentials CredentialChecker
	// DryRun records DRY_RUN attempts inside a transaction that is rolled back, so nothing is
	// marked as attempted.
	DryRun bool
	// MaxPerRun caps the transfers of one run. Zero means unlimited.
	MaxPerRun int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Transferer == nil {
		return errors.New("transferer is required")
	}
	if !cfg.DryRun && cfg.Credentials == nil {
		return errors.New("credentials checker is required")
	}
	if cfg.MaxPerRun < 0 {
		return errors.New("max per run must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Summary counts the outcome of one run.
type Summary struct {
	Scope          string
	Planned        int
	AlreadyHandled int
	Deferred       int
	Sent           int
	Failed         int
	DryRun         int
	Transactions   []contest.Transaction
}

type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// Execute sends every planned entry of scope whose wallet has no recorded attempt. Each attempt
// is recorded individually as soon as the transfer returns.
func (e *Executor) Execute(ctx context.Context, scope string) (Summary, error) {
	if !e.cfg.DryRun {
		return e.execute(ctx, e.cfg.Store, scope)
	}

	var summary Summary
	err := e.cfg.Store.InTx(ctx, func(tx contest.Tx) error {
		s, err := e.execute(ctx, tx, scope)
		summary = s
		if err != nil {
			return err
		}
		return errDryRunRollback
	})
	if err != nil && !errors.Is(err, errDryRunRollback) {
		return Summary{}, err
	}
	return summary, nil
}

func (e *Executor) execute(ctx context.Context, repo contest.Repository, scope string) (Summary, error) {
	summary := Summary{Scope: scope}

	plan, err := repo.Plan(ctx, scope)
	if err != nil {
		return summary, fmt.Errorf("failed to load payout plan: %w", err)
	}
	summary.Planned = len(plan)
	if len(plan) == 0 {
		e.log.Info("executor: no payout plan", "scope", scope)
		return summary, nil
	}

	attempted, err := repo.AttemptedWallets(ctx, scope)
	if err != nil {
		return summary, fmt.Errorf("failed to load attempted wallets: %w", err)
	}
	// A wallet registered under two handles can hold two plan rows; only the first is paid.
	seen := make(map[string]struct{}, len(plan))
	pending := make([]contest.PlanEntry, 0, len(plan))
	for _, entry := range plan {
		if _, ok := attempted[entry.Wallet]; ok {
			summary.AlreadyHandled++
			continue
		}
		if _, ok := seen[entry.Wallet]; ok {
			e.log.Warn("executor: duplicate wallet in plan, skipping", "scope", scope, "handle", entry.Handle, "rank", entry.Rank, "wallet", entry.Wallet)
			summary.AlreadyHandled++
			continue
		}
		seen[entry.Wallet] = struct{}{}
		pending = append(pending, entry)
	}
	if len(pending) == 0 {
		e.log.Info("executor: all payouts already executed", "scope", scope, "planned", len(plan))
		return summary, nil
	}
	if e.cfg.MaxPerRun > 0 && len(pending) > e.cfg.MaxPerRun {
		summary.Deferred = len(pending) - e.cfg.MaxPerRun
		pending = pending[:e.cfg.MaxPerRun]
	}

	if !e.cfg.DryRun {
		if err := e.cfg.Credentials.CheckCredentials(); err != nil {
			return summary, fmt.Errorf("%w: %w", ErrCredentials, err)
		}
	}

	e.log.Info("executor: sending payouts", "scope", scope, "pending", len(pending), "already_handled", summary.AlreadyHandled, "dry_run", e.cfg.DryRun)

	for _, entry := range pending {
		status, sig, err := e.cfg.Transferer.Transfer(ctx, entry.Wallet, entry.Amount)
		switch {
		case err != nil:
			e.log.Error("executor: transfer failed", "scope", scope, "handle", entry.Handle, "rank", entry.Rank, "lamports", entry.Amount, "error", err)
			status, sig = contest.StatusFailed, nil
		case status == contest.StatusSent && sig == nil:
			e.log.Warn("executor: transfer returned no signature", "scope", scope, "handle", entry.Handle)
			status = contest.StatusFailed
		case status == contest.StatusFailed:
			sig = nil
		}

		tx := contest.Transaction{
			Scope:     scope,
			Wallet:    entry.Wallet,
			Amount:    entry.Amount,
			Status:    status,
			Signature: sig,
			SentAt:    e.cfg.Clock.Now().UTC(),
		}
		if err := repo.RecordTransaction(ctx, tx); err != nil {
			e.log.Error("executor: failed to record transfer attempt, stopping", "scope", scope, "wallet", entry.Wallet, "status", status, "error", err)
			return summary, fmt.Errorf("failed to record transaction for %s: %w", entry.Wallet, err)
		}
		summary.Transactions = append(summary.Transactions, tx)
		metrics.PayoutTransfersTotal.WithLabelValues(string(status)).Inc()
		metrics.PayoutLamportsTotal.WithLabelValues(string(status)).Add(float64(entry.Amount))

		switch status {
		case contest.StatusSent:
			summary.Sent++
			e.log.Info("executor: sent payout", "handle", entry.Handle, "rank", entry.Rank, "lamports", entry.Amount, "signature", *sig)
		case contest.StatusDryRun:
			summary.DryRun++
		default:
			summary.Failed++
		}
	}

	return summary, nil
}
