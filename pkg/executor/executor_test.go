package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/contest/contesttest"
	sbtesting "github.com/malbeclabs/shillbot/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fakeTransferer struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	status map[string]contest.TransferStatus
}

func (f *fakeTransferer) Transfer(ctx context.Context, wallet string, lamports int64) (contest.TransferStatus, *string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, wallet)
	if err := f.fail[wallet]; err != nil {
		return contest.StatusFailed, nil, err
	}
	if st, ok := f.status[wallet]; ok {
		return st, nil, nil
	}
	sig := "sig-" + wallet
	return contest.StatusSent, &sig, nil
}

type credentials struct{ err error }

func (c credentials) CheckCredentials() error { return c.err }

const scope = "20250102-1400"

func seedPlan(t *testing.T, store *contesttest.Store, wallets ...string) {
	t.Helper()
	entries := make([]contest.PlanEntry, 0, len(wallets))
	for i, w := range wallets {
		entries = append(entries, contest.PlanEntry{Scope: scope, Rank: i + 1, Handle: "h-" + w, Wallet: w, Amount: int64(1000 * (i + 1))})
	}
	require.NoError(t, store.ReplacePlan(context.Background(), scope, entries))
}

func newExecutor(t *testing.T, store *contesttest.Store, tr Transferer, mutate func(*Config)) *Executor {
	t.Helper()
	cfg := Config{
		Logger:      sbtesting.NewLogger(),
		Clock:       clockwork.NewFakeClockAt(time.Date(2025, 1, 2, 20, 0, 0, 0, time.UTC)),
		Store:       store,
		Transferer:  tr,
		Credentials: credentials{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestShillbot_Executor_Execute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("sends every pending entry once", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		seedPlan(t, store, "w1", "w2", "w3")
		tr := &fakeTransferer{}
		e := newExecutor(t, store, tr, nil)

		summary, err := e.Execute(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, 3, summary.Planned)
		require.Equal(t, 3, summary.Sent)
		require.Equal(t, []string{"w1", "w2", "w3"}, tr.calls)

		txs, err := store.Transactions(ctx, scope)
		require.NoError(t, err)
		require.Len(t, txs, 3)
		require.Equal(t, "sig-w1", *txs[0].Signature)

		again, err := e.Execute(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, 3, again.AlreadyHandled)
		require.Zero(t, again.Sent)
		require.Len(t, tr.calls, 3, "attempted wallets are never sent again")
	})

	t.Run("failures are recorded and never retried", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		seedPlan(t, store, "w1", "w2", "w3")
		tr := &fakeTransferer{
			fail:   map[string]error{"w2": errors.New("blockhash not found")},
			status: map[string]contest.TransferStatus{"w3": contest.StatusSent},
		}
		e := newExecutor(t, store, tr, nil)

		summary, err := e.Execute(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Sent)
		require.Equal(t, 2, summary.Failed)

		txs, err := store.Transactions(ctx, scope)
		require.NoError(t, err)
		require.Len(t, txs, 3)
		require.Equal(t, contest.StatusFailed, txs[1].Status)
		require.Nil(t, txs[1].Signature)
		require.Equal(t, contest.StatusFailed, txs[2].Status, "sent without signature counts as failed")

		_, err = e.Execute(ctx, scope)
		require.NoError(t, err)
		require.Len(t, tr.calls, 3)
	})

	t.Run("previously attempted wallets are skipped", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		seedPlan(t, store, "w1", "w2")
		require.NoError(t, store.RecordTransaction(ctx, contest.Transaction{Scope: scope, Wallet: "w1", Status: contest.StatusFailed}))
		tr := &fakeTransferer{}

		summary, err := newExecutor(t, store, tr, nil).Execute(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, 1, summary.AlreadyHandled)
		require.Equal(t, []string{"w2"}, tr.calls)
	})

	t.Run("a wallet listed twice is paid once", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		require.NoError(t, store.ReplacePlan(ctx, scope, []contest.PlanEntry{
			{Scope: scope, Rank: 1, Handle: "alice", Wallet: "W1", Amount: 300_000},
			{Scope: scope, Rank: 2, Handle: "alice_alt", Wallet: "W1", Amount: 150_000},
			{Scope: scope, Rank: 3, Handle: "bob", Wallet: "W2", Amount: 100_000},
		}))
		tr := &fakeTransferer{}

		summary, err := newExecutor(t, store, tr, nil).Execute(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, []string{"W1", "W2"}, tr.calls)
		require.Equal(t, 2, summary.Sent)
		require.Equal(t, 1, summary.AlreadyHandled)

		txs, err := store.Transactions(ctx, scope)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		require.Equal(t, int64(300_000), txs[0].Amount)
	})

	t.Run("missing credentials fail before any transfer", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		seedPlan(t, store, "w1")
		tr := &fakeTransferer{}
		e := newExecutor(t, store, tr, func(c *Config) {
			c.Credentials = credentials{err: errors.New("keypair not found")}
		})

		_, err := e.Execute(ctx, scope)
		require.ErrorIs(t, err, ErrCredentials)
		require.Empty(t, tr.calls)
		txs, err := store.Transactions(ctx, scope)
		require.NoError(t, err)
		require.Empty(t, txs)
	})

	t.Run("nothing pending skips the credential check", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		e := newExecutor(t, store, &fakeTransferer{}, func(c *Config) {
			c.Credentials = credentials{err: errors.New("keypair not found")}
		})
		summary, err := e.Execute(ctx, scope)
		require.NoError(t, err)
		require.Zero(t, summary.Planned)
	})

	t.Run("dry run leaves no attempts behind", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		seedPlan(t, store, "w1", "w2")
		dry := &fakeTransferer{status: map[string]contest.TransferStatus{"w1": contest.StatusDryRun, "w2": contest.StatusDryRun}}
		e := newExecutor(t, store, dry, func(c *Config) {
			c.DryRun = true
			c.Credentials = nil
		})

		summary, err := e.Execute(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, 2, summary.DryRun)
		require.Len(t, summary.Transactions, 2)

		attempted, err := store.AttemptedWallets(ctx, scope)
		require.NoError(t, err)
		require.Empty(t, attempted)
	})

	t.Run("max per run defers the rest", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		seedPlan(t, store, "w1", "w2", "w3")
		tr := &fakeTransferer{}
		e := newExecutor(t, store, tr, func(c *Config) { c.MaxPerRun = 2 })

		summary, err := e.Execute(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, 2, summary.Sent)
		require.Equal(t, 1, summary.Deferred)

		summary, err = e.Execute(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Sent)
		require.Equal(t, 2, summary.AlreadyHandled)
		require.Equal(t, []string{"w1", "w2", "w3"}, tr.calls)
	})

	t.Run("record failure stops the run", func(t *testing.T) {
		t.Parallel()
		store := contesttest.New()
		seedPlan(t, store, "w1", "w2")
		store.FailOn["RecordTransaction"] = errors.New("connection lost")
		tr := &fakeTransferer{}

		_, err := newExecutor(t, store, tr, nil).Execute(ctx, scope)
		require.ErrorContains(t, err, "connection lost")
		require.Equal(t, []string{"w1"}, tr.calls)
	})
}

func TestShillbot_Executor_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: sbtesting.NewLogger(), Store: contesttest.New(), Transferer: &fakeTransferer{}}
	require.Error(t, cfg.Validate(), "credentials required outside dry run")
	cfg.DryRun = true
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
}
