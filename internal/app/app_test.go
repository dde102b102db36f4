package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/shillbot/pkg/config"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/contest/contesttest"
	sbtesting "github.com/malbeclabs/shillbot/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const (
	aliceWallet  = "AliceWallet1111111111111111111111"
	closedWindow = "20250102-1400"
)

type fakeTreasury struct {
	lamports int64
}

func (f *fakeTreasury) Balance(ctx context.Context) (int64, error) {
	return f.lamports, nil
}

type fakeTransferer struct {
	mu        sync.Mutex
	sent      []string
	checked   bool
	credsErr  error
	signature string
}

func (f *fakeTransferer) Transfer(ctx context.Context, wallet string, lamports int64) (contest.TransferStatus, *string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, wallet)
	sig := f.signature
	return contest.StatusSent, &sig, nil
}

func (f *fakeTransferer) CheckCredentials() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = true
	return f.credsErr
}

type harness struct {
	store *contesttest.Store
	out   *bytes.Buffer
	cfg   Config
	loc   *time.Location
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := config.Defaults()
	s.PublicDir = t.TempDir()
	mock := 1.0
	s.MockFeesSOL = &mock
	require.NoError(t, s.Validate())

	loc := s.Location()
	st := contesttest.New()
	out := &bytes.Buffer{}
	return &harness{
		store: st,
		out:   out,
		loc:   loc,
		cfg: Config{
			Logger:   sbtesting.NewLogger(),
			Settings: s,
			Clock:    clockwork.NewFakeClockAt(time.Date(2025, 1, 2, 15, 0, 0, 0, loc)),
			Out:      out,
			OpenStore: func(ctx context.Context) (Store, func(), error) {
				return st, func() {}, nil
			},
		},
	}
}

func (h *harness) app(t *testing.T) *App {
	t.Helper()
	a, err := New(h.cfg)
	require.NoError(t, err)
	return a
}

func (h *harness) run(t *testing.T, name string, args ...string) error {
	t.Helper()
	h.out.Reset()
	return h.app(t).Run(context.Background(), name, args)
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	at := func(hour int) time.Time { return time.Date(2025, 1, 2, hour, 0, 0, 0, h.loc) }
	for _, p := range []contest.Post{
		{ID: "a1", Handle: "alice", CreatedAt: at(10), Likes: 100, Reshares: 10},
		{ID: "c1", Handle: "carol", CreatedAt: at(11), Likes: 50},
	} {
		_, err := h.store.InsertPost(ctx, p)
		require.NoError(t, err)
	}
	require.NoError(t, h.store.UpsertRegistration(ctx, contest.Registration{Handle: "alice", Wallet: aliceWallet, RegisteredAt: at(9)}))
}

func TestShillbot_App_Dispatch(t *testing.T) {
	t.Parallel()

	t.Run("unknown command", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.ErrorIs(t, h.run(t, "nope"), ErrUsage)
	})

	t.Run("bad flag", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.ErrorIs(t, h.run(t, "score", "--bogus"), ErrUsage)
	})

	t.Run("missing required flag", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.ErrorIs(t, h.run(t, "blacklist"), ErrUsage)
		require.ErrorIs(t, h.run(t, "exclude-post", "--reason", "spam"), ErrUsage)
	})

	t.Run("usage lists every command", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		Usage(&buf)
		for _, c := range commands {
			require.Contains(t, buf.String(), c.name)
		}
	})

	t.Run("requires logger and output", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Out: &bytes.Buffer{}})
		require.ErrorContains(t, err, "logger is required")
		_, err = New(Config{Logger: sbtesting.NewLogger()})
		require.ErrorContains(t, err, "output writer is required")
	})

	t.Run("ingest without token", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.ErrorIs(t, h.run(t, "ingest-posts"), errNoXToken)
	})
}

func TestShillbot_App_Moderation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.run(t, "blacklist", "--handle", "@Alice", "--reason", "bot"))
	require.Contains(t, h.out.String(), "OK: blacklisted @alice")
	banned, err := h.store.BlacklistedHandles(ctx)
	require.NoError(t, err)
	require.Contains(t, banned, "alice")

	require.NoError(t, h.run(t, "exclude-post", "--id", "123", "--reason", "spam"))
	require.Contains(t, h.out.String(), "OK: excluded post 123")
	excluded, err := h.store.ExcludedPostIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, excluded, "123")
}

func TestShillbot_App_Score(t *testing.T) {
	t.Parallel()

	t.Run("no posts", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.NoError(t, h.run(t, "score"))
		require.Contains(t, h.out.String(), "No posts to score")
	})

	t.Run("prints every author", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.seed(t)
		require.NoError(t, h.run(t, "score"))
		out := h.out.String()
		require.Contains(t, out, "OK: Scored 2 authors")
		require.Contains(t, out, "@alice")
		require.Contains(t, out, "@carol")
	})
}

func TestShillbot_App_Close(t *testing.T) {
	t.Parallel()

	t.Run("closes and writes the report", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.seed(t)

		require.NoError(t, h.run(t, "close"))
		require.Contains(t, h.out.String(), "OK: Closed window "+closedWindow)

		dir := h.cfg.Settings.PublicDir
		require.FileExists(t, filepath.Join(dir, "latest.json"))
		require.FileExists(t, filepath.Join(dir, "history", closedWindow+".json"))

		plan, err := h.store.Plan(context.Background(), closedWindow)
		require.NoError(t, err)
		require.Len(t, plan, 1)
		require.Equal(t, aliceWallet, plan[0].Wallet)

		require.NoError(t, h.run(t, "close"))
		require.Contains(t, h.out.String(), "already closed")

		require.NoError(t, h.run(t, "close", "--force"))
		require.Contains(t, h.out.String(), "OK: Closed window "+closedWindow)
	})

	t.Run("closes an earlier window with --at", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.NoError(t, h.run(t, "close", "--at", "2025-01-01T23:30:00-06:00"))
		require.Contains(t, h.out.String(), "OK: Closed window 20250101-2300")
	})

	t.Run("rejects a malformed --at", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.ErrorIs(t, h.run(t, "close", "--at", "yesterday"), ErrUsage)
	})
}

func TestShillbot_App_ComputeAndPreview(t *testing.T) {
	t.Parallel()

	t.Run("requires a treasury", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.ErrorContains(t, h.run(t, "compute-payouts"), "SHILLBOT_TREASURY_PUBKEY")
	})

	t.Run("stores and previews the current plan", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.seed(t)
		h.cfg.Treasury = &fakeTreasury{lamports: 1_100_000_000}

		require.NoError(t, h.run(t, "preview-payouts"))
		require.Contains(t, h.out.String(), "Run 'compute-payouts' first.")

		require.NoError(t, h.run(t, "compute-payouts"))
		require.Contains(t, h.out.String(), "OK: Stored 1 payout plans for CURRENT")

		require.NoError(t, h.run(t, "preview-payouts"))
		out := h.out.String()
		require.Contains(t, out, "Payout plan CURRENT")
		require.Contains(t, out, "@alice")
		require.Contains(t, out, "TOTAL")
	})

	t.Run("nothing to plan", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.cfg.Treasury = &fakeTreasury{lamports: 1}
		require.NoError(t, h.run(t, "compute-payouts"))
		require.Contains(t, h.out.String(), "No payouts to plan")
	})
}

func TestShillbot_App_Exports(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seed(t)
	require.NoError(t, h.run(t, "close"))

	require.NoError(t, h.run(t, "export-payouts", "--scope", closedWindow))
	require.Contains(t, h.out.String(), "OK: Exported 1 payout plans to ")
	matches, err := filepath.Glob(filepath.Join(h.cfg.Settings.PublicDir, "exports", "payouts_"+closedWindow+"_*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.NoError(t, h.run(t, "export-all"))
	dir := filepath.Join(h.cfg.Settings.PublicDir, "exports", "20250102_210000")
	for _, name := range []string{"registrations.csv", "payout_plan.csv", "payout_transactions.csv", filepath.Join("shills", "posts.csv")} {
		require.FileExists(t, filepath.Join(dir, name))
	}
	posts, err := os.ReadFile(filepath.Join(dir, "shills", "posts.csv"))
	require.NoError(t, err)
	require.Contains(t, string(posts), "a1")
}

func TestShillbot_App_ExecutePayouts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("dry run records nothing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.seed(t)
		require.NoError(t, h.run(t, "close"))

		require.NoError(t, h.run(t, "execute-payouts", "--scope", closedWindow, "--dry-run"))
		require.Contains(t, h.out.String(), "OK: dry-run payouts for "+closedWindow)
		require.Contains(t, h.out.String(), "dry_run=1")

		txs, err := h.store.Transactions(ctx, closedWindow)
		require.NoError(t, err)
		require.Empty(t, txs)
	})

	t.Run("sends once per wallet", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.seed(t)
		tr := &fakeTransferer{signature: "sig1"}
		h.cfg.Transferer = tr
		require.NoError(t, h.run(t, "close"))

		require.NoError(t, h.run(t, "execute-payouts", "--scope", closedWindow))
		require.Contains(t, h.out.String(), "sent=1")
		require.Contains(t, h.out.String(), "sig1")
		require.True(t, tr.checked)
		require.Equal(t, []string{aliceWallet}, tr.sent)

		require.NoError(t, h.run(t, "execute-payouts", "--scope", closedWindow))
		require.Contains(t, h.out.String(), "already_handled=1")
		require.Len(t, tr.sent, 1)

		txs, err := h.store.Transactions(ctx, closedWindow)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		require.Equal(t, contest.StatusSent, txs[0].Status)
	})

	t.Run("no plan", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.NoError(t, h.run(t, "execute-payouts", "--dry-run"))
		require.Contains(t, h.out.String(), "No payout plan for CURRENT")
	})
}
