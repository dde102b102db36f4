// Package app wires settings, storage and collaborators into the shillbot commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/shillbot/pkg/config"
	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/ingest"
	"github.com/malbeclabs/shillbot/pkg/notify"
	"github.com/malbeclabs/shillbot/pkg/report"
	"github.com/malbeclabs/shillbot/pkg/server"
	"github.com/malbeclabs/shillbot/pkg/settlement"
	"github.com/malbeclabs/shillbot/pkg/sol"
	"github.com/malbeclabs/shillbot/pkg/store"
	"github.com/malbeclabs/shillbot/pkg/xapi"
)

// ErrUsage is returned for unknown commands and bad arguments.
var ErrUsage = errors.New("usage error")

// Store is the persistence the commands need.
type Store interface {
	contest.Store
	contest.Exporter
}

// StoreOpener connects to storage. The returned func releases it.
type StoreOpener func(ctx context.Context) (Store, func(), error)

type Config struct {
	Logger   *slog.Logger
	Settings config.Settings
	Clock    clockwork.Clock
	Out      io.Writer
	Version  server.VersionInfo

	// OpenStore defaults to PostgreSQL from Settings.Postgres.
	OpenStore StoreOpener
	// Treasury overrides the RPC balance reader. Optional.
	Treasury settlement.BalanceReader
	// Searcher overrides the X API client. Optional.
	Searcher ingest.Searcher
	// Transferer overrides the Solana payer. Optional.
	Transferer Transferer
}

// Transferer sends payouts and verifies it can sign.
type Transferer interface {
	Transfer(ctx context.Context, wallet string, lamports int64) (contest.TransferStatus, *string, error)
	CheckCredentials() error
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Out == nil {
		return errors.New("output writer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.OpenStore == nil {
		cfg.OpenStore = postgresOpener(cfg.Logger, cfg.Settings)
	}
	return nil
}

// App runs one command per process. Each run gets its own run id.
type App struct {
	log   *slog.Logger
	cfg   Config
	runID string

	rpcClient *rpc.Client
}

func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	return &App{log: cfg.Logger.With("run_id", runID), cfg: cfg, runID: runID}, nil
}

// RunID identifies this process run in logs and report notes.
func (a *App) RunID() string {
	return a.runID
}

func postgresOpener(log *slog.Logger, s config.Settings) StoreOpener {
	return func(ctx context.Context) (Store, func(), error) {
		if err := s.ValidateDatabase(); err != nil {
			return nil, nil, err
		}
		pool, err := store.Connect(ctx, s.Postgres.ConnString())
		if err != nil {
			return nil, nil, err
		}
		st, err := store.New(store.Config{Logger: log, Pool: pool})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	}
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.cfg.Out, format, args...)
}

func (a *App) solanaRPC() (*rpc.Client, error) {
	if a.rpcClient != nil {
		return a.rpcClient, nil
	}
	c, err := sol.NewRPCClient(a.cfg.Settings.RPCURL)
	if err != nil {
		return nil, err
	}
	a.rpcClient = c
	return c, nil
}

// treasury returns the balance reader, or nil when no treasury pubkey is configured.
func (a *App) treasury() (settlement.BalanceReader, error) {
	if a.cfg.Treasury != nil {
		return a.cfg.Treasury, nil
	}
	if a.cfg.Settings.TreasuryPubkey == "" {
		return nil, nil
	}
	client, err := a.solanaRPC()
	if err != nil {
		return nil, err
	}
	t, err := sol.NewTreasury(client, a.cfg.Settings.TreasuryPubkey)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (a *App) searcher() (ingest.Searcher, bool, error) {
	if a.cfg.Searcher != nil {
		return a.cfg.Searcher, true, nil
	}
	s := a.cfg.Settings
	c, err := xapi.New(xapi.Config{
		Logger:            a.log,
		BaseURL:           s.XAPIBaseURL,
		BearerToken:       s.XBearerToken,
		RequestsPerSecond: s.XRequestsPerS,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create x api client: %w", err)
	}
	return c, c.Enabled(), nil
}

// ingestor returns nil without error when no X API token is configured.
func (a *App) ingestor(repo contest.Repository) (*ingest.Ingestor, error) {
	searcher, enabled, err := a.searcher()
	if err != nil || !enabled {
		return nil, err
	}
	s := a.cfg.Settings
	return ingest.New(ingest.Config{
		Logger:          a.log,
		Clock:           a.cfg.Clock,
		Searcher:        searcher,
		Repo:            repo,
		CoinHandle:      s.CoinHandle,
		CoinTicker:      s.CoinTicker,
		TokenMint:       s.TokenMint,
		RegisterHashtag: s.RegisterHashtag,
	})
}

func (a *App) closer(st contest.Store) (*settlement.Closer, error) {
	s := a.cfg.Settings
	treasury, err := a.treasury()
	if err != nil {
		return nil, err
	}
	cfg := settlement.Config{
		Logger:         a.log,
		Clock:          a.cfg.Clock,
		Store:          st,
		Schedule:       s.Schedule(),
		Treasury:       treasury,
		MockFees:       s.MockFees(),
		TokenMint:      s.TokenMint,
		MinTokenAmount: s.MinTokenAmount,
		Insiders:       s.InsiderSet(),
		GasReserve:     s.GasReserve(),
		PotShare:       s.PotShare,
		MarketingShare: s.MarketingShare,
		DevShare:       s.DevShare,
		MinPayout:      s.MinPayout(),
		TopN:           s.TopN,
		RunID:          a.runID,
	}
	ing, err := a.ingestor(st)
	if err != nil {
		return nil, err
	}
	if ing != nil {
		cfg.Refresher = ing
	}
	if s.TokenMint != "" && s.MinTokenAmount > 0 {
		client, err := a.solanaRPC()
		if err != nil {
			return nil, err
		}
		cfg.TokenReader = sol.NewTokenBalances(client)
	}
	return settlement.New(cfg)
}

func (a *App) notifier() (*notify.Notifier, error) {
	return notify.New(notify.Config{Logger: a.log, WebhookURL: a.cfg.Settings.SlackWebhookURL})
}

// publishReport writes the report locally and mirrors it to S3 when a bucket is configured.
// A failed upload is logged; the local files are authoritative.
func (a *App) publishReport(ctx context.Context, r report.Report) (report.Paths, error) {
	paths, payload, err := report.Write(a.cfg.Settings.PublicDir, r)
	if err != nil {
		return report.Paths{}, err
	}
	if a.cfg.Settings.S3Bucket == "" {
		return paths, nil
	}
	pub, err := report.NewS3Publisher(ctx, a.log, a.cfg.Settings.S3Bucket, a.cfg.Settings.S3Prefix)
	if err == nil {
		err = pub.Publish(ctx, r.WindowID, payload)
	}
	if err != nil {
		a.log.Warn("app: failed to publish report to s3", "window_id", r.WindowID, "error", err)
	}
	return paths, nil
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *App, args []string) error
}

var commands = []command{
	{"migrate", "apply database migrations [up|down|status]", runMigrate},
	{"ingest-posts", "collect posts mentioning the coin", runIngestPosts},
	{"ingest-registrations", "collect wallet registrations", runIngestRegistrations},
	{"score", "score all stored posts and print the top authors", runScore},
	{"close", "close the most recent window [--force] [--at RFC3339]", runClose},
	{"compute-payouts", "plan payouts over all stored posts (scope CURRENT)", runComputePayouts},
	{"preview-payouts", "print a payout plan [--scope]", runPreviewPayouts},
	{"export-payouts", "write a payout plan as CSV [--scope]", runExportPayouts},
	{"export-all", "write every table as CSV", runExportAll},
	{"execute-payouts", "send a payout plan [--scope] [--dry-run]", runExecutePayouts},
	{"blacklist", "ban a handle from payouts --handle --reason", runBlacklist},
	{"exclude-post", "exclude a post from scoring --id --reason", runExcludePost},
	{"serve", "serve the public directory and metrics [--schedule]", runServe},
	{"schedule", "close windows at each configured close time", runSchedule},
}

// Usage lists the commands.
func Usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: shillbot <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	width := 0
	for _, c := range commands {
		names = append(names, c.name)
		width = max(width, len(c.name))
	}
	sort.Strings(names)
	for _, name := range names {
		c, _ := lookup(name)
		fmt.Fprintf(w, "  %-*s  %s\n", width, c.name, c.summary)
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// Run executes the named command with its arguments.
func (a *App) Run(ctx context.Context, name string, args []string) error {
	c, ok := lookup(strings.TrimSpace(name))
	if !ok {
		return fmt.Errorf("%w: unknown command %q", ErrUsage, name)
	}
	a.log.Debug("app: running command", "command", c.name, "args", args)
	return c.run(ctx, a, args)
}

func (a *App) withStore(ctx context.Context, fn func(Store) error) error {
	st, release, err := a.cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer release()
	return fn(st)
}
