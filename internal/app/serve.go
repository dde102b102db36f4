package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/malbeclabs/shillbot/pkg/server"
	"golang.org/x/sync/errgroup"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func runServe(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("serve")
	schedule := fs.Bool("schedule", false, "also close windows at each configured close time")
	delay := fs.Duration("delay", 30*time.Second, "with --schedule, wait this long after each close time")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	publicDir := a.cfg.Settings.PublicDir
	if err := os.MkdirAll(publicDir, 0o755); err != nil {
		return fmt.Errorf("failed to create public dir: %w", err)
	}

	if !*schedule {
		return a.serve(ctx, nil)
	}
	return a.withStore(ctx, func(st Store) error {
		return a.serve(ctx, st, func(ctx context.Context) error {
			s, err := a.scheduler(st, *delay, false)
			if err != nil {
				return err
			}
			return s.Run(ctx)
		})
	})
}

// serve runs the HTTP server alongside any background jobs until ctx is done or one of them
// fails.
func (a *App) serve(ctx context.Context, st Store, jobs ...func(context.Context) error) error {
	cfg := server.Config{
		Logger:      a.log,
		ListenAddr:  a.cfg.Settings.HTTPAddr,
		PublicDir:   a.cfg.Settings.PublicDir,
		VersionInfo: a.cfg.Version,
	}
	if p, ok := st.(pinger); ok {
		cfg.Ready = p.Ping
	}
	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	for _, job := range jobs {
		g.Go(func() error {
			return job(gctx)
		})
	}
	a.log.Info("app: serving", "addr", cfg.ListenAddr, "public_dir", cfg.PublicDir, "jobs", len(jobs))
	return g.Wait()
}
