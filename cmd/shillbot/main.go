package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/shillbot/internal/app"
	"github.com/malbeclabs/shillbot/pkg/config"
	"github.com/malbeclabs/shillbot/pkg/metrics"
	"github.com/malbeclabs/shillbot/pkg/server"
	"github.com/malbeclabs/shillbot/utils/pkg/logger"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, app.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("shillbot", flag.ContinueOnError)
	fs.SetInterspersed(false)
	verboseFlag := fs.BoolP("verbose", "v", false, "Enable verbose (debug) logging")
	versionFlag := fs.Bool("version", false, "Print the version and exit")
	fs.Usage = func() {
		app.Usage(os.Stderr)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Global flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %w", app.ErrUsage, err)
	}
	if *versionFlag {
		fmt.Printf("shillbot %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("%w: no command given", app.ErrUsage)
	}

	log := logger.New(*verboseFlag)

	settings, err := config.Load()
	if err != nil {
		return err
	}

	if settings.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     settings.SentryDSN,
			Release: "shillbot@" + version,
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Config{
		Logger:   log,
		Settings: settings,
		Out:      os.Stdout,
		Version:  server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return err
	}

	command, args := fs.Arg(0), fs.Args()[1:]
	err = a.Run(ctx, command, args)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, flag.ErrHelp):
		return nil
	case errors.Is(err, app.ErrUsage):
		app.Usage(os.Stderr)
		return err
	}
	if settings.SentryDSN != "" {
		sentry.CaptureException(err)
	}
	log.Error("command failed", "command", command, "run_id", a.RunID(), "error", err)
	return err
}
