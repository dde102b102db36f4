package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/store"
)

var errNoXToken = errors.New("SHILLBOT_X_API_BEARER_TOKEN is required")

func runMigrate(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("migrate")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := a.cfg.Settings.ValidateDatabase(); err != nil {
		return err
	}
	connString := a.cfg.Settings.Postgres.ConnString()

	switch dir := fs.Arg(0); dir {
	case "", "up":
		return store.MigrateUp(ctx, a.log, connString)
	case "down":
		return store.MigrateDown(ctx, a.log, connString)
	case "status":
		return store.MigrateStatus(ctx, a.log, connString)
	default:
		return fmt.Errorf("%w: unknown migrate direction %q", ErrUsage, dir)
	}
}

func runIngestPosts(ctx context.Context, a *App, args []string) error {
	if err := parseFlags(a.flagSet("ingest-posts"), args); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		ing, err := a.ingestor(st)
		if err != nil {
			return err
		}
		if ing == nil {
			return errNoXToken
		}
		counts, err := ing.IngestPosts(ctx)
		if err != nil {
			return err
		}
		a.printf("OK: posts %s\n", counts)
		return nil
	})
}

func runIngestRegistrations(ctx context.Context, a *App, args []string) error {
	if err := parseFlags(a.flagSet("ingest-registrations"), args); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		ing, err := a.ingestor(st)
		if err != nil {
			return err
		}
		if ing == nil {
			return errNoXToken
		}
		counts, err := ing.IngestRegistrations(ctx)
		if err != nil {
			return err
		}
		a.printf("OK: registrations %s\n", counts)
		return nil
	})
}

func runBlacklist(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("blacklist")
	handle := fs.String("handle", "", "handle to ban from payouts")
	reason := fs.String("reason", "", "why the handle is banned")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("handle", *handle); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		if err := st.BlacklistHandle(ctx, *handle, *reason, a.cfg.Clock.Now().UTC()); err != nil {
			return err
		}
		a.log.Info("app: handle blacklisted", "handle", *handle, "reason", *reason)
		a.printf("OK: blacklisted @%s\n", contest.NormalizeHandle(*handle))
		return nil
	})
}

func runExcludePost(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("exclude-post")
	id := fs.String("id", "", "post id to exclude from scoring")
	reason := fs.String("reason", "", "why the post is excluded")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requireFlag("id", *id); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		if err := st.ExcludePost(ctx, *id, *reason, a.cfg.Clock.Now().UTC()); err != nil {
			return err
		}
		a.log.Info("app: post excluded", "post_id", *id, "reason", *reason)
		a.printf("OK: excluded post %s\n", *id)
		return nil
	})
}
