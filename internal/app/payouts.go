package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/shillbot/pkg/contest"
	"github.com/malbeclabs/shillbot/pkg/executor"
	"github.com/malbeclabs/shillbot/pkg/payout"
	"github.com/malbeclabs/shillbot/pkg/report"
	"github.com/malbeclabs/shillbot/pkg/settlement"
	"github.com/malbeclabs/shillbot/pkg/sol"
)

func runComputePayouts(ctx context.Context, a *App, args []string) error {
	if err := parseFlags(a.flagSet("compute-payouts"), args); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		c, err := a.closer(st)
		if err != nil {
			return err
		}
		res, err := c.ComputeCurrent(ctx)
		if errors.Is(err, settlement.ErrNoTreasury) {
			return errors.New("SHILLBOT_TREASURY_PUBKEY is required to compute payouts")
		}
		if err != nil {
			return err
		}

		a.printf("Treasury balance: %.9f SOL\n", contest.LamportsToSOL(res.Balance))
		a.printf("Gas reserve:      %.9f SOL\n", contest.LamportsToSOL(a.cfg.Settings.GasReserve()))
		a.printf("Distributable:    %.9f SOL\n", contest.LamportsToSOL(res.Distributable))
		if len(res.Plan) == 0 {
			a.printf("No payouts to plan (%d ranked authors)\n", len(res.Ranked))
			return nil
		}
		a.printf("OK: Stored %d payout plans for %s totaling %.9f SOL\n",
			len(res.Plan), contest.CurrentScope, contest.LamportsToSOL(payout.Total(res.Plan)))
		return nil
	})
}

func runPreviewPayouts(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("preview-payouts")
	scope := fs.String("scope", contest.CurrentScope, "plan scope: CURRENT or a window id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		entries, err := st.Plan(ctx, *scope)
		if err != nil {
			return err
		}
		if err := report.PreviewTable(a.cfg.Out, *scope, entries); err != nil {
			return err
		}
		if len(entries) == 0 && *scope == contest.CurrentScope {
			a.printf("Run 'compute-payouts' first.\n")
		}
		return nil
	})
}

func runExportPayouts(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("export-payouts")
	scope := fs.String("scope", contest.CurrentScope, "plan scope: CURRENT or a window id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		entries, err := st.Plan(ctx, *scope)
		if err != nil {
			return err
		}
		path, err := report.ExportPlan(a.cfg.Settings.PublicDir, *scope, entries, a.cfg.Clock.Now())
		if err != nil {
			return err
		}
		a.printf("OK: Exported %d payout plans to %s\n", len(entries), path)
		return nil
	})
}

func runExportAll(ctx context.Context, a *App, args []string) error {
	if err := parseFlags(a.flagSet("export-all"), args); err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		paths, err := report.ExportAll(ctx, st, a.cfg.Settings.PublicDir, a.cfg.Settings.InsiderSet(), a.cfg.Clock.Now())
		if err != nil {
			return err
		}
		a.printf("OK: Exported to %s\n", paths.Dir)
		for _, p := range []string{paths.Registrations, paths.Posts, paths.Plans, paths.Transactions} {
			a.printf("  %s\n", p)
		}
		return nil
	})
}

// payer picks the transferer for a run. Dry runs never load the keypair.
func (a *App) payer(dryRun bool) (executor.Transferer, executor.CredentialChecker, error) {
	if a.cfg.Transferer != nil {
		if dryRun {
			return a.cfg.Transferer, nil, nil
		}
		return a.cfg.Transferer, a.cfg.Transferer, nil
	}
	if dryRun {
		return sol.NewDryRunPayer(a.log), nil, nil
	}
	client, err := a.solanaRPC()
	if err != nil {
		return nil, nil, err
	}
	p := sol.NewPayer(a.log, client, a.cfg.Settings.TreasuryKeypairPath)
	return p, p, nil
}

func runExecutePayouts(ctx context.Context, a *App, args []string) error {
	fs := a.flagSet("execute-payouts")
	scope := fs.String("scope", contest.CurrentScope, "plan scope: CURRENT or a window id")
	dryRun := fs.Bool("dry-run", a.cfg.Settings.DryRun, "simulate transfers without sending")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	transferer, creds, err := a.payer(*dryRun)
	if err != nil {
		return err
	}
	n, err := a.notifier()
	if err != nil {
		return err
	}
	return a.withStore(ctx, func(st Store) error {
		exec, err := executor.New(executor.Config{
			Logger:      a.log,
			Clock:       a.cfg.Clock,
			Store:       st,
			Transferer:  transferer,
			Credentials: creds,
			DryRun:      *dryRun,
			MaxPerRun:   a.cfg.Settings.MaxPayoutsPerRun,
		})
		if err != nil {
			return err
		}
		s, err := exec.Execute(ctx, *scope)
		if err != nil {
			n.Error(ctx, "execute-payouts", err)
			return err
		}
		n.PayoutsExecuted(ctx, s, *dryRun)

		if s.Planned == 0 {
			a.printf("No payout plan for %s\n", *scope)
			return nil
		}
		mode := "sent"
		if *dryRun {
			mode = "dry-run"
		}
		a.printf("OK: %s payouts for %s (%s)\n", mode, *scope, summaryCounts(s))
		for _, tx := range s.Transactions {
			sig := "-"
			if tx.Signature != nil {
				sig = *tx.Signature
			}
			a.printf("  %-8s %s %.9f SOL %s\n", tx.Status, report.ShortWallet(tx.Wallet), contest.LamportsToSOL(tx.Amount), sig)
		}
		return nil
	})
}

func summaryCounts(s executor.Summary) string {
	return fmt.Sprintf("planned=%d already_handled=%d deferred=%d sent=%d failed=%d dry_run=%d",
		s.Planned, s.AlreadyHandled, s.Deferred, s.Sent, s.Failed, s.DryRun)
}
