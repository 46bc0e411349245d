package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsdesk/tracker-sync/internal/app"
	"github.com/opsdesk/tracker-sync/internal/auth"
	"github.com/opsdesk/tracker-sync/internal/config"
	"github.com/opsdesk/tracker-sync/internal/domain"
	"github.com/opsdesk/tracker-sync/internal/observability"
	"github.com/opsdesk/tracker-sync/internal/service"
)

// environment is what the subcommands operate on.
type environment struct {
	reconcile func(ctx context.Context, ticketID string, opts service.ReconcileOptions) (*service.ReconcileReport, error)
	sweep     func(ctx context.Context) (service.SweepReport, error)
	failed    func(ctx context.Context, limit int) ([]domain.FailedSync, error)
	tokens    *auth.TokenManager
	close     func()
}

type opener func(ctx context.Context) (*environment, error)

func openEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &environment{
		reconcile: engine.Reconciler.Reconcile,
		sweep:     engine.Outbound.SweepFailed,
		failed:    engine.Attempts.ListFailed,
		tokens:    auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes),
		close: func() {
			engine.Close()
			_ = logger.Sync()
		},
	}, nil
}

func newRootCmd(open opener) *cobra.Command {
	var env *environment
	var dryRun bool
	root := &cobra.Command{
		Use:   "reconcile <ticket-id>",
		Short: "Realign a ticket with its tracker issue",
		Long: `Realign a local ticket with its tracker issue.

Fetches the issue, reports every field that differs and overwrites the
tracker-owned fields (status and assignee) locally. Locally owned fields are
only reported. Use --dry-run to report without writing.

Subcommands retry failed pushes and list rows that need attention.
Configuration is read from the same environment variables as the API server.

Example:
  reconcile 3f1c9a52-8d0e-4c39-9a51-0c0f6b7c2e11 --dry-run`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			env, err = open(cmd.Context())
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if env != nil && env.close != nil {
				env.close()
			}
		},
	}
	root.RunE = func(cmd *cobra.Command, args []string) error {
		report, err := env.reconcile(cmd.Context(), args[0], service.ReconcileOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		return printReport(cmd, report)
	}
	root.Flags().BoolVar(&dryRun, "dry-run", false, "report differences without writing")
	root.PersistentFlags().Bool("json", false, "print machine-readable JSON")

	envFn := func() *environment { return env }
	root.AddCommand(newSweepCmd(envFn), newFailedCmd(envFn), newTokenCmd(envFn))
	return root
}
