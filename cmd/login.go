package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forumcrawl/internal/observability"
	"github.com/xkilldash9x/forumcrawl/internal/session"
)

func newLoginCmd() *cobra.Command {
	var (
		force   bool
		headful bool
	)
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Make sure the saved session is logged in, waiting for a manual login if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if headful {
				cfg.SetBrowserHeadless(false)
			}
			if force {
				cfg.SetSiteForceLogin(true)
			}

			logger, runID := observability.WithRun(observability.GetLogger())
			logger.Info("Starting login run.", zap.Bool("force", cfg.Site().ForceLogin), zap.Bool("headless", cfg.Browser().Headless))

			orch, cleanup, err := buildSession(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			err = session.Run(ctx, orch, func(ctx context.Context, o *session.Orchestrator) error {
				_, err := o.EnsureLoggedIn(ctx, cfg.Site().ForceLogin)
				return err
			})
			if err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in; session saved (run %s).\n", runID)
			return nil
		},
	}

	loginCmd.Flags().BoolVar(&force, "force", false, "Skip the logged-in check and always open the login page.")
	loginCmd.Flags().BoolVar(&headful, "headful", false, "Show the browser window. Needed to log in by hand.")
	return loginCmd
}
