package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/discovery"
	"github.com/xkilldash9x/cartographer/internal/flows"
	"github.com/xkilldash9x/cartographer/internal/observability"
)

// newExploreCmd creates the `explore` command: depth-first interactive
// exploration followed by flow analysis of what was recorded.
func newExploreCmd() *cobra.Command {
	defaults := config.NewDefaultConfig()

	exploreCmd := &cobra.Command{
		Use:   "explore <url>",
		Short: "Explore an application by interacting with its elements",
		Long: `Explore performs clicks, form fills and selections depth first from the
given URL, records every state change as a transition and then condenses the
transitions into user journeys and field dependencies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			c, err := initializeComponents(ctx, cfg, logger)
			defer c.Shutdown()
			if err != nil {
				return err
			}

			target := ensureScheme(args[0])
			opts := discovery.DefaultExploreOptions(cfg)
			run := discovery.NewRun()
			logger.Info("Starting exploration",
				zap.String("run_id", run.ID),
				zap.String("target", target),
				zap.Int("max_depth", opts.MaxDepth),
				zap.Int("max_pages", opts.MaxPages),
				zap.Bool("include_forms", opts.IncludeForms),
			)

			res, exploreErr := c.Explorer.Explore(ctx, run, target, opts)
			if res == nil {
				return exploreErr
			}

			analysis := flows.NewAnalyzer(cfg.Journeys, logger).Analyze(res.Transitions, res.InteractionLog, res.Pages)
			report := newFlowReport(res.RunID, c.Graph, analysis)
			withStop(&report, res.Reason, res.Duration)
			if err := writeYAML(cmd, report); err != nil {
				return err
			}
			logger.Info("Exploration finished",
				zap.String("run_id", res.RunID),
				zap.Int("pages", len(res.Pages)),
				zap.Int("transitions", len(res.Transitions)),
				zap.Int("journeys", len(analysis.Journeys)),
				zap.String("reason", string(res.Reason)),
			)
			return exploreErr
		},
	}

	exploreCmd.Flags().IntP("max-depth", "d", defaults.Explore.MaxDepth, "Maximum interaction depth. (Overrides config/env)")
	exploreCmd.Flags().Int("max-pages", defaults.Explore.MaxPages, "Maximum number of distinct states to record. (Overrides config/env)")
	exploreCmd.Flags().Int("max-interactions", defaults.Explore.MaxInteractionsPerPage, "Maximum interactions tried per state. (Overrides config/env)")
	exploreCmd.Flags().Bool("include-forms", defaults.Explore.IncludeForms, "Fill and submit forms.")
	exploreCmd.Flags().Bool("headless", defaults.Browser.Headless, "Run browsers without a window.")

	bindFlags(exploreCmd, map[string]string{
		"max-depth":        "explore.max_depth",
		"max-pages":        "explore.max_pages",
		"max-interactions": "explore.max_interactions_per_page",
		"include-forms":    "explore.include_forms",
		"headless":         "browser.headless",
	})
	return exploreCmd
}
