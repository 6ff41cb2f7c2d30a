package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/discovery"
	"github.com/xkilldash9x/cartographer/internal/observability"
)

// newCrawlCmd creates the `crawl` command: a concurrent link crawl from one URL.
func newCrawlCmd() *cobra.Command {
	defaults := config.NewDefaultConfig()

	crawlCmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl an application by following links",
		Args:  cobra.ExactArgs(1),
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
			run := discovery.NewRun()
			logger.Info("Starting crawl",
				zap.String("run_id", run.ID),
				zap.String("target", target),
				zap.Int("max_pages", cfg.Crawl.MaxPages),
				zap.Int("workers", cfg.Crawl.Workers()),
			)

			res, crawlErr := c.Explorer.Crawl(ctx, run, target, cfg.Crawl.MaxPages)
			if res == nil {
				return crawlErr
			}

			report := crawlReport{
				RunID:    res.RunID,
				Reason:   string(res.Reason),
				Duration: res.Duration.Round(time.Millisecond).String(),
				Pages:    summarize(res.Pages),
			}
			if err := writeYAML(cmd, report); err != nil {
				return err
			}
			logger.Info("Crawl finished", zap.String("run_id", res.RunID), zap.Int("pages", len(res.Pages)), zap.String("reason", string(res.Reason)))
			return crawlErr
		},
	}

	crawlCmd.Flags().Int("max-pages", defaults.Crawl.MaxPages, "Maximum number of pages to visit. (Overrides config/env)")
	crawlCmd.Flags().IntP("concurrency", "j", defaults.Crawl.Concurrency, "Concurrent crawl workers, 0 for one per CPU. (Overrides config/env)")
	crawlCmd.Flags().Duration("timeout", defaults.Crawl.Timeout, "Overall crawl time limit. (Overrides config/env)")
	crawlCmd.Flags().Bool("subdomains", defaults.Crawl.IncludeSubdomains, "Follow links to subdomains of the target.")
	crawlCmd.Flags().Bool("headless", defaults.Browser.Headless, "Run browsers without a window.")

	bindFlags(crawlCmd, map[string]string{
		"max-pages":   "crawl.max_pages",
		"concurrency": "crawl.concurrency",
		"timeout":     "crawl.timeout",
		"subdomains":  "crawl.include_subdomains",
		"headless":    "browser.headless",
	})
	return crawlCmd
}
