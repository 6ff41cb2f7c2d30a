package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/flowgraph"
	"github.com/xkilldash9x/cartographer/internal/flows"
	"github.com/xkilldash9x/cartographer/internal/observability"
	"github.com/xkilldash9x/cartographer/internal/store"
)

// storedRun is a run loaded back from the store.
type storedRun struct {
	Pages    []*schemas.Page
	Graph    *flowgraph.Graph
	Analysis flows.Result
}

// loadRun reads a run and analyzes its transitions. Stored runs carry no
// interaction log, so no field dependencies are inferred.
func loadRun(ctx context.Context, cfg *config.Config, runID string, logger *zap.Logger) (*storedRun, error) {
	repo, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("Error closing store", zap.Error(err))
		}
	}()

	pages, err := repo.FindPages(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, schemas.ErrNotFound)
	}
	transitions, err := repo.FindTransitions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}

	g := flowgraph.FromRecords(ctx, pages, transitions, logger)
	analysis := flows.NewAnalyzer(cfg.Journeys, logger).Analyze(g.Transitions(), nil, g.Pages())
	return &storedRun{Pages: pages, Graph: g, Analysis: analysis}, nil
}

// newJourneysCmd creates the `journeys` command, which re-runs flow analysis
// on a stored run.
func newJourneysCmd() *cobra.Command {
	var runID string

	journeysCmd := &cobra.Command{
		Use:   "journeys",
		Short: "Derive user journeys from a stored run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			run, err := loadRun(cmd.Context(), cfg, runID, logger)
			if err != nil {
				return err
			}
			return writeYAML(cmd, newFlowReport(runID, run.Graph, run.Analysis))
		},
	}

	journeysCmd.Flags().StringVar(&runID, "run", "", "ID of the stored run")
	_ = journeysCmd.MarkFlagRequired("run")
	return journeysCmd
}
