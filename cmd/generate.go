package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/observability"
	"github.com/xkilldash9x/cartographer/internal/synthesis"
)

// newGenerateCmd creates the `generate` command, which turns the journeys of
// a stored run into test sources.
func newGenerateCmd() *cobra.Command {
	defaults := config.NewDefaultConfig()
	var runID string

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate end-to-end tests for the journeys of a stored run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			run, err := loadRun(ctx, cfg, runID, logger)
			if err != nil {
				return err
			}
			if len(run.Analysis.Journeys) == 0 {
				logger.Warn("Run has no journeys to generate tests for", zap.String("run_id", runID))
			}

			gen, err := newGenerator(ctx, cfg, logger)
			if err != nil {
				return err
			}
			artifacts, genErr := synthesis.NewSynthesizer(gen, cfg.Synthesis, logger).
				ForJourneys(ctx, run.Analysis.Journeys, run.Pages, run.Analysis.Dependencies)

			report := generateReport{RunID: runID, Artifacts: make([]artifactSummary, 0, len(artifacts))}
			for _, a := range artifacts {
				s := artifactSummary{JourneyID: a.JourneyID, Name: a.Name, Path: a.Path}
				if a.Path == "" {
					s.Source = a.Source
				}
				report.Artifacts = append(report.Artifacts, s)
			}
			if genErr != nil {
				report.Failures = failureMessages(genErr)
			}
			if err := writeYAML(cmd, report); err != nil {
				return err
			}
			if len(artifacts) == 0 && genErr != nil {
				return genErr
			}
			return nil
		},
	}

	generateCmd.Flags().StringVar(&runID, "run", "", "ID of the stored run")
	generateCmd.Flags().String("framework", defaults.Synthesis.Framework, "Target test framework (playwright, cypress, selenium, go)")
	generateCmd.Flags().String("out-dir", defaults.Synthesis.OutputDir, "Directory for generated sources, empty to print them")
	_ = generateCmd.MarkFlagRequired("run")

	bindFlags(generateCmd, map[string]string{
		"framework": "synthesis.framework",
		"out-dir":   "synthesis.output_dir",
	})
	return generateCmd
}

// failureMessages flattens an errors.Join result.
func failureMessages(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
