package synthesis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
)

// Artifact is the generated test for one journey.
type Artifact struct {
	JourneyID string `json:"journey_id" yaml:"journey_id"`
	Name      string `json:"name" yaml:"name"`
	Prompt    string `json:"prompt" yaml:"prompt"`
	Source    string `json:"source" yaml:"source"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Synthesizer feeds journey prompts to a Generator. The generated source
// is written out as-is apart from stripping a markdown fence.
type Synthesizer struct {
	gen    schemas.Generator
	cfg    config.SynthesisConfig
	logger *zap.Logger
}

// NewSynthesizer wraps gen with the output settings in cfg.
func NewSynthesizer(gen schemas.Generator, cfg config.SynthesisConfig, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{gen: gen, cfg: cfg, logger: logger.Named("synthesis")}
}

// ForJourneys generates one artifact per journey. A failed journey is
// logged and skipped; the returned error joins every failure. Artifacts
// produced before a cancellation are still returned.
func (s *Synthesizer) ForJourneys(ctx context.Context, journeys []schemas.UserJourney, pages []*schemas.Page, deps []schemas.FieldDependency) ([]Artifact, error) {
	dir, err := s.outputDir()
	if err != nil {
		return nil, err
	}

	prompts := NewPromptBuilder(s.cfg.Framework, pages, deps)
	artifacts := make([]Artifact, 0, len(journeys))
	var errs []error

	for _, j := range journeys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		a := Artifact{JourneyID: j.ID, Name: j.Name, Prompt: prompts.Journey(j)}
		out, err := s.gen.Generate(ctx, a.Prompt, s.cfg.MaxTokens)
		if err != nil {
			s.logger.Warn("Test generation failed for journey.", zap.String("journey", j.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("journey %q: %w", j.Name, err))
			continue
		}
		a.Source = CleanSource(out)

		if dir != "" {
			a.Path = filepath.Join(dir, fileName(j, s.cfg.Framework))
			if err := os.WriteFile(a.Path, []byte(a.Source), 0o644); err != nil {
				errs = append(errs, fmt.Errorf("failed to write %s: %w", a.Path, err))
				a.Path = ""
			}
		}

		s.logger.Info("Generated test.", zap.String("journey", j.Name), zap.String("path", a.Path))
		artifacts = append(artifacts, a)
	}
	return artifacts, errors.Join(errs...)
}

func (s *Synthesizer) outputDir() (string, error) {
	if s.cfg.OutputDir == "" {
		return "", nil
	}
	dir, err := homedir.Expand(s.cfg.OutputDir)
	if err != nil {
		return "", fmt.Errorf("failed to expand output directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	return dir, nil
}

func fileName(j schemas.UserJourney, framework string) string {
	base := slug(j.Name)
	if base == "" {
		base = "journey"
	}
	if len(j.ID) >= 8 {
		base += "-" + j.ID[:8]
	}
	return base + fileExtension(framework)
}
