package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/discovery"
	"github.com/xkilldash9x/cartographer/internal/flowgraph"
	"github.com/xkilldash9x/cartographer/internal/flows"
)

type pageSummary struct {
	ID         string           `yaml:"id"`
	URL        string           `yaml:"url"`
	Title      string           `yaml:"title,omitempty"`
	Kind       schemas.PageKind `yaml:"kind"`
	StateKey   string           `yaml:"state_key,omitempty"`
	Components int              `yaml:"components"`
	Links      int              `yaml:"links"`
	Screenshot string           `yaml:"screenshot,omitempty"`
}

type crawlReport struct {
	RunID    string        `yaml:"run_id"`
	Reason   string        `yaml:"reason"`
	Duration string        `yaml:"duration"`
	Pages    []pageSummary `yaml:"pages"`
}

type flowReport struct {
	RunID        string                    `yaml:"run_id"`
	Reason       string                    `yaml:"reason,omitempty"`
	Duration     string                    `yaml:"duration,omitempty"`
	Pages        []pageSummary             `yaml:"pages"`
	Transitions  []schemas.Transition      `yaml:"transitions"`
	Hubs         []string                  `yaml:"hubs,omitempty"`
	Paths        int                       `yaml:"paths"`
	Journeys     []schemas.UserJourney     `yaml:"journeys"`
	Dependencies []schemas.FieldDependency `yaml:"dependencies,omitempty"`
}

type artifactSummary struct {
	JourneyID string `yaml:"journey_id"`
	Name      string `yaml:"name"`
	Path      string `yaml:"path,omitempty"`
	Source    string `yaml:"source,omitempty"`
}

type generateReport struct {
	RunID     string            `yaml:"run_id"`
	Artifacts []artifactSummary `yaml:"artifacts"`
	Failures  []string          `yaml:"failures,omitempty"`
}

func summarize(pages []schemas.Page) []pageSummary {
	out := make([]pageSummary, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageSummary{
			ID:         p.ID,
			URL:        p.URL,
			Title:      p.Title,
			Kind:       p.Kind,
			StateKey:   p.StateKey,
			Components: len(p.Components),
			Links:      len(p.Links),
			Screenshot: p.ScreenshotPath,
		})
	}
	return out
}

func newFlowReport(runID string, g *flowgraph.Graph, analysis flows.Result) flowReport {
	return flowReport{
		RunID:        runID,
		Pages:        summarize(g.Pages()),
		Transitions:  g.Transitions(),
		Hubs:         g.Hubs(5),
		Paths:        analysis.Paths,
		Journeys:     analysis.Journeys,
		Dependencies: analysis.Dependencies,
	}
}

func withStop(r *flowReport, reason discovery.StopReason, d time.Duration) {
	r.Reason = string(reason)
	r.Duration = d.Round(time.Millisecond).String()
}

// writeYAML encodes v to the --output file or to the command's stdout.
func writeYAML(cmd *cobra.Command, v interface{}) (err error) {
	var w io.Writer = cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return enc.Close()
}

// ensureScheme defaults bare hosts to https.
func ensureScheme(target string) string {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return "https://" + target
	}
	return target
}
