// internal/flows/analyzer.go
package flows

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
)

// Analyzer compresses recorded transitions into a small set of
// representative user journeys and infers dependencies between form fields.
type Analyzer struct {
	cfg    config.JourneyConfig
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(cfg config.JourneyConfig, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{cfg: cfg, logger: logger.Named("FlowAnalyzer")}
}

// Result is the output of Analyze.
type Result struct {
	Journeys     []schemas.UserJourney     `json:"journeys" yaml:"journeys"`
	Dependencies []schemas.FieldDependency `json:"dependencies" yaml:"dependencies"`
	Paths        int                       `json:"paths" yaml:"paths"`
}

// Analyze runs the whole pipeline: index, entry points, path enumeration,
// journey selection and field dependency inference. pages may be nil; it
// is used for journey names.
func (a *Analyzer) Analyze(transitions []schemas.Transition, log []schemas.InteractionRecord, pages []schemas.Page) Result {
	index := BuildTransitionIndex(transitions)
	entries := a.EntryPoints(transitions)
	paths := a.EnumeratePaths(index, entries, a.cfg.MaxDepth)
	journeys := a.SelectJourneys(paths, a.cfg.MinLength, a.cfg.MaxCount)
	a.name(journeys, pages)

	deps := InferFieldDependencies(log)
	a.logger.Info("Flow analysis complete.",
		zap.Int("transitions", len(transitions)),
		zap.Int("entry_points", len(entries)),
		zap.Int("paths", len(paths)),
		zap.Int("journeys", len(journeys)),
		zap.Int("dependencies", len(deps)))
	return Result{Journeys: journeys, Dependencies: deps, Paths: len(paths)}
}

// BuildTransitionIndex groups transitions by source page, keeping their
// recorded order.
func BuildTransitionIndex(transitions []schemas.Transition) map[string][]schemas.Transition {
	index := make(map[string][]schemas.Transition)
	for _, t := range transitions {
		index[t.SourcePageID] = append(index[t.SourcePageID], t)
	}
	return index
}

// EntryPoints returns the pages no transition arrives at, in order of first
// appearance. When every page has an incoming transition the most connected
// pages are used instead.
func (a *Analyzer) EntryPoints(transitions []schemas.Transition) []string {
	incoming := make(map[string]int)
	degree := make(map[string]int)
	var order []string
	seen := make(map[string]bool)
	note := func(id string) {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	for _, t := range transitions {
		note(t.SourcePageID)
		note(t.TargetPageID)
		if t.SourcePageID != t.TargetPageID {
			incoming[t.TargetPageID]++
		}
		degree[t.SourcePageID]++
		degree[t.TargetPageID]++
	}

	var roots []string
	for _, id := range order {
		if incoming[id] == 0 {
			roots = append(roots, id)
		}
	}
	if len(roots) > 0 {
		return roots
	}

	hubs := append([]string(nil), order...)
	sort.SliceStable(hubs, func(i, j int) bool { return degree[hubs[i]] > degree[hubs[j]] })
	fanout := a.cfg.EntryFanout
	if fanout <= 0 {
		fanout = 1
	}
	if len(hubs) > fanout {
		hubs = hubs[:fanout]
	}
	return hubs
}

// pathFrame is one step of the iterative DFS.
type pathFrame struct {
	page string
	path []schemas.Transition
}

// EnumeratePaths walks every path from each entry point. A transition never
// appears twice in one path. A path ends when its last page has no unused
// outgoing transition or it holds maxDepth transitions. Enumeration stops
// after the configured maximum number of paths.
func (a *Analyzer) EnumeratePaths(index map[string][]schemas.Transition, entries []string, maxDepth int) [][]schemas.Transition {
	var paths [][]schemas.Transition
	limit := a.cfg.MaxPaths

	for _, entry := range entries {
		stack := []pathFrame{{page: entry}}
		for len(stack) > 0 {
			if limit > 0 && len(paths) >= limit {
				a.logger.Warn("Path limit reached, enumeration truncated.", zap.Int("limit", limit))
				return paths
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if maxDepth > 0 && len(f.path) >= maxDepth {
				paths = append(paths, f.path)
				continue
			}
			next := unused(index[f.page], f.path)
			if len(next) == 0 {
				if len(f.path) > 0 {
					paths = append(paths, f.path)
				}
				continue
			}
			// Pushed in reverse so the first recorded transition is walked first.
			for i := len(next) - 1; i >= 0; i-- {
				p := make([]schemas.Transition, len(f.path), len(f.path)+1)
				copy(p, f.path)
				stack = append(stack, pathFrame{page: next[i].TargetPageID, path: append(p, next[i])})
			}
		}
	}
	return paths
}

func unused(candidates, path []schemas.Transition) []schemas.Transition {
	if len(path) == 0 {
		return candidates
	}
	used := make(map[string]bool, len(path))
	for _, t := range path {
		used[edgeKey(t)] = true
	}
	var out []schemas.Transition
	for _, t := range candidates {
		if !used[edgeKey(t)] {
			out = append(out, t)
		}
	}
	return out
}

// edgeKey identifies a transition, falling back to its endpoints and
// trigger when it has no ID.
func edgeKey(t schemas.Transition) string {
	if t.ID != "" {
		return t.ID
	}
	return t.SourcePageID + "\x00" + t.TargetPageID + "\x00" + string(t.Kind) + "\x00" + t.Locator.String()
}

// Overlap is the number of transitions two paths share divided by the
// length of the shorter one.
func Overlap(a, b []schemas.Transition) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	in := make(map[string]bool, len(a))
	for _, t := range a {
		in[edgeKey(t)] = true
	}
	shared := 0
	counted := make(map[string]bool, len(b))
	for _, t := range b {
		k := edgeKey(t)
		if in[k] && !counted[k] {
			counted[k] = true
			shared++
		}
	}
	return float64(shared) / float64(min(len(a), len(b)))
}

// SelectJourneys keeps the longest paths that are not near-duplicates of
// one already kept. A path is rejected when its overlap with any kept
// journey exceeds the configured threshold.
func (a *Analyzer) SelectJourneys(paths [][]schemas.Transition, minLength, maxCount int) []schemas.UserJourney {
	candidates := make([][]schemas.Transition, 0, len(paths))
	for _, p := range paths {
		if len(p) >= minLength && len(p) > 0 {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })

	threshold := a.cfg.OverlapThreshold
	if threshold <= 0 {
		threshold = 0.7
	}

	var accepted []schemas.UserJourney
	for _, p := range candidates {
		if maxCount > 0 && len(accepted) >= maxCount {
			break
		}
		distinct := true
		for _, j := range accepted {
			if Overlap(p, j.Steps) > threshold {
				distinct = false
				break
			}
		}
		if distinct {
			accepted = append(accepted, schemas.UserJourney{ID: journeyID(p), Steps: p})
		}
	}
	return accepted
}

func journeyID(path []schemas.Transition) string {
	keys := make([]string, len(path))
	for i, t := range path {
		keys[i] = edgeKey(t)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(keys, "|"))).String()
}

// name fills journey names and descriptions from page titles and the
// transitions' descriptions.
func (a *Analyzer) name(journeys []schemas.UserJourney, pages []schemas.Page) {
	label := make(map[string]string, len(pages))
	for _, p := range pages {
		label[p.ID] = firstNonEmpty(p.Title, p.URL, p.ID)
	}
	lookup := func(id string) string {
		if l, ok := label[id]; ok {
			return l
		}
		return id
	}
	for i := range journeys {
		steps := journeys[i].Steps
		journeys[i].Name = fmt.Sprintf("%s to %s", lookup(steps[0].SourcePageID), lookup(steps[len(steps)-1].TargetPageID))
		parts := make([]string, len(steps))
		for k, s := range steps {
			parts[k] = firstNonEmpty(s.Description, string(s.Kind))
		}
		journeys[i].Description = strings.Join(parts, ", then ")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
