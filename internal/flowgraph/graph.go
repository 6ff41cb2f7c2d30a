// internal/flowgraph/graph.go
package flowgraph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// Graph is an in-memory flow graph: pages are nodes and transitions are
// directed edges. It is safe for concurrent use and serves as the
// explorer's transition sink.
type Graph struct {
	mu       sync.RWMutex
	pages    map[string]schemas.Page
	order    []string
	edges    map[string]schemas.Transition // Key: transition ID
	edgeSeq  []string
	outgoing map[string][]string // Key: page ID, Value: transition IDs
	incoming map[string]int
	log      *zap.Logger
}

// New creates an empty graph.
func New(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		pages:    make(map[string]schemas.Page),
		edges:    make(map[string]schemas.Transition),
		outgoing: make(map[string][]string),
		incoming: make(map[string]int),
		log:      logger.Named("FlowGraph"),
	}
}

// FromRecords builds a graph from stored pages and transitions. Transitions
// whose endpoints are missing are skipped.
func FromRecords(ctx context.Context, pages []*schemas.Page, transitions []schemas.Transition, logger *zap.Logger) *Graph {
	g := New(logger)
	for _, p := range pages {
		_ = g.AddPage(ctx, p)
	}
	for i := range transitions {
		if err := g.AddTransition(ctx, &transitions[i]); err != nil {
			g.log.Debug("Skipping transition.", zap.String("id", transitions[i].ID), zap.Error(err))
		}
	}
	return g
}

// AddPage adds a node. A page with the same ID is overwritten.
func (g *Graph) AddPage(_ context.Context, p *schemas.Page) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.pages[p.ID]; !exists {
		g.order = append(g.order, p.ID)
	}
	g.pages[p.ID] = *p
	g.log.Debug("Page added", zap.String("id", p.ID), zap.String("url", p.URL))
	return nil
}

// AddTransition adds an edge. Both endpoints must already be present. An
// edge whose ID is known is ignored, so re-recording a transition does not
// duplicate it.
func (g *Graph) AddTransition(_ context.Context, t *schemas.Transition) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.pages[t.SourcePageID]; !exists {
		return fmt.Errorf("source page with id '%s' not found for transition", t.SourcePageID)
	}
	if _, exists := g.pages[t.TargetPageID]; !exists {
		return fmt.Errorf("target page with id '%s' not found for transition", t.TargetPageID)
	}
	if t.ID == "" {
		return fmt.Errorf("transition from '%s' has no id", t.SourcePageID)
	}
	if _, exists := g.edges[t.ID]; exists {
		return nil
	}

	g.edges[t.ID] = *t
	g.edgeSeq = append(g.edgeSeq, t.ID)
	g.outgoing[t.SourcePageID] = append(g.outgoing[t.SourcePageID], t.ID)
	g.incoming[t.TargetPageID]++
	g.log.Debug("Transition added", zap.String("id", t.ID), zap.String("from", t.SourcePageID), zap.String("to", t.TargetPageID))
	return nil
}

// Page returns a node by ID.
func (g *Graph) Page(id string) (schemas.Page, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.pages[id]
	return p, ok
}

// Pages returns every node in insertion order.
func (g *Graph) Pages() []schemas.Page {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]schemas.Page, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.pages[id])
	}
	return out
}

// Transitions returns every edge in insertion order.
func (g *Graph) Transitions() []schemas.Transition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]schemas.Transition, 0, len(g.edgeSeq))
	for _, id := range g.edgeSeq {
		out = append(out, g.edges[id])
	}
	return out
}

// Outgoing returns the transitions leaving a page.
func (g *Graph) Outgoing(pageID string) ([]schemas.Transition, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.pages[pageID]; !ok {
		return nil, fmt.Errorf("page with id '%s' not found", pageID)
	}
	ids := g.outgoing[pageID]
	out := make([]schemas.Transition, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.edges[id])
	}
	return out, nil
}

// Neighbors returns the distinct pages reachable by one transition.
func (g *Graph) Neighbors(pageID string) ([]schemas.Page, error) {
	edges, err := g.Outgoing(pageID)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]bool, len(edges))
	out := make([]schemas.Page, 0, len(edges))
	for _, e := range edges {
		if seen[e.TargetPageID] {
			continue
		}
		seen[e.TargetPageID] = true
		out = append(out, g.pages[e.TargetPageID])
	}
	return out, nil
}

// InDegree is the number of transitions arriving at a page.
func (g *Graph) InDegree(pageID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.incoming[pageID]
}

// Hubs returns up to n page IDs ordered by total degree, highest first.
func (g *Graph) Hubs(n int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := append([]string(nil), g.order...)
	degree := func(id string) int { return g.incoming[id] + len(g.outgoing[id]) }
	sort.SliceStable(ids, func(i, j int) bool { return degree(ids[i]) > degree(ids[j]) })
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
