// internal/discovery/run.go
package discovery

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// StopReason tells why a crawl or exploration ended.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopBudget    StopReason = "budget"
	StopRequested StopReason = "stopped"
	StopTimeout   StopReason = "timeout"
)

// Sink receives pages and transitions as they are discovered.
type Sink interface {
	AddPage(ctx context.Context, page *schemas.Page) error
	AddTransition(ctx context.Context, t *schemas.Transition) error
}

// MultiSink fans out to several sinks and returns the first error.
type MultiSink []Sink

func (m MultiSink) AddPage(ctx context.Context, page *schemas.Page) error {
	var first error
	for _, s := range m {
		if err := s.AddPage(ctx, page); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) AddTransition(ctx context.Context, t *schemas.Transition) error {
	var first error
	for _, s := range m {
		if err := s.AddTransition(ctx, t); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run is the state shared by every worker of one crawl or exploration.
// Concurrent runs do not share anything.
type Run struct {
	ID        string
	StartedAt time.Time

	visited sync.Map // normalized URL -> struct{}
	claimed atomic.Int64
	stopped atomic.Bool

	mu          sync.Mutex
	pages       map[string]*schemas.Page // keyed by URL for crawls, by state key for explorations
	order       []string
	states      map[string]string // state key -> page id
	transitions []schemas.Transition
	log         []schemas.InteractionRecord
}

// NewRun creates an empty run.
func NewRun() *Run {
	return &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		pages:     make(map[string]*schemas.Page),
		states:    make(map[string]string),
	}
}

// Stop asks every worker to finish at its next boundary.
func (r *Run) Stop() { r.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (r *Run) Stopped() bool { return r.stopped.Load() }

// MarkVisited atomically claims u. It returns false when u was already
// claimed.
func (r *Run) MarkVisited(u string) bool {
	_, loaded := r.visited.LoadOrStore(u, struct{}{})
	return !loaded
}

// Visited reports whether u was claimed.
func (r *Run) Visited(u string) bool {
	_, ok := r.visited.Load(u)
	return ok
}

// claimBudget reserves one page of the budget, or reports it spent.
func (r *Run) claimBudget(max int) bool {
	for {
		n := r.claimed.Load()
		if max > 0 && n >= int64(max) {
			return false
		}
		if r.claimed.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Claimed is the number of pages reserved so far.
func (r *Run) Claimed() int { return int(r.claimed.Load()) }

// AddPage registers p under key unless the key is taken. It returns the
// registered page and whether p was new.
func (r *Run) AddPage(key string, p *schemas.Page) (*schemas.Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pages[key]; ok {
		return existing, false
	}
	r.pages[key] = p
	r.order = append(r.order, key)
	return p, true
}

// Page returns the page registered under key.
func (r *Run) Page(key string) (*schemas.Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[key]
	return p, ok
}

// Pages returns the registered pages in registration order.
func (r *Run) Pages() []schemas.Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schemas.Page, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, *r.pages[k])
	}
	return out
}

// SeenState records a state key. It returns false when the state was
// already seen.
func (r *Run) SeenState(key, pageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[key]; ok {
		return false
	}
	r.states[key] = pageID
	return true
}

// StatePage returns the page id recorded for a state key.
func (r *Run) StatePage(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.states[key]
	return id, ok
}

func (r *Run) addTransition(t schemas.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

// Transitions returns every recorded transition.
func (r *Run) Transitions() []schemas.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.Transition(nil), r.transitions...)
}

func (r *Run) logInteraction(rec schemas.InteractionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, rec)
}

// InteractionLog returns the interaction log in order.
func (r *Run) InteractionLog() []schemas.InteractionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.InteractionRecord(nil), r.log...)
}

// CrawlResult is what a link crawl found before it ended.
type CrawlResult struct {
	RunID    string
	Pages    []schemas.Page
	Reason   StopReason
	Duration time.Duration
}

// ExploreResult is what an interactive exploration found before it ended.
type ExploreResult struct {
	RunID          string
	Pages          []schemas.Page
	Transitions    []schemas.Transition
	InteractionLog []schemas.InteractionRecord
	Reason         StopReason
	Duration       time.Duration
}

// transitionID derives a stable id so re-discovered edges collapse.
func transitionID(t schemas.Transition) string {
	key := strings.Join([]string{t.RunID, t.SourcePageID, t.TargetPageID, string(t.Kind), t.Locator.String()}, "\x00")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
