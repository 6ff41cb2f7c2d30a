// internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

var (
	ErrSessionCreation = errors.New("browser session could not be created")
	ErrSessionNotFound = errors.New("browser session not found")
	ErrPoolExhausted   = errors.New("browser pool exhausted")
	ErrPoolClosed      = errors.New("browser pool is shut down")
)

// SessionCreationError reports that both the full and the degraded launch failed.
type SessionCreationError struct {
	Kind        schemas.BrowserKind
	Headless    bool
	FullErr     error
	DegradedErr error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("failed to create %s session (headless=%t): %v; degraded retry: %v",
		e.Kind, e.Headless, e.FullErr, e.DegradedErr)
}

// Is makes errors.Is(err, ErrSessionCreation) hold.
func (e *SessionCreationError) Is(target error) bool { return target == ErrSessionCreation }

// Unwrap exposes both launch failures.
func (e *SessionCreationError) Unwrap() []error { return []error{e.FullErr, e.DegradedErr} }

// session is the pool's bookkeeping for one live browser.
type session struct {
	id        string
	kind      schemas.BrowserKind
	headless  bool
	driver    Driver
	inUse     bool
	createdAt time.Time
	lastUsed  time.Time
}

// PoolStats is a point in time view of the pool.
type PoolStats struct {
	Total int
	InUse int
}

// Pool hands out exclusive browser sessions, reusing idle ones whose kind
// and headless mode match.
type Pool struct {
	launcher    Launcher
	template    LaunchSpec
	maxSessions int
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	pending  int
	closed   bool

	janitorWG sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithMaxSessions caps the number of live sessions. Zero means unbounded.
func WithMaxSessions(n int) PoolOption {
	return func(p *Pool) { p.maxSessions = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates an empty pool. template supplies viewport, arguments and
// timeouts; kind and headless come from each Acquire call.
func NewPool(launcher Launcher, template LaunchSpec, logger *zap.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		launcher: launcher,
		template: template,
		logger:   logger.Named("SessionPool"),
		now:      time.Now,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the id of a session reserved for the caller. An idle
// matching session is reused; otherwise a new one is launched, retrying once
// with degraded options.
func (p *Pool) Acquire(ctx context.Context, kind schemas.BrowserKind, headless bool) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	for _, s := range p.sessions {
		if !s.inUse && s.kind == kind && s.headless == headless {
			s.inUse = true
			s.lastUsed = p.now()
			p.mu.Unlock()
			p.logger.Debug("Reusing idle session.", zap.String("session_id", s.id))
			return s.id, nil
		}
	}
	if p.maxSessions > 0 && len(p.sessions)+p.pending >= p.maxSessions {
		p.mu.Unlock()
		return "", ErrPoolExhausted
	}
	p.pending++
	p.mu.Unlock()

	driver, err := p.launch(ctx, kind, headless)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return "", err
	}
	if p.closed {
		p.mu.Unlock()
		p.quit(ctx, "", driver)
		return "", ErrPoolClosed
	}
	now := p.now()
	s := &session{
		id:        uuid.NewString(),
		kind:      kind,
		headless:  headless,
		driver:    driver,
		inUse:     true,
		createdAt: now,
		lastUsed:  now,
	}
	p.sessions[s.id] = s
	p.mu.Unlock()

	p.logger.Info("Browser session created.", zap.String("session_id", s.id), zap.String("kind", string(kind)), zap.Bool("headless", headless))
	return s.id, nil
}

func (p *Pool) launch(ctx context.Context, kind schemas.BrowserKind, headless bool) (Driver, error) {
	spec := p.template
	spec.Kind = kind
	spec.Headless = headless
	spec.Degraded = false

	driver, fullErr := p.launchOnce(ctx, spec)
	if fullErr == nil {
		return driver, nil
	}
	if ctx.Err() != nil {
		return nil, &SessionCreationError{Kind: kind, Headless: headless, FullErr: fullErr, DegradedErr: ctx.Err()}
	}
	p.logger.Warn("Browser launch failed, retrying with degraded options.", zap.String("kind", string(kind)), zap.Error(fullErr))

	spec.Degraded = true
	driver, degradedErr := p.launchOnce(ctx, spec)
	if degradedErr != nil {
		return nil, &SessionCreationError{Kind: kind, Headless: headless, FullErr: fullErr, DegradedErr: degradedErr}
	}
	return driver, nil
}

func (p *Pool) launchOnce(ctx context.Context, spec LaunchSpec) (Driver, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	return p.launcher.Launch(ctx, spec)
}

// Handle returns the driver behind id.
func (p *Pool) Handle(id string) (Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.driver, nil
}

// Release marks the session idle and available for reuse.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.inUse = false
	s.lastUsed = p.now()
	return nil
}

// Destroy terminates the session. Destroying an unknown id is a no-op.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.quit(ctx, id, s.driver)
}

// SweepIdle destroys sessions idle for longer than maxIdle and returns how
// many were removed. Sessions in use are never touched.
func (p *Pool) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	now := p.now()
	var stale []*session

	p.mu.Lock()
	for id, s := range p.sessions {
		if !s.inUse && now.Sub(s.lastUsed) > maxIdle {
			stale = append(stale, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		_ = p.quit(ctx, s.id, s.driver)
	}
	if len(stale) > 0 {
		p.logger.Info("Swept idle sessions.", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// StartJanitor sweeps idle sessions every interval until ctx ends or the
// pool shuts down.
func (p *Pool) StartJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	p.janitorWG.Add(1)
	go func() {
		defer p.janitorWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.SweepIdle(ctx, maxIdle)
			}
		}
	}()
}

// Stats reports the pool size.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{Total: len(p.sessions)}
	for _, s := range p.sessions {
		if s.inUse {
			st.InUse++
		}
	}
	return st
}

// Shutdown destroys every session, in use or not, and refuses further
// acquisitions.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	p.closed = true
	all := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		all = append(all, s)
	}
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	p.logger.Info("Shutting down session pool.", zap.Int("sessions", len(all)))

	var g errgroup.Group
	for _, s := range all {
		g.Go(func() error { return p.quit(ctx, s.id, s.driver) })
	}
	err := g.Wait()
	p.janitorWG.Wait()
	return err
}

func (p *Pool) quit(ctx context.Context, id string, d Driver) error {
	if err := d.Quit(ctx); err != nil {
		p.logger.Warn("Failed to quit browser session.", zap.String("session_id", id), zap.Error(err))
		return fmt.Errorf("quit session %s: %w", id, err)
	}
	return nil
}
