// internal/store/memory.go
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// Memory is a process-local repository. It is the default when no database
// is configured.
type Memory struct {
	mu           sync.RWMutex
	pages        map[string]*schemas.Page
	pageOrder    []string
	byURL        map[string]string // run id + url -> page id
	transitions  map[string]schemas.Transition
	transOrder   []string
	fingerprints map[string]schemas.ElementFingerprint
}

var _ schemas.Repository = (*Memory)(nil)

// NewMemory creates an empty repository.
func NewMemory() *Memory {
	return &Memory{
		pages:        make(map[string]*schemas.Page),
		byURL:        make(map[string]string),
		transitions:  make(map[string]schemas.Transition),
		fingerprints: make(map[string]schemas.ElementFingerprint),
	}
}

func urlKey(runID, url string) string { return runID + "\x00" + url }

func (m *Memory) SavePage(_ context.Context, page *schemas.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *page
	cp.Components = append([]schemas.UIComponent(nil), page.Components...)
	cp.Links = append([]string(nil), page.Links...)
	if _, exists := m.pages[page.ID]; !exists {
		m.pageOrder = append(m.pageOrder, page.ID)
	}
	m.pages[page.ID] = &cp
	if _, exists := m.byURL[urlKey(page.RunID, page.URL)]; !exists {
		m.byURL[urlKey(page.RunID, page.URL)] = page.ID
	}
	for _, c := range page.Components {
		m.fingerprints[c.ID] = c.Fingerprint
	}
	return nil
}

func (m *Memory) SaveFingerprint(_ context.Context, ownerID string, fp schemas.ElementFingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fingerprints[ownerID] = fp
	return nil
}

func (m *Memory) SaveTransition(_ context.Context, t schemas.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transitions[t.ID]; exists {
		return nil
	}
	m.transitions[t.ID] = t
	m.transOrder = append(m.transOrder, t.ID)
	return nil
}

func (m *Memory) FindPageByURL(_ context.Context, runID, url string) (*schemas.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byURL[urlKey(runID, url)]
	if !ok {
		return nil, fmt.Errorf("page %s in run %s: %w", url, runID, schemas.ErrNotFound)
	}
	cp := *m.pages[id]
	return &cp, nil
}

func (m *Memory) FindPages(_ context.Context, runID string) ([]*schemas.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schemas.Page
	for _, id := range m.pageOrder {
		if p := m.pages[id]; p.RunID == runID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) FindTransitions(_ context.Context, runID string) ([]schemas.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.Transition
	for _, id := range m.transOrder {
		if t := m.transitions[id]; t.RunID == runID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) FindFingerprint(_ context.Context, ownerID string) (schemas.ElementFingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.fingerprints[ownerID]
	if !ok {
		return schemas.ElementFingerprint{}, fmt.Errorf("fingerprint %s: %w", ownerID, schemas.ErrNotFound)
	}
	return fp, nil
}

func (m *Memory) Close() error { return nil }
