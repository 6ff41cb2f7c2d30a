package schemas

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories when a lookup has no result.
var ErrNotFound = errors.New("not found")

// Repository persists exploration output. Implementations must be safe for
// concurrent use.
type Repository interface {
	SavePage(ctx context.Context, page *Page) error
	SaveFingerprint(ctx context.Context, ownerID string, fp ElementFingerprint) error
	SaveTransition(ctx context.Context, t Transition) error
	FindPageByURL(ctx context.Context, runID, url string) (*Page, error)
	FindPages(ctx context.Context, runID string) ([]*Page, error)
	FindTransitions(ctx context.Context, runID string) ([]Transition, error)
	FindFingerprint(ctx context.Context, ownerID string) (ElementFingerprint, error)
	Close() error
}

// Generator turns a prompt into generated test source.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}
