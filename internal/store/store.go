// internal/store/store.go
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
)

// Open returns the repository selected by cfg.Type.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.Repository, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, logger)
	case "postgres":
		if cfg.URL == "" {
			return nil, fmt.Errorf("store.url is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		pg, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown store type %q", cfg.Type)
}

// Sink writes discovered pages and transitions to a repository as they
// arrive.
type Sink struct {
	repo schemas.Repository
}

// NewSink wraps repo.
func NewSink(repo schemas.Repository) *Sink { return &Sink{repo: repo} }

func (s *Sink) AddPage(ctx context.Context, page *schemas.Page) error {
	return s.repo.SavePage(ctx, page)
}

func (s *Sink) AddTransition(ctx context.Context, t *schemas.Transition) error {
	return s.repo.SaveTransition(ctx, *t)
}
