// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pages (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    url             TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL DEFAULT '',
    state_key       TEXT NOT NULL DEFAULT '',
    components      JSONB NOT NULL DEFAULT '[]',
    links           JSONB NOT NULL DEFAULT '[]',
    summary         TEXT NOT NULL DEFAULT '',
    screenshot_path TEXT NOT NULL DEFAULT '',
    discovered_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pages_run_url ON pages (run_id, url);
CREATE TABLE IF NOT EXISTS fingerprints (
    owner_id    TEXT PRIMARY KEY,
    fingerprint JSONB NOT NULL,
    captured_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    source_page_id  TEXT NOT NULL REFERENCES pages (id),
    target_page_id  TEXT NOT NULL REFERENCES pages (id),
    kind            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    locator         TEXT NOT NULL DEFAULT '',
    form_submission BOOLEAN NOT NULL DEFAULT FALSE,
    discovered_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_run ON transitions (run_id);
`

const (
	sqlUpsertPage = `
        INSERT INTO pages (id, run_id, url, title, description, kind, state_key, components, links, summary, screenshot_path, discovered_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            title = EXCLUDED.title,
            description = EXCLUDED.description,
            kind = EXCLUDED.kind,
            components = EXCLUDED.components,
            links = EXCLUDED.links,
            summary = EXCLUDED.summary,
            screenshot_path = EXCLUDED.screenshot_path;
    `
	sqlUpsertFingerprint = `
        INSERT INTO fingerprints (owner_id, fingerprint, captured_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (owner_id) DO UPDATE SET
            fingerprint = EXCLUDED.fingerprint,
            captured_at = EXCLUDED.captured_at;
    `
	sqlInsertTransition = `
        INSERT INTO transitions (id, run_id, source_page_id, target_page_id, kind, description, locator, form_submission, discovered_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO NOTHING;
    `
	sqlSelectPages = `
        SELECT id, run_id, url, title, description, kind, state_key, components, links, summary, screenshot_path, discovered_at
        FROM pages
    `
	sqlSelectTransitions = `
        SELECT id, run_id, source_page_id, target_page_id, kind, description, locator, form_submission, discovered_at
        FROM transitions
        WHERE run_id = $1
        ORDER BY discovered_at ASC, id ASC;
    `
	sqlSelectFingerprint = `SELECT fingerprint FROM fingerprints WHERE owner_id = $1;`
)

// Postgres is the PostgreSQL repository.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Repository = (*Postgres)(nil)

// NewPostgres verifies the connection and returns the repository.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("store.postgres")}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SavePage upserts the page and the fingerprints of its components in one
// transaction.
func (s *Postgres) SavePage(ctx context.Context, page *schemas.Page) error {
	components, links, err := encodePage(page)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertPage,
		page.ID, page.RunID, page.URL, page.Title, page.Description, string(page.Kind), page.StateKey,
		components, links, page.Summary, page.ScreenshotPath, page.DiscoveredAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert page %s: %w", page.ID, err)
	}

	if len(page.Components) > 0 {
		batch := &pgx.Batch{}
		for _, c := range page.Components {
			fp, err := json.Marshal(c.Fingerprint)
			if err != nil {
				return fmt.Errorf("failed to encode fingerprint of %s: %w", c.ID, err)
			}
			batch.Queue(sqlUpsertFingerprint, c.ID, fp, c.Fingerprint.CapturedAt.UTC())
		}
		br := tx.SendBatch(ctx, batch)
		if br == nil {
			return fmt.Errorf("failed to send batch: batch results is nil")
		}
		for i := range page.Components {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("failed to upsert fingerprint %s (index %d): %w", page.Components[i].ID, i, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveFingerprint upserts one fingerprint.
func (s *Postgres) SaveFingerprint(ctx context.Context, ownerID string, fp schemas.ElementFingerprint) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertFingerprint, ownerID, raw, fp.CapturedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert fingerprint %s: %w", ownerID, err)
	}
	return nil
}

// SaveTransition inserts a transition. Transitions are immutable, so a
// known ID is left untouched.
func (s *Postgres) SaveTransition(ctx context.Context, t schemas.Transition) error {
	_, err := s.pool.Exec(ctx, sqlInsertTransition,
		t.ID, t.RunID, t.SourcePageID, t.TargetPageID, string(t.Kind), t.Description,
		t.Locator.String(), t.FormSubmission, t.DiscoveredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert transition %s: %w", t.ID, err)
	}
	return nil
}

// FindPageByURL returns the first page recorded for url in a run.
func (s *Postgres) FindPageByURL(ctx context.Context, runID, url string) (*schemas.Page, error) {
	pages, err := s.queryPages(ctx, sqlSelectPages+" WHERE run_id = $1 AND url = $2 ORDER BY discovered_at ASC LIMIT 1;", runID, url)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("page %s in run %s: %w", url, runID, schemas.ErrNotFound)
	}
	return pages[0], nil
}

// FindPages returns every page of a run in discovery order.
func (s *Postgres) FindPages(ctx context.Context, runID string) ([]*schemas.Page, error) {
	return s.queryPages(ctx, sqlSelectPages+" WHERE run_id = $1 ORDER BY discovered_at ASC, id ASC;", runID)
}

func (s *Postgres) queryPages(ctx context.Context, query string, args ...any) ([]*schemas.Page, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var pages []*schemas.Page
	for rows.Next() {
		var p schemas.Page
		var kind string
		var components, links []byte
		if err := rows.Scan(&p.ID, &p.RunID, &p.URL, &p.Title, &p.Description, &kind, &p.StateKey,
			&components, &links, &p.Summary, &p.ScreenshotPath, &p.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan page row: %w", err)
		}
		p.Kind = schemas.PageKind(kind)
		if err := decodePage(&p, components, links); err != nil {
			return nil, err
		}
		pages = append(pages, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return pages, nil
}

// FindTransitions returns every transition of a run.
func (s *Postgres) FindTransitions(ctx context.Context, runID string) ([]schemas.Transition, error) {
	rows, err := s.pool.Query(ctx, sqlSelectTransitions, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []schemas.Transition
	for rows.Next() {
		var t schemas.Transition
		var kind, locator string
		if err := rows.Scan(&t.ID, &t.RunID, &t.SourcePageID, &t.TargetPageID, &kind, &t.Description,
			&locator, &t.FormSubmission, &t.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		t.Kind = schemas.InteractionKind(kind)
		t.Locator = schemas.Locator(locator)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// FindFingerprint returns the fingerprint owned by a component.
func (s *Postgres) FindFingerprint(ctx context.Context, ownerID string) (schemas.ElementFingerprint, error) {
	rows, err := s.pool.Query(ctx, sqlSelectFingerprint, ownerID)
	if err != nil {
		return schemas.ElementFingerprint{}, fmt.Errorf("failed to query fingerprint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schemas.ElementFingerprint{}, fmt.Errorf("error during row iteration: %w", err)
		}
		return schemas.ElementFingerprint{}, fmt.Errorf("fingerprint %s: %w", ownerID, schemas.ErrNotFound)
	}
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return schemas.ElementFingerprint{}, fmt.Errorf("failed to scan fingerprint: %w", err)
	}
	var fp schemas.ElementFingerprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return schemas.ElementFingerprint{}, fmt.Errorf("failed to decode fingerprint %s: %w", ownerID, err)
	}
	return fp, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
