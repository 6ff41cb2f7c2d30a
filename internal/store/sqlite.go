// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pages (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    url             TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL DEFAULT '',
    state_key       TEXT NOT NULL DEFAULT '',
    components      TEXT NOT NULL DEFAULT '[]',
    links           TEXT NOT NULL DEFAULT '[]',
    summary         TEXT NOT NULL DEFAULT '',
    screenshot_path TEXT NOT NULL DEFAULT '',
    discovered_at   TEXT NOT NULL,
    seq             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pages_run_url ON pages (run_id, url);
CREATE TABLE IF NOT EXISTS fingerprints (
    owner_id    TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    source_page_id  TEXT NOT NULL,
    target_page_id  TEXT NOT NULL,
    kind            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    locator         TEXT NOT NULL DEFAULT '',
    form_submission INTEGER NOT NULL DEFAULT 0,
    discovered_at   TEXT NOT NULL,
    seq             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_run ON transitions (run_id);
`

// SQLite is a single-file repository for local runs.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

var _ schemas.Repository = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path. A leading ~
// is expanded.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand sqlite path: %w", err)
	}
	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir sqlite dir: %w", err)
		}
	}

	dsn := expanded + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db, log: logger.Named("store.sqlite")}, nil
}

func (s *SQLite) SavePage(ctx context.Context, page *schemas.Page) error {
	components, links, err := encodePage(page)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO pages (id, run_id, url, title, description, kind, state_key, components, links, summary, screenshot_path, discovered_at, seq)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM pages))
        ON CONFLICT (id) DO UPDATE SET
            title = excluded.title,
            description = excluded.description,
            kind = excluded.kind,
            components = excluded.components,
            links = excluded.links,
            summary = excluded.summary,
            screenshot_path = excluded.screenshot_path;`,
		page.ID, page.RunID, page.URL, page.Title, page.Description, string(page.Kind), page.StateKey,
		string(components), string(links), page.Summary, page.ScreenshotPath, formatTime(page.DiscoveredAt))
	if err != nil {
		return fmt.Errorf("failed to upsert page %s: %w", page.ID, err)
	}

	for _, c := range page.Components {
		if err := upsertFingerprint(ctx, tx, c.ID, c.Fingerprint); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertFingerprint(ctx context.Context, db execer, ownerID string, fp schemas.ElementFingerprint) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("failed to encode fingerprint of %s: %w", ownerID, err)
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO fingerprints (owner_id, fingerprint) VALUES (?, ?)
        ON CONFLICT (owner_id) DO UPDATE SET fingerprint = excluded.fingerprint;`, ownerID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to upsert fingerprint %s: %w", ownerID, err)
	}
	return nil
}

func (s *SQLite) SaveFingerprint(ctx context.Context, ownerID string, fp schemas.ElementFingerprint) error {
	return upsertFingerprint(ctx, s.db, ownerID, fp)
}

func (s *SQLite) SaveTransition(ctx context.Context, t schemas.Transition) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO transitions (id, run_id, source_page_id, target_page_id, kind, description, locator, form_submission, discovered_at, seq)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transitions))
        ON CONFLICT (id) DO NOTHING;`,
		t.ID, t.RunID, t.SourcePageID, t.TargetPageID, string(t.Kind), t.Description, t.Locator.String(),
		t.FormSubmission, formatTime(t.DiscoveredAt))
	if err != nil {
		return fmt.Errorf("failed to insert transition %s: %w", t.ID, err)
	}
	return nil
}

const sqliteSelectPages = `
    SELECT id, run_id, url, title, description, kind, state_key, components, links, summary, screenshot_path, discovered_at
    FROM pages`

func (s *SQLite) FindPageByURL(ctx context.Context, runID, url string) (*schemas.Page, error) {
	pages, err := s.queryPages(ctx, sqliteSelectPages+" WHERE run_id = ? AND url = ? ORDER BY seq LIMIT 1", runID, url)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("page %s in run %s: %w", url, runID, schemas.ErrNotFound)
	}
	return pages[0], nil
}

func (s *SQLite) FindPages(ctx context.Context, runID string) ([]*schemas.Page, error) {
	return s.queryPages(ctx, sqliteSelectPages+" WHERE run_id = ? ORDER BY seq", runID)
}

func (s *SQLite) queryPages(ctx context.Context, query string, args ...any) ([]*schemas.Page, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer rows.Close()

	var pages []*schemas.Page
	for rows.Next() {
		var p schemas.Page
		var kind, components, links, discovered string
		if err := rows.Scan(&p.ID, &p.RunID, &p.URL, &p.Title, &p.Description, &kind, &p.StateKey,
			&components, &links, &p.Summary, &p.ScreenshotPath, &discovered); err != nil {
			return nil, fmt.Errorf("failed to scan page row: %w", err)
		}
		p.Kind = schemas.PageKind(kind)
		if p.DiscoveredAt, err = parseTime(discovered); err != nil {
			return nil, err
		}
		if err := decodePage(&p, []byte(components), []byte(links)); err != nil {
			return nil, err
		}
		pages = append(pages, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return pages, nil
}

func (s *SQLite) FindTransitions(ctx context.Context, runID string) ([]schemas.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, run_id, source_page_id, target_page_id, kind, description, locator, form_submission, discovered_at
        FROM transitions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []schemas.Transition
	for rows.Next() {
		var t schemas.Transition
		var kind, locator, discovered string
		if err := rows.Scan(&t.ID, &t.RunID, &t.SourcePageID, &t.TargetPageID, &kind, &t.Description,
			&locator, &t.FormSubmission, &discovered); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		t.Kind = schemas.InteractionKind(kind)
		t.Locator = schemas.Locator(locator)
		if t.DiscoveredAt, err = parseTime(discovered); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *SQLite) FindFingerprint(ctx context.Context, ownerID string) (schemas.ElementFingerprint, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM fingerprints WHERE owner_id = ?`, ownerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return schemas.ElementFingerprint{}, fmt.Errorf("fingerprint %s: %w", ownerID, schemas.ErrNotFound)
	}
	if err != nil {
		return schemas.ElementFingerprint{}, fmt.Errorf("failed to query fingerprint: %w", err)
	}
	var fp schemas.ElementFingerprint
	if err := json.Unmarshal([]byte(raw), &fp); err != nil {
		return schemas.ElementFingerprint{}, fmt.Errorf("failed to decode fingerprint %s: %w", ownerID, err)
	}
	return fp, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
