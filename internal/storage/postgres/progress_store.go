// Package postgres provides the Postgres-backed progress repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlengine/internal/store"
)

// Config controls the connection pool used by ProgressStore.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Schema creates the tables ProgressStore writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	id            TEXT PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS crawl_site_stats (
	run_id       TEXT NOT NULL REFERENCES crawl_runs (id) ON DELETE CASCADE,
	site         TEXT NOT NULL,
	last_update  TIMESTAMPTZ NOT NULL,
	scheduled    BIGINT NOT NULL DEFAULT 0,
	dropped      BIGINT NOT NULL DEFAULT 0,
	ignored      BIGINT NOT NULL DEFAULT 0,
	fetched      BIGINT NOT NULL DEFAULT 0,
	fetch_errors BIGINT NOT NULL DEFAULT 0,
	bytes_total  BIGINT NOT NULL DEFAULT 0,
	fetch_2xx    BIGINT NOT NULL DEFAULT 0,
	fetch_3xx    BIGINT NOT NULL DEFAULT 0,
	fetch_4xx    BIGINT NOT NULL DEFAULT 0,
	fetch_5xx    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, site)
);`

// ProgressStore implements store.ProgressRepository on Postgres.
type ProgressStore struct {
	pool pool
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// Open connects a pool using cfg.
func Open(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("progress.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStore wraps an existing pool, mainly for tests.
func NewProgressStore(p pool) (*ProgressStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: p}, nil
}

// Close releases the pool.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure progress schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts the run as running or leaves an existing row alone.
func (s *ProgressStore) UpsertRunStart(ctx context.Context, runID string, startedAt time.Time) error {
	const query = `
INSERT INTO crawl_runs (id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun stamps the run's terminal status.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	runID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	const query = `
UPDATE crawl_runs
SET finished_at = $1, status = $2, error_message = $3
WHERE id = $4`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// UpsertSiteStats adds delta to the (run, site) row, creating it on first use.
func (s *ProgressStore) UpsertSiteStats(ctx context.Context, runID, site string, d store.SiteDelta) error {
	const query = `
INSERT INTO crawl_site_stats AS s (
	run_id, site, last_update, scheduled, dropped, ignored, fetched,
	fetch_errors, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (run_id, site) DO UPDATE SET
	last_update  = GREATEST(s.last_update, EXCLUDED.last_update),
	scheduled    = s.scheduled + EXCLUDED.scheduled,
	dropped      = s.dropped + EXCLUDED.dropped,
	ignored      = s.ignored + EXCLUDED.ignored,
	fetched      = s.fetched + EXCLUDED.fetched,
	fetch_errors = s.fetch_errors + EXCLUDED.fetch_errors,
	bytes_total  = s.bytes_total + EXCLUDED.bytes_total,
	fetch_2xx    = s.fetch_2xx + EXCLUDED.fetch_2xx,
	fetch_3xx    = s.fetch_3xx + EXCLUDED.fetch_3xx,
	fetch_4xx    = s.fetch_4xx + EXCLUDED.fetch_4xx,
	fetch_5xx    = s.fetch_5xx + EXCLUDED.fetch_5xx`
	_, err := s.pool.Exec(ctx, query,
		runID, site, d.At,
		d.Scheduled, d.Dropped, d.Ignored, d.Fetched(),
		d.FetchErrors, d.Bytes,
		d.Fetch2xx, d.Fetch3xx, d.Fetch4xx, d.Fetch5xx,
	)
	if err != nil {
		return fmt.Errorf("upsert site stats for %s: %w", site, err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, error_message`

// GetRun loads one run.
func (s *ProgressStore) GetRun(ctx context.Context, runID string) (store.Run, error) {
	var run store.Run
	err := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE id = $1`, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *ProgressStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM crawl_runs
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]store.Run, 0, max(limit, 0))
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// ListRunSites returns per-site aggregates for a run, busiest first.
func (s *ProgressStore) ListRunSites(ctx context.Context, runID string, limit, offset int) ([]store.SiteStats, error) {
	rows, err := s.pool.Query(ctx, `
SELECT run_id, site, last_update, scheduled, dropped, ignored, fetched,
	fetch_errors, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx
FROM crawl_site_stats
WHERE run_id = $1
ORDER BY fetched DESC, site
LIMIT $2 OFFSET $3`, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run sites: %w", err)
	}
	defer rows.Close()

	stats := make([]store.SiteStats, 0, max(limit, 0))
	for rows.Next() {
		var st store.SiteStats
		err := rows.Scan(
			&st.RunID, &st.Site, &st.LastUpdate,
			&st.Scheduled, &st.Dropped, &st.Ignored, &st.Fetched,
			&st.FetchErrors, &st.BytesTotal,
			&st.Fetch2xx, &st.Fetch3xx, &st.Fetch4xx, &st.Fetch5xx,
		)
		if err != nil {
			return nil, fmt.Errorf("scan site stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site stats rows: %w", err)
	}
	return stats, nil
}
