package db

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	crerr "github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/fixture-finder/internal/models"
	"github.com/david/fixture-finder/internal/store"
)

// Store keeps the published document and the run history in Postgres. It
// satisfies store.Backend, so the pipeline can publish to it instead of a file.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var fixtureColumns = []string{
	"position", "sport", "level", "starts_at", "competition", "home_team", "away_team",
	"venue_name", "venue_city", "venue_lat", "venue_lon", "venue_address", "source_url",
}

// Load reads the document in stored order. A database that was never written
// yields an empty document.
func (s *Store) Load(ctx context.Context) (store.Document, error) {
	var doc store.Document
	err := s.pool.QueryRow(ctx, "SELECT updated_at FROM document_meta WHERE id = 1").Scan(&doc.UpdatedAt)
	if crerr.Is(err, pgx.ErrNoRows) {
		return store.Document{}, nil
	}
	if err != nil {
		return store.Document{}, crerr.Wrap(err, "load document meta")
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()

	rows, err := s.pool.Query(ctx, `
		SELECT sport, level, starts_at, competition, home_team, away_team,
			venue_name, venue_city, venue_lat, venue_lon, venue_address, source_url
		FROM fixtures
		ORDER BY position
	`)
	if err != nil {
		return store.Document{}, crerr.Wrap(err, "load fixtures")
	}
	defer rows.Close()

	doc.Items = []models.Fixture{}
	for rows.Next() {
		var f models.Fixture
		if err := rows.Scan(&f.Sport, &f.Level, &f.StartsAt, &f.Competition, &f.HomeTeam, &f.AwayTeam,
			&f.Venue.Name, &f.Venue.City, &f.Venue.Lat, &f.Venue.Lon, &f.Venue.Address, &f.SourceURL); err != nil {
			return store.Document{}, crerr.Wrap(err, "scan fixture")
		}
		f.StartsAt = f.StartsAt.UTC()
		doc.Items = append(doc.Items, f)
	}
	if err := rows.Err(); err != nil {
		return store.Document{}, crerr.Wrap(err, "iterate fixtures")
	}
	return doc, nil
}

// Save replaces the whole document in one transaction, so readers see either
// the previous document or the new one.
func (s *Store) Save(ctx context.Context, doc store.Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crerr.Wrap(err, "begin save")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DELETE FROM fixtures"); err != nil {
		return crerr.Wrap(err, "clear fixtures")
	}
	if len(doc.Items) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"fixtures"}, fixtureColumns, pgx.CopyFromRows(fixtureRows(doc.Items))); err != nil {
			return crerr.Wrap(err, "insert fixtures")
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO document_meta (id, updated_at) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`, doc.UpdatedAt); err != nil {
		return crerr.Wrap(err, "update document meta")
	}

	if err := tx.Commit(ctx); err != nil {
		return crerr.Wrap(err, "commit save")
	}
	return nil
}

func fixtureRows(items []models.Fixture) [][]any {
	rows := make([][]any, 0, len(items))
	for i, f := range items {
		sport := f.Sport
		if sport == "" {
			sport = models.SportFootball
		}
		rows = append(rows, []any{
			i, sport, f.Level, f.StartsAt.UTC(), f.Competition, f.HomeTeam, f.AwayTeam,
			f.Venue.Name, f.Venue.City, f.Venue.Lat, f.Venue.Lon, f.Venue.Address, f.SourceURL,
		})
	}
	return rows
}

// RecordRun upserts a run summary.
func (s *Store) RecordRun(ctx context.Context, run models.RunRecord) error {
	counters := run.Counters
	if counters == nil {
		counters = map[string]int{}
	}
	raw, err := sonic.Marshal(counters)
	if err != nil {
		return crerr.Wrap(err, "encode run counters")
	}
	var completed *time.Time
	if !run.CompletedAt.IsZero() {
		completed = &run.CompletedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingest_runs (run_id, started_at, completed_at, status, sources, kept, published, fetch_errors, counters, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			status = EXCLUDED.status,
			sources = EXCLUDED.sources,
			kept = EXCLUDED.kept,
			published = EXCLUDED.published,
			fetch_errors = EXCLUDED.fetch_errors,
			counters = EXCLUDED.counters,
			error = EXCLUDED.error
	`, run.RunID, run.StartedAt, completed, run.Status, run.Sources, run.Kept, run.Published,
		run.FetchErrors, string(raw), run.Error)
	if err != nil {
		return crerr.Wrap(err, "record run")
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, started_at, completed_at, status, sources, kept, published, fetch_errors, counters, error
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, crerr.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		var (
			r         models.RunRecord
			completed *time.Time
			raw       []byte
		)
		if err := rows.Scan(&r.RunID, &r.StartedAt, &completed, &r.Status, &r.Sources, &r.Kept,
			&r.Published, &r.FetchErrors, &raw, &r.Error); err != nil {
			return nil, crerr.Wrap(err, "scan run")
		}
		if completed != nil {
			r.CompletedAt = *completed
		}
		if len(raw) > 0 {
			_ = sonic.Unmarshal(raw, &r.Counters)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
