// Package store persists run records and their event streams in sqlite so
// clients can fetch a run's outcome after the SSE stream is gone. Records
// expire after a TTL and are purged lazily.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codeloft-io/loft/internal/event"
	"github.com/codeloft-io/loft/internal/runctx"
)

// DefaultTTL is how long run records stay retrievable.
const DefaultTTL = 900 * time.Second

// ErrNotFound marks a missing or expired run.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusDeferred  = "deferred"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	model      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	event      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`

// Store is a sqlite-backed run archive.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// Record is one stored run.
type Record struct {
	ID        string
	UserID    string
	Model     string
	Status    string
	Payload   runctx.BasePayload
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open creates or opens the database at path and applies the schema. Use
// ":memory:" for throwaway stores.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// sqlite handles one writer at a time; serializing through a single
	// connection avoids SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure run store: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun stores a fresh run record with its request payload.
func (s *Store) CreateRun(ctx context.Context, id string, payload runctx.BasePayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode run payload: %w", err)
	}
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, user_id, model, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, payload.UserID, payload.Model, StatusCreated, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SetStatus moves a run through its lifecycle.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProject replaces only the project map inside the stored payload,
// keeping the rest of the request intact.
func (s *Store) UpdateProject(ctx context.Context, id string, project map[string]string) error {
	rec, err := s.Run(ctx, id)
	if err != nil {
		return err
	}
	rec.Payload.Project = project
	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode run payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET payload = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update run project: %w", err)
	}
	return nil
}

// Run fetches a stored run. Expired records report ErrNotFound.
func (s *Store) Run(ctx context.Context, id string) (Record, error) {
	var (
		rec     Record
		raw     string
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, model, status, payload, created_at, updated_at
		 FROM runs WHERE id = ?`, id).
		Scan(&rec.ID, &rec.UserID, &rec.Model, &rec.Status, &raw, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("select run: %w", err)
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	if time.Since(rec.CreatedAt) > s.ttl {
		return Record{}, ErrNotFound
	}
	if err := json.Unmarshal([]byte(raw), &rec.Payload); err != nil {
		return Record{}, fmt.Errorf("decode run payload: %w", err)
	}
	return rec, nil
}

// AppendEvent archives one stream event under the run.
func (s *Store) AppendEvent(ctx context.Context, runID string, ev event.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, event, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?), ?, ?)`,
		runID, runID, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns the archived stream for a run in emission order.
func (s *Store) Events(ctx context.Context, runID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeExpired deletes runs (and their events) past the TTL. Returns the
// number of runs removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.ttl).Unix()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_id IN (SELECT id FROM runs WHERE created_at < ?)`,
		cutoff); err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
