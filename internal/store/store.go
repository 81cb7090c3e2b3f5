// Package store provides the durable treatment/glucose history store and
// a small key-value cache (last-known on-board values, the night-bias
// profile) backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/mrcode/glucoforecast/internal/models"
)

// ErrNotFound is returned when a cache key has never been written.
var ErrNotFound = errors.New("store: not found")

// Store handles SQLite database operations for treatment history, glucose
// history and the advisory key-value cache.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database at the given path and applies the
// schema. Use ":memory:" for tests.
func New(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the database schema if it doesn't exist.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS treatments (
		id         TEXT PRIMARY KEY,
		event_type TEXT NOT NULL DEFAULT '',
		date_ms    INTEGER NOT NULL,
		insulin    REAL NOT NULL DEFAULT 0,
		carbs      REAL NOT NULL DEFAULT 0,
		protein    REAL NOT NULL DEFAULT 0,
		fat        REAL NOT NULL DEFAULT 0,
		fiber      REAL NOT NULL DEFAULT 0,
		duration   REAL NOT NULL DEFAULT 0,
		notes      TEXT NOT NULL DEFAULT '',
		entered_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_treatments_date ON treatments(date_ms);

	CREATE TABLE IF NOT EXISTS entries (
		id        TEXT PRIMARY KEY,
		sgv       INTEGER NOT NULL,
		date_ms   INTEGER NOT NULL,
		direction TEXT NOT NULL DEFAULT '',
		device    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_entries_date ON entries(date_ms);

	CREATE TABLE IF NOT EXISTS kv_cache (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_ms INTEGER NOT NULL
	);`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTreatments upserts treatment records. Records without an ID get one
// assigned so re-imports stay idempotent per provider identity.
func (s *Store) SaveTreatments(ctx context.Context, treatments []models.Treatment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO treatments (id, event_type, date_ms, insulin, carbs, protein, fat, fiber, duration, notes, entered_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event_type = excluded.event_type,
			insulin    = excluded.insulin,
			carbs      = excluded.carbs,
			protein    = excluded.protein,
			fat        = excluded.fat,
			fiber      = excluded.fiber,
			duration   = excluded.duration,
			notes      = excluded.notes`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range treatments {
		id := t.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, id, t.EventType, t.Date,
			t.Insulin, t.Carbs, t.Protein, t.Fat, t.Fiber,
			t.Duration, t.Notes, t.EnteredBy); err != nil {
			return fmt.Errorf("upsert treatment %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// TreatmentsSince returns all treatments at or after the given time,
// oldest first.
func (s *Store) TreatmentsSince(ctx context.Context, from time.Time) ([]models.Treatment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, date_ms, insulin, carbs, protein, fat, fiber, duration, notes, entered_by
		FROM treatments WHERE date_ms >= ? ORDER BY date_ms ASC`, from.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query treatments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Treatment
	for rows.Next() {
		var t models.Treatment
		if err := rows.Scan(&t.ID, &t.EventType, &t.Date,
			&t.Insulin, &t.Carbs, &t.Protein, &t.Fat, &t.Fiber,
			&t.Duration, &t.Notes, &t.EnteredBy); err != nil {
			return nil, fmt.Errorf("scan treatment: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveEntries upserts glucose entries.
func (s *Store) SaveEntries(ctx context.Context, entries []models.GlucoseEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (id, sgv, date_ms, direction, device)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET sgv = excluded.sgv, direction = excluded.direction`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, id, e.SGV, e.Date, e.Direction, e.Device); err != nil {
			return fmt.Errorf("upsert entry %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// EntriesSince returns glucose entries at or after the given time, oldest
// first.
func (s *Store) EntriesSince(ctx context.Context, from time.Time) ([]models.GlucoseEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sgv, date_ms, direction, device
		FROM entries WHERE date_ms >= ? ORDER BY date_ms ASC`, from.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.GlucoseEntry
	for rows.Next() {
		var e models.GlucoseEntry
		if err := rows.Scan(&e.ID, &e.SGV, &e.Date, &e.Direction, &e.Device); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutJSON stores a JSON-encoded value under the given cache key,
// last-writer-wins.
func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_cache (key, value, updated_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ms = excluded.updated_ms`,
		key, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// GetJSON loads and decodes the value stored under key, returning the
// time it was last written. Returns ErrNotFound for missing keys.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (time.Time, error) {
	var value string
	var updatedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_ms FROM kv_cache WHERE key = ?`, key).Scan(&value, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return time.Time{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return time.UnixMilli(updatedMs), nil
}
