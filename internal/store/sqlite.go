package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/procq/internal/model"

	_ "modernc.org/sqlite"
)

const createProcessesTable = `
CREATE TABLE IF NOT EXISTS processes (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    kind        TEXT NOT NULL,
    priority    TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS process_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    process_id TEXT NOT NULL,
    name       TEXT NOT NULL,
    status     TEXT NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_process_events_process_id ON process_events (process_id, id)`

const selectRecordColumns = `id, name, kind, priority, status, error,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a process record is not found.
var ErrNotFound = errors.New("process not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []struct {
		what, sql string
	}{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create processes table", createProcessesTable},
		{"create events table", createEventsTable},
		{"create events index", createEventsIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRecord inserts a new process record.
func (s *SQLiteStore) CreateRecord(ctx context.Context, r *model.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processes (`+selectRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Kind, r.Priority, r.Status, r.Error,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.Record, error) {
	r := &model.Record{}
	err := row.Scan(
		&r.ID, &r.Name, &r.Kind, &r.Priority, &r.Status, &r.Error,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// GetRecord retrieves a process record by ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+selectRecordColumns+` FROM processes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return r, nil
}

// ListRecords returns a paginated list of records ordered by created_at DESC,
// along with the total count of all records.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit, offset int) ([]*model.Record, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM processes").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count processes: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+selectRecordColumns+`
		FROM processes ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan process: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate processes: %w", err)
	}

	return records, total, nil
}

// UpdateStatus moves a record to status, enforcing model.ValidTransition.
// Entering running stamps started_at; leaving running stamps finished_at and
// duration_ms. errMsg replaces the stored error when non-empty.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, status, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	var startedAt *time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT status, started_at FROM processes WHERE id = ?", id,
	).Scan(&current, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read process status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE processes SET status = ?, started_at = ? WHERE id = ?",
			status, now, id)
	case current == model.StatusRunning:
		var dur *int
		if startedAt != nil {
			ms := int(now.Sub(*startedAt).Milliseconds())
			dur = &ms
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE processes SET status = ?, error = ?, finished_at = ?, duration_ms = ? WHERE id = ?",
			status, errMsg, now, dur, id)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE processes SET status = ?,
				error = CASE WHEN ? = '' THEN error ELSE ? END,
				finished_at = COALESCE(finished_at, ?)
			WHERE id = ?`,
			status, errMsg, errMsg, now, id)
	}
	if err != nil {
		return fmt.Errorf("update process status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// GetStats aggregates record counts by status and priority, and the mean
// run duration of records that have one.
func (s *SQLiteStore) GetStats(ctx context.Context) (*ProcessStats, error) {
	stats := &ProcessStats{
		CountByStatus:   make(map[string]int),
		CountByPriority: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(duration_ms), 0) FROM processes",
	).Scan(&stats.Total, &stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("aggregate processes: %w", err)
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "priority", stats.CountByPriority); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills dst with per-value counts of column. column is never user input.
func (s *SQLiteStore) countBy(ctx context.Context, column string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM processes GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

// InsertEvent appends an engine event for a process.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_events (process_id, name, status, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ProcessID, e.Name, e.Status, e.Message, e.Time.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns the events of a process in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, processID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT process_id, name, status, message, created_at
		FROM process_events WHERE process_id = ? ORDER BY id`, processID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ProcessID, &e.Name, &e.Status, &e.Message, &e.Time); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
