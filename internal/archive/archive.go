// Package archive persists finished sessions into a SQLite database so
// they can be inspected after their .hive/sessions directory is pruned.
// Schema changes are applied as versioned migrations tracked in a
// schema_migrations table.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hivemind-dev/hive/internal/event"
	"github.com/hivemind-dev/hive/internal/session"
)

// migrations holds one DDL batch per schema version, applied in order
// inside a transaction. Never edit an entry after release; append a new
// version instead.
var migrations = []string{
	// v1: core tables.
	`
	CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		archived_at TEXT NOT NULL,
		snapshot_json TEXT NOT NULL
	);
	CREATE TABLE tasks (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		worker TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, id)
	);
	CREATE TABLE events (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		event_id TEXT NOT NULL,
		type TEXT NOT NULL,
		ts TEXT NOT NULL,
		worker TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		payload TEXT,
		PRIMARY KEY (session_id, sequence)
	);
	`,
	// v2: lookup indexes for the inspection queries.
	`
	CREATE INDEX idx_events_type ON events(session_id, type);
	CREATE INDEX idx_tasks_state ON tasks(session_id, state);
	`,
}

// Archive wraps the SQLite session archive.
type Archive struct {
	db *sql.DB
}

// TaskRecord is one backlog entry at archive time.
type TaskRecord struct {
	ID       string
	Title    string
	State    string
	Worker   string
	Attempts int
}

// SessionRow summarizes one archived session.
type SessionRow struct {
	ID         string
	Title      string
	Status     session.Status
	ArchivedAt time.Time
}

// Open creates or opens the archive database and brings its schema up to
// date.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("archive: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: enable foreign keys: %w", err)
	}
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SchemaVersion reports the applied migration level.
func (a *Archive) SchemaVersion() (int, error) {
	var version sql.NullInt64
	err := a.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("archive: schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (a *Archive) migrate() error {
	if _, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("archive: create schema_migrations: %w", err)
	}
	current, err := a.SchemaVersion()
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("archive: database schema v%d is newer than this build supports (v%d)", current, len(migrations))
	}
	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := a.db.Begin()
		if err != nil {
			return fmt.Errorf("archive: begin migration v%d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("archive: apply migration v%d: %w", version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("archive: record migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("archive: commit migration v%d: %w", version, err)
		}
	}
	return nil
}

// SaveSession stores one session's snapshot, backlog residue, and event
// history in a single transaction. Re-archiving the same session replaces
// the previous copy.
func (a *Archive) SaveSession(state session.State, tasks []TaskRecord, events []event.Event) error {
	if state.SessionID == "" {
		return fmt.Errorf("archive: state has no session id")
	}
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("archive: marshal snapshot: %w", err)
	}
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, state.SessionID); err != nil {
		return fmt.Errorf("archive: clear previous copy: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO sessions (id, title, status, archived_at, snapshot_json) VALUES (?, ?, ?, ?, ?)`,
		state.SessionID, state.Title, string(state.Status),
		time.Now().UTC().Format(time.RFC3339), string(snapshot),
	); err != nil {
		return fmt.Errorf("archive: insert session: %w", err)
	}
	for _, task := range tasks {
		if _, err := tx.Exec(
			`INSERT INTO tasks (session_id, id, title, state, worker, attempts) VALUES (?, ?, ?, ?, ?, ?)`,
			state.SessionID, task.ID, task.Title, task.State, task.Worker, task.Attempts,
		); err != nil {
			return fmt.Errorf("archive: insert task %s: %w", task.ID, err)
		}
	}
	for _, e := range events {
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		if _, err := tx.Exec(
			`INSERT INTO events (session_id, sequence, event_id, type, ts, worker, task_id, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			state.SessionID, e.Sequence, e.EventID, string(e.Type),
			e.Timestamp.UTC().Format(time.RFC3339Nano), e.Worker, e.TaskID, payload,
		); err != nil {
			return fmt.Errorf("archive: insert event %s: %w", e.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Sessions lists archived sessions, most recent first.
func (a *Archive) Sessions() ([]SessionRow, error) {
	rows, err := a.db.Query(
		`SELECT id, title, status, archived_at FROM sessions ORDER BY archived_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var status, archivedAt string
		if err := rows.Scan(&row.ID, &row.Title, &status, &archivedAt); err != nil {
			return nil, fmt.Errorf("archive: scan session: %w", err)
		}
		row.Status = session.Status(status)
		if ts, err := time.Parse(time.RFC3339, archivedAt); err == nil {
			row.ArchivedAt = ts
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Snapshot returns the archived STATE.json for one session.
func (a *Archive) Snapshot(sessionID string) (session.State, error) {
	var raw string
	err := a.db.QueryRow(`SELECT snapshot_json FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return session.State{}, session.ErrStateNotFound
	}
	if err != nil {
		return session.State{}, fmt.Errorf("archive: snapshot %s: %w", sessionID, err)
	}
	var state session.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return session.State{}, fmt.Errorf("archive: decode snapshot %s: %w", sessionID, err)
	}
	return state, nil
}

// Events returns one session's archived events in sequence order.
func (a *Archive) Events(sessionID string) ([]event.Event, error) {
	return a.queryEvents(sessionID,
		`SELECT sequence, event_id, type, ts, worker, task_id, payload
		 FROM events WHERE session_id = ? ORDER BY sequence`, sessionID)
}

// EventsByType returns one session's archived events of a single type,
// in sequence order.
func (a *Archive) EventsByType(sessionID string, kind event.Type) ([]event.Event, error) {
	return a.queryEvents(sessionID,
		`SELECT sequence, event_id, type, ts, worker, task_id, payload
		 FROM events WHERE session_id = ? AND type = ? ORDER BY sequence`, sessionID, string(kind))
}

func (a *Archive) queryEvents(sessionID, query string, args ...any) ([]event.Event, error) {
	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: events %s: %w", sessionID, err)
	}
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		var (
			e       event.Event
			kind    string
			ts      string
			payload sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &kind, &ts, &e.Worker, &e.TaskID, &payload); err != nil {
			return nil, fmt.Errorf("archive: scan event: %w", err)
		}
		e.Version = event.SchemaVersion
		e.Type = event.Type(kind)
		e.SessionID = sessionID
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Tasks returns one session's archived backlog residue.
func (a *Archive) Tasks(sessionID string) ([]TaskRecord, error) {
	rows, err := a.db.Query(
		`SELECT id, title, state, worker, attempts FROM tasks WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: tasks %s: %w", sessionID, err)
	}
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		var task TaskRecord
		if err := rows.Scan(&task.ID, &task.Title, &task.State, &task.Worker, &task.Attempts); err != nil {
			return nil, fmt.Errorf("archive: scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// TaskSummary counts one session's archived tasks per terminal state.
func (a *Archive) TaskSummary(sessionID string) (map[string]int, error) {
	rows, err := a.db.Query(
		`SELECT state, COUNT(*) FROM tasks WHERE session_id = ? GROUP BY state`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: task summary %s: %w", sessionID, err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("archive: scan summary: %w", err)
		}
		out[state] = count
	}
	return out, rows.Err()
}
