// Package session manages the on-disk layout of a coordination session.
//
// A session is one directory under .hive/sessions/ holding a mutable
// STATE.json snapshot plus append-only journals:
//
//	sessions/<session-id>/
//	├── STATE.json    <- versioned snapshot, replaced atomically
//	├── EVENTS.jsonl  <- append-only event log
//	├── BACKLOG.jsonl <- append-only task queue journal
//	├── DEBUG.jsonl   <- append-only debug event log
//	└── artifacts/    <- worker outputs
//
// STATE.json is the only file that is ever rewritten, and only via an
// atomic temp-file rename. The journals are never truncated in place.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	// StateFile is the snapshot filename inside a session directory.
	StateFile = "STATE.json"
	// EventsFile is the append-only event log filename.
	EventsFile = "EVENTS.jsonl"
	// BacklogFile is the task queue journal filename.
	BacklogFile = "BACKLOG.jsonl"
	// DebugFile is the debug event log filename.
	DebugFile = "DEBUG.jsonl"
	// RosterFile is an optional per-session roster override.
	RosterFile = "roster.json"
	// ArtifactsDirName holds worker outputs.
	ArtifactsDirName = "artifacts"

	idPrefix = "sess-"
)

// Session is a handle on one session directory.
type Session struct {
	ID  string
	Dir string
}

// NewID generates a fresh session identifier.
func NewID() string {
	return idPrefix + uuid.NewString()
}

// ValidateID rejects identifiers that would escape the sessions directory.
func ValidateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return errors.New("session: id is required")
	}
	if trimmed != filepath.Base(trimmed) || strings.ContainsAny(trimmed, "/\\") {
		return fmt.Errorf("session: invalid id %q", id)
	}
	return nil
}

// Create initialises a new session directory with an initial STATE.json.
func Create(sessionsDir, title string, opts ...StoreOption) (*Session, error) {
	id := NewID()
	dir := filepath.Join(sessionsDir, id)
	if err := os.MkdirAll(filepath.Join(dir, ArtifactsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("session: create %s: %w", dir, err)
	}
	sess := &Session{ID: id, Dir: dir}
	store := NewStore(sess, opts...)
	now := store.now()
	state := State{
		SchemaVersion: CurrentSchemaVersion,
		SessionID:     id,
		Title:         strings.TrimSpace(title),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Save(state); err != nil {
		return nil, err
	}
	return sess, nil
}

// Open returns a handle for an existing session directory.
func Open(sessionsDir, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	dir := filepath.Join(sessionsDir, id)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("session: %s not found", id)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("session: %s is not a directory", dir)
	}
	return &Session{ID: id, Dir: dir}, nil
}

// List returns the session IDs under sessionsDir in sorted order.
func List(sessionsDir string) ([]string, error) {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// StatePath returns the STATE.json path.
func (s *Session) StatePath() string { return filepath.Join(s.Dir, StateFile) }

// EventsPath returns the EVENTS.jsonl path.
func (s *Session) EventsPath() string { return filepath.Join(s.Dir, EventsFile) }

// BacklogPath returns the BACKLOG.jsonl path.
func (s *Session) BacklogPath() string { return filepath.Join(s.Dir, BacklogFile) }

// DebugPath returns the DEBUG.jsonl path.
func (s *Session) DebugPath() string { return filepath.Join(s.Dir, DebugFile) }

// RosterPath returns the per-session roster override path. The file is
// optional; callers fall back to the project roster when it is absent.
func (s *Session) RosterPath() string { return filepath.Join(s.Dir, RosterFile) }

// ArtifactsDir returns the directory for worker outputs.
func (s *Session) ArtifactsDir() string { return filepath.Join(s.Dir, ArtifactsDirName) }

// ArtifactPath returns the output capture path for one task.
func (s *Session) ArtifactPath(taskID string) string {
	return filepath.Join(s.ArtifactsDir(), taskID+".out")
}
