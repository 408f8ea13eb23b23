package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Schema versions:
// v1: flat snapshot (status, phase_index, ticket), no version field
// v2: adds "version" field, task counters, and worker assignments
// v3: renames "version" to "schema_version", adds escalation summary
const CurrentSchemaVersion = 3

// Status enumerates the session lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusBlocked     Status = "blocked"
	StatusEscalated   Status = "escalated"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// ErrStateNotFound is returned when a session has no STATE.json yet.
var ErrStateNotFound = errors.New("session: state not found")

// ErrFutureSchema is returned when STATE.json was written by a newer hive.
var ErrFutureSchema = errors.New("session: state schema newer than this binary supports")

// Counters tracks cumulative task outcomes for the session.
type Counters struct {
	Enqueued  int `json:"enqueued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
}

// Assignment records a task currently leased to a worker.
type Assignment struct {
	Worker    string    `json:"worker"`
	TaskID    string    `json:"task_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// EscalationSummary aggregates escalation activity for the session.
type EscalationSummary struct {
	Warnings   int       `json:"warnings"`
	Escalated  int       `json:"escalated"`
	Abandoned  int       `json:"abandoned"`
	LastRaised time.Time `json:"last_raised,omitempty"`
}

// State is the authoritative session snapshot persisted as STATE.json.
type State struct {
	SchemaVersion int               `json:"schema_version"`
	SessionID     string            `json:"session_id"`
	Title         string            `json:"title,omitempty"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Counters      Counters          `json:"counters"`
	Assignments   []Assignment      `json:"assignments,omitempty"`
	Escalations   EscalationSummary `json:"escalations"`
	Notes         map[string]string `json:"notes,omitempty"`
}

// Store reads and writes STATE.json for one session. It serializes
// access so Mutate is an atomic read-modify-write within the process;
// cross-process writers still rely on the atomic file replace.
type Store struct {
	session *Session
	now     func() time.Time
	mu      sync.Mutex
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for snapshot timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore builds a state store for a session.
func NewStore(sess *Session, opts ...StoreOption) *Store {
	store := &Store{
		session: sess,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Load reads STATE.json, migrating older schema versions forward. When a
// migration ran, the upgraded snapshot is persisted before returning so
// the next reader sees the current schema.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (State, error) {
	data, err := os.ReadFile(s.session.StatePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, ErrStateNotFound
		}
		return State{}, err
	}
	state, migrated, err := decodeState(data)
	if err != nil {
		return State{}, err
	}
	if state.SessionID == "" {
		state.SessionID = s.session.ID
	}
	if migrated {
		if err := s.saveLocked(state); err != nil {
			return State{}, fmt.Errorf("session: persist migrated state: %w", err)
		}
	}
	return state, nil
}

// Save stamps UpdatedAt and atomically replaces STATE.json.
func (s *Store) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(state)
}

func (s *Store) saveLocked(state State) error {
	state.SchemaVersion = CurrentSchemaVersion
	state.UpdatedAt = s.now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.session.StatePath(), append(data, '\n'), 0o644)
}

// Mutate loads the snapshot, applies fn, and saves the result.
func (s *Store) Mutate(fn func(*State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return State{}, err
	}
	fn(&state)
	if err := s.saveLocked(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// decodeState parses a raw snapshot and migrates it to the current schema.
// The second return reports whether any migration was applied.
func decodeState(data []byte) (State, bool, error) {
	version, err := sniffSchemaVersion(data)
	if err != nil {
		return State{}, false, err
	}
	if version > CurrentSchemaVersion {
		return State{}, false, fmt.Errorf("%w: found v%d, supports up to v%d",
			ErrFutureSchema, version, CurrentSchemaVersion)
	}
	switch version {
	case 1:
		state, err := migrateV1(data)
		return state, true, err
	case 2:
		state, err := migrateV2(data)
		return state, true, err
	default:
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			return State{}, false, fmt.Errorf("session: parse state: %w", err)
		}
		return state, false, nil
	}
}

// sniffSchemaVersion determines the schema version without committing to a
// full decode. v1 snapshots predate version fields entirely.
func sniffSchemaVersion(data []byte) (int, error) {
	var probe struct {
		SchemaVersion *int `json:"schema_version"`
		Version       *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, fmt.Errorf("session: parse state: %w", err)
	}
	if probe.SchemaVersion != nil {
		return *probe.SchemaVersion, nil
	}
	if probe.Version != nil {
		return *probe.Version, nil
	}
	return 1, nil
}

// stateV1 is the original flat snapshot written by early orchestrator builds.
type stateV1 struct {
	Status     string `json:"status"`
	PhaseIndex int    `json:"phase_index"`
	Ticket     string `json:"ticket"`
}

// stateV2 added counters and assignments under a "version" field.
type stateV2 struct {
	Version     int               `json:"version"`
	SessionID   string            `json:"session_id"`
	Title       string            `json:"title"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Counters    Counters          `json:"counters"`
	Assignments []Assignment      `json:"assignments"`
	Notes       map[string]string `json:"notes"`
}

func migrateV1(data []byte) (State, error) {
	var old stateV1
	if err := json.Unmarshal(data, &old); err != nil {
		return State{}, fmt.Errorf("session: parse v1 state: %w", err)
	}
	state := State{
		SchemaVersion: CurrentSchemaVersion,
		Title:         old.Ticket,
		Status:        mapV1Status(old.Status),
	}
	if old.PhaseIndex > 0 {
		state.Notes = map[string]string{"phase_index": fmt.Sprintf("%d", old.PhaseIndex)}
	}
	return state, nil
}

func migrateV2(data []byte) (State, error) {
	var old stateV2
	if err := json.Unmarshal(data, &old); err != nil {
		return State{}, fmt.Errorf("session: parse v2 state: %w", err)
	}
	return State{
		SchemaVersion: CurrentSchemaVersion,
		SessionID:     old.SessionID,
		Title:         old.Title,
		Status:        old.Status,
		CreatedAt:     old.CreatedAt,
		UpdatedAt:     old.UpdatedAt,
		Counters:      old.Counters,
		Assignments:   old.Assignments,
		Notes:         old.Notes,
	}, nil
}

func mapV1Status(status string) Status {
	switch status {
	case "running":
		return StatusRunning
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "interrupted":
		return StatusInterrupted
	default:
		return StatusPending
	}
}
