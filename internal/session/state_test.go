package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testClock(t *testing.T) func() time.Time {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func TestCreateWritesInitialState(t *testing.T) {
	dir := t.TempDir()
	sess, err := Create(dir, "refactor auth", WithClock(testClock(t)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "sess-") {
		t.Fatalf("unexpected session id %q", sess.ID)
	}
	store := NewStore(sess, WithClock(testClock(t)))
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("schema version = %d, want %d", state.SchemaVersion, CurrentSchemaVersion)
	}
	if state.Status != StatusPending {
		t.Fatalf("status = %s, want %s", state.Status, StatusPending)
	}
	if state.Title != "refactor auth" {
		t.Fatalf("title = %q", state.Title)
	}
	if _, err := os.Stat(sess.ArtifactsDir()); err != nil {
		t.Fatalf("artifacts dir missing: %v", err)
	}
}

func TestLoadMissingStateReturnsSentinel(t *testing.T) {
	sess := &Session{ID: "sess-x", Dir: t.TempDir()}
	store := NewStore(sess)
	if _, err := store.Load(); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestLoadMigratesV1Snapshot(t *testing.T) {
	sess := &Session{ID: "sess-legacy", Dir: t.TempDir()}
	raw := `{"status":"running","phase_index":3,"ticket":"HIVE-42"}`
	if err := os.WriteFile(sess.StatePath(), []byte(raw), 0o644); err != nil {
		t.Fatalf("seed v1 state: %v", err)
	}
	store := NewStore(sess, WithClock(testClock(t)))
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("schema version = %d, want %d", state.SchemaVersion, CurrentSchemaVersion)
	}
	if state.Status != StatusRunning {
		t.Fatalf("status = %s, want %s", state.Status, StatusRunning)
	}
	if state.Title != "HIVE-42" {
		t.Fatalf("title = %q, want HIVE-42", state.Title)
	}
	if state.Notes["phase_index"] != "3" {
		t.Fatalf("notes = %v, want phase_index carried over", state.Notes)
	}
	// The migrated snapshot must be persisted in the current schema.
	data, err := os.ReadFile(sess.StatePath())
	if err != nil {
		t.Fatalf("reread state: %v", err)
	}
	if !strings.Contains(string(data), `"schema_version": 3`) {
		t.Fatalf("migrated state not persisted: %s", data)
	}
}

func TestLoadMigratesV2Snapshot(t *testing.T) {
	sess := &Session{ID: "sess-v2", Dir: t.TempDir()}
	raw := `{
  "version": 2,
  "session_id": "sess-v2",
  "title": "index rebuild",
  "status": "blocked",
  "counters": {"enqueued": 5, "completed": 2, "failed": 1, "dead": 0},
  "assignments": [{"worker": "backend", "task_id": "task-1", "claimed_at": "2026-02-01T00:00:00Z"}]
}`
	if err := os.WriteFile(sess.StatePath(), []byte(raw), 0o644); err != nil {
		t.Fatalf("seed v2 state: %v", err)
	}
	store := NewStore(sess, WithClock(testClock(t)))
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Status != StatusBlocked {
		t.Fatalf("status = %s, want %s", state.Status, StatusBlocked)
	}
	if state.Counters.Enqueued != 5 || state.Counters.Completed != 2 {
		t.Fatalf("counters not carried: %+v", state.Counters)
	}
	if len(state.Assignments) != 1 || state.Assignments[0].Worker != "backend" {
		t.Fatalf("assignments not carried: %+v", state.Assignments)
	}
}

func TestLoadRefusesFutureSchema(t *testing.T) {
	sess := &Session{ID: "sess-future", Dir: t.TempDir()}
	raw := `{"schema_version": 99, "session_id": "sess-future", "status": "running"}`
	if err := os.WriteFile(sess.StatePath(), []byte(raw), 0o644); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	store := NewStore(sess)
	if _, err := store.Load(); !errors.Is(err, ErrFutureSchema) {
		t.Fatalf("expected ErrFutureSchema, got %v", err)
	}
}

func TestMutateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	sess, err := Create(dir, "", WithClock(testClock(t)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store := NewStore(sess, WithClock(testClock(t)))
	state, err := store.Mutate(func(s *State) {
		s.Status = StatusRunning
		s.Counters.Enqueued = 7
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if state.Status != StatusRunning || state.Counters.Enqueued != 7 {
		t.Fatalf("mutation not applied: %+v", state)
	}
	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Counters.Enqueued != 7 {
		t.Fatalf("mutation not persisted: %+v", reloaded)
	}
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	sess, err := Create(dir, "tmp check")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	entries, err := os.ReadDir(sess.Dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestValidateIDRejectsTraversal(t *testing.T) {
	cases := []string{"", "../other", "a/b", `a\b`}
	for _, id := range cases {
		if err := ValidateID(id); err == nil {
			t.Fatalf("expected error for id %q", id)
		}
	}
	if err := ValidateID("sess-abc"); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
}

func TestListReturnsSortedIDs(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"sess-b", "sess-a"} {
		if err := os.MkdirAll(filepath.Join(dir, id), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	ids, err := List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sess-a" || ids[1] != "sess-b" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
