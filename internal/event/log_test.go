package event

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func appendRaw(path, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func TestAppendAssignsSequence(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "EVENTS.jsonl"), WithLogClock(fixedClock()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, err := log.Append(New(TypeSessionStarted, "sess-1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := log.Append(New(TypeTaskEnqueued, "sess-1").WithTask("task-1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("sequences = %d, %d, want 1, 2", first.Sequence, second.Sequence)
	}
	if first.Timestamp.IsZero() {
		t.Fatalf("timestamp not stamped")
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EVENTS.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log.Append(New(TypeWorkerHeartbeat, "sess-1")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e, err := reopened.Append(New(TypeSessionCompleted, "sess-1"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if e.Sequence != 4 {
		t.Fatalf("sequence after reopen = %d, want 4", e.Sequence)
	}
}

func TestDuplicateEventIDDropped(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "EVENTS.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e := New(TypeTaskClaimed, "sess-1").WithTask("task-1")
	if _, err := log.Append(e); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := log.Append(e); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	events, err := log.Tail(10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
}

func TestDedupeSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EVENTS.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e := New(TypeTaskCompleted, "sess-1")
	if _, err := log.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Append(e); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate after reopen, got %v", err)
	}
}

func TestTailReturnsMostRecent(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "EVENTS.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := log.Append(New(TypeWorkerHeartbeat, "sess-1")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := log.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("tail length = %d, want 2", len(events))
	}
	if events[0].Sequence != 4 || events[1].Sequence != 5 {
		t.Fatalf("tail sequences = %d, %d, want 4, 5", events[0].Sequence, events[1].Sequence)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	e := New("made_up", "sess-1")
	e.Normalize()
	if err := e.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown type")
	}
}

func TestValidateRequiresSession(t *testing.T) {
	e := New(TypeDebug, "")
	e.Normalize()
	if err := e.Validate(); err == nil {
		t.Fatalf("expected validation error for missing session_id")
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EVENTS.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := log.Append(New(TypeSessionStarted, "sess-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := appendRaw(path, "{not json\n"); err != nil {
		t.Fatalf("append raw: %v", err)
	}
	if _, err := log.Append(New(TypeSessionCompleted, "sess-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	var count int
	if err := log.Replay(func(Event) error { count++; return nil }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 2 {
		t.Fatalf("replayed %d events, want 2", count)
	}
}
