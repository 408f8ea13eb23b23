package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivemind-dev/hive/internal/event"
)

func appendEvent(t *testing.T, path string, e event.Event) {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitForEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return event.Event{}
}

func TestTailerReplaysFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EVENTS.jsonl")
	appendEvent(t, path, event.Event{EventID: "evt-1", Sequence: 1, Type: event.TypeSessionStarted, SessionID: "sess-1"})
	appendEvent(t, path, event.Event{EventID: "evt-2", Sequence: 2, Type: event.TypeTaskEnqueued, SessionID: "sess-1"})

	tailer := NewTailer(path, FromStart(), WithPollInterval(20*time.Millisecond))
	if err := tailer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tailer.Stop()

	if got := waitForEvent(t, tailer.Events()); got.EventID != "evt-1" {
		t.Fatalf("first event = %s, want evt-1", got.EventID)
	}
	if got := waitForEvent(t, tailer.Events()); got.EventID != "evt-2" {
		t.Fatalf("second event = %s, want evt-2", got.EventID)
	}
}

func TestTailerFollowsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EVENTS.jsonl")
	appendEvent(t, path, event.Event{EventID: "evt-old", Sequence: 1, Type: event.TypeSessionStarted, SessionID: "sess-1"})

	tailer := NewTailer(path, WithPollInterval(20*time.Millisecond))
	if err := tailer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tailer.Stop()

	appendEvent(t, path, event.Event{EventID: "evt-new", Sequence: 2, Type: event.TypeTaskCompleted, SessionID: "sess-1"})

	got := waitForEvent(t, tailer.Events())
	if got.EventID != "evt-new" {
		t.Fatalf("event = %s, want evt-new (pre-start events must be skipped)", got.EventID)
	}
}

func TestTailerSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EVENTS.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tailer := NewTailer(path, FromStart(), WithPollInterval(20*time.Millisecond))
	if err := tailer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tailer.Stop()

	appendEvent(t, path, event.Event{EventID: "evt-good", Sequence: 1, Type: event.TypeDebug, SessionID: "sess-1"})
	if got := waitForEvent(t, tailer.Events()); got.EventID != "evt-good" {
		t.Fatalf("event = %s, want evt-good", got.EventID)
	}
}

func TestTailerHandlesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EVENTS.jsonl")
	appendEvent(t, path, event.Event{EventID: "evt-1", Sequence: 1, Type: event.TypeSessionStarted, SessionID: "sess-1"})

	tailer := NewTailer(path, FromStart(), WithPollInterval(20*time.Millisecond))
	if err := tailer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tailer.Stop()

	if got := waitForEvent(t, tailer.Events()); got.EventID != "evt-1" {
		t.Fatalf("event = %s, want evt-1", got.EventID)
	}

	// Replace the file with fresh content; the tailer restarts from zero.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	// Let a poll observe the empty file before new content lands.
	time.Sleep(200 * time.Millisecond)
	appendEvent(t, path, event.Event{EventID: "evt-2", Sequence: 1, Type: event.TypeSessionStarted, SessionID: "sess-2"})
	if got := waitForEvent(t, tailer.Events()); got.EventID != "evt-2" {
		t.Fatalf("event = %s, want evt-2", got.EventID)
	}
}

func TestTailerStopClosesChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EVENTS.jsonl")
	tailer := NewTailer(path, WithPollInterval(20*time.Millisecond))
	if err := tailer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tailer.Stop()
	select {
	case _, ok := <-tailer.Events():
		if ok {
			t.Fatalf("unexpected event after stop")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after stop")
	}
}
