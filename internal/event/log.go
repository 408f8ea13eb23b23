package event

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultDedupeWindow = 1024

// ErrDuplicate reports that an event with the same event_id was already
// appended within the dedupe window. Upstream delivery is at-least-once, so
// callers normally ignore this error.
var ErrDuplicate = errors.New("event: duplicate event_id")

// Log is a mutex-guarded append-only JSONL event log. It assigns strictly
// increasing sequence numbers and recovers the last sequence by scanning
// the file on open, so numbering survives process restarts.
type Log struct {
	path string

	mu          sync.Mutex
	seq         int64
	recentIDs   map[string]struct{}
	recentOrder []string
	window      int
	fsync       bool
	now         func() time.Time
}

// LogOption customizes a Log during construction.
type LogOption func(*Log)

// WithFsync forces an fsync after every append.
func WithFsync() LogOption {
	return func(l *Log) { l.fsync = true }
}

// WithDedupeWindow overrides how many recent event IDs are remembered.
func WithDedupeWindow(window int) LogOption {
	return func(l *Log) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithLogClock overrides the timestamp clock (primarily for tests).
func WithLogClock(clock func() time.Time) LogOption {
	return func(l *Log) {
		if clock != nil {
			l.now = clock
		}
	}
}

// Open prepares a log at path, scanning any existing file to recover the
// next sequence number and seed the dedupe window.
func Open(path string, opts ...LogOption) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("event: ensure log dir: %w", err)
	}
	l := &Log{
		path:      path,
		recentIDs: map[string]struct{}{},
		window:    defaultDedupeWindow,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the file backing this log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append validates the event, stamps sequence and timestamp, and writes one
// JSON line. The stored event is returned. Duplicate event IDs within the
// dedupe window return ErrDuplicate without writing.
func (l *Log) Append(e Event) (Event, error) {
	e.Normalize()
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.recentIDs[e.EventID]; seen {
		return Event{}, fmt.Errorf("%w: %s", ErrDuplicate, e.EventID)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Sequence = l.seq + 1
	line, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("event: marshal: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Event{}, fmt.Errorf("event: open %s: %w", l.path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("event: append: %w", err)
	}
	if l.fsync {
		if err := file.Sync(); err != nil {
			return Event{}, fmt.Errorf("event: fsync: %w", err)
		}
	}
	l.seq = e.Sequence
	l.remember(e.EventID)
	return e, nil
}

// Replay invokes fn for every stored event in order. Malformed lines are
// skipped; fn errors abort the replay.
func (l *Log) Replay(fn func(Event) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return scanEvents(l.path, fn)
}

// Tail returns up to maxEvents of the most recent events.
func (l *Log) Tail(maxEvents int) ([]Event, error) {
	if l == nil || maxEvents <= 0 {
		return nil, nil
	}
	var events []Event
	err := l.Replay(func(e Event) error {
		events = append(events, e)
		if len(events) > maxEvents {
			events = events[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (l *Log) recover() error {
	return scanEvents(l.path, func(e Event) error {
		if e.Sequence > l.seq {
			l.seq = e.Sequence
		}
		l.remember(e.EventID)
		return nil
	})
}

func (l *Log) remember(id string) {
	if _, ok := l.recentIDs[id]; ok {
		return
	}
	l.recentIDs[id] = struct{}{}
	l.recentOrder = append(l.recentOrder, id)
	for len(l.recentOrder) > l.window {
		oldest := l.recentOrder[0]
		l.recentOrder = l.recentOrder[1:]
		delete(l.recentIDs, oldest)
	}
}

// scanEvents streams the JSONL file through fn, skipping unparsable lines.
func scanEvents(path string, fn func(Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}
