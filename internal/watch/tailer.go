// Package watch follows a session's EVENTS.jsonl on disk and streams
// parsed events to consumers such as `hive status --watch`. It combines
// fsnotify change notifications with a low-frequency poll so appends are
// never missed on filesystems with unreliable notification delivery.
package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hivemind-dev/hive/internal/event"
)

const defaultPollInterval = 500 * time.Millisecond

// Logger records tailer diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Tailer streams events appended to one JSONL file.
type Tailer struct {
	path         string
	fromStart    bool
	pollInterval time.Duration
	logger       Logger

	events  chan event.Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool

	offset    int64
	remainder []byte
}

// Option customizes a Tailer.
type Option func(*Tailer)

// FromStart replays the whole file before following new appends. The
// default is to emit only events written after Start.
func FromStart() Option {
	return func(t *Tailer) {
		t.fromStart = true
	}
}

// WithPollInterval overrides the fallback poll frequency.
func WithPollInterval(interval time.Duration) Option {
	return func(t *Tailer) {
		if interval > 0 {
			t.pollInterval = interval
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger Logger) Option {
	return func(t *Tailer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTailer prepares a tailer for the given events file.
func NewTailer(path string, opts ...Option) *Tailer {
	t := &Tailer{
		path:         path,
		pollInterval: defaultPollInterval,
		logger:       nopLogger{},
		events:       make(chan event.Event, 64),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Events returns the stream of parsed events. The channel closes when the
// tailer stops.
func (t *Tailer) Events() <-chan event.Event {
	return t.events
}

// Start begins following the file. It is non-blocking.
func (t *Tailer) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("watch: tailer already started")
	}
	t.running = true
	t.mu.Unlock()

	if !t.fromStart {
		if info, err := os.Stat(t.path); err == nil {
			t.offset = info.Size()
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory rather than the file so appends after a
	// rename/recreate keep flowing.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return err
	}

	go t.run(ctx, watcher)
	return nil
}

// Stop terminates the tailer and waits for the loop to exit.
func (t *Tailer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh
}

func (t *Tailer) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(t.doneCh)
	defer close(t.events)
	defer watcher.Close()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	// Emit anything already past the starting offset.
	t.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != t.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !t.drain(ctx) {
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Printf("watch: %v", err)
		case <-ticker.C:
			if !t.drain(ctx) {
				return
			}
		}
	}
}

// drain reads from the current offset to EOF and emits complete lines.
// It reports false when the consumer went away.
func (t *Tailer) drain(ctx context.Context) bool {
	file, err := os.Open(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Printf("watch: open %s: %v", t.path, err)
		}
		return true
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		t.logger.Printf("watch: stat %s: %v", t.path, err)
		return true
	}
	if info.Size() < t.offset {
		// Truncated or replaced: start over from the top.
		t.offset = 0
		t.remainder = nil
	}
	if info.Size() == t.offset {
		return true
	}
	if _, err := file.Seek(t.offset, io.SeekStart); err != nil {
		t.logger.Printf("watch: seek %s: %v", t.path, err)
		return true
	}
	data, err := io.ReadAll(file)
	if err != nil {
		t.logger.Printf("watch: read %s: %v", t.path, err)
		return true
	}
	t.offset += int64(len(data))

	buf := append(t.remainder, data...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:idx])
		buf = buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			t.logger.Printf("watch: skipping malformed line: %v", err)
			continue
		}
		select {
		case t.events <- evt:
		case <-t.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
	t.remainder = append([]byte(nil), buf...)
	return true
}
