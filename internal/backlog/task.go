// Package backlog implements the persistent session task queue.
//
// BACKLOG.jsonl is an operation journal: every mutation (enqueue, claim,
// ack, nack, extend, expire, dead) is appended as one JSON line before it
// becomes visible in memory, and queue state is rebuilt by replaying the
// journal on open. Claims hand out leases with deadlines; a lease that is
// never acked expires and the task is redelivered. Delivery is therefore
// at-least-once: a crash between claim and ack loses nothing.
package backlog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of work in a session backlog.
type Task struct {
	ID          string    `json:"task_id"`
	Title       string    `json:"title"`
	Detail      string    `json:"detail,omitempty"`
	Keywords    []string  `json:"keywords,omitempty"`
	Priority    int       `json:"priority"`
	DependsOn   []string  `json:"depends_on,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
}

// NewTask builds a task with a fresh identifier.
func NewTask(title string) Task {
	return Task{
		ID:    "task-" + uuid.NewString(),
		Title: strings.TrimSpace(title),
	}
}

// Normalize trims fields and lowercases keywords.
func (t Task) Normalize() Task {
	t.ID = strings.TrimSpace(t.ID)
	t.Title = strings.TrimSpace(t.Title)
	t.Detail = strings.TrimSpace(t.Detail)
	keywords := make([]string, 0, len(t.Keywords))
	for _, kw := range t.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		keywords = nil
	}
	t.Keywords = keywords
	deps := make([]string, 0, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep != "" {
			deps = append(deps, dep)
		}
	}
	if len(deps) == 0 {
		deps = nil
	}
	t.DependsOn = deps
	return t
}

// Validate enforces baseline task requirements.
func (t Task) Validate() error {
	if t.ID == "" {
		return errors.New("backlog: task_id is required")
	}
	if t.Title == "" {
		return errors.New("backlog: title is required")
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("backlog: task %s: max_attempts must be at least 1", t.ID)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("backlog: task %s depends on itself", t.ID)
		}
	}
	return nil
}
