// Package escalation implements the timeout ladder for claimed tasks.
// A tracked task moves none -> warning -> escalated -> abandoned purely as
// a function of its age against the policy and the supplied clock, so
// every transition is reproducible in tests without sleeping.
package escalation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Level is an escalation stage for one tracked task.
type Level string

const (
	LevelNone      Level = "none"
	LevelWarning   Level = "warning"
	LevelEscalated Level = "escalated"
	LevelAbandoned Level = "abandoned"
)

// Policy sets the timeout ladder. Each threshold is measured from the
// moment the task was claimed.
type Policy struct {
	WarnAfter     time.Duration
	EscalateAfter time.Duration
	AbandonAfter  time.Duration
}

// Validate enforces a strictly increasing ladder.
func (p Policy) Validate() error {
	if p.WarnAfter <= 0 {
		return errors.New("escalation: warn_after must be positive")
	}
	if p.EscalateAfter <= p.WarnAfter {
		return errors.New("escalation: escalate_after must exceed warn_after")
	}
	if p.AbandonAfter <= p.EscalateAfter {
		return errors.New("escalation: abandon_after must exceed escalate_after")
	}
	return nil
}

// Transition reports one level change produced by a Tick.
type Transition struct {
	TaskID  string
	Worker  string
	From    Level
	To      Level
	Age     time.Duration
	Claimed time.Time
}

type tracked struct {
	worker  string
	claimed time.Time
	level   Level
}

// Machine tracks claimed tasks and derives escalation transitions.
type Machine struct {
	policy Policy

	mu    sync.Mutex
	tasks map[string]*tracked
}

// NewMachine builds a machine for the given policy.
func NewMachine(policy Policy) (*Machine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		policy: policy,
		tasks:  map[string]*tracked{},
	}, nil
}

// Track starts watching a claimed task. Re-tracking an already tracked
// task resets its clock (a fresh claim after requeue is a fresh lease).
func (m *Machine) Track(taskID, worker string, claimedAt time.Time) {
	if taskID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = &tracked{worker: worker, claimed: claimedAt.UTC(), level: LevelNone}
}

// Clear stops watching a task and reports whether it had escalated past
// LevelNone, so the caller can emit an escalation_cleared event.
func (m *Machine) Clear(taskID string) (Level, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return LevelNone, false
	}
	delete(m.tasks, taskID)
	return t.level, t.level != LevelNone
}

// Level returns the current level for a tracked task.
func (m *Machine) Level(taskID string) (Level, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return LevelNone, false
	}
	return t.level, true
}

// Tracked returns the tracked task IDs in sorted order.
func (m *Machine) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tick advances every tracked task to the level its age demands and
// returns the transitions that fired, ordered by task ID. Transitions are
// edge-triggered: a task that crossed two thresholds since the last tick
// produces one transition straight to the higher level. Abandoned tasks
// are dropped from tracking after their transition is reported.
func (m *Machine) Tick(now time.Time) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var transitions []Transition
	for _, id := range ids {
		t := m.tasks[id]
		age := now.Sub(t.claimed)
		target := m.levelForAge(age)
		if target == t.level {
			continue
		}
		transitions = append(transitions, Transition{
			TaskID:  id,
			Worker:  t.worker,
			From:    t.level,
			To:      target,
			Age:     age,
			Claimed: t.claimed,
		})
		t.level = target
		if target == LevelAbandoned {
			delete(m.tasks, id)
		}
	}
	return transitions
}

func (m *Machine) levelForAge(age time.Duration) Level {
	switch {
	case age > m.policy.AbandonAfter:
		return LevelAbandoned
	case age > m.policy.EscalateAfter:
		return LevelEscalated
	case age > m.policy.WarnAfter:
		return LevelWarning
	default:
		return LevelNone
	}
}

// String renders a transition for logs.
func (t Transition) String() string {
	return fmt.Sprintf("%s: %s -> %s after %s", t.TaskID, t.From, t.To, t.Age)
}
