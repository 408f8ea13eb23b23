package escalation

import (
	"testing"
	"time"
)

var policy = Policy{
	WarnAfter:     time.Minute,
	EscalateAfter: 5 * time.Minute,
	AbandonAfter:  10 * time.Minute,
}

var claimT = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(policy)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

func TestPolicyValidation(t *testing.T) {
	bad := []Policy{
		{},
		{WarnAfter: time.Minute, EscalateAfter: time.Minute, AbandonAfter: time.Hour},
		{WarnAfter: time.Minute, EscalateAfter: 2 * time.Minute, AbandonAfter: 2 * time.Minute},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("policy %d validated unexpectedly", i)
		}
	}
	if err := policy.Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}
}

func TestLadderFiresEdgeTriggered(t *testing.T) {
	m := newMachine(t)
	m.Track("task-1", "backend", claimT)

	if got := m.Tick(claimT.Add(30 * time.Second)); len(got) != 0 {
		t.Fatalf("transitions before warn threshold: %+v", got)
	}
	got := m.Tick(claimT.Add(2 * time.Minute))
	if len(got) != 1 || got[0].To != LevelWarning || got[0].From != LevelNone {
		t.Fatalf("warn transition = %+v", got)
	}
	// Same age again: edge-triggered, nothing new fires.
	if got := m.Tick(claimT.Add(2 * time.Minute)); len(got) != 0 {
		t.Fatalf("warn re-fired: %+v", got)
	}
	got = m.Tick(claimT.Add(6 * time.Minute))
	if len(got) != 1 || got[0].To != LevelEscalated || got[0].From != LevelWarning {
		t.Fatalf("escalate transition = %+v", got)
	}
	got = m.Tick(claimT.Add(11 * time.Minute))
	if len(got) != 1 || got[0].To != LevelAbandoned {
		t.Fatalf("abandon transition = %+v", got)
	}
	// Abandoned tasks leave tracking.
	if _, ok := m.Level("task-1"); ok {
		t.Fatalf("abandoned task still tracked")
	}
}

func TestSkippedThresholdsCollapseToOneTransition(t *testing.T) {
	m := newMachine(t)
	m.Track("task-1", "backend", claimT)
	got := m.Tick(claimT.Add(7 * time.Minute))
	if len(got) != 1 || got[0].From != LevelNone || got[0].To != LevelEscalated {
		t.Fatalf("expected single none->escalated transition, got %+v", got)
	}
}

func TestTickIsDeterministicallyOrdered(t *testing.T) {
	m := newMachine(t)
	m.Track("task-b", "w", claimT)
	m.Track("task-a", "w", claimT)
	m.Track("task-c", "w", claimT)
	got := m.Tick(claimT.Add(2 * time.Minute))
	if len(got) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got))
	}
	if got[0].TaskID != "task-a" || got[1].TaskID != "task-b" || got[2].TaskID != "task-c" {
		t.Fatalf("transitions out of order: %+v", got)
	}
}

func TestClearReportsRaisedLevel(t *testing.T) {
	m := newMachine(t)
	m.Track("task-1", "w", claimT)
	m.Tick(claimT.Add(2 * time.Minute))
	level, raised := m.Clear("task-1")
	if !raised || level != LevelWarning {
		t.Fatalf("clear = (%s, %v), want (warning, true)", level, raised)
	}
	if _, raised := m.Clear("task-1"); raised {
		t.Fatalf("second clear reported raised")
	}
}

func TestRetrackResetsClock(t *testing.T) {
	m := newMachine(t)
	m.Track("task-1", "w1", claimT)
	m.Tick(claimT.Add(2 * time.Minute))
	// Requeue and fresh claim: clock restarts.
	m.Track("task-1", "w2", claimT.Add(3*time.Minute))
	if got := m.Tick(claimT.Add(3*time.Minute + 30*time.Second)); len(got) != 0 {
		t.Fatalf("transitions after retrack: %+v", got)
	}
}
