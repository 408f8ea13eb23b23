package backlog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultLease is how long a claim remains valid without an extension.
	DefaultLease = 5 * time.Minute
	// DefaultMaxAttempts bounds redelivery before a task goes dead.
	DefaultMaxAttempts = 3
)

// TaskState describes where a task sits in its delivery lifecycle.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskLeased  TaskState = "leased"
	TaskDone    TaskState = "done"
	TaskDead    TaskState = "dead"
)

// ErrUnknownTask is returned for operations on task IDs the queue has
// never seen.
var ErrUnknownTask = errors.New("backlog: unknown task")

// ErrNotLeased is returned when an ack/nack/extend does not match the
// current lease holder.
var ErrNotLeased = errors.New("backlog: task not leased by worker")

type entry struct {
	task      Task
	state     TaskState
	worker    string
	claimedAt time.Time
	deadline  time.Time
}

// Lease describes an outstanding claim.
type Lease struct {
	Task      Task
	Worker    string
	ClaimedAt time.Time
	Deadline  time.Time
}

// Expiry reports one lease that lapsed during ExpireLeases.
type Expiry struct {
	Task   Task
	Worker string
	// Dead is true when the expiry exhausted the task's attempts.
	Dead bool
}

// NackResult reports where a task landed after a negative acknowledgement.
type NackResult struct {
	Task Task
	Dead bool
}

// Stats summarizes queue occupancy.
type Stats struct {
	Pending int
	Leased  int
	Done    int
	Dead    int
	// Blocked counts pending tasks whose dependencies cannot all complete
	// (a dependency is dead or unknown).
	Blocked int
}

// Queue is a journal-backed task queue with leased, at-least-once delivery.
// All mutating operations take an explicit clock reading so behavior is a
// pure function of (journal state, now).
type Queue struct {
	mu          sync.Mutex
	journal     *journal
	entries     map[string]*entry
	lease       time.Duration
	maxAttempts int
}

// QueueOption customizes a Queue during construction.
type QueueOption func(*Queue)

// WithLease overrides the claim lease duration.
func WithLease(lease time.Duration) QueueOption {
	return func(q *Queue) {
		if lease > 0 {
			q.lease = lease
		}
	}
}

// WithMaxAttempts overrides the default attempt budget for enqueued tasks
// that do not set their own.
func WithMaxAttempts(attempts int) QueueOption {
	return func(q *Queue) {
		if attempts > 0 {
			q.maxAttempts = attempts
		}
	}
}

// Open rebuilds a queue by replaying the journal at path.
func Open(path string, opts ...QueueOption) (*Queue, error) {
	q := &Queue{
		journal:     &journal{path: path},
		entries:     map[string]*entry{},
		lease:       DefaultLease,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	err := q.journal.replay(func(r record) error {
		q.apply(r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("backlog: replay journal: %w", err)
	}
	return q, nil
}

// Enqueue journals and registers a new task. Missing max_attempts pick up
// the queue default; CreatedAt is stamped from now when unset.
func (q *Queue) Enqueue(task Task, now time.Time) (Task, error) {
	task = task.Normalize()
	if task.MaxAttempts == 0 {
		task.MaxAttempts = q.maxAttempts
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now.UTC()
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries[task.ID]; exists {
		return Task{}, fmt.Errorf("backlog: task %s already enqueued", task.ID)
	}
	r := record{Op: opEnqueue, At: now.UTC(), Task: &task}
	if err := q.journal.append(r); err != nil {
		return Task{}, err
	}
	q.apply(r)
	return task, nil
}

// Claim hands the best ready task to worker under a lease. The boolean is
// false when nothing is ready.
func (q *Queue) Claim(worker string, now time.Time) (Lease, bool, error) {
	if worker == "" {
		return Lease{}, false, errors.New("backlog: worker is required for claim")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	candidate := q.nextReadyLocked()
	if candidate == nil {
		return Lease{}, false, nil
	}
	deadline := now.UTC().Add(q.lease)
	r := record{Op: opClaim, At: now.UTC(), TaskID: candidate.task.ID, Worker: worker, Deadline: deadline}
	if err := q.journal.append(r); err != nil {
		return Lease{}, false, err
	}
	q.apply(r)
	return Lease{
		Task:      candidate.task,
		Worker:    worker,
		ClaimedAt: now.UTC(),
		Deadline:  deadline,
	}, true, nil
}

// ClaimTask leases the named task for worker, provided it is still ready.
// The boolean is false when the task was claimed, completed, or blocked
// since the caller last observed it.
func (q *Queue) ClaimTask(taskID, worker string, now time.Time) (Lease, bool, error) {
	if worker == "" {
		return Lease{}, false, errors.New("backlog: worker is required for claim")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[taskID]
	if !ok {
		return Lease{}, false, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if e.state != TaskPending || e.task.Attempts >= e.task.MaxAttempts || !q.depsSatisfiedLocked(e) {
		return Lease{}, false, nil
	}
	deadline := now.UTC().Add(q.lease)
	r := record{Op: opClaim, At: now.UTC(), TaskID: taskID, Worker: worker, Deadline: deadline}
	if err := q.journal.append(r); err != nil {
		return Lease{}, false, err
	}
	q.apply(r)
	return Lease{
		Task:      e.task,
		Worker:    worker,
		ClaimedAt: now.UTC(),
		Deadline:  deadline,
	}, true, nil
}

// Ack completes a leased task.
func (q *Queue) Ack(taskID, worker string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLeaseLocked(taskID, worker); err != nil {
		return err
	}
	r := record{Op: opAck, At: now.UTC(), TaskID: taskID, Worker: worker}
	if err := q.journal.append(r); err != nil {
		return err
	}
	q.apply(r)
	return nil
}

// Nack returns a leased task to the queue with one more attempt burned.
// Exhausted tasks are journaled dead instead of requeued.
func (q *Queue) Nack(taskID, worker, reason string, now time.Time) (NackResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLeaseLocked(taskID, worker); err != nil {
		return NackResult{}, err
	}
	e := q.entries[taskID]
	r := record{Op: opNack, At: now.UTC(), TaskID: taskID, Worker: worker, Reason: reason}
	if err := q.journal.append(r); err != nil {
		return NackResult{}, err
	}
	q.apply(r)
	result := NackResult{}
	if e.task.Attempts >= e.task.MaxAttempts {
		dead := record{Op: opDead, At: now.UTC(), TaskID: taskID, Reason: "attempts exhausted"}
		if err := q.journal.append(dead); err != nil {
			return NackResult{}, err
		}
		q.apply(dead)
		result.Dead = true
	}
	result.Task = e.task
	return result, nil
}

// ExtendLease pushes a lease deadline out by the queue's lease duration.
func (q *Queue) ExtendLease(taskID, worker string, now time.Time) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.checkLeaseLocked(taskID, worker); err != nil {
		return time.Time{}, err
	}
	deadline := now.UTC().Add(q.lease)
	r := record{Op: opExtend, At: now.UTC(), TaskID: taskID, Worker: worker, Deadline: deadline}
	if err := q.journal.append(r); err != nil {
		return time.Time{}, err
	}
	q.apply(r)
	return deadline, nil
}

// ExpireLeases requeues (or kills) every lease whose deadline passed. The
// returned expiries are ordered by task ID for determinism.
func (q *Queue) ExpireLeases(now time.Time) ([]Expiry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var lapsed []*entry
	for _, e := range q.entries {
		if e.state == TaskLeased && e.deadline.Before(now) {
			lapsed = append(lapsed, e)
		}
	}
	sort.Slice(lapsed, func(i, j int) bool { return lapsed[i].task.ID < lapsed[j].task.ID })
	var expiries []Expiry
	for _, e := range lapsed {
		worker := e.worker
		r := record{Op: opExpire, At: now.UTC(), TaskID: e.task.ID, Worker: worker}
		if err := q.journal.append(r); err != nil {
			return expiries, err
		}
		q.apply(r)
		exp := Expiry{Task: e.task, Worker: worker}
		if e.task.Attempts >= e.task.MaxAttempts {
			dead := record{Op: opDead, At: now.UTC(), TaskID: e.task.ID, Reason: "lease expired, attempts exhausted"}
			if err := q.journal.append(dead); err != nil {
				return expiries, err
			}
			q.apply(dead)
			exp.Dead = true
			exp.Task = e.task
		}
		expiries = append(expiries, exp)
	}
	return expiries, nil
}

// Task returns a task and its current state.
func (q *Queue) Task(taskID string) (Task, TaskState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[taskID]
	if !ok {
		return Task{}, "", false
	}
	return e.task, e.state, true
}

// Pending returns ready-to-claim tasks in claim order.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ready := q.readyLocked()
	tasks := make([]Task, len(ready))
	for i, e := range ready {
		tasks[i] = e.task
	}
	return tasks
}

// Leases returns outstanding claims ordered by task ID.
func (q *Queue) Leases() []Lease {
	q.mu.Lock()
	defer q.mu.Unlock()
	var leases []Lease
	for _, e := range q.entries {
		if e.state == TaskLeased {
			leases = append(leases, Lease{
				Task:      e.task,
				Worker:    e.worker,
				ClaimedAt: e.claimedAt,
				Deadline:  e.deadline,
			})
		}
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Task.ID < leases[j].Task.ID })
	return leases
}

// Dead returns dead-lettered tasks ordered by task ID.
func (q *Queue) Dead() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var tasks []Task
	for _, e := range q.entries {
		if e.state == TaskDead {
			tasks = append(tasks, e.task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// Stats counts tasks per state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stats Stats
	for _, e := range q.entries {
		switch e.state {
		case TaskPending:
			stats.Pending++
			if q.blockedLocked(e) {
				stats.Blocked++
			}
		case TaskLeased:
			stats.Leased++
		case TaskDone:
			stats.Done++
		case TaskDead:
			stats.Dead++
		}
	}
	return stats
}

// Compact rewrites the journal to the minimal residue that reproduces the
// current state: one enqueue per live task plus its terminal or lease
// record. Call this after heavy churn; replay cost drops accordingly.
func (q *Queue) Compact(now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.entries))
	for id := range q.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var records []record
	at := now.UTC()
	for _, id := range ids {
		e := q.entries[id]
		task := e.task
		records = append(records, record{Op: opEnqueue, At: at, Task: &task})
		switch e.state {
		case TaskLeased:
			records = append(records, record{Op: opClaim, At: e.claimedAt, TaskID: id, Worker: e.worker, Deadline: e.deadline})
		case TaskDone:
			records = append(records, record{Op: opAck, At: at, TaskID: id, Worker: e.worker})
		case TaskDead:
			records = append(records, record{Op: opDead, At: at, TaskID: id, Reason: "compacted"})
		}
	}
	return q.journal.rewrite(records)
}

// apply folds one journal record into memory. It is the single place queue
// state changes, shared by replay and live mutation.
func (q *Queue) apply(r record) {
	switch r.Op {
	case opEnqueue:
		if r.Task == nil {
			return
		}
		task := *r.Task
		q.entries[task.ID] = &entry{task: task, state: TaskPending}
	case opClaim:
		if e, ok := q.entries[r.TaskID]; ok {
			e.state = TaskLeased
			e.worker = r.Worker
			e.claimedAt = r.At
			e.deadline = r.Deadline
		}
	case opAck:
		if e, ok := q.entries[r.TaskID]; ok {
			e.state = TaskDone
		}
	case opNack, opExpire:
		if e, ok := q.entries[r.TaskID]; ok {
			e.task.Attempts++
			e.state = TaskPending
			e.worker = ""
			e.claimedAt = time.Time{}
			e.deadline = time.Time{}
		}
	case opExtend:
		if e, ok := q.entries[r.TaskID]; ok && e.state == TaskLeased {
			e.deadline = r.Deadline
		}
	case opDead:
		if e, ok := q.entries[r.TaskID]; ok {
			e.state = TaskDead
			e.worker = ""
		}
	}
}

func (q *Queue) checkLeaseLocked(taskID, worker string) error {
	e, ok := q.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if e.state != TaskLeased || e.worker != worker {
		return fmt.Errorf("%w: %s (state %s, holder %q)", ErrNotLeased, taskID, e.state, e.worker)
	}
	return nil
}

// readyLocked returns claimable entries in deterministic claim order:
// higher priority first, then older created_at, then task ID.
func (q *Queue) readyLocked() []*entry {
	var ready []*entry
	for _, e := range q.entries {
		if e.state != TaskPending {
			continue
		}
		if e.task.Attempts >= e.task.MaxAttempts {
			continue
		}
		if !q.depsSatisfiedLocked(e) {
			continue
		}
		ready = append(ready, e)
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i].task, ready[j].task
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ready
}

func (q *Queue) nextReadyLocked() *entry {
	ready := q.readyLocked()
	if len(ready) == 0 {
		return nil
	}
	return ready[0]
}

func (q *Queue) depsSatisfiedLocked(e *entry) bool {
	for _, dep := range e.task.DependsOn {
		depEntry, ok := q.entries[dep]
		if !ok || depEntry.state != TaskDone {
			return false
		}
	}
	return true
}

// blockedLocked reports whether a pending task can never become ready
// because a dependency is dead or unknown.
func (q *Queue) blockedLocked(e *entry) bool {
	for _, dep := range e.task.DependsOn {
		depEntry, ok := q.entries[dep]
		if !ok || depEntry.state == TaskDead {
			return true
		}
	}
	return false
}
