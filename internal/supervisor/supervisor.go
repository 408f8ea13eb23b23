// Package supervisor runs the orchestration loop: it expires leases,
// ticks the escalation ladder, routes ready tasks to workers, dispatches
// each claim on its own goroutine, and keeps STATE.json current. It is
// the one component that composes the queue, router, escalation machine,
// event log, and session store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivemind-dev/hive/internal/backlog"
	"github.com/hivemind-dev/hive/internal/escalation"
	"github.com/hivemind-dev/hive/internal/event"
	"github.com/hivemind-dev/hive/internal/roster"
	"github.com/hivemind-dev/hive/internal/router"
	"github.com/hivemind-dev/hive/internal/session"
)

// Logger records supervisor status information. logging.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Supervisor coordinates workers over one session's backlog.
type Supervisor struct {
	sess     *session.Session
	store    *session.Store
	queue    *backlog.Queue
	router   *router.Router
	registry *roster.Registry
	machine  *escalation.Machine
	events   *event.Log
	debug    *event.Log
	executor Executor
	logger   Logger
	clock    func() time.Time

	pollInterval time.Duration
	maxParallel  int

	mu      sync.Mutex
	inUse   map[string]int
	running map[string]runningTask
}

type runningTask struct {
	worker string
	cancel context.CancelFunc
	// abandoned marks executions the escalation ladder pulled back, so
	// settle can tell that cancellation apart from a shutdown.
	abandoned bool
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebugLog journals tolerated anomalies (lost-lease races, executor
// panics) as debug events to a separate log, usually DEBUG.jsonl.
func WithDebugLog(log *event.Log) Option {
	return func(s *Supervisor) {
		s.debug = log
	}
}

// WithPollInterval overrides how often the loop wakes up.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithMaxParallel caps concurrent task executions.
func WithMaxParallel(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// Deps collects the required collaborators.
type Deps struct {
	Session  *session.Session
	Store    *session.Store
	Queue    *backlog.Queue
	Router   *router.Router
	Registry *roster.Registry
	Machine  *escalation.Machine
	Events   *event.Log
	Executor Executor
}

// New wires a supervisor over its collaborators.
func New(deps Deps, opts ...Option) (*Supervisor, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("supervisor: session is required")
	case deps.Store == nil:
		return nil, errors.New("supervisor: state store is required")
	case deps.Queue == nil:
		return nil, errors.New("supervisor: queue is required")
	case deps.Router == nil:
		return nil, errors.New("supervisor: router is required")
	case deps.Registry == nil:
		return nil, errors.New("supervisor: registry is required")
	case deps.Machine == nil:
		return nil, errors.New("supervisor: escalation machine is required")
	case deps.Events == nil:
		return nil, errors.New("supervisor: event log is required")
	case deps.Executor == nil:
		return nil, errors.New("supervisor: executor is required")
	}
	s := &Supervisor{
		sess:         deps.Session,
		store:        deps.Store,
		queue:        deps.Queue,
		router:       deps.Router,
		registry:     deps.Registry,
		machine:      deps.Machine,
		events:       deps.Events,
		executor:     deps.Executor,
		logger:       nopLogger{},
		clock:        func() time.Time { return time.Now().UTC() },
		pollInterval: 2 * time.Second,
		maxParallel:  4,
		inUse:        map[string]int{},
		running:      map[string]runningTask{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run drives the session until the backlog drains or ctx is cancelled.
// A drained backlog returns nil; cancellation returns ctx.Err() after all
// in-flight executions finish and their leases are released.
func (s *Supervisor) Run(ctx context.Context) error {
	s.emit(event.New(event.TypeSessionStarted, s.sess.ID))
	if _, err := s.store.Mutate(func(st *session.State) {
		st.Status = session.StatusRunning
	}); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		done, err := s.step(groupCtx, group)
		if err != nil {
			return err
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Printf("supervisor: shutdown requested, draining %d in-flight tasks", s.inFlight())
			if err := group.Wait(); err != nil {
				s.logger.Printf("supervisor: drain: %v", err)
			}
			s.snapshot(session.StatusInterrupted)
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return s.finish()
}

// step executes one supervisor iteration: expiries, escalation, dispatch,
// snapshot. It reports whether the session is finished.
func (s *Supervisor) step(ctx context.Context, group *errgroup.Group) (bool, error) {
	now := s.clock()

	if err := s.expireLeases(now); err != nil {
		return false, err
	}
	s.tickEscalations(now)
	s.extendHeldLeases(now)
	if err := s.dispatch(ctx, group, now); err != nil {
		return false, err
	}
	s.snapshot("")

	stats := s.queue.Stats()
	finished := stats.Pending == 0 && stats.Leased == 0 && s.inFlight() == 0
	return finished, nil
}

func (s *Supervisor) expireLeases(now time.Time) error {
	expiries, err := s.queue.ExpireLeases(now)
	if err != nil {
		return fmt.Errorf("supervisor: expire leases: %w", err)
	}
	for _, exp := range expiries {
		s.machine.Clear(exp.Task.ID)
		s.releaseTask(exp.Task.ID)
		if exp.Dead {
			s.logger.Printf("supervisor: task %s dead after lease expiry", exp.Task.ID)
			s.emit(event.New(event.TypeTaskDead, s.sess.ID).WithTask(exp.Task.ID).WithWorker(exp.Worker))
			continue
		}
		s.logger.Printf("supervisor: lease expired for %s, requeued", exp.Task.ID)
		s.emit(event.New(event.TypeTaskRequeued, s.sess.ID).WithTask(exp.Task.ID).WithWorker(exp.Worker))
	}
	return nil
}

func (s *Supervisor) tickEscalations(now time.Time) {
	for _, tr := range s.machine.Tick(now) {
		e := event.New(event.TypeEscalationRaised, s.sess.ID).WithTask(tr.TaskID).WithWorker(tr.Worker)
		if payload, err := e.WithPayload(map[string]any{
			"from": tr.From,
			"to":   tr.To,
			"age":  tr.Age.String(),
		}); err == nil {
			e = payload
		}
		s.emit(e)
		s.logger.Printf("supervisor: escalation %s", tr)
		s.bumpEscalationCounters(tr, now)

		if tr.To != escalation.LevelAbandoned {
			continue
		}
		// Abandonment pulls the task back from the worker: cancel the
		// execution and release the lease.
		s.cancelTask(tr.TaskID)
		result, err := s.queue.Nack(tr.TaskID, tr.Worker, "abandoned by escalation policy", now)
		if err != nil {
			s.logger.Printf("supervisor: abandon nack %s: %v", tr.TaskID, err)
			continue
		}
		if result.Dead {
			s.emit(event.New(event.TypeTaskDead, s.sess.ID).WithTask(tr.TaskID).WithWorker(tr.Worker))
		} else {
			s.emit(event.New(event.TypeTaskRequeued, s.sess.ID).WithTask(tr.TaskID).WithWorker(tr.Worker))
		}
	}
}

// extendHeldLeases keeps leases alive for executions this process still
// runs. A crash stops the extensions and the lease expires on its own,
// which is exactly the redelivery path.
func (s *Supervisor) extendHeldLeases(now time.Time) {
	s.mu.Lock()
	tasks := make(map[string]struct{}, len(s.running))
	for id := range s.running {
		tasks[id] = struct{}{}
	}
	s.mu.Unlock()
	for _, lease := range s.queue.Leases() {
		if _, inFlight := tasks[lease.Task.ID]; !inFlight {
			continue
		}
		if _, err := s.queue.ExtendLease(lease.Task.ID, lease.Worker, now); err != nil {
			s.logger.Printf("supervisor: extend lease %s: %v", lease.Task.ID, err)
			continue
		}
		s.emit(event.New(event.TypeWorkerHeartbeat, s.sess.ID).WithTask(lease.Task.ID).WithWorker(lease.Worker))
	}
}

func (s *Supervisor) dispatch(ctx context.Context, group *errgroup.Group, now time.Time) error {
	for s.inFlight() < s.maxParallel {
		if ctx.Err() != nil {
			// Shutdown in progress; leave the rest of the backlog for the
			// next run.
			return nil
		}
		pending := s.queue.Pending()
		if len(pending) == 0 {
			return nil
		}
		next := pending[0]
		decision, err := s.router.Route(next, s.inUseSnapshot())
		if err != nil {
			return fmt.Errorf("supervisor: route %s: %w", next.ID, err)
		}
		if decision.Worker == "" {
			// Nothing on the roster can take the head of the queue right
			// now. Later tasks can't jump the claim order, so stop here.
			return nil
		}
		worker, ok := s.registry.Lookup(decision.Worker)
		if !ok {
			return fmt.Errorf("supervisor: routed to unknown worker %q", decision.Worker)
		}
		lease, claimed, err := s.queue.ClaimTask(next.ID, worker.Name, now)
		if err != nil {
			return fmt.Errorf("supervisor: claim %s: %w", next.ID, err)
		}
		if !claimed {
			// A concurrent settle changed readiness between routing and the
			// claim. Re-read the queue and route whatever is at the head now.
			continue
		}
		claimEvent := event.New(event.TypeTaskClaimed, s.sess.ID).WithTask(lease.Task.ID).WithWorker(worker.Name)
		if withDecision, err := claimEvent.WithPayload(decision); err == nil {
			claimEvent = withDecision
		}
		s.emit(claimEvent)
		s.emit(event.New(event.TypeWorkerSpawned, s.sess.ID).WithTask(lease.Task.ID).WithWorker(worker.Name))
		s.machine.Track(lease.Task.ID, worker.Name, lease.ClaimedAt)
		s.launch(ctx, group, Claim{Session: s.sess, Lease: lease, Worker: worker})
	}
	return nil
}

func (s *Supervisor) launch(ctx context.Context, group *errgroup.Group, claim Claim) {
	taskCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.inUse[claim.Worker.Name]++
	s.running[claim.Lease.Task.ID] = runningTask{worker: claim.Worker.Name, cancel: cancel}
	s.mu.Unlock()

	group.Go(func() error {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.debugf(claim.Lease.Task.ID, claim.Worker.Name, "executor panic on %s: %v", claim.Lease.Task.ID, r)
				s.settle(claim, Result{ExitCode: -1}, fmt.Errorf("executor panic: %v", r))
			}
		}()
		result, err := s.executor.Execute(taskCtx, claim)
		if err == nil && result.ExitCode != 0 && taskCtx.Err() != nil {
			// Killed process executors report a plain exit code; surface the
			// cancellation so settle can name the right nack reason.
			err = taskCtx.Err()
		}
		s.settle(claim, result, err)
		return nil
	})
}

// settle turns an execution outcome into an ack or nack plus events.
func (s *Supervisor) settle(claim Claim, result Result, execErr error) {
	taskID := claim.Lease.Task.ID
	worker := claim.Worker.Name
	now := s.clock()
	run := s.releaseTask(taskID)

	if execErr == nil && result.ExitCode == 0 {
		if level, raised := s.machine.Clear(taskID); raised {
			e := event.New(event.TypeEscalationCleared, s.sess.ID).WithTask(taskID).WithWorker(worker)
			if payload, err := e.WithPayload(map[string]any{"level": level}); err == nil {
				e = payload
			}
			s.emit(e)
		}
		if err := s.queue.Ack(taskID, worker, now); err != nil {
			// The lease may have been expired or abandoned while the
			// execution finished; the redelivery path owns the task now.
			s.debugf(taskID, worker, "ack %s: %v", taskID, err)
			return
		}
		s.emit(event.New(event.TypeTaskCompleted, s.sess.ID).WithTask(taskID).WithWorker(worker))
		return
	}

	reason := "non-zero exit"
	shutdown := false
	switch {
	case errors.Is(execErr, context.Canceled) && !run.abandoned:
		// The run context was cancelled out from under the execution: a
		// graceful shutdown, not a task failure.
		reason = "shutdown"
		shutdown = true
	case execErr != nil:
		reason = execErr.Error()
	}
	s.machine.Clear(taskID)
	result2, err := s.queue.Nack(taskID, worker, reason, now)
	if err != nil {
		s.debugf(taskID, worker, "nack %s: %v", taskID, err)
		return
	}
	if !shutdown {
		if _, err := s.store.Mutate(func(st *session.State) {
			st.Counters.Failed++
		}); err != nil {
			s.logger.Printf("supervisor: failure counter: %v", err)
		}
		failEvent := event.New(event.TypeTaskFailed, s.sess.ID).WithTask(taskID).WithWorker(worker)
		if payload, perr := failEvent.WithPayload(map[string]any{"reason": reason, "exit_code": result.ExitCode}); perr == nil {
			failEvent = payload
		}
		s.emit(failEvent)
	}
	if result2.Dead {
		s.emit(event.New(event.TypeTaskDead, s.sess.ID).WithTask(taskID).WithWorker(worker))
	} else {
		s.emit(event.New(event.TypeTaskRequeued, s.sess.ID).WithTask(taskID).WithWorker(worker))
	}
}

// finish runs when the backlog drained.
func (s *Supervisor) finish() error {
	stats := s.queue.Stats()
	status := session.StatusCompleted
	if stats.Dead > 0 || stats.Blocked > 0 {
		status = session.StatusFailed
	}
	s.emit(event.New(event.TypeSessionCompleted, s.sess.ID))
	s.snapshot(status)
	s.logger.Printf("supervisor: session %s finished: %d done, %d dead", s.sess.ID, stats.Done, stats.Dead)
	return nil
}

// snapshot refreshes STATE.json from queue state. An empty status keeps
// the derived status.
func (s *Supervisor) snapshot(status session.Status) {
	stats := s.queue.Stats()
	leases := s.queue.Leases()
	if _, err := s.store.Mutate(func(st *session.State) {
		st.Counters.Enqueued = stats.Pending + stats.Leased + stats.Done + stats.Dead
		st.Counters.Completed = stats.Done
		st.Counters.Dead = stats.Dead
		st.Assignments = st.Assignments[:0]
		for _, lease := range leases {
			st.Assignments = append(st.Assignments, session.Assignment{
				Worker:    lease.Worker,
				TaskID:    lease.Task.ID,
				ClaimedAt: lease.ClaimedAt,
			})
		}
		if status != "" {
			st.Status = status
			return
		}
		st.Status = s.deriveStatus(stats)
	}); err != nil {
		s.logger.Printf("supervisor: snapshot: %v", err)
	}
}

func (s *Supervisor) deriveStatus(stats backlog.Stats) session.Status {
	for _, id := range s.machine.Tracked() {
		if level, ok := s.machine.Level(id); ok && level == escalation.LevelEscalated {
			return session.StatusEscalated
		}
	}
	if stats.Leased > 0 || stats.Pending > stats.Blocked {
		return session.StatusRunning
	}
	if stats.Blocked > 0 {
		return session.StatusBlocked
	}
	if stats.Dead > 0 {
		return session.StatusFailed
	}
	return session.StatusCompleted
}

func (s *Supervisor) bumpEscalationCounters(tr escalation.Transition, now time.Time) {
	if _, err := s.store.Mutate(func(st *session.State) {
		switch tr.To {
		case escalation.LevelWarning:
			st.Escalations.Warnings++
		case escalation.LevelEscalated:
			st.Escalations.Escalated++
		case escalation.LevelAbandoned:
			st.Escalations.Abandoned++
		}
		st.Escalations.LastRaised = now
	}); err != nil {
		s.logger.Printf("supervisor: escalation counters: %v", err)
	}
}

// debugf logs an anomaly and, when a debug log is attached, journals it
// as a debug event for later inspection.
func (s *Supervisor) debugf(taskID, worker, format string, args ...any) {
	s.logger.Printf("supervisor: "+format, args...)
	if s.debug == nil {
		return
	}
	e := event.New(event.TypeDebug, s.sess.ID).WithTask(taskID).WithWorker(worker)
	if payload, err := e.WithPayload(map[string]any{"message": fmt.Sprintf(format, args...)}); err == nil {
		e = payload
	}
	if _, err := s.debug.Append(e); err != nil && !errors.Is(err, event.ErrDuplicate) {
		s.logger.Printf("supervisor: debug append: %v", err)
	}
}

func (s *Supervisor) emit(e event.Event) {
	if _, err := s.events.Append(e); err != nil && !errors.Is(err, event.ErrDuplicate) {
		s.logger.Printf("supervisor: emit %s: %v", e.Type, err)
	}
}

func (s *Supervisor) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Supervisor) inUseSnapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]int, len(s.inUse))
	for worker, held := range s.inUse {
		snapshot[worker] = held
	}
	return snapshot
}

func (s *Supervisor) releaseTask(taskID string) runningTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.running[taskID]
	if !ok {
		return runningTask{}
	}
	run.cancel()
	delete(s.running, taskID)
	if s.inUse[run.worker] > 0 {
		s.inUse[run.worker]--
	}
	if s.inUse[run.worker] == 0 {
		delete(s.inUse, run.worker)
	}
	return run
}

func (s *Supervisor) cancelTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.running[taskID]; ok {
		run.abandoned = true
		s.running[taskID] = run
		run.cancel()
	}
}
