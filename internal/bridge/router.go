package bridge

import (
	"strings"
	"sync"

	"github.com/hivemind-dev/hive/internal/event"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers bridge events to per-session subscribers with buffering,
// deduplication, and bounded channel semantics. Events arriving before any
// subscriber exists are held in a bounded backlog and replayed on the first
// Subscribe for that session.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]event.Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
}

// Subscription represents an active session subscription.
type Subscription struct {
	Events <-chan event.Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]event.Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for events keyed by session ID.
func (r *Router) Subscribe(sessionID string) Subscription {
	key := normalizeSession(sessionID)
	sub := newSubscriber(r.channelSize, r.logger)
	var held []event.Event
	r.mu.Lock()
	if r.subscribers[key] == nil {
		r.subscribers[key] = map[*subscriber]struct{}{}
	}
	r.subscribers[key][sub] = struct{}{}
	if existing := r.backlog[key]; len(existing) > 0 {
		held = append(held, existing...)
		delete(r.backlog, key)
	}
	r.mu.Unlock()
	for _, e := range held {
		sub.deliver(e)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(key, sub)
		},
	}
}

// HandleEvent satisfies the EventProcessor interface.
func (r *Router) HandleEvent(e event.Event) error {
	r.Route(e)
	return nil
}

// Route delivers the event to subscribers or buffers it when no subscriber exists.
func (r *Router) Route(e event.Event) {
	if e.EventID != "" && r.isDuplicate(e.EventID) {
		return
	}
	key := normalizeSession(e.SessionID)
	if key == "" {
		return
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(key)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(key, e)
		return
	}
	for _, sub := range subs {
		sub.deliver(e)
	}
}

func (r *Router) snapshotSubscribers(key string) []*subscriber {
	live := r.subscribers[key]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(key string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, key)
		}
	}
	sub.close()
}

func (r *Router) bufferEvent(key string, e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[key]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		if r.logger != nil {
			r.logger.Printf("bridge: backlog drop for %s (limit %d)", key, r.backlogLimit)
		}
	}
	queue = append(queue, e)
	r.backlog[key] = queue
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func normalizeSession(sessionID string) string {
	return strings.TrimSpace(sessionID)
}

type subscriber struct {
	ch      chan event.Event
	logger  Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan event.Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan event.Event {
	return s.ch
}

// deliver never blocks. On a full channel it evicts whichever of the
// oldest buffered event or the incoming one matters less: lifecycle
// events outrank heartbeats and debug chatter.
func (s *subscriber) deliver(e event.Event) {
	if s.isClosed() {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
		oldest := <-s.ch
		if shouldDropOldest(oldest, e) {
			s.logDrop(oldest, "queue overflow")
			s.ch <- e
		} else {
			s.ch <- oldest
			s.logDrop(e, "queue overflow:incoming")
		}
	}
}

func (s *subscriber) logDrop(e event.Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("bridge: dropped %s (%s)", e.Type, reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.closeMu.Unlock()
}

func (s *subscriber) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func shouldDropOldest(oldest, incoming event.Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestChatter := isChatterEvent(oldest.Type)
	incomingChatter := isChatterEvent(incoming.Type)
	if oldestChatter && !incomingChatter {
		return true
	}
	if !oldestChatter && incomingChatter {
		return false
	}
	return true
}

// isCriticalEvent marks events a consumer must not miss.
func isCriticalEvent(kind event.Type) bool {
	switch kind {
	case event.TypeSessionCompleted, event.TypeEscalationRaised, event.TypeTaskDead:
		return true
	}
	return false
}

// isChatterEvent marks events safe to shed under pressure.
func isChatterEvent(kind event.Type) bool {
	switch kind {
	case event.TypeWorkerHeartbeat, event.TypeDebug:
		return true
	}
	return false
}
