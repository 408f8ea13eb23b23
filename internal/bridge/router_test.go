package bridge

import (
	"testing"

	"github.com/hivemind-dev/hive/internal/event"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := event.Event{EventID: "evt-1", SessionID: "sess-a", Type: event.TypeTaskClaimed}
	second := event.Event{EventID: "evt-2", SessionID: "sess-a", Type: event.TypeTaskCompleted}
	router.Route(first)
	router.Route(second)
	sub := router.Subscribe("sess-a")
	defer sub.Close()
	got1 := <-sub.Events
	if got1.EventID != first.EventID {
		t.Fatalf("expected first buffered event, got %s", got1.EventID)
	}
	got2 := <-sub.Events
	if got2.EventID != second.EventID {
		t.Fatalf("expected second buffered event, got %s", got2.EventID)
	}
}

func TestRouterDedupeByEventID(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe("sess-a")
	defer sub.Close()
	evt := event.Event{EventID: "evt-1", SessionID: "sess-a", Type: event.TypeTaskClaimed}
	router.Route(evt)
	router.Route(evt)
	select {
	case got := <-sub.Events:
		if got.EventID != evt.EventID {
			t.Fatalf("unexpected event: %s", got.EventID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestRouterIsolatesSessions(t *testing.T) {
	router := NewRouter()
	subA := router.Subscribe("sess-a")
	defer subA.Close()
	subB := router.Subscribe("sess-b")
	defer subB.Close()
	router.Route(event.Event{EventID: "evt-1", SessionID: "sess-a", Type: event.TypeTaskClaimed})
	select {
	case got := <-subA.Events:
		if got.SessionID != "sess-a" {
			t.Fatalf("wrong session: %s", got.SessionID)
		}
	default:
		t.Fatalf("subscriber for sess-a got nothing")
	}
	select {
	case got := <-subB.Events:
		t.Fatalf("sess-b received %s", got.EventID)
	default:
	}
}

func TestRouterDropsChatterOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("sess-a")
	defer sub.Close()
	oldest := event.Event{EventID: "evt-1", SessionID: "sess-a", Type: event.TypeWorkerHeartbeat}
	critical := event.Event{EventID: "evt-2", SessionID: "sess-a", Type: event.TypeTaskDead}
	router.Route(oldest)
	router.Route(critical)
	if got := <-sub.Events; got.EventID != critical.EventID {
		t.Fatalf("expected critical event to replace heartbeat, got %s", got.EventID)
	}
}

func TestRouterKeepsCriticalOverIncomingChatter(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("sess-a")
	defer sub.Close()
	oldest := event.Event{EventID: "evt-1", SessionID: "sess-a", Type: event.TypeSessionCompleted}
	droppable := event.Event{EventID: "evt-2", SessionID: "sess-a", Type: event.TypeWorkerHeartbeat}
	router.Route(oldest)
	router.Route(droppable)
	if got := <-sub.Events; got.EventID != oldest.EventID {
		t.Fatalf("expected critical event to remain, got %s", got.EventID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestRouterBacklogBounded(t *testing.T) {
	router := NewRouter(RouterWithBacklogLimit(2))
	for i, id := range []string{"evt-1", "evt-2", "evt-3"} {
		router.Route(event.Event{EventID: id, Sequence: int64(i + 1), SessionID: "sess-a", Type: event.TypeTaskEnqueued})
	}
	sub := router.Subscribe("sess-a")
	defer sub.Close()
	got := <-sub.Events
	if got.EventID != "evt-2" {
		t.Fatalf("expected oldest surviving event evt-2, got %s", got.EventID)
	}
	got = <-sub.Events
	if got.EventID != "evt-3" {
		t.Fatalf("expected evt-3, got %s", got.EventID)
	}
}
