package event

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/Tutortoise/timberline/models"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe(TypeTargetAcquired, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var received Event
	bus.Subscribe(TypeTargetAcquired, func(e Event) {
		received = e
	})

	det := models.Detection{Label: "tree", Confidence: 0.9, BBox: image.Rect(0, 0, 10, 10)}
	bus.Publish(NewTargetAcquiredEvent(time.Now(), "s-1", det))

	if received == nil {
		t.Fatal("Handler should have received the event")
	}
	te, ok := received.(TargetEvent)
	if !ok {
		t.Fatalf("received %T, want TargetEvent", received)
	}
	if te.Target.Label != "tree" || te.SessionID != "s-1" {
		t.Errorf("unexpected payload: %+v", te)
	}
}

func TestBus_WildcardAfterSpecific(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all") })
	bus.Subscribe(TypeRotate, func(e Event) { order = append(order, "specific") })

	bus.Publish(NewRotateEvent(time.Now(), "s", models.Right, 10, 20))

	if len(order) != 2 || order[0] != "specific" || order[1] != "all" {
		t.Errorf("dispatch order = %v, want [specific all]", order)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	id := bus.Subscribe(TypeTargetLost, func(e Event) { count++ })
	other := bus.Subscribe(TypeTargetLost, func(e Event) { count += 10 })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should report success")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should report false")
	}

	bus.Publish(NewTargetLostEvent(time.Now(), "s", models.Detection{}))
	if count != 10 {
		t.Errorf("count = %d, want 10 (only the remaining handler)", count)
	}
	bus.Unsubscribe(other)
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(TypePipelinePaused, func(e Event) { panic("boom") })
	bus.Subscribe(TypePipelinePaused, func(e Event) { called = true })

	bus.Publish(NewPauseEvent(true, "http"))

	if !called {
		t.Error("handler after a panicking handler should still run")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewPauseEvent(false, "http"))
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}

func TestNewPauseEvent(t *testing.T) {
	if e := NewPauseEvent(true, "http"); e.EventType() != TypePipelinePaused {
		t.Errorf("EventType = %q, want %q", e.EventType(), TypePipelinePaused)
	}
	if e := NewPauseEvent(false, "http"); e.EventType() != TypePipelineResumed {
		t.Errorf("EventType = %q, want %q", e.EventType(), TypePipelineResumed)
	}
}
