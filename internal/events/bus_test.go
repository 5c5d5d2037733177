package events

import (
	"sync"
	"testing"
)

func TestBusEmitDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var received []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
	})

	bus.Emit(New(JobCreated).WithJob("job-1"))

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Job != "job-1" {
		t.Errorf("expected job-1, got %q", received[0].Job)
	}
	if received[0].Time.IsZero() {
		t.Error("expected Time to be stamped")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	count := 0
	unsub := bus.Subscribe(func(Event) { count++ })
	bus.Emit(New(JobCreated))
	unsub()
	bus.Emit(New(JobCreated))
	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestBusHandlerPanicDoesNotPropagate(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(func(Event) { panic("boom") })
	delivered := false
	bus.Subscribe(func(Event) { delivered = true })

	bus.Emit(New(JobFailed))

	if !delivered {
		t.Error("expected second handler to still run after first panicked")
	}
}
