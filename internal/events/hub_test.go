package events

import (
	"sync"
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10, EventIntrusion)

	hub.Publish(Event{
		Type:   EventIntrusion,
		Source: "test",
		Data:   IntrusionData{Signature: "sql-injection", Severity: "high"},
	})

	select {
	case e := <-ch:
		if e.Type != EventIntrusion {
			t.Errorf("expected EventIntrusion, got %s", e.Type)
		}
		data, ok := e.Data.(IntrusionData)
		if !ok {
			t.Fatal("expected IntrusionData")
		}
		if data.Signature != "sql-injection" {
			t.Errorf("expected signature sql-injection, got %s", data.Signature)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestHub_GlobalSubscription(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10)

	hub.Publish(Event{Type: EventBootVerified, Source: "test"})
	hub.Publish(Event{Type: EventFirewallMatch, Source: "test"})
	hub.Publish(Event{Type: EventTunnelState, Source: "test"})

	received := 0
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
		}
	}

	if received != 3 {
		t.Errorf("expected 3 events, got %d", received)
	}
}

func TestHub_TypeFiltering(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10, EventTunnelState)

	hub.Publish(Event{Type: EventFirewallMatch, Source: "test"})
	hub.Publish(Event{Type: EventTunnelState, Source: "test"})

	e := <-ch
	if e.Type != EventTunnelState {
		t.Errorf("expected EventTunnelState, got %s", e.Type)
	}

	select {
	case e := <-ch:
		t.Errorf("unexpected extra event: %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DropWhenFull(t *testing.T) {
	hub := NewHub()

	// Buffer of 1; second publish must be dropped, not block.
	hub.Subscribe(1, EventFirewallMatch)

	hub.Publish(Event{Type: EventFirewallMatch})
	hub.Publish(Event{Type: EventFirewallMatch})

	published, dropped := hub.Stats()
	if published != 2 {
		t.Errorf("published = %d, want 2", published)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()

	ch := hub.Subscribe(10, EventBootVerified)
	hub.Unsubscribe(ch)

	hub.Publish(Event{Type: EventBootVerified})

	select {
	case <-ch:
		t.Error("received event after Unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_EmitHelpers(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10)

	hub.EmitBootStage(false, "bootloader", "bootloader", "", "integrity violation")
	e := <-ch
	if e.Type != EventBootFailed {
		t.Errorf("expected EventBootFailed, got %s", e.Type)
	}

	hub.EmitTunnelState("t-1", "established", "10.0.0.2:4500", "")
	e = <-ch
	if e.Type != EventTunnelState {
		t.Errorf("expected EventTunnelState, got %s", e.Type)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not set on publish")
	}
}

func TestHub_ConcurrentPublishCounts(t *testing.T) {
	hub := NewHub()

	const goroutines = 8
	const perGoroutine = 2000

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				hub.Publish(Event{Type: EventFirewallMatch})
			}
		}()
	}
	wg.Wait()

	published, dropped := hub.Stats()
	if published != goroutines*perGoroutine {
		t.Errorf("published = %d, want %d", published, goroutines*perGoroutine)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0 with no subscribers", dropped)
	}
}
