package feed

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	f := New()
	defer f.Close()

	a := f.Subscribe()
	b := f.Subscribe()

	f.Publish(TypeNodeUpdated, map[string]string{"node_id": "!0000002a"})

	for _, ch := range []chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeNodeUpdated {
				t.Fatalf("unexpected event type %q", ev.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber did not receive event")
		}
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	f := New()
	defer f.Close()

	ch := f.Subscribe()
	types := []string{TypeMessageReceived, TypeMessageAcked, TypeNodeUpdated}
	for _, typ := range types {
		f.Publish(typ, nil)
	}

	for i, want := range types {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Fatalf("event %d: got %q want %q", i, ev.Type, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	f := New()
	defer f.Close()

	ch := f.Subscribe()
	if n := f.SubscriberCount(); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	f.Unsubscribe(ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after unsubscribe")
	}
}

func TestCloseReleasesSubscribers(t *testing.T) {
	f := New()
	ch := f.Subscribe()
	f.Close()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after feed close")
	}
	// Publishing after close must not panic or block.
	f.Publish(TypeConnectionStatus, nil)
	if n := f.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", n)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	f := New()
	defer f.Close()

	slow := f.Subscribe() // never drained; its buffer fills and overflow is skipped
	fast := f.Subscribe()
	_ = slow

	const total = 200
	done := make(chan int)
	go func() {
		received := 0
		for received < total {
			if _, ok := <-fast; !ok {
				break
			}
			received++
		}
		done <- received
	}()

	for i := 0; i < total; i++ {
		f.Publish(TypeMessageReceived, i)
	}

	select {
	case received := <-done:
		if received != total {
			t.Fatalf("fast subscriber got %d of %d events", received, total)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fast subscriber starved behind slow subscriber")
	}
}
