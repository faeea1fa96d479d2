package feed

import (
	"testing"
	"time"

	"github.com/peerline/peerline/internal/models"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroker_PublishAssignsIncreasingSeq(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("")
	defer sub.Close()

	b.Publish(Event{Type: EventSessionUpdated, SessionID: "s1"})
	b.Publish(Event{Type: EventMessageInserted, SessionID: "s1"})

	first := recv(t, sub)
	second := recv(t, sub)
	if first.Seq == 0 {
		t.Error("seq should start at 1")
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}
	if first.At.IsZero() {
		t.Error("At timestamp not stamped")
	}
}

func TestBroker_SessionFilter(t *testing.T) {
	b := NewBroker()
	s1 := b.Subscribe("s1")
	defer s1.Close()
	all := b.Subscribe("")
	defer all.Close()

	b.Publish(Event{Type: EventSessionUpdated, SessionID: "s2"})
	b.Publish(Event{Type: EventSessionUpdated, SessionID: "s1"})

	got := recv(t, s1)
	if got.SessionID != "s1" {
		t.Errorf("filtered subscriber got %q, want s1", got.SessionID)
	}
	if ev := recv(t, all); ev.SessionID != "s2" {
		t.Errorf("wildcard subscriber first event = %q, want s2", ev.SessionID)
	}
}

func TestBroker_SlowSubscriberDrops(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("")
	defer sub.Close()

	// Overfill the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(Event{Type: EventMessageInserted, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("")
	sub.Close()
	sub.Close()

	// Publishing after close must not panic.
	b.Publish(Event{Type: EventSessionUpdated, SessionID: "s1"})
}

func TestBroker_Since(t *testing.T) {
	b := NewBroker()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventMessageInserted, SessionID: "s1",
			Message: &models.ChatMessage{ID: string(rune('a' + i))}})
	}
	b.Publish(Event{Type: EventMessageInserted, SessionID: "s2"})

	evs, ok := b.Since("s1", 2)
	if !ok {
		t.Fatal("expected replay window to cover seq 2")
	}
	if len(evs) != 3 {
		t.Fatalf("len = %d, want 3", len(evs))
	}
	for _, ev := range evs {
		if ev.Seq <= 2 {
			t.Errorf("event seq %d should be > 2", ev.Seq)
		}
		if ev.SessionID != "s1" {
			t.Errorf("session filter leaked %q", ev.SessionID)
		}
	}
}

func TestBroker_SinceZeroReturnsAll(t *testing.T) {
	b := NewBroker()
	b.Publish(Event{Type: EventSessionUpdated, SessionID: "s1"})

	evs, ok := b.Since("s1", 0)
	if !ok || len(evs) != 1 {
		t.Fatalf("Since(0) = %d events ok=%v, want 1 event", len(evs), ok)
	}
}

func TestBroker_SinceBeyondWindow(t *testing.T) {
	b := NewBroker()
	for i := 0; i < retainedEvents+50; i++ {
		b.Publish(Event{Type: EventMessageInserted, SessionID: "s1"})
	}

	// Seq 1 has been evicted from the window; the caller must resync.
	if _, ok := b.Since("s1", 1); ok {
		t.Error("expected ok=false for an evicted resume point")
	}
}
