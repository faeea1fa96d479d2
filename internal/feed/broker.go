package feed

import (
	"log"
	"sync"
	"time"
)

// Subscriber buffer size. Slow consumers drop events rather than block
// writers; dropped subscribers recover via a full resync read.
const subscriberBuffer = 64

// retainedEvents bounds the replay window kept for polling clients.
const retainedEvents = 1024

// Broker fans change-feed events out to subscribers. Filtering is by
// session id; an empty filter receives every event (specialist dashboards
// watching the waiting pool).
type Broker struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[*Subscription]struct{}
	recent  []Event // ring of recent events for polling resume
}

// Subscription is one subscriber's handle on the feed.
type Subscription struct {
	broker    *Broker
	sessionID string // "" = all sessions
	ch        chan Event
	closed    bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Publish assigns the next sequence number and delivers the event to all
// matching subscribers. Full subscriber buffers drop the event for that
// subscriber only.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.recent = append(b.recent, ev)
	if len(b.recent) > retainedEvents {
		b.recent = b.recent[len(b.recent)-retainedEvents:]
	}

	for sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Printf("feed: dropped %s event for slow subscriber [session=%s seq=%d]",
				ev.Type, ev.SessionID, ev.Seq)
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a subscriber for one session's events, or for all
// events when sessionID is empty.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		broker:    b,
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.broker.subs, s)
	close(s.ch)
}

// Since returns retained events for a session with Seq > after, oldest
// first. Polling transports call this to resume after a gap; an empty
// result with ok=false means the window no longer covers `after` and the
// client must do a full resync read instead.
func (b *Broker) Since(sessionID string, after uint64) ([]Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.recent) > 0 && after != 0 && after < b.recent[0].Seq-1 {
		return nil, false
	}

	var out []Event
	for _, ev := range b.recent {
		if ev.Seq <= after {
			continue
		}
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		out = append(out, ev)
	}
	return out, true
}

// Seq returns the latest assigned sequence number.
func (b *Broker) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
