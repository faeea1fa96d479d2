package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/peerline/peerline/internal/feed"
)

// Connection statuses.
const (
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnError        = "error"
	ConnDisconnected = "disconnected"
)

// Connection quality, derived from heartbeat staleness.
const (
	QualityGood     = "good"
	QualityDegraded = "degraded"
	QualityBad      = "bad"
)

// Supervisor defaults.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultBaseBackoff       = time.Second
	DefaultBackoffCeiling    = 30 * time.Second
	DefaultMaxReconnects     = 15
)

// ConnState is the process-local connection health snapshot surfaced to
// the UI. Transient transport errors never escape the supervisor as
// errors; they only degrade this state.
type ConnState struct {
	Status            string
	Quality           string
	LastHeartbeat     time.Time
	ReconnectAttempts int
	AutoReconnecting  bool
}

// SupervisorConfig holds reconnection and heartbeat tuning.
type SupervisorConfig struct {
	HeartbeatInterval time.Duration
	BaseBackoff       time.Duration
	BackoffCeiling    time.Duration
	MaxReconnects     int
}

func (c *SupervisorConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = DefaultBackoffCeiling
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
}

// Supervisor owns the physical feed connection: it dials the transport,
// measures heartbeat staleness, redials with exponential backoff on loss,
// and holds event delivery until a resync read has backfilled any gap.
type Supervisor struct {
	transport Transport
	cfg       SupervisorConfig

	onEvent func(feed.Event) // delivered only after a successful resync
	onState func(ConnState)
	resync  func() error // full read to backfill the outage window

	mu    sync.Mutex
	state ConnState

	forceCh chan struct{}
}

// NewSupervisor creates a Supervisor. resync runs after every successful
// (re)connect and before any event delivery; a resync failure counts as a
// connection failure.
func NewSupervisor(transport Transport, cfg SupervisorConfig, resync func() error, onEvent func(feed.Event), onState func(ConnState)) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		transport: transport,
		cfg:       cfg,
		onEvent:   onEvent,
		onState:   onState,
		resync:    resync,
		forceCh:   make(chan struct{}, 1),
		state:     ConnState{Status: ConnConnecting, Quality: QualityGood},
	}
}

// State returns the current connection snapshot.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ForceReconnect resets the attempt counter and wakes the supervisor,
// including from the terminal error state.
func (s *Supervisor) ForceReconnect() {
	s.mu.Lock()
	s.state.ReconnectAttempts = 0
	s.mu.Unlock()
	select {
	case s.forceCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) setState(mutate func(*ConnState)) {
	s.mu.Lock()
	mutate(&s.state)
	snapshot := s.state
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(snapshot)
	}
}

// backoffDelay doubles per attempt up to the ceiling.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCeiling {
			return s.cfg.BackoffCeiling
		}
	}
	if delay > s.cfg.BackoffCeiling {
		delay = s.cfg.BackoffCeiling
	}
	return delay
}

// qualityFor grades heartbeat staleness.
func (s *Supervisor) qualityFor(elapsed time.Duration) string {
	switch {
	case elapsed < 2*s.cfg.HeartbeatInterval:
		return QualityGood
	case elapsed < 4*s.cfg.HeartbeatInterval:
		return QualityDegraded
	default:
		return QualityBad
	}
}

// Run drives the connect/consume/reconnect loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(func(st *ConnState) {
			st.Status = ConnConnecting
			st.ReconnectAttempts = attempts
		})

		events, err := s.transport.Connect(ctx)
		if err == nil && s.resync != nil {
			// Backfill the gap before any event reaches the UI.
			err = s.resync()
		}
		if err != nil {
			attempts++
			if !s.waitBackoff(ctx, attempts, err) {
				return
			}
			s.mu.Lock()
			attempts = s.state.ReconnectAttempts // force resets this to 0
			s.mu.Unlock()
			continue
		}

		attempts = 0
		s.setState(func(st *ConnState) {
			st.Status = ConnConnected
			st.Quality = QualityGood
			st.LastHeartbeat = time.Now()
			st.ReconnectAttempts = 0
			st.AutoReconnecting = false
		})

		if !s.consume(ctx, events) {
			return
		}
		// Feed lost; redial immediately. Failures from here on take the
		// backoff path.
	}
}

// consume delivers events and grades heartbeat staleness until the feed
// channel closes (returns true) or ctx is cancelled (returns false).
func (s *Supervisor) consume(ctx context.Context, events <-chan feed.Event) bool {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.forceCh:
			log.Printf("engine: forced reconnect")
			s.transport.Close()
			return true
		case ev, ok := <-events:
			if !ok {
				s.setState(func(st *ConnState) { st.Status = ConnDisconnected })
				return true
			}
			s.setState(func(st *ConnState) {
				st.LastHeartbeat = time.Now()
				st.Quality = QualityGood
			})
			if s.onEvent != nil {
				s.onEvent(ev)
			}
		case <-ticker.C:
			s.mu.Lock()
			elapsed := time.Since(s.state.LastHeartbeat)
			s.mu.Unlock()
			quality := s.qualityFor(elapsed)
			s.setState(func(st *ConnState) { st.Quality = quality })
			if quality == QualityBad {
				// A feed this stale is dead even with the socket open;
				// drop it and redial.
				log.Printf("engine: no heartbeat for %s, reconnecting", elapsed.Round(time.Second))
				s.transport.Close()
				s.setState(func(st *ConnState) { st.Status = ConnDisconnected })
				return true
			}
		}
	}
}

// waitBackoff sleeps the exponential backoff delay for the given attempt.
// When the attempt ceiling is reached it parks in the error state until
// ForceReconnect. Returns false when ctx is cancelled.
func (s *Supervisor) waitBackoff(ctx context.Context, attempt int, cause error) bool {
	if attempt > s.cfg.MaxReconnects {
		if cause != nil {
			log.Printf("engine: giving up after %d reconnect attempts: %v", attempt-1, cause)
		} else {
			log.Printf("engine: giving up after %d reconnect attempts", attempt-1)
		}
		s.setState(func(st *ConnState) {
			st.Status = ConnError
			st.AutoReconnecting = false
			st.ReconnectAttempts = attempt - 1
		})
		select {
		case <-ctx.Done():
			return false
		case <-s.forceCh:
			return true
		}
	}

	delay := s.backoffDelay(attempt)
	s.setState(func(st *ConnState) {
		st.Status = ConnDisconnected
		st.AutoReconnecting = true
		st.ReconnectAttempts = attempt
	})

	select {
	case <-ctx.Done():
		return false
	case <-s.forceCh:
		return true
	case <-time.After(delay):
		return true
	}
}
