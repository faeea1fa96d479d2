package engine

import (
	"context"
	"sync"
	"time"

	"github.com/peerline/peerline/internal/models"
)

// Inactivity defaults.
const (
	DefaultIdleBudget       = 5 * time.Minute
	DefaultWarningThreshold = 60 * time.Second
	monitorTick             = time.Second
)

// TimeUntilInactive returns the remaining idle budget for a session, or
// false when no countdown applies. Only active sessions with a recorded
// last activity count down; the result is clamped at zero.
func TimeUntilInactive(sess *models.Session, now time.Time, budget time.Duration) (time.Duration, bool) {
	if sess == nil || sess.Status != models.SessionActive || sess.LastActivity == nil {
		return 0, false
	}
	remaining := budget - now.Sub(*sess.LastActivity)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// MonitorConfig tunes the inactivity countdown.
type MonitorConfig struct {
	IdleBudget       time.Duration
	WarningThreshold time.Duration
}

func (c *MonitorConfig) applyDefaults() {
	if c.IdleBudget <= 0 {
		c.IdleBudget = DefaultIdleBudget
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
}

// Monitor ticks the inactivity countdown for one session. It calls
// onWarn when the remaining budget first drops to the warning threshold
// and onExpire exactly once when it reaches zero. Both reset if activity
// arrives in between.
type Monitor struct {
	cfg      MonitorConfig
	current  func() *models.Session
	onTick   func(remaining time.Duration)
	onWarn   func(remaining time.Duration)
	onExpire func()

	mu      sync.Mutex
	warned  bool
	expired bool
}

// NewMonitor creates a Monitor. current must return the latest session
// snapshot; tick/warn/expire callbacks may be nil.
func NewMonitor(cfg MonitorConfig, current func() *models.Session, onTick, onWarn func(time.Duration), onExpire func()) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:      cfg,
		current:  current,
		onTick:   onTick,
		onWarn:   onWarn,
		onExpire: onExpire,
	}
}

// Run ticks once per second until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(time.Now())
		}
	}
}

// check evaluates the countdown at the given instant. Exposed to Run and
// to tests.
func (m *Monitor) check(now time.Time) {
	remaining, ok := TimeUntilInactive(m.current(), now, m.cfg.IdleBudget)
	if !ok {
		m.mu.Lock()
		m.warned = false
		m.expired = false
		m.mu.Unlock()
		return
	}

	if m.onTick != nil {
		m.onTick(remaining)
	}

	m.mu.Lock()
	// Fresh activity rearms both callbacks.
	if remaining > m.cfg.WarningThreshold {
		m.warned = false
		m.expired = false
		m.mu.Unlock()
		return
	}

	warn := false
	expire := false
	if remaining == 0 {
		if !m.expired {
			m.expired = true
			expire = true
		}
	} else if !m.warned {
		m.warned = true
		warn = true
	}
	m.mu.Unlock()

	if warn && m.onWarn != nil {
		m.onWarn(remaining)
	}
	if expire && m.onExpire != nil {
		m.onExpire()
	}
}
