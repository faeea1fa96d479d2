// Package sweeper runs the scheduled maintenance pass: it ends sessions
// whose inactivity budget ran out, expires stale appointment proposals,
// and nudges the on-call channel about sessions stuck in the queue.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/peerline/peerline/internal/models"
	"github.com/peerline/peerline/internal/store"
)

// Notifier receives best-effort operational notices. The notify package
// provides Slack and Discord implementations.
type Notifier interface {
	Notify(text string) error
}

// Config tunes the sweep.
type Config struct {
	Schedule           string        // 5-field cron expression
	IdleBudget         time.Duration // active sessions idle longer than this are ended
	ProposalTTL        time.Duration // pending proposals older than this expire
	WaitingNoticeAfter time.Duration // waiting sessions older than this appear in the digest
}

func (c *Config) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "* * * * *"
	}
	if c.IdleBudget <= 0 {
		c.IdleBudget = 5 * time.Minute
	}
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = 24 * time.Hour
	}
	if c.WaitingNoticeAfter <= 0 {
		c.WaitingNoticeAfter = 2 * time.Minute
	}
}

// Sweeper owns the cron schedule and the sweep logic.
type Sweeper struct {
	st        *store.Store
	cfg       Config
	notifiers []Notifier
}

// New creates a Sweeper. notifiers may be empty.
func New(st *store.Store, cfg Config, notifiers ...Notifier) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{st: st, cfg: cfg, notifiers: notifiers}
}

// Run schedules the sweep and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(time.Now()) }); err != nil {
		return fmt.Errorf("sweeper: bad schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return nil
}

// Sweep runs one maintenance pass at the given instant.
func (s *Sweeper) Sweep(now time.Time) {
	s.endIdleSessions(now)
	s.expireProposals(now)
	s.digestWaiting(now)
}

// endIdleSessions terminates active sessions whose inactivity budget ran
// out. The conditional end keeps this safe against racing manual ends.
func (s *Sweeper) endIdleSessions(now time.Time) {
	idle, err := s.st.ListIdleActive(now.Add(-s.cfg.IdleBudget))
	if err != nil {
		log.Printf("sweeper: list idle sessions: %v", err)
		return
	}
	for _, sess := range idle {
		if _, err := s.st.EndSession(sess.ID, models.EndReasonAuto, ""); err != nil {
			log.Printf("sweeper: end idle session %s: %v", sess.ID, err)
			continue
		}
		log.Printf("sweeper: ended idle session %s (quiet since %s)", sess.ID, sess.LastActivity.Format(time.RFC3339))
	}
}

func (s *Sweeper) expireProposals(now time.Time) {
	n, err := s.st.ExpireProposals(now.Add(-s.cfg.ProposalTTL))
	if err != nil {
		log.Printf("sweeper: expire proposals: %v", err)
		return
	}
	if n > 0 {
		log.Printf("sweeper: expired %d stale proposals", n)
	}
}

// digestWaiting notifies the on-call channel about sessions that have
// waited too long for a specialist.
func (s *Sweeper) digestWaiting(now time.Time) {
	if len(s.notifiers) == 0 {
		return
	}
	waiting, err := s.st.ListWaiting()
	if err != nil {
		log.Printf("sweeper: list waiting sessions: %v", err)
		return
	}

	stuck := 0
	var oldest time.Duration
	for _, sess := range waiting {
		age := now.Sub(sess.StartedAt)
		if age < s.cfg.WaitingNoticeAfter {
			continue
		}
		stuck++
		if age > oldest {
			oldest = age
		}
	}
	if stuck == 0 {
		return
	}

	text := fmt.Sprintf("%d session(s) waiting for a specialist, oldest for %s", stuck, oldest.Round(time.Second))
	for _, n := range s.notifiers {
		if err := n.Notify(text); err != nil {
			log.Printf("sweeper: notify: %v", err)
		}
	}
}
