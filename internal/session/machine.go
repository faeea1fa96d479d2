// Package session implements the chat session lifecycle state machine and
// the claim coordinator. The machine owns the canonical in-memory view of
// one session; its only side effect is persisting accepted transitions
// through the gateway.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/peerline/peerline/internal/models"
	"github.com/peerline/peerline/internal/store"
)

// Gateway is the persistence surface the machine drives. *store.Store
// satisfies it server-side; the HTTP client satisfies it remotely.
type Gateway interface {
	ClaimSession(id, specialistID string) (*models.Session, error)
	EndSession(id, reason, actorID string) (*models.Session, error)
	TouchActivity(id string) (*models.Session, error)
}

// Lifecycle events accepted by the machine.
type Event interface{ event() string }

// ClaimSucceeded attaches a specialist: waiting -> active.
type ClaimSucceeded struct{ SpecialistID string }

// MessageAccepted records activity on an active session.
type MessageAccepted struct{ At time.Time }

// Extended is the explicit "extend session" signal.
type Extended struct{}

// End moves the session to its terminal status.
type End struct {
	Reason  string
	ActorID string
}

func (ClaimSucceeded) event() string  { return "claim_succeeded" }
func (MessageAccepted) event() string { return "message_accepted" }
func (Extended) event() string        { return "extended" }
func (End) event() string             { return "end" }

// statusRank orders lifecycle statuses so transitions can be checked for
// monotonicity. Unknown statuses rank -1.
func statusRank(status string) int {
	switch status {
	case models.SessionWaiting:
		return 0
	case models.SessionActive:
		return 1
	case models.SessionEnded:
		return 2
	}
	return -1
}

// Machine holds one session's canonical local state and validates and
// applies lifecycle transitions. All access is serialized internally.
type Machine struct {
	gw Gateway // nil for a purely local projection

	mu   sync.Mutex
	sess *models.Session
}

// NewMachine wraps an existing session snapshot.
func NewMachine(sess *models.Session, gw Gateway) *Machine {
	cp := *sess
	return &Machine{gw: gw, sess: &cp}
}

// Snapshot returns a copy of the current session state.
func (m *Machine) Snapshot() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sess
}

// Apply validates ev against the current status, persists the transition
// through the gateway, and only then advances the local state. On a
// persistence failure the local state is unchanged and the error is
// retryable (store.ErrTransient); validation failures return
// store.ErrBadTransition and are fatal to this call only.
func (m *Machine) Apply(ev Event) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case ClaimSucceeded:
		if m.sess.Status != models.SessionWaiting {
			return *m.sess, fmt.Errorf("claim on %s session: %w", m.sess.Status, store.ErrBadTransition)
		}
		if m.gw != nil {
			updated, err := m.gw.ClaimSession(m.sess.ID, e.SpecialistID)
			if err != nil {
				return *m.sess, err
			}
			m.sess = updated
			return *m.sess, nil
		}
		now := time.Now()
		m.sess.Status = models.SessionActive
		m.sess.SpecialistID = &e.SpecialistID
		m.sess.LastActivity = &now
		return *m.sess, nil

	case MessageAccepted:
		if m.sess.Status != models.SessionActive {
			return *m.sess, fmt.Errorf("message_accepted on %s session: %w", m.sess.Status, store.ErrBadTransition)
		}
		// Persistence happens with the message insert itself; only the
		// local view advances here.
		at := e.At
		m.sess.LastActivity = &at
		return *m.sess, nil

	case Extended:
		if m.sess.Status != models.SessionActive {
			return *m.sess, fmt.Errorf("extend on %s session: %w", m.sess.Status, store.ErrBadTransition)
		}
		if m.gw != nil {
			updated, err := m.gw.TouchActivity(m.sess.ID)
			if err != nil {
				return *m.sess, err
			}
			m.sess = updated
			return *m.sess, nil
		}
		now := time.Now()
		m.sess.LastActivity = &now
		return *m.sess, nil

	case End:
		if m.sess.Status == models.SessionEnded {
			// Duplicate terminal transition: no-op, not an error.
			return *m.sess, nil
		}
		if m.gw != nil {
			updated, err := m.gw.EndSession(m.sess.ID, e.Reason, e.ActorID)
			if err != nil {
				return *m.sess, err
			}
			m.sess = updated
			return *m.sess, nil
		}
		now := time.Now()
		m.sess.Status = models.SessionEnded
		m.sess.EndedAt = &now
		m.sess.EndReason = e.Reason
		if m.sess.SpecialistID == nil && e.ActorID != "" {
			m.sess.SpecialistID = &e.ActorID
		}
		return *m.sess, nil

	default:
		return *m.sess, fmt.Errorf("unknown event %q: %w", ev.event(), store.ErrBadTransition)
	}
}

// ApplyRemote merges an authoritative session snapshot from the feed into
// the local view. Redelivered and stale updates are tolerated: a duplicate
// of the current status is accepted without change, a backward transition
// is rejected and logged. Returns true when the local view changed.
func (m *Machine) ApplyRemote(update *models.Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newRank := statusRank(update.Status)
	if newRank < 0 {
		log.Printf("session: ignoring update with unknown status %q [session=%s]", update.Status, update.ID)
		return false, fmt.Errorf("unknown status %q: %w", update.Status, store.ErrBadTransition)
	}
	curRank := statusRank(m.sess.Status)
	if newRank < curRank {
		log.Printf("session: ignoring backward transition %s -> %s [session=%s]",
			m.sess.Status, update.Status, update.ID)
		return false, fmt.Errorf("backward transition %s -> %s: %w", m.sess.Status, update.Status, store.ErrBadTransition)
	}

	// ended_at is written exactly once; a redelivered ended update must
	// not alter it.
	if m.sess.Status == models.SessionEnded && update.Status == models.SessionEnded {
		return false, nil
	}

	cp := *update
	changed := !sameSession(m.sess, &cp)
	m.sess = &cp
	return changed, nil
}

// sameSession compares the fields the UI cares about.
func sameSession(a, b *models.Session) bool {
	if a.Status != b.Status || a.EndReason != b.EndReason {
		return false
	}
	if (a.SpecialistID == nil) != (b.SpecialistID == nil) {
		return false
	}
	if a.SpecialistID != nil && *a.SpecialistID != *b.SpecialistID {
		return false
	}
	if (a.LastActivity == nil) != (b.LastActivity == nil) {
		return false
	}
	if a.LastActivity != nil && !a.LastActivity.Equal(*b.LastActivity) {
		return false
	}
	return true
}

// IsRetryable reports whether err is a transient persistence failure the
// caller may retry, as opposed to a validation error.
func IsRetryable(err error) bool {
	return errors.Is(err, store.ErrTransient)
}
