package session

import (
	"errors"

	"github.com/peerline/peerline/internal/models"
	"github.com/peerline/peerline/internal/store"
)

// ClaimGateway is the single operation the coordinator needs: the
// conditional update at the data gateway.
type ClaimGateway interface {
	ClaimSession(id, specialistID string) (*models.Session, error)
}

// Coordinator performs the atomic claim of a waiting session. The actual
// compare-and-swap lives in the gateway; the coordinator's job is the
// local bookkeeping for the winning caller and the typed outcome for
// losers.
type Coordinator struct {
	gw ClaimGateway
}

// NewCoordinator creates a claim coordinator.
func NewCoordinator(gw ClaimGateway) *Coordinator {
	return &Coordinator{gw: gw}
}

// Claim attaches specialistID to the waiting session. Exactly one of N
// concurrent callers succeeds; every other caller receives
// store.ErrAlreadyClaimed (or ErrAlreadyEnded / ErrNotFound). A conflict
// is an expected outcome, not a fault — callers surface it as a notice.
func (c *Coordinator) Claim(sessionID, specialistID string) (*models.Session, error) {
	return c.gw.ClaimSession(sessionID, specialistID)
}

// ClaimForMachine claims through the gateway and, for the winner only,
// advances the machine's local state with the authoritative result.
func (c *Coordinator) ClaimForMachine(m *Machine, specialistID string) (*models.Session, error) {
	snap := m.Snapshot()
	sess, err := c.Claim(snap.ID, specialistID)
	if err != nil {
		return nil, err
	}
	if _, err := m.ApplyRemote(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// IsConflict reports whether err means the claim was lost to a concurrent
// winner or an ended session — the non-fatal, user-visible outcomes.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrAlreadyClaimed) || errors.Is(err, store.ErrAlreadyEnded)
}
