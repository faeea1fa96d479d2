// Package feed implements the change feed: every accepted write to the
// session store is published here and fanned out to WebSocket, SSE and
// polling subscribers.
package feed

import (
	"time"

	"github.com/peerline/peerline/internal/models"
)

// Event types carried on the feed.
const (
	EventMessageInserted = "message_inserted"
	EventSessionUpdated  = "session_updated"
	EventProposalUpdated = "proposal_updated"
)

// Event is one change-feed entry. Seq is assigned by the broker and is
// strictly increasing per process; polling clients resume with it.
type Event struct {
	Seq       uint64                      `json:"seq"`
	Type      string                      `json:"type"`
	SessionID string                      `json:"session_id"`
	Session   *models.Session             `json:"session,omitempty"`
	Message   *models.ChatMessage         `json:"message,omitempty"`
	Proposal  *models.AppointmentProposal `json:"proposal,omitempty"`
	At        time.Time                   `json:"at"`
}
