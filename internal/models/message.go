package models

import "time"

// Sender types for chat messages.
const (
	SenderUser       = "user"
	SenderSpecialist = "specialist"
	SenderSystem     = "system"
)

// Message types.
const (
	MessageText        = "text"
	MessageQuickAction = "quick_action"
	MessageSystem      = "system"
	MessageProposal    = "proposal"
)

// ChatMessage is an ordered, append-only entry belonging to exactly one
// session. Messages are never mutated or deleted; a proposal carried in
// Metadata is superseded by updating its AppointmentProposal record, not
// the message.
type ChatMessage struct {
	ID          string    `gorm:"primaryKey;size:36"`
	SessionID   string    `gorm:"size:36;not null;index:idx_session_created"`
	SenderID    string    `gorm:"size:36;not null"`
	SenderType  string    `gorm:"size:16;not null"`
	Content     string    `gorm:"type:text;not null"`
	MessageType string    `gorm:"size:24;not null;default:text"`
	Metadata    string    `gorm:"type:text"` // JSON-encoded Metadata union, empty if none
	CreatedAt   time.Time `gorm:"index:idx_session_created"`
}

// Before returns true if m sorts strictly before other in the session's
// total order: created_at ascending, id as the tiebreaker.
func (m *ChatMessage) Before(other *ChatMessage) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
