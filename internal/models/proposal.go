package models

import "time"

// Appointment proposal statuses. The core never interprets proposal
// business rules; it only stores and forwards the status.
const (
	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
	ProposalExpired  = "expired"
)

// AppointmentProposal tracks the status of a proposal referenced from a
// chat message's metadata. The message itself is immutable; status changes
// land here, keyed by the proposal id embedded in the message.
type AppointmentProposal struct {
	ID        string `gorm:"primaryKey;size:36"`
	SessionID string `gorm:"size:36;not null;index"`
	Status    string `gorm:"size:16;not null;default:pending;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
