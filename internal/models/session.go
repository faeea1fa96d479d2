package models

import "time"

// Session status constants.
const (
	SessionWaiting = "waiting"
	SessionActive  = "active"
	SessionEnded   = "ended"
)

// End reasons recorded when a session reaches the ended status.
const (
	EndReasonManual     = "manual"
	EndReasonInactivity = "inactivity_timeout"
	EndReasonAuto       = "auto_timeout"
)

// Session is one conversation between a user and (eventually) a support
// specialist. Status only moves forward: waiting -> active -> ended.
//
// SpecialistID is normally set exactly once, by a successful claim. The one
// exception: ending a never-claimed waiting session records the ending
// specialist's id as part of the ended transition, purely for bookkeeping.
type Session struct {
	ID           string  `gorm:"primaryKey;size:36"`
	UserID       string  `gorm:"size:36;not null;index"`
	SpecialistID *string `gorm:"size:36;index"`
	Status       string  `gorm:"size:16;not null;default:waiting;index"`
	StartedAt    time.Time
	EndedAt      *time.Time
	EndReason    string     `gorm:"size:32"`
	LastActivity *time.Time `gorm:"index"`

	Messages []ChatMessage `gorm:"foreignKey:SessionID"`
}

// Terminal reports whether the session has reached its final status.
func (s *Session) Terminal() bool {
	return s.Status == SessionEnded
}

// Claimed reports whether a specialist is attached.
func (s *Session) Claimed() bool {
	return s.SpecialistID != nil && *s.SpecialistID != ""
}
