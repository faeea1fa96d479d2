package models

import (
	"encoding/json"
	"fmt"
)

// Metadata kinds carried on chat messages.
const (
	KindAppointmentProposal = "appointment_proposal"
	KindQuickAction         = "quick_action"
	KindPhoneCallRequest    = "phone_call_request"
)

// Metadata is the structured payload attached to a message, discriminated
// by Kind. Exactly one payload field is set for a known kind; unknown kinds
// round-trip through Raw so newer producers don't break older consumers.
type Metadata struct {
	Kind        string               `json:"kind"`
	Proposal    *ProposalRef         `json:"proposal,omitempty"`
	QuickAction *QuickActionPayload  `json:"quick_action,omitempty"`
	PhoneCall   *PhoneCallPayload    `json:"phone_call,omitempty"`
	Raw         json.RawMessage      `json:"-"`
}

// ProposalRef points at an AppointmentProposal record.
type ProposalRef struct {
	ProposalID string `json:"proposal_id"`
}

// QuickActionPayload names a predefined quick action the sender tapped.
type QuickActionPayload struct {
	Action string `json:"action"`
	Label  string `json:"label,omitempty"`
}

// PhoneCallPayload carries a callback request.
type PhoneCallPayload struct {
	PhoneNumber string `json:"phone_number"`
}

// EncodeMetadata serializes md for storage on a ChatMessage. A nil md
// encodes to the empty string.
func EncodeMetadata(md *Metadata) (string, error) {
	if md == nil {
		return "", nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("models: encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses a stored metadata string. Empty input yields nil.
// Unknown kinds are preserved verbatim in Raw so callers can ignore them
// without losing the payload.
func DecodeMetadata(raw string) (*Metadata, error) {
	if raw == "" {
		return nil, nil
	}
	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("models: decode metadata: %w", err)
	}
	switch md.Kind {
	case KindAppointmentProposal, KindQuickAction, KindPhoneCallRequest:
	default:
		md.Raw = json.RawMessage(raw)
	}
	return &md, nil
}
