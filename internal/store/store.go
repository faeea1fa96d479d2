// Package store is the data access gateway for sessions, messages and
// proposals. All cross-client coordination — claiming a waiting session,
// terminating one — is expressed as conditional updates here, never as
// client-side read-modify-write.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/peerline/peerline/internal/feed"
	"github.com/peerline/peerline/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Publisher receives an event for every accepted write. feed.Broker
// satisfies it; a nil publisher disables the feed (some tests).
type Publisher interface {
	Publish(feed.Event)
}

// Store wraps the database with the gateway operations.
type Store struct {
	db  *gorm.DB
	pub Publisher
}

// New creates a Store. pub may be nil.
func New(db *gorm.DB, pub Publisher) *Store {
	return &Store{db: db, pub: pub}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) publish(ev feed.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}

// CreateSession opens a new waiting session for a user.
func (s *Store) CreateSession(userID string) (*models.Session, error) {
	now := time.Now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    models.SessionWaiting,
		StartedAt: now,
	}
	if err := s.db.Create(sess).Error; err != nil {
		return nil, transient("create session", err)
	}
	s.publish(feed.Event{Type: feed.EventSessionUpdated, SessionID: sess.ID, Session: sess})
	return sess, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get session", err)
	}
	return &sess, nil
}

// ListWaiting returns unclaimed sessions, oldest first.
func (s *Store) ListWaiting() ([]models.Session, error) {
	var sessions []models.Session
	if err := s.db.Where("status = ?", models.SessionWaiting).
		Order("started_at ASC").Find(&sessions).Error; err != nil {
		return nil, transient("list waiting", err)
	}
	return sessions, nil
}

// ClaimSession atomically attaches a specialist to a waiting session.
// The update is a compare-and-swap on (status = waiting AND specialist_id
// IS NULL); of N concurrent callers exactly one sees RowsAffected = 1.
// Losers get ErrAlreadyClaimed, ErrAlreadyEnded or ErrNotFound.
func (s *Store) ClaimSession(id, specialistID string) (*models.Session, error) {
	now := time.Now()
	result := s.db.Model(&models.Session{}).
		Where("id = ? AND status = ? AND specialist_id IS NULL", id, models.SessionWaiting).
		Updates(map[string]interface{}{
			"status":        models.SessionActive,
			"specialist_id": specialistID,
			"last_activity": now,
		})
	if result.Error != nil {
		return nil, transient("claim session", result.Error)
	}

	if result.RowsAffected == 0 {
		sess, err := s.GetSession(id)
		if err != nil {
			return nil, err
		}
		if sess.Status == models.SessionEnded {
			return nil, ErrAlreadyEnded
		}
		return nil, ErrAlreadyClaimed
	}

	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	s.publish(feed.Event{Type: feed.EventSessionUpdated, SessionID: sess.ID, Session: sess})
	return sess, nil
}

// EndSession moves a session to its terminal status. The conditional
// update makes termination idempotent: when a manual end and the
// inactivity timeout race, the first writer sets ended_at/end_reason and
// the second call is a no-op returning the already-ended session.
//
// Ending a never-claimed waiting session records actorID as the
// specialist id purely for bookkeeping — the one path where specialist_id
// is set outside a claim. actorID may be empty (user ending their own
// waiting session).
func (s *Store) EndSession(id, reason, actorID string) (*models.Session, error) {
	now := time.Now()
	patch := map[string]interface{}{
		"status":     models.SessionEnded,
		"ended_at":   now,
		"end_reason": reason,
	}
	if actorID != "" {
		patch["specialist_id"] = gorm.Expr("COALESCE(specialist_id, ?)", actorID)
	}

	result := s.db.Model(&models.Session{}).
		Where("id = ? AND status <> ?", id, models.SessionEnded).
		Updates(patch)
	if result.Error != nil {
		return nil, transient("end session", result.Error)
	}

	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		// Lost the terminal race (or repeat delivery): already ended.
		return sess, nil
	}
	s.publish(feed.Event{Type: feed.EventSessionUpdated, SessionID: sess.ID, Session: sess})
	return sess, nil
}

// InsertMessage appends a message, validating inside the same transaction
// that the owning session has not ended. Accepted messages bump the
// session's last_activity while it is active. The created message, with
// its server-assigned id, is returned synchronously to the sender.
func (s *Store) InsertMessage(sessionID, senderID, senderType, content, messageType, metadata string) (*models.ChatMessage, error) {
	now := time.Now()
	msg := &models.ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		SenderID:    senderID,
		SenderType:  senderType,
		Content:     content,
		MessageType: messageType,
		Metadata:    metadata,
		CreatedAt:   now,
	}

	var sess models.Session
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// The status check must hold until the insert commits. MySQL's
		// REPEATABLE READ makes a plain read non-locking, letting a
		// concurrent EndSession commit in between; lock the row there.
		// sqlite has a single writer, so no lock is needed (or parseable).
		q := tx
		if tx.Dialector.Name() == "mysql" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&sess, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return transient("load session for insert", err)
		}
		if sess.Status == models.SessionEnded {
			return ErrSessionEnded
		}
		if err := tx.Create(msg).Error; err != nil {
			return transient("insert message", err)
		}
		if sess.Status == models.SessionActive {
			if err := tx.Model(&models.Session{}).Where("id = ?", sessionID).
				Update("last_activity", now).Error; err != nil {
				return transient("bump last_activity", err)
			}
			sess.LastActivity = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(feed.Event{Type: feed.EventMessageInserted, SessionID: sessionID, Message: msg})
	if sess.Status == models.SessionActive {
		s.publish(feed.Event{Type: feed.EventSessionUpdated, SessionID: sessionID, Session: &sess})
	}
	return msg, nil
}

// ListMessages returns the session's messages in their total order.
func (s *Store) ListMessages(sessionID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	if err := s.db.Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, transient("list messages", err)
	}
	return msgs, nil
}

// TouchActivity is the explicit "extend session" signal: it resets the
// inactivity budget by updating last_activity. Only valid while active.
func (s *Store) TouchActivity(id string) (*models.Session, error) {
	now := time.Now()
	result := s.db.Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Update("last_activity", now)
	if result.Error != nil {
		return nil, transient("touch activity", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetSession(id); err != nil {
			return nil, err
		}
		return nil, ErrBadTransition
	}
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	s.publish(feed.Event{Type: feed.EventSessionUpdated, SessionID: sess.ID, Session: sess})
	return sess, nil
}

// ListIdleActive returns active sessions whose last_activity is older than
// cutoff — candidates for auto-timeout termination.
func (s *Store) ListIdleActive(cutoff time.Time) ([]models.Session, error) {
	var sessions []models.Session
	if err := s.db.Where("status = ? AND last_activity IS NOT NULL AND last_activity < ?",
		models.SessionActive, cutoff).Find(&sessions).Error; err != nil {
		return nil, transient("list idle active", err)
	}
	return sessions, nil
}

// CreateProposal records a new pending appointment proposal for a session.
func (s *Store) CreateProposal(sessionID string) (*models.AppointmentProposal, error) {
	prop := &models.AppointmentProposal{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    models.ProposalPending,
	}
	if err := s.db.Create(prop).Error; err != nil {
		return nil, transient("create proposal", err)
	}
	s.publish(feed.Event{Type: feed.EventProposalUpdated, SessionID: sessionID, Proposal: prop})
	return prop, nil
}

// GetProposal loads one proposal by id.
func (s *Store) GetProposal(id string) (*models.AppointmentProposal, error) {
	var prop models.AppointmentProposal
	err := s.db.First(&prop, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get proposal", err)
	}
	return &prop, nil
}

// SetProposalStatus updates a proposal's status. Only pending proposals
// can move; the core does not interpret proposal semantics beyond that.
func (s *Store) SetProposalStatus(id, status string) (*models.AppointmentProposal, error) {
	switch status {
	case models.ProposalAccepted, models.ProposalRejected, models.ProposalExpired:
	default:
		return nil, ErrBadTransition
	}

	result := s.db.Model(&models.AppointmentProposal{}).
		Where("id = ? AND status = ?", id, models.ProposalPending).
		Update("status", status)
	if result.Error != nil {
		return nil, transient("set proposal status", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetProposal(id); err != nil {
			return nil, err
		}
		return nil, ErrBadTransition
	}

	prop, err := s.GetProposal(id)
	if err != nil {
		return nil, err
	}
	s.publish(feed.Event{Type: feed.EventProposalUpdated, SessionID: prop.SessionID, Proposal: prop})
	return prop, nil
}

// ExpireProposals flips pending proposals created before cutoff to
// expired. Returns how many rows changed.
func (s *Store) ExpireProposals(cutoff time.Time) (int64, error) {
	result := s.db.Model(&models.AppointmentProposal{}).
		Where("status = ? AND created_at < ?", models.ProposalPending, cutoff).
		Update("status", models.ProposalExpired)
	if result.Error != nil {
		return 0, transient("expire proposals", result.Error)
	}
	return result.RowsAffected, nil
}
