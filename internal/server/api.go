package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/peerline/peerline/internal/feed"
	"github.com/peerline/peerline/internal/models"
	"github.com/peerline/peerline/internal/notify"
	"github.com/peerline/peerline/internal/store"
)

// apiError maps store errors to HTTP responses. Conflicts are expected
// outcomes of the claim protocol, so they carry a machine-readable code
// the client turns into a notice.
func apiError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, store.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_claimed"})
	case errors.Is(err, store.ErrAlreadyEnded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_ended"})
	case errors.Is(err, store.ErrSessionEnded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "session_ended"})
	case errors.Is(err, store.ErrBadTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "bad_transition"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "internal"})
	}
}

func handleCreateSession(st *store.Store, notifiers []notify.Adapter) gin.HandlerFunc {
	type request struct {
		UserID string `json:"user_id" binding:"required"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return
		}
		sess, err := st.CreateSession(req.UserID)
		if err != nil {
			apiError(c, err)
			return
		}
		go notifyWaiting(notifiers, sess.ID)
		c.JSON(http.StatusCreated, sess)
	}
}

// notifyWaiting tells specialists a new session entered the queue.
// Best-effort: failures are logged, never surfaced to the creating user.
func notifyWaiting(notifiers []notify.Adapter, sessionID string) {
	if len(notifiers) == 0 {
		return
	}
	text := fmt.Sprintf("New session %s is waiting for a specialist", sessionID)
	for _, a := range notifiers {
		if err := a.Notify(text); err != nil {
			log.Printf("server: notify %s: %v", a.Name(), err)
		}
	}
}

func handleGetSession(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := st.GetSession(c.Param("id"))
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// handleListSessions lists waiting sessions — the specialist queue.
func handleListSessions(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if status := c.Query("status"); status != "" && status != models.SessionWaiting {
			c.JSON(http.StatusBadRequest, gin.H{"error": "only status=waiting is supported", "code": "bad_request"})
			return
		}
		sessions, err := st.ListWaiting()
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

func handleClaimSession(st *store.Store) gin.HandlerFunc {
	type request struct {
		SpecialistID string `json:"specialist_id" binding:"required"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return
		}
		sess, err := st.ClaimSession(c.Param("id"), req.SpecialistID)
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func handleEndSession(st *store.Store) gin.HandlerFunc {
	type request struct {
		Reason  string `json:"reason"`
		ActorID string `json:"actor_id"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return
		}
		if req.Reason == "" {
			req.Reason = models.EndReasonManual
		}
		sess, err := st.EndSession(c.Param("id"), req.Reason, req.ActorID)
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func handleExtendSession(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := st.TouchActivity(c.Param("id"))
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func handleSendMessage(st *store.Store) gin.HandlerFunc {
	type request struct {
		SenderID    string `json:"sender_id" binding:"required"`
		SenderType  string `json:"sender_type" binding:"required"`
		Content     string `json:"content" binding:"required"`
		MessageType string `json:"message_type"`
		Metadata    string `json:"metadata"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return
		}
		if req.MessageType == "" {
			req.MessageType = models.MessageText
		}
		msg, err := st.InsertMessage(c.Param("id"), req.SenderID, req.SenderType,
			req.Content, req.MessageType, req.Metadata)
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

func handleListMessages(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 404 for unknown sessions, empty list for known-but-quiet ones.
		if _, err := st.GetSession(c.Param("id")); err != nil {
			apiError(c, err)
			return
		}
		msgs, err := st.ListMessages(c.Param("id"))
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handleCreateProposal(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := st.GetSession(c.Param("id")); err != nil {
			apiError(c, err)
			return
		}
		prop, err := st.CreateProposal(c.Param("id"))
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusCreated, prop)
	}
}

func handleGetProposal(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		prop, err := st.GetProposal(c.Param("id"))
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusOK, prop)
	}
}

func handleSetProposalStatus(st *store.Store) gin.HandlerFunc {
	type request struct {
		Status string `json:"status" binding:"required"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
			return
		}
		if req.Status != models.ProposalAccepted && req.Status != models.ProposalRejected {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be accepted or rejected", "code": "bad_request"})
			return
		}
		prop, err := st.SetProposalStatus(c.Param("id"), req.Status)
		if err != nil {
			apiError(c, err)
			return
		}
		c.JSON(http.StatusOK, prop)
	}
}

// handleEvents is the polling fallback: events after a known sequence
// number. When the window has been evicted the client must resync from
// the REST endpoints; the response says so explicitly.
func handleEvents(broker *feed.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var after uint64
		if raw := c.Query("after"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an unsigned integer", "code": "bad_request"})
				return
			}
			after = parsed
		}

		events, ok := broker.Since(c.Query("session"), after)
		if !ok {
			c.JSON(http.StatusOK, gin.H{
				"events":        []feed.Event{},
				"next":          broker.Seq(),
				"resync_needed": true,
				"retrieved_at":  time.Now().UTC(),
			})
			return
		}
		next := after
		if n := len(events); n > 0 {
			next = events[n-1].Seq
		}
		c.JSON(http.StatusOK, gin.H{
			"events":        events,
			"next":          next,
			"resync_needed": false,
			"retrieved_at":  time.Now().UTC(),
		})
	}
}
