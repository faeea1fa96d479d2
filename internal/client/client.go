// Package client talks to the API server over HTTP. Client satisfies the
// same gateway interfaces the in-process store does, so the engine works
// identically against either.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/peerline/peerline/internal/models"
	"github.com/peerline/peerline/internal/store"
)

const defaultTimeout = 15 * time.Second

// Client is an HTTP client for the session API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// apiErrorBody is the error envelope the server returns.
type apiErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// decodeError turns an error response back into the store's sentinel
// errors, so errors.Is works the same on both sides of the wire.
func decodeError(resp *http.Response, body []byte) error {
	var payload apiErrorBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("client: %s: %w", resp.Status, store.ErrTransient)
	}
	switch payload.Code {
	case "not_found":
		return fmt.Errorf("client: %s: %w", payload.Error, store.ErrNotFound)
	case "already_claimed":
		return fmt.Errorf("client: %s: %w", payload.Error, store.ErrAlreadyClaimed)
	case "already_ended":
		return fmt.Errorf("client: %s: %w", payload.Error, store.ErrAlreadyEnded)
	case "session_ended":
		return fmt.Errorf("client: %s: %w", payload.Error, store.ErrSessionEnded)
	case "bad_transition":
		return fmt.Errorf("client: %s: %w", payload.Error, store.ErrBadTransition)
	case "bad_request":
		return fmt.Errorf("client: %s", payload.Error)
	default:
		return fmt.Errorf("client: %s: %w", payload.Error, store.ErrTransient)
	}
}

// do issues one request and decodes the JSON response into result.
// Network failures come back wrapped in store.ErrTransient: from the
// engine's point of view they are retryable outages, not faults.
func (c *Client) do(method, path string, reqBody, result any) error {
	var reader io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %v: %w", method, path, err, store.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %v: %w", err, store.ErrTransient)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp, body)
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("client: unmarshal response: %w", err)
		}
	}
	return nil
}

// CreateSession opens a new waiting session for the user.
func (c *Client) CreateSession(userID string) (*models.Session, error) {
	var sess models.Session
	err := c.do(http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": userID}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches one session.
func (c *Client) GetSession(id string) (*models.Session, error) {
	var sess models.Session
	if err := c.do(http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListWaiting fetches the unclaimed session queue.
func (c *Client) ListWaiting() ([]models.Session, error) {
	var body struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := c.do(http.MethodGet, "/api/v1/sessions?status=waiting", nil, &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

// ClaimSession attaches the specialist to a waiting session. Conflicts
// come back as store.ErrAlreadyClaimed / ErrAlreadyEnded.
func (c *Client) ClaimSession(id, specialistID string) (*models.Session, error) {
	var sess models.Session
	err := c.do(http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/claim",
		map[string]string{"specialist_id": specialistID}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// EndSession terminates the session. Idempotent server-side.
func (c *Client) EndSession(id, reason, actorID string) (*models.Session, error) {
	var sess models.Session
	err := c.do(http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/end",
		map[string]string{"reason": reason, "actor_id": actorID}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// TouchActivity resets the inactivity countdown on an active session.
func (c *Client) TouchActivity(id string) (*models.Session, error) {
	var sess models.Session
	err := c.do(http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/extend", map[string]string{}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// InsertMessage appends a message to the session.
func (c *Client) InsertMessage(sessionID, senderID, senderType, content, messageType, metadata string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := c.do(http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/messages",
		map[string]string{
			"sender_id":    senderID,
			"sender_type":  senderType,
			"content":      content,
			"message_type": messageType,
			"metadata":     metadata,
		}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages fetches the session's messages in delivery order.
func (c *Client) ListMessages(sessionID string) ([]models.ChatMessage, error) {
	var body struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := c.do(http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// CreateProposal opens an appointment proposal on the session.
func (c *Client) CreateProposal(sessionID string) (*models.AppointmentProposal, error) {
	var prop models.AppointmentProposal
	err := c.do(http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/proposals", map[string]string{}, &prop)
	if err != nil {
		return nil, err
	}
	return &prop, nil
}

// SetProposalStatus accepts or rejects a pending proposal.
func (c *Client) SetProposalStatus(id, status string) (*models.AppointmentProposal, error) {
	var prop models.AppointmentProposal
	err := c.do(http.MethodPost, "/api/v1/proposals/"+url.PathEscape(id)+"/status",
		map[string]string{"status": status}, &prop)
	if err != nil {
		return nil, err
	}
	return &prop, nil
}
