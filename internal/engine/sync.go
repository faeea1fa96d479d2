package engine

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peerline/peerline/internal/models"
	"github.com/peerline/peerline/internal/session"
)

// Optimistic message statuses.
const (
	MsgSending   = "sending"
	MsgConfirmed = "confirmed"
	MsgFailed    = "failed"
)

// Synchronizer defaults.
const (
	DefaultSendTimeout = 10 * time.Second
	// DefaultMatchWindow bounds the reconciliation heuristic: a feed
	// message matches an optimistic one when content and sender agree and
	// the timestamps fall within this window. Approximate on purpose —
	// the feed does not round-trip a client-chosen id.
	DefaultMatchWindow = 15 * time.Second
)

// LocalMessage is one entry in the merged message view: either a
// confirmed server message or a still-pending optimistic echo. ClientID
// is set only for locally originated entries.
type LocalMessage struct {
	ClientID    string
	ServerID    string
	SessionID   string
	SenderID    string
	SenderType  string
	Content     string
	MessageType string
	Metadata    string
	CreatedAt   time.Time
	Status      string
}

func (m *LocalMessage) sortsBefore(other *LocalMessage) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.sortKey() < other.sortKey()
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

func (m *LocalMessage) sortKey() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.ClientID
}

// SyncConfig tunes the synchronizer.
type SyncConfig struct {
	SendTimeout time.Duration
	MatchWindow time.Duration
}

func (c *SyncConfig) applyDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = DefaultMatchWindow
	}
}

// Synchronizer keeps the merged, ordered message view for one session:
// confirmed messages from the authoritative feed plus optimistic local
// echoes awaiting confirmation. The merged list is non-decreasing in
// created_at at all times, including mid-reconciliation.
type Synchronizer struct {
	gw  Gateway
	cfg SyncConfig

	sessionID string
	actorID   string
	actorType string

	// claimFirst is invoked before the authoritative write while the
	// session is still waiting (sending the first message implicitly
	// claims). Nil for callers that never claim.
	claimFirst func() error

	onChange func([]LocalMessage)

	mu      sync.Mutex
	entries []LocalMessage
	timers  map[string]*time.Timer // clientID -> send timeout
	closed  bool
}

// NewSynchronizer creates a Synchronizer for one session.
func NewSynchronizer(gw Gateway, sessionID, actorID, actorType string, cfg SyncConfig, claimFirst func() error, onChange func([]LocalMessage)) *Synchronizer {
	cfg.applyDefaults()
	return &Synchronizer{
		gw:         gw,
		cfg:        cfg,
		sessionID:  sessionID,
		actorID:    actorID,
		actorType:  actorType,
		claimFirst: claimFirst,
		onChange:   onChange,
		timers:     make(map[string]*time.Timer),
	}
}

// Messages returns a copy of the merged ordered view.
func (s *Synchronizer) Messages() []LocalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LocalMessage, len(s.entries))
	copy(out, s.entries)
	return out
}

// Send appends an optimistic echo immediately and issues the
// authoritative write in the background. Fire-and-forget: delivery status
// flows back through the onChange callback. Returns the client id of the
// optimistic entry (the handle for Retry).
func (s *Synchronizer) Send(content, messageType, metadata string) string {
	msg := LocalMessage{
		ClientID:    uuid.NewString(),
		SessionID:   s.sessionID,
		SenderID:    s.actorID,
		SenderType:  s.actorType,
		Content:     content,
		MessageType: messageType,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
		Status:      MsgSending,
	}

	s.mu.Lock()
	s.insertLocked(msg)
	s.armTimeoutLocked(msg.ClientID)
	s.mu.Unlock()
	s.notify()

	go s.deliver(msg.ClientID)
	return msg.ClientID
}

// Retry re-issues a failed send. Retries are user-initiated, never
// automatic, to avoid duplicate sends.
func (s *Synchronizer) Retry(clientID string) bool {
	s.mu.Lock()
	idx := s.indexOfClientLocked(clientID)
	if idx < 0 || s.entries[idx].Status != MsgFailed {
		s.mu.Unlock()
		return false
	}
	s.entries[idx].Status = MsgSending
	s.armTimeoutLocked(clientID)
	s.mu.Unlock()
	s.notify()

	go s.deliver(clientID)
	return true
}

// deliver performs the authoritative write for one optimistic entry.
func (s *Synchronizer) deliver(clientID string) {
	s.mu.Lock()
	idx := s.indexOfClientLocked(clientID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	msg := s.entries[idx]
	s.mu.Unlock()

	if s.claimFirst != nil {
		if err := s.claimFirst(); err != nil && !session.IsConflict(err) {
			log.Printf("engine: auto-claim before send failed: %v", err)
		}
	}

	confirmed, err := s.gw.InsertMessage(msg.SessionID, msg.SenderID, msg.SenderType,
		msg.Content, msg.MessageType, msg.Metadata)
	if err != nil {
		log.Printf("engine: send failed [session=%s client=%s]: %v", msg.SessionID, clientID, err)
		s.markFailed(clientID)
		return
	}
	s.confirmByClientID(clientID, confirmed)
}

// OnIncoming reconciles a feed message against the local view. A message
// already confirmed by id is a duplicate and is dropped. Otherwise it is
// matched against pending or failed optimistic entries by (content,
// sender_type, time window); a late confirmation still reconciles a
// failed entry so no duplicate appears. Unmatched messages are spliced in
// in order.
func (s *Synchronizer) OnIncoming(msg *models.ChatMessage) {
	s.mu.Lock()
	if s.hasServerIDLocked(msg.ID) {
		s.mu.Unlock()
		return
	}
	if idx := s.matchOptimisticLocked(msg); idx >= 0 {
		s.stopTimerLocked(s.entries[idx].ClientID)
		clientID := s.entries[idx].ClientID
		s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
		s.insertLocked(confirmedFromModel(msg, clientID))
		s.mu.Unlock()
		s.notify()
		return
	}
	s.insertLocked(confirmedFromModel(msg, ""))
	s.mu.Unlock()
	s.notify()
}

// Resync replaces all confirmed state with the authoritative list,
// keeping unmatched optimistic entries. Called after every (re)connect so
// events missed during an outage are backfilled, not dropped.
func (s *Synchronizer) Resync(msgs []models.ChatMessage) {
	s.mu.Lock()
	var pending []LocalMessage
	for _, e := range s.entries {
		if e.Status != MsgConfirmed {
			pending = append(pending, e)
		}
	}

	s.entries = s.entries[:0]
	for i := range msgs {
		m := &msgs[i]
		clientID := ""
		for pi, p := range pending {
			if optimisticMatches(&p, m, s.cfg.MatchWindow) {
				clientID = p.ClientID
				s.stopTimerLocked(p.ClientID)
				pending = append(pending[:pi], pending[pi+1:]...)
				break
			}
		}
		s.insertLocked(confirmedFromModel(m, clientID))
	}
	for _, p := range pending {
		s.insertLocked(p)
	}
	s.mu.Unlock()
	s.notify()
}

// Close cancels send timers. In-flight deliveries complete but their
// notifications become no-ops.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *Synchronizer) markFailed(clientID string) {
	s.mu.Lock()
	idx := s.indexOfClientLocked(clientID)
	if idx < 0 || s.entries[idx].Status != MsgSending {
		s.mu.Unlock()
		return
	}
	s.entries[idx].Status = MsgFailed
	s.stopTimerLocked(clientID)
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) confirmByClientID(clientID string, confirmed *models.ChatMessage) {
	s.mu.Lock()
	if s.hasServerIDLocked(confirmed.ID) {
		// Feed delivery beat the write's return value.
		s.stopTimerLocked(clientID)
		if idx := s.indexOfClientLocked(clientID); idx >= 0 && s.entries[idx].ServerID == "" {
			s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
		}
		s.mu.Unlock()
		s.notify()
		return
	}
	idx := s.indexOfClientLocked(clientID)
	if idx < 0 {
		s.insertLocked(confirmedFromModel(confirmed, clientID))
		s.mu.Unlock()
		s.notify()
		return
	}
	s.stopTimerLocked(clientID)
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.insertLocked(confirmedFromModel(confirmed, clientID))
	s.mu.Unlock()
	s.notify()
}

// insertLocked splices msg into the ordered view.
func (s *Synchronizer) insertLocked(msg LocalMessage) {
	at := sort.Search(len(s.entries), func(i int) bool {
		return msg.sortsBefore(&s.entries[i])
	})
	s.entries = append(s.entries, LocalMessage{})
	copy(s.entries[at+1:], s.entries[at:])
	s.entries[at] = msg
}

func (s *Synchronizer) armTimeoutLocked(clientID string) {
	if t, ok := s.timers[clientID]; ok {
		t.Stop()
	}
	s.timers[clientID] = time.AfterFunc(s.cfg.SendTimeout, func() {
		s.markFailed(clientID)
	})
}

func (s *Synchronizer) stopTimerLocked(clientID string) {
	if clientID == "" {
		return
	}
	if t, ok := s.timers[clientID]; ok {
		t.Stop()
		delete(s.timers, clientID)
	}
}

func (s *Synchronizer) indexOfClientLocked(clientID string) int {
	for i := range s.entries {
		if s.entries[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) hasServerIDLocked(serverID string) bool {
	for i := range s.entries {
		if s.entries[i].ServerID == serverID {
			return true
		}
	}
	return false
}

// matchOptimisticLocked finds a sending or failed optimistic entry the
// feed message confirms.
func (s *Synchronizer) matchOptimisticLocked(msg *models.ChatMessage) int {
	for i := range s.entries {
		e := &s.entries[i]
		if e.Status == MsgConfirmed || e.ClientID == "" {
			continue
		}
		if optimisticMatches(e, msg, s.cfg.MatchWindow) {
			return i
		}
	}
	return -1
}

func optimisticMatches(e *LocalMessage, msg *models.ChatMessage, window time.Duration) bool {
	if e.Content != msg.Content || e.SenderType != msg.SenderType {
		return false
	}
	delta := msg.CreatedAt.Sub(e.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

func confirmedFromModel(msg *models.ChatMessage, clientID string) LocalMessage {
	return LocalMessage{
		ClientID:    clientID,
		ServerID:    msg.ID,
		SessionID:   msg.SessionID,
		SenderID:    msg.SenderID,
		SenderType:  msg.SenderType,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		Metadata:    msg.Metadata,
		CreatedAt:   msg.CreatedAt,
		Status:      MsgConfirmed,
	}
}

func (s *Synchronizer) notify() {
	s.mu.Lock()
	if s.closed || s.onChange == nil {
		s.mu.Unlock()
		return
	}
	out := make([]LocalMessage, len(s.entries))
	copy(out, s.entries)
	s.mu.Unlock()
	s.onChange(out)
}
