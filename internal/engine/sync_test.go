package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peerline/peerline/internal/models"
)

// fakeGateway scripts InsertMessage outcomes for synchronizer tests.
type fakeGateway struct {
	mu       sync.Mutex
	inserts  int
	failNext int           // fail this many inserts before succeeding
	block    chan struct{} // when set, inserts wait here
	claims   int
}

func (g *fakeGateway) InsertMessage(sessionID, senderID, senderType, content, messageType, metadata string) (*models.ChatMessage, error) {
	g.mu.Lock()
	block := g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.inserts++
	if g.failNext > 0 {
		g.failNext--
		return nil, errors.New("insert refused")
	}
	return &models.ChatMessage{
		ID:          fmt.Sprintf("srv-%d", g.inserts),
		SessionID:   sessionID,
		SenderID:    senderID,
		SenderType:  senderType,
		Content:     content,
		MessageType: messageType,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}, nil
}

func (g *fakeGateway) GetSession(id string) (*models.Session, error) {
	return &models.Session{ID: id, Status: models.SessionActive}, nil
}

func (g *fakeGateway) ClaimSession(id, specialistID string) (*models.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.claims++
	return &models.Session{ID: id, Status: models.SessionActive, SpecialistID: &specialistID}, nil
}

func (g *fakeGateway) EndSession(id, reason, actorID string) (*models.Session, error) {
	return &models.Session{ID: id, Status: models.SessionEnded, EndReason: reason}, nil
}

func (g *fakeGateway) TouchActivity(id string) (*models.Session, error) {
	return &models.Session{ID: id, Status: models.SessionActive}, nil
}

func (g *fakeGateway) ListMessages(sessionID string) ([]models.ChatMessage, error) {
	return nil, nil
}

func newTestSynchronizer(gw Gateway, cfg SyncConfig) *Synchronizer {
	return NewSynchronizer(gw, "sess-1", "user-1", models.SenderUser, cfg, nil, nil)
}

func messageByClientID(msgs []LocalMessage, clientID string) (LocalMessage, bool) {
	for _, m := range msgs {
		if m.ClientID == clientID {
			return m, true
		}
	}
	return LocalMessage{}, false
}

func TestSynchronizer_OptimisticEchoAppearsImmediately(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	s := newTestSynchronizer(gw, SyncConfig{})
	defer s.Close()
	defer close(gw.block)

	id := s.Send("hello", models.MessageText, "")

	msg, ok := messageByClientID(s.Messages(), id)
	if !ok {
		t.Fatal("optimistic entry missing from the merged view")
	}
	if msg.Status != MsgSending {
		t.Errorf("Status = %q, want sending", msg.Status)
	}
	if msg.ServerID != "" {
		t.Errorf("ServerID = %q, want empty before confirmation", msg.ServerID)
	}
}

func TestSynchronizer_SendConfirms(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSynchronizer(gw, SyncConfig{})
	defer s.Close()

	id := s.Send("hello", models.MessageText, "")

	waitFor(t, func() bool {
		m, ok := messageByClientID(s.Messages(), id)
		return ok && m.Status == MsgConfirmed
	}, "send never confirmed")

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(msgs))
	}
	if msgs[0].ServerID == "" {
		t.Error("confirmed entry lost its server id")
	}
}

func TestSynchronizer_FailedSendThenRetry(t *testing.T) {
	gw := &fakeGateway{failNext: 1}
	s := newTestSynchronizer(gw, SyncConfig{})
	defer s.Close()

	id := s.Send("hello", models.MessageText, "")
	waitFor(t, func() bool {
		m, ok := messageByClientID(s.Messages(), id)
		return ok && m.Status == MsgFailed
	}, "failed send never marked failed")

	if !s.Retry(id) {
		t.Fatal("Retry returned false for a failed entry")
	}
	waitFor(t, func() bool {
		m, ok := messageByClientID(s.Messages(), id)
		return ok && m.Status == MsgConfirmed
	}, "retry never confirmed")
	if len(s.Messages()) != 1 {
		t.Errorf("len(Messages) = %d, want 1 (retry must not duplicate)", len(s.Messages()))
	}
}

func TestSynchronizer_RetryRejectsNonFailed(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	s := newTestSynchronizer(gw, SyncConfig{})
	defer s.Close()
	defer close(gw.block)

	id := s.Send("hello", models.MessageText, "")
	if s.Retry(id) {
		t.Error("Retry accepted an in-flight entry")
	}
	if s.Retry("no-such-client") {
		t.Error("Retry accepted an unknown client id")
	}
}

func TestSynchronizer_SendTimeoutFlipsToFailed(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	s := newTestSynchronizer(gw, SyncConfig{SendTimeout: 10 * time.Millisecond})
	defer s.Close()
	defer close(gw.block)

	id := s.Send("hello", models.MessageText, "")
	waitFor(t, func() bool {
		m, ok := messageByClientID(s.Messages(), id)
		return ok && m.Status == MsgFailed
	}, "stuck send never timed out")
}

func TestSynchronizer_LateConfirmationReconcilesFailed(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	s := newTestSynchronizer(gw, SyncConfig{SendTimeout: 10 * time.Millisecond})
	defer s.Close()
	defer close(gw.block)

	id := s.Send("hello", models.MessageText, "")
	waitFor(t, func() bool {
		m, ok := messageByClientID(s.Messages(), id)
		return ok && m.Status == MsgFailed
	}, "send never timed out")

	// The write actually landed server-side; its feed echo arrives late.
	s.OnIncoming(&models.ChatMessage{
		ID: "srv-late", SessionID: "sess-1", SenderID: "user-1",
		SenderType: models.SenderUser, Content: "hello",
		MessageType: models.MessageText, CreatedAt: time.Now(),
	})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(Messages) = %d, want 1 (late echo must reconcile, not duplicate)", len(msgs))
	}
	if msgs[0].Status != MsgConfirmed || msgs[0].ServerID != "srv-late" {
		t.Errorf("entry = %+v, want confirmed srv-late", msgs[0])
	}
}

func TestSynchronizer_OnIncomingDedupesByServerID(t *testing.T) {
	s := newTestSynchronizer(&fakeGateway{}, SyncConfig{})
	defer s.Close()

	msg := &models.ChatMessage{
		ID: "srv-1", SessionID: "sess-1", SenderID: "spec-1",
		SenderType: models.SenderSpecialist, Content: "hi",
		MessageType: models.MessageText, CreatedAt: time.Now(),
	}
	s.OnIncoming(msg)
	s.OnIncoming(msg)

	if got := len(s.Messages()); got != 1 {
		t.Errorf("len(Messages) = %d, want 1 after duplicate delivery", got)
	}
}

func TestSynchronizer_MatchWindowExcludesDistantMessages(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	s := newTestSynchronizer(gw, SyncConfig{MatchWindow: 15 * time.Second})
	defer s.Close()
	defer close(gw.block)

	s.Send("hello", models.MessageText, "")

	// Same content but far outside the window: a distinct message.
	s.OnIncoming(&models.ChatMessage{
		ID: "srv-old", SessionID: "sess-1", SenderID: "user-1",
		SenderType: models.SenderUser, Content: "hello",
		MessageType: models.MessageText, CreatedAt: time.Now().Add(-time.Hour),
	})

	if got := len(s.Messages()); got != 2 {
		t.Errorf("len(Messages) = %d, want 2 (no match outside the window)", got)
	}
}

func TestSynchronizer_OrderingNonDecreasing(t *testing.T) {
	s := newTestSynchronizer(&fakeGateway{}, SyncConfig{})
	defer s.Close()

	base := time.Now()
	// Deliver out of order.
	for _, off := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		s.OnIncoming(&models.ChatMessage{
			ID: fmt.Sprintf("srv-%d", off/time.Second), SessionID: "sess-1",
			SenderID: "spec-1", SenderType: models.SenderSpecialist,
			Content: "m", MessageType: models.MessageText, CreatedAt: base.Add(off),
		})
	}

	msgs := s.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("view not ordered: %v before %v", msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestSynchronizer_ResyncPreservesPending(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	s := newTestSynchronizer(gw, SyncConfig{})
	defer s.Close()
	defer close(gw.block)

	pendingID := s.Send("unsent", models.MessageText, "")

	now := time.Now()
	s.Resync([]models.ChatMessage{
		{ID: "srv-1", SessionID: "sess-1", SenderID: "spec-1",
			SenderType: models.SenderSpecialist, Content: "server copy",
			MessageType: models.MessageText, CreatedAt: now.Add(-time.Minute)},
	})

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages) = %d, want confirmed + pending", len(msgs))
	}
	if _, ok := messageByClientID(msgs, pendingID); !ok {
		t.Error("pending optimistic entry dropped by resync")
	}
}

func TestSynchronizer_ResyncReconcilesMatchingPending(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})}
	s := newTestSynchronizer(gw, SyncConfig{})
	defer s.Close()
	defer close(gw.block)

	id := s.Send("hello", models.MessageText, "")

	// The authoritative list already contains the message this pending
	// entry produced.
	s.Resync([]models.ChatMessage{
		{ID: "srv-1", SessionID: "sess-1", SenderID: "user-1",
			SenderType: models.SenderUser, Content: "hello",
			MessageType: models.MessageText, CreatedAt: time.Now()},
	})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(msgs))
	}
	if msgs[0].ClientID != id || msgs[0].Status != MsgConfirmed {
		t.Errorf("entry = %+v, want confirmed with original client id", msgs[0])
	}
}

func TestSynchronizer_ClaimHookRunsBeforeInsert(t *testing.T) {
	gw := &fakeGateway{}
	claims := 0
	s := NewSynchronizer(gw, "sess-1", "spec-1", models.SenderSpecialist, SyncConfig{},
		func() error { claims++; return nil }, nil)
	defer s.Close()

	id := s.Send("taking this one", models.MessageText, "")
	waitFor(t, func() bool {
		m, ok := messageByClientID(s.Messages(), id)
		return ok && m.Status == MsgConfirmed
	}, "send never confirmed")

	if claims != 1 {
		t.Errorf("claim hook ran %d times, want 1", claims)
	}
}
