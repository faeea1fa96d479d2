// Package engine implements the client-side synchronization core for one
// chat session: connection supervision, optimistic message delivery with
// reconciliation, and the inactivity countdown.
package engine

import (
	"context"

	"github.com/peerline/peerline/internal/feed"
	"github.com/peerline/peerline/internal/models"
)

// Gateway is the data access surface the engine writes through.
// *store.Store satisfies it in-process; client.Gateway satisfies it over
// HTTP.
type Gateway interface {
	GetSession(id string) (*models.Session, error)
	ClaimSession(id, specialistID string) (*models.Session, error)
	EndSession(id, reason, actorID string) (*models.Session, error)
	InsertMessage(sessionID, senderID, senderType, content, messageType, metadata string) (*models.ChatMessage, error)
	TouchActivity(id string) (*models.Session, error)
	ListMessages(sessionID string) ([]models.ChatMessage, error)
}

// Transport delivers the change feed. Connect returns a fresh event
// channel; the channel closing signals connection loss, after which the
// supervisor redials. Both the realtime WebSocket transport and the
// degraded polling transport satisfy this, so every realtime-ish concern
// shares one supervision model.
type Transport interface {
	Connect(ctx context.Context) (<-chan feed.Event, error)
	Close() error
}

// BrokerTransport subscribes directly to an in-process feed broker. Used
// when the engine runs inside the API server and by tests.
type BrokerTransport struct {
	Broker    *feed.Broker
	SessionID string

	sub *feed.Subscription
}

// Connect implements Transport.
func (t *BrokerTransport) Connect(ctx context.Context) (<-chan feed.Event, error) {
	t.sub = t.Broker.Subscribe(t.SessionID)
	go func() {
		<-ctx.Done()
		t.sub.Close()
	}()
	return t.sub.Events(), nil
}

// Close implements Transport.
func (t *BrokerTransport) Close() error {
	if t.sub != nil {
		t.sub.Close()
	}
	return nil
}
