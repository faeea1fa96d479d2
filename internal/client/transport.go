package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peerline/peerline/internal/feed"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	defaultPollEvery   = 5 * time.Second
)

// WSTransport delivers the change feed over a WebSocket connection. It
// satisfies the engine's Transport interface: the returned channel closes
// when the connection is lost, and the supervisor redials.
type WSTransport struct {
	BaseURL   string // http(s) base, e.g. "http://localhost:8080"
	SessionID string

	mu   sync.Mutex
	conn *websocket.Conn
}

// Connect dials the feed endpoint and starts the read pump.
func (t *WSTransport) Connect(ctx context.Context) (<-chan feed.Event, error) {
	endpoint := strings.Replace(t.BaseURL, "http://", "ws://", 1)
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	u, err := url.Parse(endpoint + "/ws")
	if err != nil {
		return nil, fmt.Errorf("client: parse feed url: %w", err)
	}
	if t.SessionID != "" {
		q := u.Query()
		q.Set("session", t.SessionID)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial feed: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	// Server pings double as liveness probes: each one extends the read
	// deadline, so a silent connection dies within the timeout.
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsHandshakeTimeout))
	})

	events := make(chan feed.Event, 16)
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var ev feed.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// Close tears down the current connection, if any.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// eventsPage is the polling endpoint's response.
type eventsPage struct {
	Events       []feed.Event `json:"events"`
	Next         uint64       `json:"next"`
	ResyncNeeded bool         `json:"resync_needed"`
}

// Events fetches feed events after a known cursor. resyncNeeded means
// the cursor fell out of the server's retention window and the caller
// must reload state from the REST endpoints.
func (c *Client) Events(sessionID string, after uint64) ([]feed.Event, uint64, bool, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	q.Set("after", fmt.Sprintf("%d", after))

	var page eventsPage
	if err := c.do(http.MethodGet, "/api/v1/events?"+q.Encode(), nil, &page); err != nil {
		return nil, 0, false, err
	}
	return page.Events, page.Next, page.ResyncNeeded, nil
}

// PollTransport is the degraded fallback when WebSockets are blocked: it
// polls the events endpoint on an interval and presents the result as
// the same event channel the realtime transport provides. The supervisor
// cannot tell the difference.
type PollTransport struct {
	Client    *Client
	SessionID string
	Interval  time.Duration

	mu     sync.Mutex
	cursor uint64
	stop   chan struct{}
}

// Connect verifies the server is reachable and starts the poll loop.
func (t *PollTransport) Connect(ctx context.Context) (<-chan feed.Event, error) {
	interval := t.Interval
	if interval <= 0 {
		interval = defaultPollEvery
	}

	// First fetch doubles as the reachability check. Events before this
	// point are covered by the supervisor's resync, so only the cursor
	// advances here.
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()
	events, next, resyncNeeded, err := t.Client.Events(t.SessionID, cursor)
	if err != nil {
		return nil, err
	}
	if resyncNeeded || cursor == 0 {
		events = nil
	}
	t.setCursor(next)

	stop := make(chan struct{})
	t.mu.Lock()
	t.stop = stop
	t.mu.Unlock()

	out := make(chan feed.Event, 16)
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				t.mu.Lock()
				cursor := t.cursor
				t.mu.Unlock()
				events, next, resyncNeeded, err := t.Client.Events(t.SessionID, cursor)
				if err != nil {
					// Treat a failed poll as connection loss; the
					// supervisor redials and resyncs.
					return
				}
				if resyncNeeded {
					t.setCursor(next)
					return
				}
				t.setCursor(next)
				for _, ev := range events {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					case <-stop:
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Close stops the poll loop.
func (t *PollTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		select {
		case <-t.stop:
		default:
			close(t.stop)
		}
		t.stop = nil
	}
	return nil
}

func (t *PollTransport) setCursor(next uint64) {
	t.mu.Lock()
	if next > t.cursor {
		t.cursor = next
	}
	t.mu.Unlock()
}
