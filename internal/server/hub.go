package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/attunehealth/sessionaide/internal/observe"
	"github.com/attunehealth/sessionaide/internal/session"
)

const (
	// clientQueueSize is the per-client snapshot backlog. A client that
	// falls further behind than this is disconnected rather than allowed to
	// stall the broadcast path.
	clientQueueSize = 16

	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second
)

// Hub fans display-state snapshots out to connected websocket clients.
// Broadcast never blocks on a slow client.
type Hub struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(metrics *observe.Metrics) *Hub {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Hub{
		metrics: metrics,
		clients: make(map[*hubClient]struct{}),
	}
}

// Broadcast queues snap for every connected client. A client whose queue is
// full is dropped; it can reconnect and will receive the then-current
// snapshot on arrival.
func (h *Hub) Broadcast(snap session.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("marshalling snapshot for broadcast", "error", err)
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			slog.Warn("dropping slow websocket client", "backlog", clientQueueSize)
		}
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams snapshots until the client
// disconnects or falls too far behind. The then-current snapshot is not sent
// here; the caller broadcasts on every state change, and clients issue a GET
// /api/session for their initial view.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	c := &hubClient{send: make(chan []byte, clientQueueSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	ctx := r.Context()
	h.metrics.ConnectedClients.Add(ctx, 1)
	defer h.metrics.ConnectedClients.Add(context.WithoutCancel(ctx), -1)

	// No client->server messages are expected; CloseRead surfaces the
	// client's disconnect as context cancellation.
	readCtx := conn.CloseRead(ctx)

	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-readCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case data, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			wctx, cancel := context.WithTimeout(readCtx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "write failed")
				return
			}
		}
	}
}
