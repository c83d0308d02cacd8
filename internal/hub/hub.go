// Package hub serves the two WebSocket channel kinds: the app channel
// (registry and agent-catalog events, one per browser tab) and the
// worker channel (one per (session, worker) a tab is viewing). Every
// connection writes through a bounded send queue; a slow client is
// closed, never waited on.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/termdeck/termdeck/internal/agentdef"
	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/registry"
	"github.com/termdeck/termdeck/internal/sendq"
)

// Application close codes, in the 4xxx range the RFC leaves to apps.
// Clients reconnect with backoff on both; normal closure and
// going-away mean "stay away".
const (
	CloseBackpressure websocket.StatusCode = 4002
	CloseIdleTimeout  websocket.StatusCode = 4003
)

// Hub routes WebSocket connections to the registry's worker engines
// and fans registry/catalog events out to app channels.
type Hub struct {
	reg     *registry.Registry
	catalog *agentdef.Catalog
	limits  *config.Limits

	ctx    context.Context
	cancel context.CancelFunc

	// idleOverride shortens the worker idle timeout in tests.
	idleOverride time.Duration
}

// New builds a hub. Shutdown must be called to release connections.
func New(reg *registry.Registry, catalog *agentdef.Catalog, limits *config.Limits) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		reg:     reg,
		catalog: catalog,
		limits:  limits,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register mounts the hub endpoints on mux.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/app", h.serveApp)
	mux.HandleFunc("GET /ws/sessions/{sessionID}/workers/{workerID}", h.serveWorker)
}

// Shutdown closes every open connection with a going-away code. New
// connections are still accepted by the listener until it stops; they
// are closed immediately the same way.
func (h *Hub) Shutdown() {
	h.cancel()
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The server fronts local tools and tunnels; origin checks are
		// the deployment's concern, not the protocol's.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("ws accept failed", "path", r.URL.Path, "error", err)
		return nil, false
	}
	conn.SetReadLimit(protocol.MaxInboundFrameBytes)
	return conn, true
}

// wsSink adapts a send queue to the engine Sink contract. Send never
// blocks; overflow is detected by the write loop.
type wsSink struct {
	q *sendq.Queue

	// last, when set, tracks the time of the latest outbound frame for
	// the idle watchdog.
	last *atomic.Int64
}

func (s *wsSink) Send(f protocol.ServerFrame) {
	data, err := protocol.Encode(f)
	if err != nil {
		slog.Warn("frame encode failed", "error", err)
		return
	}
	if s.last != nil {
		s.last.Store(time.Now().UnixNano())
	}
	s.q.Push(data)
}

// writeTimeout bounds a single frame write so a fully stalled socket
// cannot pin the write loop past the queue's overflow signal.
const writeTimeout = 30 * time.Second

// writeLoop drains the queue to the socket. It owns the overflow
// close so the queue state and the close code stay consistent.
func writeLoop(ctx context.Context, conn *websocket.Conn, q *sendq.Queue, channel string) {
	for {
		data, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, sendq.ErrOverflow) {
				metrics.WSQueueOverflows.WithLabelValues(channel).Inc()
				slog.Warn("closing slow connection", "channel", channel)
				_ = conn.Close(CloseBackpressure, "send queue overflow")
			}
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
		metrics.WSMessagesTotal.WithLabelValues(channel, "out").Inc()
	}
}
