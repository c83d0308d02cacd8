package hub

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/sendq"
)

// serveWorker handles one worker channel. The engine sends the opening
// frames (history, or message-history plus server-restarted for SDK
// agents) on attach; from then on the hub is a dumb pipe between the
// socket and the engine.
func (h *Hub) serveWorker(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	workerID := r.PathValue("workerID")

	conn, ok := h.accept(w, r)
	if !ok {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	eng, ok := h.reg.Engine(sessionID, workerID)
	if !ok {
		if data, err := protocol.Encode(protocol.Error{
			Message: "unknown session or worker",
			Code:    protocol.CodeWorkerNotFound,
		}); err == nil {
			writeCtx, cancel := context.WithTimeout(r.Context(), time.Second)
			_ = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown session or worker")
		return
	}

	metrics.WSConnectionsActive.WithLabelValues("worker").Inc()
	defer metrics.WSConnectionsActive.WithLabelValues("worker").Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopGoingAway := context.AfterFunc(h.ctx, func() {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		cancel()
	})
	defer stopGoingAway()

	q := sendq.New(h.limits.SendQueueFrames(), h.limits.SendQueueBytes())
	defer q.Close()

	last := &atomic.Int64{}
	last.Store(time.Now().UnixNano())
	sink := &wsSink{q: q, last: last}

	eng.Attach(sink)
	defer eng.Detach(sink)

	go func() {
		defer cancel()
		writeLoop(ctx, conn, q, "worker")
	}()
	go h.watchTeardown(ctx, cancel, conn, sessionID)
	go h.watchIdle(ctx, cancel, conn, last)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		last.Store(time.Now().UnixNano())
		metrics.WSMessagesTotal.WithLabelValues("worker", "in").Inc()

		f, err := protocol.DecodeClient(data)
		if err != nil {
			sink.Send(protocol.Error{Message: err.Error(), Code: protocol.CodeInvalidMessage})
			continue
		}
		eng.HandleFrame(sink, f)
	}
}

// watchTeardown closes the connection cleanly when the session is
// deleted out from under it, so the client knows not to reconnect.
func (h *Hub) watchTeardown(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	w := h.reg.Subscribe()
	defer h.reg.Unsubscribe(w)
	for {
		select {
		case f := <-w.C():
			if del, ok := f.(protocol.SessionDeleted); ok && del.SessionID == sessionID {
				_ = conn.Close(websocket.StatusNormalClosure, "session deleted")
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// watchIdle closes connections with no traffic in either direction
// for longer than the configured idle timeout.
func (h *Hub) watchIdle(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, last *atomic.Int64) {
	idle := h.limits.IdleTimeout()
	if h.idleOverride > 0 {
		idle = h.idleOverride
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(time.Unix(0, last.Load())) > idle {
				_ = conn.Close(CloseIdleTimeout, "idle timeout")
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
