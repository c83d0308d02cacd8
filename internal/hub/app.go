package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/termdeck/termdeck/internal/agentdef"
	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/sendq"
)

// serveApp handles one app channel: sessions-sync and agents-sync on
// open, then registry and catalog events until either side closes.
func (h *Hub) serveApp(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.accept(w, r)
	if !ok {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.WithLabelValues("app").Inc()
	defer metrics.WSConnectionsActive.WithLabelValues("app").Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopGoingAway := context.AfterFunc(h.ctx, func() {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		cancel()
	})
	defer stopGoingAway()

	q := sendq.New(h.limits.SendQueueFrames(), h.limits.SendQueueBytes())
	defer q.Close()
	sink := &wsSink{q: q}

	sessions, states := h.reg.ListWithActivity()
	sink.Send(protocol.SessionsSync{Sessions: sessions, ActivityStates: states})
	sink.Send(protocol.AgentsSync{Agents: h.catalog.List()})

	regW := h.reg.Subscribe()
	defer h.reg.Unsubscribe(regW)
	catW := h.catalog.Subscribe()
	defer h.catalog.Unsubscribe(catW)

	go func() {
		defer cancel()
		writeLoop(ctx, conn, q, "app")
	}()
	go func() {
		for {
			select {
			case f := <-regW.C():
				sink.Send(f)
			case ev := <-catW.C():
				sink.Send(agentFrame(ev))
			case <-ctx.Done():
				return
			}
		}
	}()

	// Pending syncs coalesce: at most one sessions-sync per debounce
	// window regardless of how many request-sync frames arrive.
	var syncMu sync.Mutex
	syncPending := false
	scheduleSync := func() {
		syncMu.Lock()
		defer syncMu.Unlock()
		if syncPending {
			return
		}
		syncPending = true
		time.AfterFunc(h.limits.SyncDebounce(), func() {
			syncMu.Lock()
			syncPending = false
			syncMu.Unlock()
			if ctx.Err() != nil {
				return
			}
			sessions, states := h.reg.ListWithActivity()
			sink.Send(protocol.SessionsSync{Sessions: sessions, ActivityStates: states})
		})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		metrics.WSMessagesTotal.WithLabelValues("app", "in").Inc()

		f, err := protocol.DecodeClient(data)
		if err != nil {
			sink.Send(protocol.Error{Message: err.Error(), Code: protocol.CodeInvalidMessage})
			continue
		}
		switch f.(type) {
		case *protocol.RequestSync:
			scheduleSync()
		default:
			sink.Send(protocol.Error{
				Message: "frame not supported on the app channel",
				Code:    protocol.CodeInvalidMessage,
			})
		}
	}
}

func agentFrame(ev agentdef.Event) protocol.ServerFrame {
	switch ev.Kind {
	case agentdef.AgentCreated:
		return protocol.AgentCreated{Agent: ev.Agent}
	case agentdef.AgentUpdated:
		return protocol.AgentUpdated{Agent: ev.Agent}
	default:
		return protocol.AgentDeleted{AgentID: ev.AgentID}
	}
}
