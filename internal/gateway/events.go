package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-triage/internal/bus"
	"github.com/basket/go-triage/internal/model"
)

const eventWriteTimeout = 5 * time.Second

// StreamEvent is one frame on a workflow event stream. The first frame is a
// "snapshot" carrying the current status view.
type StreamEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents upgrades to a websocket and forwards bus events for one
// workflow until it reaches a terminal status or the client leaves.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow id required")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	// Subscribe before the snapshot so no transition falls in between.
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	logger := s.logger.With("workflow_id", id)
	logger.Info("event stream opened")
	defer logger.Info("event stream closed")

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	view, err := s.cfg.Service.Query(ctx, id)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "status unavailable")
		return
	}
	if err := s.send(ctx, conn, StreamEvent{Topic: "snapshot", Payload: view}); err != nil {
		return
	}
	if model.WorkflowStatus(view.Status).Terminal() {
		_ = conn.Close(websocket.StatusNormalClosure, "workflow finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			if eventWorkflowID(ev.Payload) != id {
				continue
			}
			if err := s.send(ctx, conn, StreamEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
			if st, ok := ev.Payload.(bus.WorkflowStatusEvent); ok && model.WorkflowStatus(st.Status).Terminal() {
				_ = conn.Close(websocket.StatusNormalClosure, "workflow finished")
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, ev StreamEvent) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func eventWorkflowID(payload any) string {
	switch p := payload.(type) {
	case bus.WorkflowStatusEvent:
		return p.WorkflowID
	case bus.WorkflowFailedEvent:
		return p.WorkflowID
	case bus.TaskEvent:
		return p.WorkflowID
	}
	return ""
}
