package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/webcli/internal/engine"
)

const (
	// pingInterval is the keepalive cadence for live sessions.
	pingInterval = 20 * time.Second

	// popTimeout bounds each wait on the subscriber queue so the ping
	// cadence holds even on an idle topic.
	popTimeout = 10 * time.Second

	// helloTimeout bounds the wait for the client's first frame.
	helloTimeout = 30 * time.Second
)

// clientHello is the first frame a live session must send.
type clientHello struct {
	ClientID string `json:"client_id"`
	ThreadID int64  `json:"thread_id"`
}

// handleWS serves one live session: bind to a thread topic, push each
// notification as a JSON text frame, and keep the connection alive with
// periodic pings. Disconnecting unsubscribes the client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server shutting down")

	helloCtx, cancel := context.WithTimeout(r.Context(), helloTimeout)
	var hello clientHello
	err = wsjson.Read(helloCtx, conn, &hello)
	cancel()
	if err != nil || hello.ClientID == "" || hello.ThreadID == 0 {
		_ = conn.Close(websocket.StatusPolicyViolation, "Client ID or Thread ID not provided")
		return
	}

	topic := engine.TopicForThread(hello.ThreadID)
	queue := s.cfg.Bus.Subscribe(topic, hello.ClientID)
	defer func() {
		if err := s.cfg.Bus.Unsubscribe(topic, hello.ClientID); err != nil {
			s.cfg.Logger.Debug("live session unsubscribe", "topic", topic, "client_id", hello.ClientID, "error", err)
		}
	}()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LiveSessions.Add(r.Context(), 1)
		defer s.cfg.Metrics.LiveSessions.Add(context.Background(), -1)
	}
	s.cfg.Logger.Info("live session connected", "client_id", hello.ClientID, "thread_id", hello.ThreadID)

	// The client only listens from here on; CloseRead surfaces the
	// disconnect through context cancellation.
	ctx := conn.CloseRead(r.Context())

	var lastPing time.Time
	for {
		if time.Since(lastPing) >= pingInterval {
			lastPing = time.Now()
			if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
				s.cfg.Logger.Info("live session disconnected", "client_id", hello.ClientID, "thread_id", hello.ThreadID)
				return
			}
		}

		event, ok := queue.Pop(ctx, popTimeout)
		if !ok {
			select {
			case <-ctx.Done():
				s.cfg.Logger.Info("live session disconnected", "client_id", hello.ClientID, "thread_id", hello.ThreadID)
				return
			case <-queue.Closed():
				return
			default:
				continue
			}
		}

		payload, err := json.Marshal(event)
		if err != nil {
			s.cfg.Logger.Error("encode notification failed", "error", err)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			s.cfg.Logger.Info("live session disconnected", "client_id", hello.ClientID, "thread_id", hello.ThreadID)
			return
		}
	}
}
