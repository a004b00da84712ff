package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gatehouse/gatehouse/internal/events/bus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleEventStream upgrades the connection and forwards every bus event to
// the client as JSON until the client disconnects.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan *bus.Event, 64)
	sub, err := s.events.Subscribe(">", func(ctx context.Context, event *bus.Event) error {
		select {
		case send <- event:
		default:
			// Slow client; drop rather than stall the bus.
		}
		return nil
	})
	if err != nil {
		s.logger.Error("event stream subscribe failed", zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	done := make(chan struct{})

	// Reader: only watches for close/error.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
