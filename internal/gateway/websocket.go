package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"nodekeeper/internal/ipc"
	"nodekeeper/internal/logging"
	"nodekeeper/internal/supervisor"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleNotifications upgrades to a WebSocket and pushes every notification
// as a JSON text frame. The socket owns one hub subscription which is removed
// on disconnect or on the first failed write.
func (s *Server) handleNotifications(c *gin.Context) {
	if !s.trackSocket() {
		writeError(c, supervisor.ErrClosed)
		return
	}
	defer s.sockets.Done()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	registry := s.backend.Registry
	id := registry.Add(ipc.TransportWebSocket, c.ClientIP())
	defer registry.Remove(id)
	logger := logging.WithClient(s.logger, id, ipc.TransportWebSocket)

	sub, err := s.backend.Hub.Subscribe(id)
	if err != nil {
		logger.Warn("websocket subscribe failed", logging.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	defer s.backend.Hub.Unsubscribe(id)
	registry.SetSubscribed(id, true)
	logger.Info("websocket client connected", logging.String("client_ip", c.ClientIP()))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go s.readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			logger.Debug("websocket client disconnected")
			return
		case n, ok := <-sub.C():
			if !ok {
				reason := "subscription closed"
				if sub.Dropped() {
					reason = "subscriber fell behind"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
					time.Now().Add(writeWait))
				logger.Info("websocket subscription ended", logging.String("reason", reason))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				logger.Info("websocket write failed; dropping client", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("websocket ping failed", logging.Error(err))
				return
			}
		}
	}
}

// readPump discards client frames and cancels the writer when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
