package hub

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/embercore/ember/internal/config"
)

// WSServer upgrades client connections and runs their read/write pumps.
type WSServer struct {
	cfg      *config.Config
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWSServer creates a WebSocket server for the hub.
func NewWSServer(cfg *config.Config, h *Hub) *WSServer {
	return &WSServer{
		cfg: cfg,
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleStream handles WebSocket upgrade and connection lifecycle.
func (s *WSServer) HandleStream(c echo.Context) error {
	if !s.authenticate(c.Request()) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.AddClient(ws)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// authenticate checks the configured auth token against the upgrade
// request. With no token configured every connection is accepted.
func (s *WSServer) authenticate(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if token := r.URL.Query().Get("token"); token == s.cfg.AuthToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken
}

// readPump reads control messages from the connection and routes them to
// the hub until the connection drops.
func (s *WSServer) readPump(conn *Connection) {
	defer func() {
		s.hub.RemoveClient(conn)
		conn.ws.Close()
	}()

	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		s.hub.HandleEvent(conn, message)
	}
}

// writePump drains the connection's send queue and keeps the transport
// alive with pings.
func (s *WSServer) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
