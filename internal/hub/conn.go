package hub

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBufferSize is the per-connection outbound queue depth. A connection
// that cannot drain this many events is treated as dead.
const sendBufferSize = 256

// Connection represents a single client connection.
type Connection struct {
	ID   string
	ws   *websocket.Conn
	send chan []byte
}

// newConnection wraps a websocket in a Connection. The websocket may be
// nil in tests that only exercise the send queue.
func newConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}
}

// Outbound exposes the send queue for the writer goroutine.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}
