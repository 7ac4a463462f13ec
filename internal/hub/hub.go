// Package hub coordinates client connections and streamed run events.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/embercore/ember/internal/agent"
	"github.com/embercore/ember/internal/domain"
)

// Hub owns the set of live connections, each connection's subscription
// set, and the mapping from run id to its owning connection and executing
// goroutine. All maps are guarded by one mutex held only for map
// operations, never across a send or a backend call.
type Hub struct {
	runner *agent.Runner
	runs   *agent.Registry

	mu            sync.Mutex
	conns         map[*Connection]bool
	subscriptions map[*Connection]map[string]bool
	runOwner      map[string]*Connection
	runCancel     map[string]context.CancelFunc
}

// New creates a hub around the given runner.
func New(runner *agent.Runner) *Hub {
	return &Hub{
		runner:        runner,
		runs:          runner.Runs(),
		conns:         make(map[*Connection]bool),
		subscriptions: make(map[*Connection]map[string]bool),
		runOwner:      make(map[string]*Connection),
		runCancel:     make(map[string]context.CancelFunc),
	}
}

// AddClient registers a connected websocket and returns its Connection.
func (h *Hub) AddClient(ws *websocket.Conn) *Connection {
	conn := newConnection(ws)
	h.mu.Lock()
	h.conns[conn] = true
	h.subscriptions[conn] = make(map[string]bool)
	h.mu.Unlock()
	log.Printf("Connection registered: %s", conn.ID)
	return conn
}

// RemoveClient unregisters a connection, requests cancellation of every
// run it owns, and stops their executing goroutines. Safe to call twice.
func (h *Hub) RemoveClient(conn *Connection) {
	h.mu.Lock()
	if !h.conns[conn] {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn)
	delete(h.subscriptions, conn)
	close(conn.send)
	var owned []string
	var cancels []context.CancelFunc
	for runID, owner := range h.runOwner {
		if owner == conn {
			owned = append(owned, runID)
			cancels = append(cancels, h.runCancel[runID])
		}
	}
	h.mu.Unlock()

	for i, runID := range owned {
		h.runs.Cancel(runID)
		if cancels[i] != nil {
			cancels[i]()
		}
	}
	log.Printf("Connection unregistered: %s", conn.ID)
}

// HandleEvent routes one inbound control message. Malformed payloads get
// an agent.error reply; the connection stays open.
func (h *Hub) HandleEvent(conn *Connection, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.safeSend(conn, domain.RunEvent{Type: domain.EventAgentError, Message: "Invalid JSON payload"})
		return
	}

	switch msg.Type {
	case TypeChatSend:
		h.startRun(conn, msg)
	case TypeChatCancel:
		if runID := strings.TrimSpace(msg.RunID); runID != "" {
			h.runs.Cancel(runID)
		}
	case TypeSessionSubscribe:
		h.updateSubscription(conn, msg.SessionKey)
	case TypePing:
		h.safeSend(conn, domain.RunEvent{Type: domain.EventPong})
	}
}

// updateSubscription replaces the connection's subscription set with the
// supplied single key; blank input clears the set (subscribe to all).
func (h *Hub) updateSubscription(conn *Connection, sessionKey string) {
	subs := make(map[string]bool)
	if key := strings.TrimSpace(sessionKey); key != "" {
		subs[key] = true
	}
	h.mu.Lock()
	if h.conns[conn] {
		h.subscriptions[conn] = subs
	}
	h.mu.Unlock()
}

// startRun validates a chat.send, acks it, and starts the turn as an
// independent goroutine owned by this connection.
func (h *Hub) startRun(conn *Connection, msg inboundMessage) {
	content := strings.TrimSpace(msg.Content)
	sessionKey := strings.TrimSpace(msg.SessionKey)
	if content == "" || sessionKey == "" {
		h.safeSend(conn, domain.RunEvent{Type: domain.EventAgentError, Message: "content and session_key are required"})
		return
	}
	channel := msg.Channel
	if channel == "" {
		channel = "cli"
	}
	chatID := msg.ChatID
	if chatID == "" {
		chatID = "web"
	}
	runID := strings.TrimSpace(msg.RunID)
	if runID == "" {
		runID = strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	}

	h.safeSend(conn, domain.RunEvent{Type: domain.EventChatAck, RunID: runID, SessionKey: sessionKey})

	ctx, cancel := context.WithCancel(context.Background())
	h.runs.Register(runID)
	h.mu.Lock()
	h.runOwner[runID] = conn
	h.runCancel[runID] = cancel
	h.mu.Unlock()

	go h.runStream(ctx, cancel, conn, agent.RunRequest{
		RunID:      runID,
		SessionKey: sessionKey,
		Content:    content,
		Channel:    channel,
		ChatID:     chatID,
	})
}

// runStream pumps one run's events to the owning connection in emission
// order and fans out session updates to subscribers.
func (h *Hub) runStream(ctx context.Context, cancel context.CancelFunc, conn *Connection, req agent.RunRequest) {
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.runOwner, req.RunID)
		delete(h.runCancel, req.RunID)
		h.mu.Unlock()
	}()

	err := h.runner.Run(ctx, req, func(event domain.RunEvent) {
		h.safeSend(conn, event)
		if event.Type == domain.EventSessionUpdated {
			h.broadcastSessionUpdate(conn, event)
		}
	})
	if err != nil {
		log.Printf("ERROR: run %s failed: %v", req.RunID, err)
		h.safeSend(conn, domain.RunEvent{Type: domain.EventAgentError, RunID: req.RunID, Message: err.Error()})
	}
}

// broadcastSessionUpdate delivers a session.updated event to every other
// connection whose subscription set contains the session key, or whose
// set is empty (subscribed to everything). Each delivery is independent;
// a dead subscriber never blocks the rest.
func (h *Hub) broadcastSessionUpdate(owner *Connection, event domain.RunEvent) {
	if event.SessionKey == "" {
		return
	}
	h.mu.Lock()
	targets := make([]*Connection, 0, len(h.conns))
	for conn := range h.conns {
		if conn == owner {
			continue
		}
		watch := h.subscriptions[conn]
		if len(watch) == 0 || watch[event.SessionKey] {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range targets {
		h.safeSend(conn, event)
	}
}

// safeSend queues a payload for a connection. A connection that is gone
// or cannot accept the payload is treated as disconnected; the failure
// never propagates to other recipients.
func (h *Hub) safeSend(conn *Connection, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: failed to marshal event: %v", err)
		return
	}

	h.mu.Lock()
	if !h.conns[conn] {
		h.mu.Unlock()
		return
	}
	select {
	case conn.send <- data:
		h.mu.Unlock()
		return
	default:
	}
	h.mu.Unlock()

	log.Printf("Connection %s buffer full, closing", conn.ID)
	h.RemoveClient(conn)
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
