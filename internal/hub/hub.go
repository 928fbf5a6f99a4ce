// Package hub tracks live websocket connections and their lobby group subscriptions.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendQueueSize bounds each connection's outbound buffer.
const SendQueueSize = 16

const shutdownPollInterval = 10 * time.Millisecond

var (
	ErrUnknownConnection = errors.New("hub: unknown connection")
	ErrSendQueueFull     = errors.New("hub: send queue full")
	ErrClosed            = errors.New("hub: shutting down")
)

// Message is the outbound envelope written to clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Connection is one accepted websocket session.
type Connection struct {
	ID      string
	UserID  int64
	Cancel  context.CancelFunc
	OutChan chan Message
}

// NewConnection allocates a connection with a fresh id.
func NewConnection(userID int64, cancel context.CancelFunc) *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		UserID:  userID,
		Cancel:  cancel,
		OutChan: make(chan Message, SendQueueSize),
	}
}

// Write queues msg without blocking.
func (c *Connection) Write(msg Message) error {
	select {
	case c.OutChan <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// WriteError queues an error message for the client.
func (c *Connection) WriteError(msg string) error {
	return c.Write(Message{Type: "error", Payload: map[string]string{"message": msg}})
}

// Hub is safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	groups map[int64]map[string]struct{} // lobbyID -> connIDs
	subs   map[string]map[int64]struct{} // connID -> lobbyIDs
	closed bool
}

func New() *Hub {
	return &Hub{
		conns:  make(map[string]*Connection),
		groups: make(map[int64]map[string]struct{}),
		subs:   make(map[string]map[int64]struct{}),
	}
}

// Register makes conn reachable through Send. It fails once Shutdown has begun.
func (h *Hub) Register(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.conns[conn.ID] = conn
	return nil
}

// Unregister forgets conn and drops all of its group subscriptions.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
	for lobbyID := range h.subs[connID] {
		h.removeFromGroup(lobbyID, connID)
	}
	delete(h.subs, connID)
}

// Subscribe adds conn to the lobby's notification channel.
func (h *Hub) Subscribe(connID string, lobbyID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return ErrUnknownConnection
	}
	g, ok := h.groups[lobbyID]
	if !ok {
		g = make(map[string]struct{})
		h.groups[lobbyID] = g
	}
	g[connID] = struct{}{}

	s, ok := h.subs[connID]
	if !ok {
		s = make(map[int64]struct{})
		h.subs[connID] = s
	}
	s[lobbyID] = struct{}{}
	return nil
}

// Unsubscribe removes conn from the lobby's channel. Unknown pairs are ignored.
func (h *Hub) Unsubscribe(connID string, lobbyID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromGroup(lobbyID, connID)
	if s, ok := h.subs[connID]; ok {
		delete(s, lobbyID)
		if len(s) == 0 {
			delete(h.subs, connID)
		}
	}
}

func (h *Hub) removeFromGroup(lobbyID int64, connID string) {
	g, ok := h.groups[lobbyID]
	if !ok {
		return
	}
	delete(g, connID)
	if len(g) == 0 {
		delete(h.groups, lobbyID)
	}
}

// GroupMembers lists connections subscribed to the lobby.
func (h *Hub) GroupMembers(lobbyID int64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g := h.groups[lobbyID]
	out := make([]string, 0, len(g))
	for id := range g {
		out = append(out, id)
	}
	return out
}

// DropGroup unsubscribes every connection from a lobby that no longer exists.
func (h *Hub) DropGroup(lobbyID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for connID := range h.groups[lobbyID] {
		if s, ok := h.subs[connID]; ok {
			delete(s, lobbyID)
			if len(s) == 0 {
				delete(h.subs, connID)
			}
		}
	}
	delete(h.groups, lobbyID)
}

// Send queues an event for one connection.
func (h *Hub) Send(connID, event string, payload any) error {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	return conn.Write(Message{Type: event, Payload: payload})
}

// Len counts registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown refuses new registrations, cancels every live session and waits
// until each session's handler has unregistered it or ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for _, conn := range h.conns {
		if conn.Cancel != nil {
			conn.Cancel()
		}
	}
	h.mu.Unlock()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if h.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
