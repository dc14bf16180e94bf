// Package hub is the room bookkeeping for connected sockets: one room per
// account, one per subscribed session. It knows nothing about the wire
// protocol; the socket layer hands it opaque payloads.
package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	UserID string
	Writer Writer
}

type Hub struct {
	mu       sync.RWMutex
	accounts map[string]map[*Connection]struct{}
	sessions map[string]map[*Connection]struct{}
	joined   map[*Connection]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		accounts: make(map[string]map[*Connection]struct{}),
		sessions: make(map[string]map[*Connection]struct{}),
		joined:   make(map[*Connection]map[string]struct{}),
	}
}

// Register places the connection in its account room.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.accounts[conn.UserID] == nil {
		h.accounts[conn.UserID] = make(map[*Connection]struct{})
	}
	h.accounts[conn.UserID][conn] = struct{}{}
}

// Unregister removes the connection from its account room and every session
// room it joined. Empty rooms are dropped.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set := h.accounts[conn.UserID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.accounts, conn.UserID)
		}
	}
	for sessionID := range h.joined[conn] {
		h.leaveSessionLocked(conn, sessionID)
	}
	delete(h.joined, conn)
}

func (h *Hub) Subscribe(conn *Connection, sessionID string) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*Connection]struct{})
	}
	h.sessions[sessionID][conn] = struct{}{}
	if h.joined[conn] == nil {
		h.joined[conn] = make(map[string]struct{})
	}
	h.joined[conn][sessionID] = struct{}{}
}

func (h *Hub) Unsubscribe(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveSessionLocked(conn, sessionID)
	if set := h.joined[conn]; set != nil {
		delete(set, sessionID)
	}
}

func (h *Hub) leaveSessionLocked(conn *Connection, sessionID string) {
	set := h.sessions[sessionID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.sessions, sessionID)
	}
}

func (h *Hub) SendToUser(userID string, message []byte) {
	h.send(h.snapshot(h.accounts, userID), message)
}

func (h *Hub) SendToSession(sessionID string, message []byte) {
	h.send(h.snapshot(h.sessions, sessionID), message)
}

// SendToSessionAndUser delivers one payload to the union of the session room
// and the account room. A connection present in both gets it once.
func (h *Hub) SendToSessionAndUser(sessionID, userID string, message []byte) {
	h.mu.RLock()
	seen := make(map[*Connection]struct{}, len(h.sessions[sessionID])+len(h.accounts[userID]))
	for c := range h.sessions[sessionID] {
		seen[c] = struct{}{}
	}
	for c := range h.accounts[userID] {
		seen[c] = struct{}{}
	}
	h.mu.RUnlock()

	conns := make([]*Connection, 0, len(seen))
	for c := range seen {
		conns = append(conns, c)
	}
	h.send(conns, message)
}

func (h *Hub) snapshot(rooms map[string]map[*Connection]struct{}, key string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := rooms[key]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) send(conns []*Connection, message []byte) {
	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}
