package socketio

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"wa-gateway/internal/auth"
	"wa-gateway/internal/hub"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	pingInterval               = 25 * time.Second
	pongTimeout                = 20 * time.Second
)

// Ownership is the authorization lookup run on every subscribe.
type Ownership interface {
	BelongsTo(userID, sessionID string) bool
}

type Deps struct {
	Gate      *auth.Gate
	Ownership Ownership
	Hub       *hub.Hub
	Logger    *slog.Logger
}

// Server upgrades websocket connections, authenticates the socket.io
// handshake, and pushes normalized session events into hub rooms.
type Server struct {
	gate      *auth.Gate
	ownership Ownership
	hub       *hub.Hub
	logger    *slog.Logger

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	return &Server{
		gate:      deps.Gate,
		ownership: deps.Ownership,
		hub:       deps.Hub,
		logger:    deps.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish delivers one session event to the session room and the owning
// account's room. Nothing is broadcast beyond the owner.
func (s *Server) Publish(sessionID, ownerID, event string, payload any) {
	packet, err := buildSocketEventPacket("/", nil, event, payload)
	if err != nil {
		s.logger.Error("socket publish: encode failed", "event", event, "err", err)
		return
	}
	s.hub.SendToSessionAndUser(sessionID, ownerID, []byte(string(engineMessage)+packet))
}

// SendToUser pushes an account-scoped event outside the session path.
func (s *Server) SendToUser(userID, event string, payload any) {
	packet, err := buildSocketEventPacket("/", nil, event, payload)
	if err != nil {
		s.logger.Error("socket send: encode failed", "event", event, "err", err)
		return
	}
	s.hub.SendToUser(userID, []byte(string(engineMessage)+packet))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pongTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
	s.dropConn(c)
}

func (s *Server) dropConn(c *conn) {
	if c.member != nil {
		s.hub.Unregister(c.member)
	}
	c.close()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketEvent:
		s.handleEvent(c, payload)
	}
}

// connectAuth is the handshake payload: a bearer token or a device key.
type connectAuth struct {
	Token  string `json:"token"`
	APIKey string `json:"apiKey"`
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := parseOptionalNamespace(payload[1:])
	if rest == "" {
		s.rejectConnect(c, "Missing auth")
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		s.rejectConnect(c, "Invalid auth")
		return
	}

	identity, err := s.gate.Authenticate(context.Background(), auth.Credentials{
		Bearer:    authObj.Token,
		DeviceKey: authObj.APIKey,
	})
	if err != nil {
		s.rejectConnect(c, "Invalid credentials")
		return
	}

	c.member = &hub.Connection{UserID: identity.UserID, Writer: c}
	c.connected.Store(true)
	s.hub.Register(c.member)

	_ = c.writeText(string(engineMessage) + string(socketConnect))
	s.logger.Info("socket connected", "user", identity.UserID, "method", identity.Method)
}

// rejectConnect terminates the handshake before any connect ack: no partial
// acceptance.
func (s *Server) rejectConnect(c *conn, msg string) {
	packet, err := buildSocketEventPacket("/", nil, "error", map[string]string{"message": msg})
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
	c.close()
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		return
	}

	switch pkt.Event {
	case "ping":
		s.ack(c, pkt)

	case "session:subscribe":
		sessionID, ok := sessionArg(pkt)
		if !ok {
			s.ackWith(c, pkt, map[string]any{"ok": false, "error": "missing sessionId"})
			return
		}
		// Subscribing grants a live feed, so the same ownership rule as
		// the HTTP operations applies.
		if !s.ownership.BelongsTo(c.member.UserID, sessionID) {
			s.ackWith(c, pkt, map[string]any{"ok": false, "error": "not allowed"})
			return
		}
		s.hub.Subscribe(c.member, sessionID)
		s.ackWith(c, pkt, map[string]any{"ok": true})

	case "session:unsubscribe":
		sessionID, ok := sessionArg(pkt)
		if !ok {
			return
		}
		s.hub.Unsubscribe(c.member, sessionID)
		s.ack(c, pkt)
	}
}

func sessionArg(pkt socketEventPacket) (string, bool) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SessionID == "" {
		return "", false
	}
	return body.SessionID, true
}

func (s *Server) ack(c *conn, pkt socketEventPacket) {
	if pkt.ID == nil {
		return
	}
	packet, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
}

func (s *Server) ackWith(c *conn, pkt socketEventPacket, arg any) {
	if pkt.ID == nil {
		return
	}
	packet, err := buildSocketAckPacket(pkt.Namespace, *pkt.ID, arg)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
}

type conn struct {
	ws  *websocket.Conn
	sid string

	connected atomic.Bool
	member    *hub.Connection

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

// Write implements hub.Writer: payloads from the hub are already framed.
func (c *conn) Write(message []byte) error {
	return c.writeText(string(message))
}

func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > pongTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
