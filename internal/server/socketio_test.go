package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"wa-gateway/internal/engine"
)

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

func dialSocket(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func connectSocket(t *testing.T, conn *websocket.Conn, authPayload map[string]any) {
	t.Helper()
	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	if !strings.Contains(open, "\"pingInterval\"") {
		t.Fatalf("unexpected open packet: %s", open)
	}
	authBytes, _ := json.Marshal(authPayload)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, conn, "40", 2*time.Second)
}

func TestSocketHandshakeAndPingAck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")

	srv := httptest.NewServer(r.wiring.Router)
	defer srv.Close()

	conn := dialSocket(t, srv)
	connectSocket(t, conn, map[string]any{"token": token})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["ping"]`)); err != nil {
		t.Fatalf("WriteMessage(ping): %v", err)
	}
	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	if ack != "431[]" {
		t.Fatalf("unexpected ack: %s", ack)
	}
}

func TestSocketHandshakeWithDeviceKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")

	w := r.do(t, http.MethodPost, "/v1/keys", token, gin.H{"label": "socket"})
	var created struct {
		Key string `json:"key"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)

	srv := httptest.NewServer(r.wiring.Router)
	defer srv.Close()

	conn := dialSocket(t, srv)
	connectSocket(t, conn, map[string]any{"apiKey": created.Key})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["ping"]`)); err != nil {
		t.Fatalf("WriteMessage(ping): %v", err)
	}
	_ = waitForPrefix(t, conn, "431", 2*time.Second)
}

func TestSocketRejectsBadCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRig(t)

	srv := httptest.NewServer(r.wiring.Router)
	defer srv.Close()

	conn := dialSocket(t, srv)
	_ = waitForPrefix(t, conn, "0{", 2*time.Second)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`40{"token":"garbage"}`)); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}

	// No connect ack; an error event and then the server drops the socket.
	errEvent := waitForPrefix(t, conn, `42["error"`, 2*time.Second)
	if !strings.Contains(errEvent, "Invalid credentials") {
		t.Fatalf("unexpected error event: %s", errEvent)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "40" {
			t.Fatalf("connect ack after rejection")
		}
	}
}

func TestSocketSubscribeAndEventDelivery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main"})

	srv := httptest.NewServer(r.wiring.Router)
	defer srv.Close()

	conn := dialSocket(t, srv)
	connectSocket(t, conn, map[string]any{"token": token})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["session:subscribe",{"sessionId":"main"}]`)); err != nil {
		t.Fatalf("WriteMessage(subscribe): %v", err)
	}
	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	if !strings.Contains(ack, `"ok":true`) {
		t.Fatalf("subscribe rejected: %s", ack)
	}

	r.wiring.Ingestor.Handle(engine.Event{
		Kind:      engine.KindConnected,
		SessionID: "main",
		Number:    "15551234567",
		Name:      "Alice",
	})

	raw := waitForPrefix(t, conn, `42["session:connected"`, 2*time.Second)
	var arr []any
	if err := json.Unmarshal([]byte(raw[2:]), &arr); err != nil {
		t.Fatalf("unmarshal event: %v (%s)", err, raw)
	}
	body, ok := arr[1].(map[string]any)
	if !ok {
		t.Fatalf("unexpected event body: %T", arr[1])
	}
	if body["sessionId"] != "main" || body["identityNumber"] != "15551234567" {
		t.Fatalf("unexpected payload: %v", body)
	}
}

func TestSocketSubscribe_ForeignSessionDenied(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRig(t)
	tokenA := r.registerAndLogin(t, "a@example.com")
	tokenB := r.registerAndLogin(t, "b@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", tokenA, gin.H{"id": "main"})

	srv := httptest.NewServer(r.wiring.Router)
	defer srv.Close()

	conn := dialSocket(t, srv)
	connectSocket(t, conn, map[string]any{"token": tokenB})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["session:subscribe",{"sessionId":"main"}]`)); err != nil {
		t.Fatalf("WriteMessage(subscribe): %v", err)
	}
	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	if !strings.Contains(ack, `"ok":false`) {
		t.Fatalf("foreign subscribe allowed: %s", ack)
	}

	// No leak: the owner's session events never reach this connection.
	r.wiring.Ingestor.Handle(engine.Event{Kind: engine.KindConnected, SessionID: "main", Number: "111"})

	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg := string(data)
		if msg == "2" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, `42["session:connected"`) {
			t.Fatalf("event leaked to non-owner: %s", msg)
		}
	}
}

func TestSocketOwnerAccountRoomDelivery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main"})

	srv := httptest.NewServer(r.wiring.Router)
	defer srv.Close()

	// No explicit subscribe: the owner's account room still receives.
	conn := dialSocket(t, srv)
	connectSocket(t, conn, map[string]any{"token": token})

	r.wiring.Ingestor.Handle(engine.Event{
		Kind:      engine.KindQR,
		SessionID: "main",
		QR:        "qr-data",
	})

	raw := waitForPrefix(t, conn, `42["session:qr"`, 2*time.Second)
	if !strings.Contains(raw, "qr-data") {
		t.Fatalf("unexpected payload: %s", raw)
	}
}

func TestSocketUnsubscribe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main"})

	srv := httptest.NewServer(r.wiring.Router)
	defer srv.Close()

	conn := dialSocket(t, srv)
	connectSocket(t, conn, map[string]any{"token": token})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["session:subscribe",{"sessionId":"main"}]`)); err != nil {
		t.Fatalf("WriteMessage(subscribe): %v", err)
	}
	_ = waitForPrefix(t, conn, "431", 2*time.Second)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`422["session:unsubscribe",{"sessionId":"main"}]`)); err != nil {
		t.Fatalf("WriteMessage(unsubscribe): %v", err)
	}
	ack := waitForPrefix(t, conn, "432", 2*time.Second)
	if ack != "432[]" {
		t.Fatalf("unexpected ack: %s", ack)
	}
}
