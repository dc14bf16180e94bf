package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"wa-gateway/internal/auth"
	"wa-gateway/internal/engine"
	"wa-gateway/internal/status"
	"wa-gateway/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	failAll bool
	handler func(engine.Event)
}

func (f *fakeEngine) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.failAll {
		return &engine.CommandError{Op: op, Err: context.DeadlineExceeded}
	}
	return nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) Start(ctx context.Context, sessionID string) error { return f.record("start") }

func (f *fakeEngine) Stop(ctx context.Context, sessionID string) error { return f.record("stop") }

func (f *fakeEngine) Delete(ctx context.Context, sessionID string) error { return f.record("delete") }
func (f *fakeEngine) SendText(ctx context.Context, sessionID, to, body string) error {
	return f.record("send")
}

func (f *fakeEngine) SessionInfo(ctx context.Context, sessionID string) (engine.SessionInfo, error) {
	return engine.SessionInfo{}, nil
}

func (f *fakeEngine) ListSessions(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeEngine) Subscribe(handler func(engine.Event))               { f.handler = handler }

type rig struct {
	wiring Wiring
	store  *store.Store
	engine *fakeEngine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := &fakeEngine{}
	wiring := New(Deps{
		Store:       st,
		Status:      status.New(),
		Engine:      eng,
		TokenConfig: auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &rig{wiring: wiring, store: st, engine: eng}
}

func (r *rig) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.wiring.Router.ServeHTTP(w, req)
	return w
}

func (r *rig) registerAndLogin(t *testing.T, email string) string {
	t.Helper()
	w := r.do(t, http.MethodPost, "/v1/auth/register", "", gin.H{"email": email, "password": "password123"})
	if w.Code != http.StatusOK {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}

	w = r.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": email, "password": "password123"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("bad login response: %s", w.Body.String())
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	r := newRig(t)
	w := r.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterLoginMe(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")

	w := r.do(t, http.MethodGet, "/v1/auth/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	var me struct {
		Email  string `json:"email"`
		Method string `json:"method"`
	}
	json.Unmarshal(w.Body.Bytes(), &me)
	if me.Email != "a@example.com" || me.Method != auth.MethodToken {
		t.Fatalf("unexpected identity: %+v", me)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	r := newRig(t)
	r.registerAndLogin(t, "a@example.com")

	w := r.do(t, http.MethodPost, "/v1/auth/register", "", gin.H{"email": "a@example.com", "password": "password123"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	r := newRig(t)
	r.registerAndLogin(t, "a@example.com")

	w := r.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "a@example.com", "password": "wrongwrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestProtectedRoutes_RequireCredentials(t *testing.T) {
	r := newRig(t)

	w := r.do(t, http.MethodGet, "/v1/sessions", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")

	w := r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main", "name": "primary"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	// A fresh session reports disconnected.
	w = r.do(t, http.MethodGet, "/v1/sessions/main", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	var got struct {
		Session struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"session"`
	}
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Session.ID != "main" || got.Session.Status != "disconnected" {
		t.Fatalf("unexpected session: %+v", got.Session)
	}

	w = r.do(t, http.MethodPost, "/v1/sessions/main/start", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	if r.engine.callCount() != 1 {
		t.Fatalf("engine calls %d, want 1", r.engine.callCount())
	}

	w = r.do(t, http.MethodDelete, "/v1/sessions/main", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	w = r.do(t, http.MethodGet, "/v1/sessions/main", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestSessionCreate_TakenID(t *testing.T) {
	r := newRig(t)
	tokenA := r.registerAndLogin(t, "a@example.com")
	tokenB := r.registerAndLogin(t, "b@example.com")

	w := r.do(t, http.MethodPost, "/v1/sessions", tokenA, gin.H{"id": "main"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	w = r.do(t, http.MethodPost, "/v1/sessions", tokenB, gin.H{"id": "main"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestSessionOps_ForeignSessionForbidden(t *testing.T) {
	r := newRig(t)
	tokenA := r.registerAndLogin(t, "a@example.com")
	tokenB := r.registerAndLogin(t, "b@example.com")

	w := r.do(t, http.MethodPost, "/v1/sessions", tokenA, gin.H{"id": "main"})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	// The ownership check runs before any engine call.
	w = r.do(t, http.MethodPost, "/v1/sessions/main/stop", tokenB, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if r.engine.callCount() != 0 {
		t.Fatalf("engine touched despite failed authorization")
	}

	// And the owner's session is untouched.
	w = r.do(t, http.MethodGet, "/v1/sessions/main", tokenA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner lost access: %d", w.Code)
	}
}

func TestSessionOps_UnknownSession(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")

	w := r.do(t, http.MethodPost, "/v1/sessions/ghost/start", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if r.engine.callCount() != 0 {
		t.Fatalf("engine touched for unknown session")
	}
}

func TestSessionStart_EngineFailure(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main"})

	r.engine.failAll = true
	w := r.do(t, http.MethodPost, "/v1/sessions/main/start", token, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestQR_NotPending(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main"})

	w := r.do(t, http.MethodGet, "/v1/sessions/main/qr", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main"})

	w := r.do(t, http.MethodPost, "/v1/sessions/main/messages", token, gin.H{"to": "", "body": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = r.do(t, http.MethodPost, "/v1/sessions/main/messages", token, gin.H{"to": "15551234567", "body": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("send: %d %s", w.Code, w.Body.String())
	}
}

func TestWebhookCRUD(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main"})

	w := r.do(t, http.MethodPut, "/v1/sessions/main/webhook", token, gin.H{
		"url":    "https://example.com/hook",
		"secret": "topsecret",
		"events": []string{"session.connected", "message.received"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Webhook struct {
			HasSecret bool     `json:"hasSecret"`
			Active    bool     `json:"active"`
			Events    []string `json:"events"`
		} `json:"webhook"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Webhook.HasSecret || !resp.Webhook.Active || len(resp.Webhook.Events) != 2 {
		t.Fatalf("unexpected webhook: %+v", resp.Webhook)
	}

	w = r.do(t, http.MethodGet, "/v1/sessions/main/webhook", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	// The secret value is never echoed back.
	if bytes.Contains(w.Body.Bytes(), []byte("topsecret")) {
		t.Fatalf("secret leaked in response: %s", w.Body.String())
	}

	w = r.do(t, http.MethodDelete, "/v1/sessions/main/webhook", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	w = r.do(t, http.MethodGet, "/v1/sessions/main/webhook", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestWebhookUpsert_Validation(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")
	r.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"id": "main"})

	cases := []gin.H{
		{"url": "ftp://example.com", "events": []string{"session.qr"}},
		{"url": "https://example.com/hook", "events": []string{}},
		{"url": "https://example.com/hook", "events": []string{"session.exploded"}},
	}
	for i, body := range cases {
		w := r.do(t, http.MethodPut, "/v1/sessions/main/webhook", token, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, w.Code)
		}
	}
}

func TestDeviceKeyFlow(t *testing.T) {
	r := newRig(t)
	token := r.registerAndLogin(t, "a@example.com")

	w := r.do(t, http.MethodPost, "/v1/keys", token, gin.H{"label": "ci"})
	if w.Code != http.StatusOK {
		t.Fatalf("create key: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Key == "" {
		t.Fatalf("key value missing from create response")
	}

	// The opaque key works as a credential on its own.
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("X-Api-Key", created.Key)
	rec := httptest.NewRecorder()
	r.wiring.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me via device key: %d %s", rec.Code, rec.Body.String())
	}

	// Listing never shows the key value.
	w = r.do(t, http.MethodGet, "/v1/keys", token, nil)
	if bytes.Contains(w.Body.Bytes(), []byte(created.Key)) {
		t.Fatalf("key value leaked in listing")
	}

	w = r.do(t, http.MethodDelete, "/v1/keys/"+created.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("X-Api-Key", created.Key)
	rec = httptest.NewRecorder()
	r.wiring.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key still works: %d", rec.Code)
	}
}
