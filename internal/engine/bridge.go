package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	commandTimeout   = 15 * time.Second
	reconnectBackoff = 3 * time.Second
)

// Bridge talks to the engine sidecar: commands over HTTP, events over a
// websocket feed.
type Bridge struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBridge(baseURL, token string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: commandTimeout},
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops the event feed. In-flight commands finish on their own
// timeout.
func (b *Bridge) Close() { b.cancel() }

func (b *Bridge) Start(ctx context.Context, sessionID string) error {
	return b.command(ctx, "start", http.MethodPost, "/sessions/"+sessionID+"/start", nil, nil)
}

func (b *Bridge) Stop(ctx context.Context, sessionID string) error {
	return b.command(ctx, "stop", http.MethodPost, "/sessions/"+sessionID+"/stop", nil, nil)
}

func (b *Bridge) Delete(ctx context.Context, sessionID string) error {
	return b.command(ctx, "delete", http.MethodDelete, "/sessions/"+sessionID, nil, nil)
}

func (b *Bridge) SendText(ctx context.Context, sessionID, to, body string) error {
	payload := map[string]string{"to": to, "body": body}
	return b.command(ctx, "send", http.MethodPost, "/sessions/"+sessionID+"/messages", payload, nil)
}

func (b *Bridge) SessionInfo(ctx context.Context, sessionID string) (SessionInfo, error) {
	var info SessionInfo
	err := b.command(ctx, "info", http.MethodGet, "/sessions/"+sessionID, nil, &info)
	return info, err
}

func (b *Bridge) ListSessions(ctx context.Context) ([]string, error) {
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	if err := b.command(ctx, "list", http.MethodGet, "/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (b *Bridge) command(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &CommandError{Op: op, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return &CommandError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return &CommandError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &CommandError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &CommandError{Op: op, Err: err}
		}
	}
	return nil
}

// Subscribe starts the event feed. The handler runs on the feed goroutine,
// one event at a time, in emission order. Dropped connections reconnect
// until Close.
func (b *Bridge) Subscribe(handler func(Event)) {
	go b.readFeed(handler)
}

func (b *Bridge) readFeed(handler func(Event)) {
	wsURL := "ws" + strings.TrimPrefix(b.baseURL, "http") + "/events"
	header := http.Header{}
	if b.token != "" {
		header.Set("Authorization", "Bearer "+b.token)
	}

	for {
		if b.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(b.ctx, wsURL, header)
		if err != nil {
			b.logger.Warn("engine feed dial failed", "err", err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}
		b.logger.Info("engine feed connected", "url", wsURL)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				b.logger.Warn("engine feed closed", "err", err)
				_ = conn.Close()
				break
			}
			var evt Event
			if err := json.Unmarshal(data, &evt); err != nil {
				b.logger.Error("engine feed: bad event payload", "err", err)
				continue
			}
			handler(evt)
		}
	}
}
