// Package webhook delivers session events to externally registered HTTP
// callbacks. Delivery is fire-and-forget: no retries, no ordering, and no
// failure ever reaches the event path.
package webhook

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"wa-gateway/internal/model"
)

const deliverTimeout = 10 * time.Second

// Registrations is the lookup the dispatcher runs per trigger.
type Registrations interface {
	ActiveWebhooksForSession(sessionID string) []model.WebhookRegistration
}

// Envelope is the POST body. The signature header is computed over its raw
// JSON serialization.
type Envelope struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Data      any    `json:"data"`
}

type Dispatcher struct {
	regs      Registrations
	client    *http.Client
	logger    *slog.Logger
	nowMillis func() int64

	// inflight lets tests wait for fire-and-forget deliveries to settle.
	inflight sync.WaitGroup
}

func NewDispatcher(regs Registrations, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		regs:      regs,
		client:    &http.Client{Timeout: deliverTimeout},
		logger:    logger,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}
}

// Trigger fans the event out to every active registration for the session
// whose subscribed set contains it. Each delivery runs independently; a hung
// target cannot delay the caller or the other targets.
func (d *Dispatcher) Trigger(event, sessionID string, data any) {
	matches := make([]model.WebhookRegistration, 0, 1)
	for _, reg := range d.regs.ActiveWebhooksForSession(sessionID) {
		if reg.Subscribed(event) {
			matches = append(matches, reg)
		}
	}
	if len(matches) == 0 {
		return
	}

	env := Envelope{
		Event:     event,
		Timestamp: d.nowMillis(),
		SessionID: sessionID,
		Data:      data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("webhook: encode failed", "event", event, "session", sessionID, "err", err)
		return
	}

	for _, reg := range matches {
		d.inflight.Add(1)
		go func(reg model.WebhookRegistration) {
			defer d.inflight.Done()
			d.deliver(reg, env, body)
		}(reg)
	}
}

func (d *Dispatcher) deliver(reg model.WebhookRegistration, env Envelope, body []byte) {
	req, err := http.NewRequest(http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("webhook: bad target", "url", reg.URL, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", env.Event)
	req.Header.Set("X-Webhook-Timestamp", formatMillis(env.Timestamp))
	req.Header.Set("X-Webhook-Session", env.SessionID)
	if reg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(reg.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery failed", "url", reg.URL, "event", env.Event, "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn("webhook delivery rejected", "url", reg.URL, "event", env.Event, "status", resp.StatusCode)
		return
	}
	d.logger.Debug("webhook delivered", "url", reg.URL, "event", env.Event)
}

// Wait blocks until every launched delivery has settled. Test hook only.
func (d *Dispatcher) Wait() { d.inflight.Wait() }

func formatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
