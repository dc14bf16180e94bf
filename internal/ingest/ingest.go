// Package ingest consumes the engine's raw event feed, keeps the status
// projection consistent, and fans normalized events out to the socket
// router and webhook dispatcher.
package ingest

import (
	"context"
	"log/slog"

	"wa-gateway/internal/engine"
	"wa-gateway/internal/model"
	"wa-gateway/internal/status"
)

// Socket and webhook event names for each normalized kind.
const (
	SocketQR           = "session:qr"
	SocketStatus       = "session:status"
	SocketConnected    = "session:connected"
	SocketDisconnected = "session:disconnected"
	SocketError        = "session:error"
	SocketMessage      = "message:received"

	HookQR           = "session.qr"
	HookStatus       = "session.status"
	HookConnected    = "session.connected"
	HookDisconnected = "session.disconnected"
	HookError        = "session.error"
	HookMessage      = "message.received"
)

const queueDepth = 256

type SocketSink interface {
	Publish(sessionID, ownerID, event string, payload any)
}

type WebhookSink interface {
	Trigger(event, sessionID string, data any)
}

// Ownership resolves who may see a session's events and which sessions need
// seeding on start.
type Ownership interface {
	SessionOwner(sessionID string) (string, bool)
	ListAllSessions() []model.SessionRecord
}

type Deps struct {
	Status  *status.Store
	Engine  engine.Client
	Owners  Ownership
	Socket  SocketSink
	Webhook WebhookSink
	Logger  *slog.Logger
}

type Ingestor struct {
	status *status.Store
	engine engine.Client
	owners Ownership
	socket SocketSink
	hooks  WebhookSink
	logger *slog.Logger

	queue chan engine.Event
}

func New(deps Deps) *Ingestor {
	return &Ingestor{
		status: deps.Status,
		engine: deps.Engine,
		owners: deps.Owners,
		socket: deps.Socket,
		hooks:  deps.Webhook,
		logger: deps.Logger,
		queue:  make(chan engine.Event, queueDepth),
	}
}

// Reconcile seeds the status projection from the engine's authoritative
// session list plus every ownership record. Must complete before any
// request is served; the projection starts empty after a restart.
func (in *Ingestor) Reconcile(ctx context.Context) error {
	ids, err := in.engine.ListSessions(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
		info, err := in.engine.SessionInfo(ctx, id)
		if err != nil {
			in.logger.Warn("reconcile: session info failed", "session", id, "err", err)
			in.status.Apply(id, status.Update{Status: status.State(model.StateDisconnected)})
			continue
		}
		u := status.Update{Status: status.State(info.Status)}
		if info.IdentityNumber != "" {
			u.IdentityNumber = status.String(info.IdentityNumber)
		}
		if info.DisplayName != "" {
			u.DisplayName = status.String(info.DisplayName)
		}
		in.status.Apply(id, u)
	}

	for _, rec := range in.owners.ListAllSessions() {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		in.status.Apply(rec.ID, status.Update{Status: status.State(model.StateDisconnected)})
	}

	in.logger.Info("reconcile complete", "sessions", in.status.Len())
	return nil
}

// Run subscribes to the engine feed and drains events one at a time, in
// emission order, until the context ends. Fan-out never blocks the queue:
// webhook delivery is asynchronous and socket pushes are bounded by the
// write deadline.
func (in *Ingestor) Run(ctx context.Context) {
	in.engine.Subscribe(func(evt engine.Event) {
		select {
		case in.queue <- evt:
		case <-ctx.Done():
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-in.queue:
				in.Handle(evt)
			}
		}
	}()
}

// Handle normalizes one raw event. Malformed events are logged and dropped;
// nothing here ever propagates an error back to the feed.
func (in *Ingestor) Handle(evt engine.Event) {
	if evt.SessionID == "" {
		in.logger.Warn("dropping event without session id", "kind", evt.Kind)
		return
	}

	switch evt.Kind {
	case engine.KindQR:
		in.status.Apply(evt.SessionID, status.Update{
			Status:    status.State(model.StateAwaitingScan),
			QRPayload: status.String(evt.QR),
			QRImage:   status.String(evt.QRImage),
		})
		in.fanOut(evt.SessionID, SocketQR, HookQR, map[string]any{
			"sessionId": evt.SessionID,
			"qr":        evt.QR,
			"qrImage":   evt.QRImage,
		})

	case engine.KindConnection:
		state, ok := mapConnectionState(evt.State)
		if !ok {
			in.logger.Warn("dropping event with unknown connection state", "session", evt.SessionID, "state", evt.State)
			return
		}
		u := status.Update{Status: status.State(state)}
		if state == model.StateDisconnected && evt.Error != "" {
			u.LastError = status.String(evt.Error)
		}
		in.status.Apply(evt.SessionID, u)

		payload := map[string]any{"sessionId": evt.SessionID, "status": state}
		if evt.Error != "" {
			payload["error"] = evt.Error
		}
		in.fanOut(evt.SessionID, SocketStatus, HookStatus, payload)

	case engine.KindConnected:
		in.status.Apply(evt.SessionID, status.Update{
			Status:         status.State(model.StateConnected),
			IdentityNumber: status.String(evt.Number),
			DisplayName:    status.String(evt.Name),
		})
		in.fanOut(evt.SessionID, SocketConnected, HookConnected, map[string]any{
			"sessionId":      evt.SessionID,
			"identityNumber": evt.Number,
			"displayName":    evt.Name,
		})

	case engine.KindDisconnected:
		u := status.Update{
			Status:        status.State(model.StateDisconnected),
			ClearIdentity: evt.LoggedOut,
		}
		if evt.Error != "" {
			u.LastError = status.String(evt.Error)
		}
		in.status.Apply(evt.SessionID, u)

		payload := map[string]any{"sessionId": evt.SessionID}
		if evt.Error != "" {
			payload["error"] = evt.Error
		}
		in.fanOut(evt.SessionID, SocketDisconnected, HookDisconnected, payload)

	case engine.KindMessage:
		if evt.Message == nil {
			in.logger.Warn("dropping message event without body", "session", evt.SessionID)
			return
		}
		// Content events never touch the projection.
		in.fanOut(evt.SessionID, SocketMessage, HookMessage, map[string]any{
			"sessionId": evt.SessionID,
			"message":   evt.Message,
		})

	case engine.KindFault:
		in.status.Apply(evt.SessionID, status.Update{
			Status:    status.State(model.StateError),
			LastError: status.String(evt.Error),
		})
		in.fanOut(evt.SessionID, SocketError, HookError, map[string]any{
			"sessionId": evt.SessionID,
			"error":     evt.Error,
		})

	default:
		in.logger.Warn("dropping event of unknown kind", "kind", evt.Kind, "session", evt.SessionID)
	}
}

// fanOut delivers one normalized event to both sinks. Sockets and webhooks
// are independent; neither can fail the other.
func (in *Ingestor) fanOut(sessionID, socketEvent, hookEvent string, payload any) {
	ownerID, _ := in.owners.SessionOwner(sessionID)
	in.socket.Publish(sessionID, ownerID, socketEvent, payload)
	in.hooks.Trigger(hookEvent, sessionID, payload)
}

func mapConnectionState(raw string) (model.ConnState, bool) {
	switch raw {
	case "open":
		return model.StateConnected, true
	case "connecting":
		return model.StateConnecting, true
	case "closed":
		return model.StateDisconnected, true
	default:
		return "", false
	}
}
