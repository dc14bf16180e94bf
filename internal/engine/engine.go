// Package engine defines the gateway's view of the external protocol
// engine: a narrow command surface plus a raw event feed. The gateway never
// speaks the messaging protocol itself.
package engine

import (
	"context"
	"fmt"

	"wa-gateway/internal/model"
)

type Kind string

const (
	KindQR           Kind = "qr"
	KindConnection   Kind = "connection"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindMessage      Kind = "message"
	KindFault        Kind = "fault"
)

// Event is the raw envelope emitted by the engine. Fields beyond SessionID
// are kind-specific.
type Event struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId"`

	// qr
	QR      string `json:"qr,omitempty"`
	QRImage string `json:"qrImage,omitempty"`

	// connection: open | connecting | closed
	State string `json:"state,omitempty"`

	// connected
	Number string `json:"number,omitempty"`
	Name   string `json:"name,omitempty"`

	// disconnected: LoggedOut marks credential loss, not a plain stop
	LoggedOut bool `json:"loggedOut,omitempty"`

	// disconnected / connection(closed) / fault
	Error string `json:"error,omitempty"`

	// message
	Message *model.Message `json:"message,omitempty"`
}

// SessionInfo is the engine's current view of one session, used to seed the
// status projection on startup.
type SessionInfo struct {
	Status         model.ConnState `json:"status"`
	IdentityNumber string          `json:"identityNumber"`
	DisplayName    string          `json:"displayName"`
}

// Client is everything the gateway asks of the engine.
type Client interface {
	Start(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	SendText(ctx context.Context, sessionID, to, body string) error
	SessionInfo(ctx context.Context, sessionID string) (SessionInfo, error)
	ListSessions(ctx context.Context) ([]string, error)
	Subscribe(handler func(Event))
}

// CommandError is surfaced to the caller when an engine call fails.
type CommandError struct {
	Op  string
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
