package model

// ConnState is the lifecycle state of one engine session.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateAwaitingScan ConnState = "awaiting-scan"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// SessionStatus is the in-memory projection of one session. It is never
// persisted; a restart rebuilds it from the engine.
type SessionStatus struct {
	SessionID      string    `json:"sessionId"`
	Status         ConnState `json:"status"`
	QRPayload      string    `json:"qr,omitempty"`
	QRImage        string    `json:"qrImage,omitempty"`
	IdentityNumber string    `json:"identityNumber,omitempty"`
	DisplayName    string    `json:"displayName,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	UpdatedAt      int64     `json:"updatedAt"`
}

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    int64
}

// DeviceKey is a long-lived opaque credential, an alternative to the
// short-lived token for non-interactive API access.
type DeviceKey struct {
	ID         string
	UserID     string
	Key        string
	Label      string
	Revoked    bool
	LastUsedAt int64
	CreatedAt  int64
}

// SessionRecord is the durable ownership record: a session id maps to at
// most one owning account for its whole lifetime.
type SessionRecord struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt int64
}

// WebhookRegistration is a callback endpoint for one session. At most one
// registration exists per session id.
type WebhookRegistration struct {
	ID        string
	UserID    string
	SessionID string
	URL       string
	Secret    string
	Events    []string
	Active    bool
	CreatedAt int64
	UpdatedAt int64
}

// Subscribed reports whether the registration wants the given event kind.
func (w WebhookRegistration) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Message is the normalized shape of an inbound engine message. It is
// forwarded to the sinks and never stored.
type Message struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	Body        string `json:"body"`
	MessageType string `json:"messageType"`
	Timestamp   int64  `json:"timestamp"`
	IsFromMe    bool   `json:"isFromMe"`
	ReplyTo     string `json:"replyTo,omitempty"`
	IsGroup     bool   `json:"isGroup,omitempty"`
	IsBroadcast bool   `json:"isBroadcast,omitempty"`
	Participant string `json:"participant,omitempty"`
	Media       *Media `json:"media,omitempty"`
}

// Media describes an attachment carried by a message, when the engine
// reports one.
type Media struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}
