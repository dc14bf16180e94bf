// Package status holds the authoritative in-memory projection of each
// session's lifecycle state. Only normalized engine events write to it.
package status

import (
	"sync"
	"time"

	"wa-gateway/internal/model"
)

// Update is a partial merge into one session's record. Nil fields are left
// untouched; last write wins on overlapping fields.
type Update struct {
	Status         *model.ConnState
	QRPayload      *string
	QRImage        *string
	IdentityNumber *string
	DisplayName    *string
	LastError      *string

	// ClearIdentity drops identityNumber/displayName; set only when the
	// engine signals credential loss, not on a plain stop.
	ClearIdentity bool
}

type entry struct {
	mu  sync.Mutex
	cur model.SessionStatus
}

// Store keys entries by session id. Each entry carries its own lock so two
// sessions never contend; the outer lock only guards the map itself.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	nowMillis func() int64
}

func New() *Store {
	return NewWithNow(func() int64 { return time.Now().UnixMilli() })
}

func NewWithNow(nowMillis func() int64) *Store {
	return &Store{entries: make(map[string]*entry), nowMillis: nowMillis}
}

func (s *Store) entryFor(sessionID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[sessionID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sessionID]; ok {
		return e
	}
	e = &entry{cur: model.SessionStatus{
		SessionID: sessionID,
		Status:    model.StateDisconnected,
		UpdatedAt: s.nowMillis(),
	}}
	s.entries[sessionID] = e
	return e
}

// Apply merges the update atomically for the session. Readers observe the
// record before or after the merge, never a torn one.
func (s *Store) Apply(sessionID string, u Update) model.SessionStatus {
	e := s.entryFor(sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if u.Status != nil {
		e.cur.Status = *u.Status
		// QR material is only meaningful while a scan is pending.
		if *u.Status != model.StateAwaitingScan {
			e.cur.QRPayload = ""
			e.cur.QRImage = ""
		}
	}
	if u.QRPayload != nil {
		e.cur.QRPayload = *u.QRPayload
	}
	if u.QRImage != nil {
		e.cur.QRImage = *u.QRImage
	}
	if u.ClearIdentity {
		e.cur.IdentityNumber = ""
		e.cur.DisplayName = ""
	}
	if u.IdentityNumber != nil {
		e.cur.IdentityNumber = *u.IdentityNumber
	}
	if u.DisplayName != nil {
		e.cur.DisplayName = *u.DisplayName
	}
	if u.LastError != nil {
		e.cur.LastError = *u.LastError
	}
	e.cur.UpdatedAt = s.nowMillis()
	return e.cur
}

func (s *Store) Get(sessionID string) (model.SessionStatus, bool) {
	s.mu.RLock()
	e, ok := s.entries[sessionID]
	s.mu.RUnlock()
	if !ok {
		return model.SessionStatus{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur, true
}

func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// String returns a pointer to a copy; convenience for building Updates.
func String(v string) *string { return &v }

// State returns a pointer to a copy of the state value.
func State(v model.ConnState) *model.ConnState { return &v }
