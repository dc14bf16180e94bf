package store

import (
	"encoding/json"

	"github.com/google/uuid"
	"wa-gateway/internal/model"
)

// UpsertWebhook creates or replaces the single registration for a session.
func (s *Store) UpsertWebhook(reg model.WebhookRegistration, nowMillis int64) (model.WebhookRegistration, error) {
	events, err := json.Marshal(reg.Events)
	if err != nil {
		return model.WebhookRegistration{}, err
	}
	active := 0
	if reg.Active {
		active = 1
	}

	if existing, ok := s.WebhookForSession(reg.SessionID); ok {
		reg.ID = existing.ID
		reg.CreatedAt = existing.CreatedAt
		reg.UpdatedAt = nowMillis
		_, err := s.db.Exec(
			`UPDATE webhooks SET url = ?, secret = ?, events = ?, active = ?, updated_at = ? WHERE id = ?`,
			reg.URL, reg.Secret, string(events), active, reg.UpdatedAt, reg.ID,
		)
		if err != nil {
			return model.WebhookRegistration{}, err
		}
		return reg, nil
	}

	reg.ID = uuid.NewString()
	reg.CreatedAt = nowMillis
	reg.UpdatedAt = nowMillis
	_, err = s.db.Exec(
		`INSERT INTO webhooks (id, user_id, session_id, url, secret, events, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.UserID, reg.SessionID, reg.URL, reg.Secret, string(events), active, reg.CreatedAt, reg.UpdatedAt,
	)
	if err != nil {
		return model.WebhookRegistration{}, err
	}
	return reg, nil
}

func (s *Store) WebhookForSession(sessionID string) (model.WebhookRegistration, bool) {
	var reg model.WebhookRegistration
	var events string
	var active int
	err := s.db.QueryRow(
		`SELECT id, user_id, session_id, url, secret, events, active, created_at, updated_at
		 FROM webhooks WHERE session_id = ?`, sessionID,
	).Scan(&reg.ID, &reg.UserID, &reg.SessionID, &reg.URL, &reg.Secret, &events, &active, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return model.WebhookRegistration{}, false
	}
	reg.Active = active != 0
	_ = json.Unmarshal([]byte(events), &reg.Events)
	return reg, true
}

// ActiveWebhooksForSession returns the active registrations for one exact
// session id. The schema allows at most one, but the dispatcher treats it
// as a list.
func (s *Store) ActiveWebhooksForSession(sessionID string) []model.WebhookRegistration {
	reg, ok := s.WebhookForSession(sessionID)
	if !ok || !reg.Active {
		return nil
	}
	return []model.WebhookRegistration{reg}
}

func (s *Store) DeleteWebhook(sessionID string) bool {
	res, err := s.db.Exec(`DELETE FROM webhooks WHERE session_id = ?`, sessionID)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}
