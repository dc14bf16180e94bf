package store

import (
	"wa-gateway/internal/model"
)

// CreateSession records ownership. The mapping is immutable for the
// session's lifetime; a taken id is a conflict regardless of who asks.
func (s *Store) CreateSession(id, userID, name string, nowMillis int64) (model.SessionRecord, error) {
	rec := model.SessionRecord{ID: id, UserID: userID, Name: name, CreatedAt: nowMillis}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Name, rec.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.SessionRecord{}, ErrConflict
	}
	if err != nil {
		return model.SessionRecord{}, err
	}
	return rec, nil
}

func (s *Store) SessionByID(id string) (model.SessionRecord, bool) {
	var rec model.SessionRecord
	err := s.db.QueryRow(
		`SELECT id, user_id, name, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.UserID, &rec.Name, &rec.CreatedAt)
	if err != nil {
		return model.SessionRecord{}, false
	}
	return rec, true
}

// SessionOwner resolves the owning account, if the session exists.
func (s *Store) SessionOwner(sessionID string) (string, bool) {
	var userID string
	err := s.db.QueryRow(`SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&userID)
	if err != nil {
		return "", false
	}
	return userID, true
}

// BelongsTo is the authorization check every session-scoped operation runs
// before touching the engine. Always a fresh lookup.
func (s *Store) BelongsTo(userID, sessionID string) bool {
	owner, ok := s.SessionOwner(sessionID)
	return ok && owner == userID
}

func (s *Store) ListSessions(userID string) []model.SessionRecord {
	rows, err := s.db.Query(
		`SELECT id, user_id, name, created_at FROM sessions WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var result []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Name, &rec.CreatedAt); err != nil {
			continue
		}
		result = append(result, rec)
	}
	return result
}

// ListAllSessions returns every ownership record. Used by the startup
// reconciliation pass.
func (s *Store) ListAllSessions() []model.SessionRecord {
	rows, err := s.db.Query(`SELECT id, user_id, name, created_at FROM sessions`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var result []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Name, &rec.CreatedAt); err != nil {
			continue
		}
		result = append(result, rec)
	}
	return result
}

// DeleteSession drops the ownership record. The webhook registration goes
// with it via the FK cascade.
func (s *Store) DeleteSession(sessionID string) bool {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}
