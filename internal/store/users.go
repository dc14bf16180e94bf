package store

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"wa-gateway/internal/model"
)

func (s *Store) CreateUser(email, passwordHash string, nowMillis int64) (model.User, error) {
	u := model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    nowMillis,
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.User{}, ErrConflict
	}
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (s *Store) UserByEmail(email string) (model.User, bool) {
	var u model.User
	err := s.db.QueryRow(
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return model.User{}, false
	}
	return u, true
}

func (s *Store) UserByID(id string) (model.User, bool) {
	var u model.User
	err := s.db.QueryRow(
		`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return model.User{}, false
	}
	return u, true
}

// CreateDeviceKey mints a new opaque credential. The key value is only ever
// returned here; callers must show it to the user once.
func (s *Store) CreateDeviceKey(userID, label string, nowMillis int64) (model.DeviceKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return model.DeviceKey{}, err
	}

	k := model.DeviceKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Key:       "wag_" + hex.EncodeToString(raw),
		Label:     label,
		CreatedAt: nowMillis,
	}
	_, err := s.db.Exec(
		`INSERT INTO device_keys (id, user_id, key, label, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Key, k.Label, k.CreatedAt,
	)
	if err != nil {
		return model.DeviceKey{}, err
	}
	return k, nil
}

func (s *Store) DeviceKeyByValue(key string) (model.DeviceKey, bool) {
	var k model.DeviceKey
	var revoked int
	err := s.db.QueryRow(
		`SELECT id, user_id, key, label, revoked, last_used_at, created_at
		 FROM device_keys WHERE key = ?`, key,
	).Scan(&k.ID, &k.UserID, &k.Key, &k.Label, &revoked, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return model.DeviceKey{}, false
	}
	k.Revoked = revoked != 0
	return k, true
}

func (s *Store) ListDeviceKeys(userID string) []model.DeviceKey {
	rows, err := s.db.Query(
		`SELECT id, user_id, key, label, revoked, last_used_at, created_at
		 FROM device_keys WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var result []model.DeviceKey
	for rows.Next() {
		var k model.DeviceKey
		var revoked int
		if err := rows.Scan(&k.ID, &k.UserID, &k.Key, &k.Label, &revoked, &k.LastUsedAt, &k.CreatedAt); err != nil {
			continue
		}
		k.Revoked = revoked != 0
		result = append(result, k)
	}
	return result
}

func (s *Store) RevokeDeviceKey(userID, keyID string) bool {
	res, err := s.db.Exec(
		`UPDATE device_keys SET revoked = 1 WHERE id = ? AND user_id = ?`, keyID, userID,
	)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// TouchDeviceKey records last use. Best effort; the result is ignored by
// the auth path.
func (s *Store) TouchDeviceKey(keyID string, nowMillis int64) {
	_, _ = s.db.Exec(`UPDATE device_keys SET last_used_at = ? WHERE id = ?`, nowMillis, keyID)
}
