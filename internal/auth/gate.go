package auth

import (
	"context"
	"errors"

	"wa-gateway/internal/model"
)

var ErrUnauthenticated = errors.New("invalid or missing credentials")

const (
	MethodToken     = "token"
	MethodDeviceKey = "device-key"
)

// Identity is the request-scoped result of authentication. It is never
// persisted; every request or socket handshake rebuilds it from scratch.
type Identity struct {
	UserID string
	Email  string
	Method string
}

// Credentials carries whatever the caller presented. HTTP requests fill it
// from headers, socket handshakes from the connect auth payload.
type Credentials struct {
	Bearer    string
	DeviceKey string
}

// DeviceKeySource is the durable lookup the gate needs for opaque keys.
type DeviceKeySource interface {
	DeviceKeyByValue(key string) (model.DeviceKey, bool)
	UserByID(id string) (model.User, bool)
	TouchDeviceKey(id string, nowMillis int64)
}

type verifier interface {
	verify(ctx context.Context, creds Credentials) (Identity, error)
}

// Gate tries each verifier in fixed order and short-circuits on the first
// success: bearer token first, device key second.
type Gate struct {
	verifiers []verifier
}

func NewGate(cfg TokenConfig, keys DeviceKeySource, nowMillis func() int64) *Gate {
	return &Gate{verifiers: []verifier{
		tokenVerifier{cfg: cfg},
		deviceKeyVerifier{keys: keys, nowMillis: nowMillis},
	}}
}

func (g *Gate) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	for _, v := range g.verifiers {
		id, err := v.verify(ctx, creds)
		if err == nil {
			return id, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}

type tokenVerifier struct {
	cfg TokenConfig
}

func (v tokenVerifier) verify(_ context.Context, creds Credentials) (Identity, error) {
	if creds.Bearer == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := VerifyToken(creds.Bearer, v.cfg)
	if err != nil || claims.UserID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: claims.UserID, Email: claims.Email, Method: MethodToken}, nil
}

type deviceKeyVerifier struct {
	keys      DeviceKeySource
	nowMillis func() int64
}

func (v deviceKeyVerifier) verify(_ context.Context, creds Credentials) (Identity, error) {
	if creds.DeviceKey == "" {
		return Identity{}, ErrUnauthenticated
	}
	key, ok := v.keys.DeviceKeyByValue(creds.DeviceKey)
	if !ok || key.Revoked {
		return Identity{}, ErrUnauthenticated
	}
	user, ok := v.keys.UserByID(key.UserID)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	// Best effort, never blocks the response.
	go v.keys.TouchDeviceKey(key.ID, v.nowMillis())

	return Identity{UserID: user.ID, Email: user.Email, Method: MethodDeviceKey}, nil
}
