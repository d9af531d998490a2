package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the unique identifier for the principal.
	UserID() string
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, tok string) (UserInfo, error)

func (f AuthenticatorFunc) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return f(ctx, tok)
}

type principal string

func (p principal) UserID() string { return string(p) }

// NewStaticKey returns an Authenticator accepting exactly one shared key.
// Every holder of the key is reported as the principal "api-key". An empty
// key rejects everything.
func NewStaticKey(key string) Authenticator {
	want := []byte(key)
	return AuthenticatorFunc(func(_ context.Context, tok string) (UserInfo, error) {
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(tok), want) != 1 {
			return nil, ErrUnauthorized
		}
		return principal("api-key"), nil
	})
}
