// Package auth verifies signaling credentials. Two schemes are supported:
// a single shared API key and HS256 JWTs. Credentials arrive either in the
// WebSocket URL query or in a first "auth" message on the socket.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// CredentialFromQuery extracts a credential from the WebSocket URL query.
// Each mode prefers its own parameter but accepts the other as an alias, so
// clients need not care which scheme the server is configured with.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		return firstNonEmpty(q.Get("apiKey"), q.Get("token"))
	case config.AuthModeJWT:
		return firstNonEmpty(q.Get("token"), q.Get("apiKey"))
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromAuthMessage extracts a credential from the apiKey/token
// fields of a first-message auth frame, with the same alias behavior as
// CredentialFromQuery.
func CredentialFromAuthMessage(mode config.AuthMode, apiKey, token string) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		return firstNonEmpty(apiKey, token)
	case config.AuthModeJWT:
		return firstNonEmpty(token, apiKey)
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

func firstNonEmpty(values ...string) (string, error) {
	for _, v := range values {
		if v != "" {
			return v, nil
		}
	}
	return "", ErrMissingCredentials
}
