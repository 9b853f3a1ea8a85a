// Package turnrest mints coturn-compatible ephemeral TURN credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<participant_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC: now + ttl.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/ratelimit"
)

type Generator struct {
	secret     []byte
	ttlSeconds int64
	prefix     string
	clock      ratelimit.Clock
}

func NewGenerator(sharedSecret, usernamePrefix string, ttlSeconds int64, clock ratelimit.Clock) (*Generator, error) {
	if sharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if ttlSeconds <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	if usernamePrefix == "" || strings.Contains(usernamePrefix, ":") {
		return nil, fmt.Errorf("invalid username prefix %q", usernamePrefix)
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Generator{
		secret:     []byte(sharedSecret),
		ttlSeconds: ttlSeconds,
		prefix:     usernamePrefix,
		clock:      clock,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// ForParticipant mints credentials tied to one participant id, so coturn
// logs and quotas can be correlated with signaling sessions.
func (g *Generator) ForParticipant(participantID string) (Credentials, error) {
	if participantID == "" || strings.Contains(participantID, ":") {
		return Credentials{}, fmt.Errorf("invalid participant id %q", participantID)
	}
	expiry := g.clock.Now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, participantID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		ExpiryUnix: expiry,
	}, nil
}

// Anonymous mints credentials with a random id, for clients that request
// ICE servers before they have a participant id.
func (g *Generator) Anonymous() (Credentials, error) {
	return g.ForParticipant(uuid.NewString())
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
