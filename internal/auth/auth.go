// Package auth checks webhook secrets and issues agent bearer tokens.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "agentcoord"

var (
	// ErrInvalidToken covers malformed, expired and badly signed tokens.
	ErrInvalidToken = errors.New("invalid agent token")
	// ErrNoSigningKey means agent tokens are not configured.
	ErrNoSigningKey = errors.New("agent signing key not configured")
)

// GenerateToken generates a random hex secret suitable for the hook token
// or the agent signing key.
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CheckHookToken compares a webhook secret in constant time. An
// unconfigured secret never matches.
func CheckHookToken(provided, expected string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// AgentClaims identify the agent behind a bearer token.
type AgentClaims struct {
	Agent string `json:"agent"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies HS256 agent tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewIssuer creates a token issuer. A zero ttl means 24 hours.
func NewIssuer(signingKey string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{key: []byte(signingKey), ttl: ttl, now: time.Now}
}

// Mint returns a signed token for agent and its expiry.
func (i *Issuer) Mint(agent string) (string, time.Time, error) {
	if len(i.key) == 0 {
		return "", time.Time{}, ErrNoSigningKey
	}
	if agent == "" {
		return "", time.Time{}, errors.New("agent name is required")
	}

	now := i.now()
	expires := now.Add(i.ttl)
	claims := AgentClaims{
		Agent: agent,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   agent,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies a token and returns its claims.
func (i *Issuer) Parse(token string) (*AgentClaims, error) {
	if len(i.key) == 0 {
		return nil, ErrNoSigningKey
	}

	claims := &AgentClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Agent == "" {
		return nil, fmt.Errorf("%w: missing agent", ErrInvalidToken)
	}
	return claims, nil
}
