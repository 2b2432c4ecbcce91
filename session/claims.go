package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the display-only fields carried by the bearer token.
type Claims struct {
	Subject   string
	Phone     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry that has passed.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Claims decodes the current token without verifying its signature. The
// backend is the only authority on validity; this is for display.
func (s *Store) Claims() (Claims, error) {
	token := s.Token()
	if token == "" {
		return Claims{}, ErrNoSession
	}
	var tc tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &tc); err != nil {
		return Claims{}, fmt.Errorf("decoding token claims: %w", err)
	}
	c := Claims{Subject: tc.Subject, Phone: tc.Phone, Role: tc.Role}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}
