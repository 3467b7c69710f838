// Package auth reads identity hints from the bearer token issued by the backend.
//
// The client never verifies signatures: the backend is the authority and rejects
// forged tokens on every request. Claims are only used to pick defaults such as
// the local username.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned when a token carries no usable username claim.
var ErrNoIdentity = errors.New("token has no username claim")

// Claims is the subset of token claims the client cares about.
type Claims struct {
	Username  string
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry in the past.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ParseClaims decodes the token payload without verifying it. A leading
// "Bearer " prefix is ignored. The username is read from the "username" claim,
// falling back to "sub".
func ParseClaims(token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Claims{}, ErrNoIdentity
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	var claims Claims
	if name, ok := mc["username"].(string); ok {
		claims.Username = name
	}
	if claims.Username == "" {
		sub, err := mc.GetSubject()
		if err != nil {
			return Claims{}, fmt.Errorf("read subject: %w", err)
		}
		claims.Username = sub
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("read expiry: %w", err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
	}

	if claims.Username == "" {
		return claims, ErrNoIdentity
	}
	return claims, nil
}
