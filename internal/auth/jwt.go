// MapSketch - Collaborative Geo-Anchored Drawing
// Copyright 2026 MapSketch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mapsketch/mapsketch

// Package auth resolves identities from session tokens.
//
// The room server never issues credentials; it only consumes tokens
// minted by the account service. An invalid or missing token degrades to
// an anonymous identity rather than a hard failure, keeping rooms usable
// for guests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is a resolved participant.
type Identity struct {
	UserID    string
	UserName  string
	Anonymous bool
}

// ErrInvalidToken is returned by Validate for tokens that fail
// signature, expiry, or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Validator resolves a session token into an identity.
type Validator interface {
	Validate(token string) (Identity, error)
}

// Claims are the JWT claims MapSketch consumes.
type Claims struct {
	UserName string `json:"userName"`
	jwt.RegisteredClaims
}

// JWTValidator validates HMAC-SHA256 signed session tokens.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator. The secret must be at least 32
// bytes; shorter secrets are trivially brute-forced.
func NewJWTValidator(secret string) (*JWTValidator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters, got %d", len(secret))
	}
	return &JWTValidator{secret: []byte(secret)}, nil
}

// Validate parses and verifies a token, returning the embedded identity.
func (v *JWTValidator) Validate(tokenStr string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	name := claims.UserName
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, UserName: name}, nil
}

// Sign mints a token for the given identity. Used by tests and the
// simulation agent; production tokens come from the account service.
func (v *JWTValidator) Sign(userID, userName string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Anonymous returns a guest identity. fallbackID, when non-empty, is the
// client-proposed id (so a guest keeps a stable id across reconnects);
// otherwise a fresh one is generated.
func Anonymous(fallbackID string) Identity {
	id := fallbackID
	if id == "" {
		id = "anon-" + uuid.NewString()[:8]
	}
	suffix := id
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return Identity{
		UserID:    id,
		UserName:  "guest-" + suffix,
		Anonymous: true,
	}
}

// Resolve applies the degrade-to-anonymous policy: an empty token or a
// failed validation yields an anonymous identity, never an error that
// would block the join.
func Resolve(v Validator, token, fallbackID string) Identity {
	if token == "" || v == nil {
		return Anonymous(fallbackID)
	}
	ident, err := v.Validate(token)
	if err != nil {
		return Anonymous(fallbackID)
	}
	return ident
}
