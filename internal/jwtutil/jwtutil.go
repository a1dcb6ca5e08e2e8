package jwtutil

// Package jwtutil decodes bearer-token claims without signature
// verification. The platform's tokens are consumed, not validated, on the
// client side; signature verification, when enabled, happens separately
// against the platform JWKS (internal/adapters/oidcverify).

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded claim set of a bearer token.
type Claims map[string]any

// StringClaim returns the named claim as a string, or empty when absent or
// not a string.
func (c Claims) StringClaim(name string) string {
	s, _ := c[name].(string)
	return s
}

// Decode parses a JWT without verifying its signature and returns the claim
// set plus the pre-computed expiry instant. Tokens without an exp claim
// return a zero expiry.
func Decode(token string) (Claims, time.Time, error) {
	if token == "" {
		return nil, time.Time{}, errors.New("empty token")
	}

	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse token: %w", err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, time.Time{}, errors.New("unexpected claims type")
	}

	var expiry time.Time
	if exp, expErr := mapClaims.GetExpirationTime(); expErr == nil && exp != nil {
		expiry = exp.Time
	}

	return Claims(mapClaims), expiry, nil
}
