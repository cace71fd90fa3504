// Package auth decides whether a WebSocket connection may attach to a terminal.
package auth

import (
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned for a missing, malformed or rejected token.
var ErrUnauthorized = errors.New("unauthorized")

// Authorizer checks the token presented by a connecting client and returns
// a caller identity for logging.
type Authorizer interface {
	Authorize(token string) (string, error)
}

// AllowAll accepts every connection. Development only.
type AllowAll struct{}

func (AllowAll) Authorize(string) (string, error) { return "anonymous", nil }

// StaticToken accepts exactly one shared token.
type StaticToken string

func (s StaticToken) Authorize(token string) (string, error) {
	if s == "" || token == "" {
		return "", ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return "", ErrUnauthorized
	}
	return "token", nil
}

// Any accepts a token if any of its members does. The last rejection is
// returned when none do.
type Any []Authorizer

func (a Any) Authorize(token string) (string, error) {
	err := ErrUnauthorized
	for _, authz := range a {
		id, e := authz.Authorize(token)
		if e == nil {
			return id, nil
		}
		err = e
	}
	return "", err
}
