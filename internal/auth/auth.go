// Package auth checks static bearer tokens for the caller and admin
// surfaces of the gateway.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrNotConfigured = errors.New("token not configured")
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleAdmin  Role = "admin"
)

type Claims struct {
	Subject string
	Role    Role
}

type Authenticator interface {
	Authenticate(r *http.Request, role Role) (Claims, error)
}

// TokenAuthenticator accepts the admin token for every role. An empty
// caller token leaves the caller surface open; an empty admin token closes
// the admin surface.
type TokenAuthenticator struct {
	AdminToken  string
	CallerToken string
}

func NewTokenAuthenticator(adminToken, callerToken string) *TokenAuthenticator {
	return &TokenAuthenticator{AdminToken: adminToken, CallerToken: callerToken}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request, role Role) (Claims, error) {
	if role == RoleCaller && a.CallerToken == "" {
		return Claims{Subject: "anonymous", Role: RoleCaller}, nil
	}
	if role == RoleAdmin && a.AdminToken == "" {
		return Claims{}, ErrNotConfigured
	}

	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	if a.AdminToken != "" && tokenEqual(bearer, a.AdminToken) {
		return Claims{Subject: "admin", Role: RoleAdmin}, nil
	}
	if role == RoleCaller && tokenEqual(bearer, a.CallerToken) {
		return Claims{Subject: "caller", Role: RoleCaller}, nil
	}
	return Claims{}, ErrInvalidToken
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
