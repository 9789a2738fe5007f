// Package auth is the boundary to the external authenticator. Credentials are verified
// upstream; this package only turns the verified identity into a Principal.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"unicode"
)

var (
	// ErrNoPrincipal rejects the upgrade with a policy-violation close.
	ErrNoPrincipal = errors.New("auth: no principal")
	// ErrInvalidPrincipal rejects the upgrade with the authentication-failed close.
	ErrInvalidPrincipal = errors.New("auth: invalid principal")
)

type Principal struct {
	ID          string
	DisplayName string
	Email       string
	Roles       []string
}

type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (*Principal, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (*Principal, error) {
	return f(r)
}

const (
	HeaderPrincipalID    = "X-Principal-Id"
	HeaderPrincipalName  = "X-Principal-Name"
	HeaderPrincipalEmail = "X-Principal-Email"
	HeaderPrincipalRoles = "X-Principal-Roles"

	maxPrincipalIDLen = 256
)

// HeaderAuthenticator reads a principal forwarded by a trusted authenticating proxy.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderPrincipalID))
	if id == "" {
		return nil, ErrNoPrincipal
	}
	if !validID(id) {
		return nil, ErrInvalidPrincipal
	}
	return &Principal{
		ID:          id,
		DisplayName: strings.TrimSpace(r.Header.Get(HeaderPrincipalName)),
		Email:       strings.TrimSpace(r.Header.Get(HeaderPrincipalEmail)),
		Roles:       splitRoles(r.Header.Get(HeaderPrincipalRoles)),
	}, nil
}

func validID(id string) bool {
	if len(id) > maxPrincipalIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar {
			return false
		}
	}
	return true
}

func splitRoles(raw string) []string {
	roles := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if role := strings.TrimSpace(part); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
