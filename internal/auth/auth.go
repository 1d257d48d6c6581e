// Package auth authenticates callers of the admin endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const BearerPrefix = "Bearer "

// User identifies an authenticated caller.
type User struct {
	Name string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for valid
	// credentials. It returns the caller when they are valid and nil
	// otherwise. An error is returned only when the request could not be
	// checked at all.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BasicAuthEngine accepts one user name and password pair. An engine
// missing either half accepts nobody.
type BasicAuthEngine struct {
	Username string
	Password string
}

func NewBasicAuthEngine(username, password string) *BasicAuthEngine {
	return &BasicAuthEngine{
		Username: username,
		Password: password,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	user, pass, ok := r.BasicAuth()
	if !ok || e.Username == "" || e.Password == "" {
		return nil, nil
	}

	if !equal(user, e.Username) || !equal(pass, e.Password) {
		return nil, nil
	}

	return &User{Name: user}, nil
}

// TokenAuthEngine accepts a static bearer token, the way metrics scrapers
// usually authenticate.
type TokenAuthEngine struct {
	Token string
}

func NewTokenAuthEngine(token string) *TokenAuthEngine {
	return &TokenAuthEngine{Token: token}
}

func (e *TokenAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if e.Token == "" || !strings.HasPrefix(header, BearerPrefix) {
		return nil, nil
	}

	if !equal(strings.TrimSpace(header[len(BearerPrefix):]), e.Token) {
		return nil, nil
	}

	return &User{Name: "token"}, nil
}

type CompoundAuthEngine struct {
	engines []AuthEngine
}

// NewCompoundAuthEngine creates an engine accepting any request one of
// engines accepts.
func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{
		engines: engines,
	}
}

// AuthenticateRequest returns the first user any engine accepts. An error
// is reported only when no engine accepted the request.
func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	var firstErr error
	for _, engine := range e.engines {
		user, err := engine.AuthenticateRequest(ctx, r)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if user != nil {
			return user, nil
		}
	}

	return nil, firstErr
}

// Len reports how many engines are combined.
func (e *CompoundAuthEngine) Len() int {
	return len(e.engines)
}
