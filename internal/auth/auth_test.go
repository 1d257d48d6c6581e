package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chunkstore/internal/auth"

	"github.com/stretchr/testify/require"
)

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	return httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/metrics", nil)
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	e := auth.NewBasicAuthEngine("admin", "s3cret")

	req := newRequest(t)
	req.SetBasicAuth("admin", "s3cret")
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, "admin", user.Name)

	for _, creds := range [][2]string{{"admin", "wrong"}, {"other", "s3cret"}, {"", ""}} {
		req := newRequest(t)
		req.SetBasicAuth(creds[0], creds[1])
		user, err := e.AuthenticateRequest(t.Context(), req)
		require.NoError(t, err)
		require.Nil(t, user, "credentials %v", creds)
	}

	user, err = e.AuthenticateRequest(t.Context(), newRequest(t))
	require.NoError(t, err)
	require.Nil(t, user, "no Authorization header")

	req = newRequest(t)
	req.SetBasicAuth("", "")
	user, err = auth.NewBasicAuthEngine("", "").AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "an unconfigured engine accepts nobody")

	req = newRequest(t)
	req.SetBasicAuth("admin", "")
	user, err = auth.NewBasicAuthEngine("admin", "").AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "an empty password is never accepted")
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	e := auth.NewTokenAuthEngine("scrape-token")

	req := newRequest(t)
	req.Header.Set("Authorization", "Bearer scrape-token")
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)

	req.Header.Set("Authorization", "Bearer other")
	user, err = e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)

	req.SetBasicAuth("scrape-token", "")
	user, err = e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)
}

type failingEngine struct{}

func (failingEngine) AuthenticateRequest(context.Context, *http.Request) (*auth.User, error) {
	return nil, errors.New("identity provider unavailable")
}

func TestCompoundAuth(t *testing.T) {
	t.Parallel()

	e := auth.NewCompoundAuthEngine(
		failingEngine{},
		auth.NewBasicAuthEngine("admin", "s3cret"),
		auth.NewTokenAuthEngine("scrape-token"),
	)
	require.Equal(t, 3, e.Len())

	req := newRequest(t)
	req.Header.Set("Authorization", "Bearer scrape-token")
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "a later engine accepting wins over an earlier failure")
	require.Equal(t, "token", user.Name)

	req = newRequest(t)
	req.SetBasicAuth("admin", "s3cret")
	user, err = e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, "admin", user.Name)

	user, err = e.AuthenticateRequest(t.Context(), newRequest(t))
	require.Error(t, err)
	require.Nil(t, user)

	user, err = auth.NewCompoundAuthEngine().AuthenticateRequest(t.Context(), newRequest(t))
	require.NoError(t, err)
	require.Nil(t, user)
}
