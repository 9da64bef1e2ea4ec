package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevProviderRoundTrip(t *testing.T) {
	p := NewDevProvider("dev-secret")
	session, err := p.Login(context.Background(), " Alice@Example.com ", "pw")
	require.NoError(t, err)
	assert.Equal(t, DevUserID("alice@example.com"), session.User.ID)

	user, err := p.VerifyAccessToken(context.Background(), session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, session.User, user)

	again, err := p.SignUp(context.Background(), "alice@example.com", "other")
	require.NoError(t, err)
	assert.Equal(t, session.User.ID, again.User.ID, "ids are stable per email")

	_, err = p.Login(context.Background(), "nobody", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestJWTVerifierRejectsForeignAndExpiredTokens(t *testing.T) {
	secret := []byte("project-secret")
	now := time.Now()
	token, err := signToken(secret, User{ID: "u1", Email: "a@b.c"}, time.Hour, now)
	require.NoError(t, err)

	v := NewJWTVerifier(string(secret), nil)
	user, err := v.VerifyAccessToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = NewJWTVerifier("other", nil).VerifyAccessToken(context.Background(), token)
	assert.Error(t, err)

	expired, err := signToken(secret, User{ID: "u1"}, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = v.VerifyAccessToken(context.Background(), expired)
	assert.Error(t, err)

	_, err = v.VerifyAccessToken(context.Background(), "not-a-jwt")
	assert.Error(t, err)
}

func TestSupabaseVerifyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, `{"msg":"invalid JWT"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u-42","email":"x@y.z"}`))
	}))
	defer srv.Close()

	c := NewSupabaseClient(srv.URL+"/", "anon")
	user, err := c.VerifyAccessToken(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, User{ID: "u-42", Email: "x@y.z"}, user)

	_, err = c.VerifyAccessToken(context.Background(), "bad")
	assert.ErrorContains(t, err, "status 401")
}

func TestSupabaseLoginAndPendingSignup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth/v1/token":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
		case "/auth/v1/signup":
			_, _ = w.Write([]byte(`{"id":"u-7","email":"new@y.z"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewSupabaseClient(srv.URL, "anon")
	_, err := c.Login(context.Background(), "x@y.z", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Contains(t, err.Error(), "Invalid login credentials")

	session, err := c.SignUp(context.Background(), "new@y.z", "pw")
	require.NoError(t, err)
	assert.Empty(t, session.AccessToken)
	assert.Equal(t, "u-7", session.User.ID)
}
