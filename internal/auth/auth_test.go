package auth

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcade-points/internal/config"
	"github.com/arcade-points/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(&config.AuthConfig{JWTSecret: "test-secret", Issuer: "arcade"})
	require.NoError(t, err)
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier(&config.AuthConfig{})
	assert.Error(t, err)
}

func TestVerify_RoundTrip(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Sign(domain.Caller{UserID: "user-1", Email: "p@example.com", Name: "P"}, time.Hour)
	require.NoError(t, err)

	caller, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", caller.UserID)
	assert.Equal(t, "p@example.com", caller.Email)
	assert.Equal(t, "P", caller.Name)
}

func TestVerify_Rejects(t *testing.T) {
	v := newTestVerifier(t)

	expired, err := v.Sign(domain.Caller{UserID: "user-1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other, err := NewVerifier(&config.AuthConfig{JWTSecret: "other-secret", Issuer: "arcade"})
	require.NoError(t, err)
	forged, err := other.Sign(domain.Caller{UserID: "user-1"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "elsewhere"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = v.Verify(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := v.Sign(domain.Caller{}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	var seen domain.Caller
	h := Middleware(v, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("anonymous", func(t *testing.T) {
		seen = domain.Caller{UserID: "stale"}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.True(t, seen.Anonymous())
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := v.Sign(domain.Caller{UserID: "user-9"}, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "user-9", seen.UserID)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
