package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "agent-matrix/internal/errors"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, Issuer: "agent-matrix", Secret: "test-secret", TokenTTL: time.Hour})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidatesMode(t *testing.T) {
	_, err := NewService(Config{Mode: ModeJWT})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))

	_, err = NewService(Config{Mode: "oauth"})
	require.Error(t, err)

	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, svc.Mode())
}

func TestIssueAndVerify(t *testing.T) {
	svc := newJWTService(t)

	token, expires, err := svc.Issue("operator", []string{PermCommandsRead}, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	subject, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", subject.Username)
	assert.True(t, subject.HasPermission("COMMANDS:READ"))
	assert.NoError(t, subject.Authorize(PermCommandsRead))
	assert.Equal(t, CodePermissionDenied, xerrors.CodeOf(subject.Authorize(PermConstraintsWrite)))
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	svc := newJWTService(t)

	other, err := NewService(Config{Mode: ModeJWT, Issuer: "agent-matrix", Secret: "other-secret"})
	require.NoError(t, err)
	forged, _, err := other.Issue("mallory", AllPermissions(), 0)
	require.NoError(t, err)
	_, err = svc.Verify(forged)
	assert.Equal(t, CodeUnauthenticated, xerrors.CodeOf(err))

	wrongIssuer, err := NewService(Config{Mode: ModeJWT, Issuer: "someone-else", Secret: "test-secret"})
	require.NoError(t, err)
	token, _, err := wrongIssuer.Issue("mallory", AllPermissions(), 0)
	require.NoError(t, err)
	_, err = svc.Verify(token)
	assert.Error(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "agent-matrix",
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = svc.Verify(expired)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "agent-matrix",
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(none)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	svc := newJWTService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {PermCommandsRead},
			"*":            {PermCommandsSubmit},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	reader, _, err := svc.Issue("reader", []string{PermCommandsRead}, 0)
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		header string
		status int
	}{
		{name: "missing token", method: http.MethodGet, status: http.StatusUnauthorized},
		{name: "garbage token", method: http.MethodGet, header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "read allowed", method: http.MethodGet, header: "Bearer " + reader, status: http.StatusNoContent},
		{name: "submit denied", method: http.MethodPost, header: "Bearer " + reader, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/commands", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, "reader", seen.Username)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	require.NoError(t, err)
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Nil(t, SubjectFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
