package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signed(t *testing.T, secret string, claims *Claims, method jwt.SigningMethod) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func editorClaims(ttl time.Duration) *Claims {
	return &Claims{
		Role: RoleEditor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier(testSecret, "pagecraft-test", zerolog.Nop())

	tok, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, RoleEditor, claims.Role)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(testSecret, "", zerolog.Nop())

	noExpiry := editorClaims(time.Hour)
	noExpiry.ExpiresAt = nil
	viewer := editorClaims(time.Hour)
	viewer.Role = "viewer"

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", signed(t, testSecret, editorClaims(-time.Minute), jwt.SigningMethodHS256), ErrInvalidToken},
		{"wrong secret", signed(t, "other", editorClaims(time.Hour), jwt.SigningMethodHS256), ErrInvalidToken},
		{"wrong algorithm", signed(t, testSecret, editorClaims(time.Hour), jwt.SigningMethodHS512), ErrInvalidToken},
		{"no expiry", signed(t, testSecret, noExpiry, jwt.SigningMethodHS256), ErrInvalidToken},
		{"not an editor", signed(t, testSecret, viewer, jwt.SigningMethodHS256), ErrForbidden},
		{"garbage", "not.a.token", ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyIssuer(t *testing.T) {
	v := NewVerifier(testSecret, "expected", zerolog.Nop())
	other := NewVerifier(testSecret, "someone-else", zerolog.Nop())

	tok, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret, "", zerolog.Nop())
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		require.True(t, ok)
		w.Write([]byte(claims.Subject))
	}))

	good, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)
	viewerClaims := editorClaims(time.Hour)
	viewerClaims.Role = "viewer"
	viewer := signed(t, testSecret, viewerClaims, jwt.SigningMethodHS256)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+good) }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: good}) }, http.StatusOK},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"basic scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, http.StatusUnauthorized},
		{"forbidden role", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+viewer) }, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/pages/home", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	v := NewVerifier("", "", zerolog.Nop())
	assert.False(t, v.Enabled())

	called := false
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/pages/home", nil))
	assert.True(t, called)

	_, err := v.Issue("alice", time.Hour)
	assert.Error(t, err)
}
