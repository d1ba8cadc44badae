// Package auth verifies the bearer tokens that authorize page writes.
//
// Token issuance belongs to the surrounding platform; this package only
// checks HS256 tokens signed with the shared secret, plus a helper to mint
// them for development and tests.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// RoleEditor may save and delete pages.
const RoleEditor = "editor"

// CookieName carries the token for browser websocket connections, which
// cannot set an Authorization header.
const CookieName = "pagecraft_token"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("role may not edit pages")
)

// Claims represents JWT claims
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks tokens. A Verifier with an empty secret accepts every
// request; servers log a warning when running that way.
type Verifier struct {
	secret []byte
	issuer string
	log    zerolog.Logger
}

// NewVerifier creates a verifier for tokens signed with secret. A non-empty
// issuer must match the iss claim.
func NewVerifier(secret, issuer string, log zerolog.Logger) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, log: log}
}

// Enabled reports whether tokens are checked at all.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify parses and validates a token and requires the editor role.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleEditor {
		return nil, ErrForbidden
	}
	return claims, nil
}

// Issue signs an editor token for subject valid for ttl.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("auth: no signing secret configured")
	}
	now := time.Now()
	claims := &Claims{
		Role: RoleEditor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest returns the bearer token from the Authorization header or,
// failing that, the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

type claimsKey struct{}

// FromContext returns the claims stored by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Middleware rejects requests without a valid editor token.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tok := TokenFromRequest(r)
		if tok == "" {
			v.reject(w, r, http.StatusUnauthorized, ErrMissingToken)
			return
		}
		claims, err := v.Verify(tok)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = http.StatusForbidden
			}
			v.reject(w, r, status, err)
			return
		}

		v.log.Debug().Str("subject", claims.Subject).Str("path", r.URL.Path).Msg("authenticated")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (v *Verifier) reject(w http.ResponseWriter, r *http.Request, status int, err error) {
	v.log.Warn().Err(err).Str("path", r.URL.Path).Str("method", r.Method).Int("status", status).Msg("authentication failed")
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pagecraft"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
