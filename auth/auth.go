// Package auth issues and verifies the bearer tokens the API surface
// requires. Tokens are HS256 JWTs carrying the subject and tenant.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type (
	// Claims is the verified identity attached to a request.
	Claims struct {
		// Subject is the authenticated user ID.
		Subject string
		// TenantID scopes every memory operation the subject performs.
		TenantID string
	}

	// Manager mints and verifies tokens.
	Manager struct {
		secret []byte
		ttl    time.Duration
		now    func() time.Time
	}

	claimsKey struct{}

	tokenClaims struct {
		TenantID string `json:"tenant_id,omitempty"`
		jwt.RegisteredClaims
	}
)

// DefaultTokenTTL is the token lifetime when none is configured.
const DefaultTokenTTL = 24 * time.Hour

// Errors returned by Verify.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// New builds a manager. The secret must be non-empty.
func New(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the manager clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Mint signs a token for the subject and tenant.
func (m *Manager) Mint(subject, tenantID string) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})
	return token.SignedString(m.secret)
}

// Verify parses and validates the token.
func (m *Manager) Verify(raw string) (Claims, error) {
	var tc tokenClaims
	token, err := jwt.ParseWithClaims(raw, &tc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !token.Valid || tc.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: tc.Subject, TenantID: tc.TenantID}, nil
}

// WithClaims attaches verified claims to the context.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims attached to the context, if any.
func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// Middleware verifies the Authorization bearer token and attaches the
// claims. When allowTenantHeader is true (non-production only) an
// X-Tenant-ID header overrides the token tenant.
func Middleware(m *Manager, allowTenantHeader bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			claims, err := m.Verify(raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if allowTenantHeader {
				if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
					claims.TenantID = tenant
				}
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
