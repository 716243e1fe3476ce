// Package middleware provides HTTP middleware for the governance API.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/errors"
	internalhttputil "github.com/JAG-UK/rkh-frontend/internal/httputil"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
)

// DefaultTokenTTL bounds how long a session token stays valid.
const DefaultTokenTTL = 12 * time.Hour

// Claims represents session token claims.
type Claims struct {
	Address   string `json:"address"`
	Role      string `json:"role"`
	Connector string `json:"connector,omitempty"`
	jwt.RegisteredClaims
}

// =============================================================================
// Token issuer
// =============================================================================

// TokenIssuer mints and verifies HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. secret must be at least 32 bytes.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue returns a token for acct and its expiry.
func (t *TokenIssuer) Issue(acct account.Account) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := &Claims{
		Address:   acct.Address,
		Role:      string(acct.Role),
		Connector: string(acct.Connector),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   acct.Address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, errors.Internal("failed to sign session token", err)
	}
	return signed, exp, nil
}

// Validate parses a token and returns its claims.
func (t *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims")
	}
	return claims, nil
}

// =============================================================================
// Auth middleware
// =============================================================================

// SessionState reports the active account.
type SessionState interface {
	Current() (account.Account, bool)
}

// AuthMiddleware requires a session token that still belongs to the active
// account.
type AuthMiddleware struct {
	tokens    *TokenIssuer
	session   SessionState
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(tokens *TokenIssuer, session SessionState, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{
		tokens:    tokens,
		session:   session,
		logger:    logger,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("Missing Authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}

		claims, err := m.tokens.Validate(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		current, ok := m.session.Current()
		if !ok || !strings.EqualFold(current.Address, claims.Address) {
			m.respondError(w, r, errors.Unauthorized("session token does not match the active session"))
			return
		}

		ctx := logging.WithAccount(r.Context(), current.Address, string(current.Role))
		m.logger.WithContext(ctx).Debug("session token accepted")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.LogSecurityEvent(r.Context(), "auth_rejected", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
		"reason": serviceErr.Message,
	})
}

// GetAccount extracts the authenticated account address from context.
func GetAccount(ctx context.Context) string {
	return logging.GetAccount(ctx)
}

// GetRole extracts the authenticated role from context.
func GetRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}
