// Package auth validates bearer tokens presented to the bridge and carries the
// authenticated principal through request contexts.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("auth: missing bearer token")

// ErrInvalidToken wraps every validation failure.
var ErrInvalidToken = errors.New("auth: invalid token")

// Principal represents the authenticated caller after successful token validation.
type Principal interface {
	// GetClaims returns the claims carried by the token.
	GetClaims() map[string]any
	// GetSubject returns the 'sub' claim.
	GetSubject() string
}

// TokenValidator validates access tokens.
type TokenValidator interface {
	// ValidateToken returns the principal for a valid token, or an error wrapping
	// ErrInvalidToken.
	ValidateToken(ctx context.Context, tokenString string) (Principal, error)
}

type principalKeyType struct{}

var principalKey = principalKeyType{}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the Principal from the context, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Middleware rejects requests without a valid bearer token with 401 and stores the
// principal of accepted requests in their context. A nil validator disables the check.
func Middleware(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err == nil {
				var principal Principal
				principal, err = validator.ValidateToken(r.Context(), token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
					return
				}
			}
			if logger != nil {
				logger.Warn("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="copilot-bridge"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}
