package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/docmchurch/mailqueue/internal/metrics"
)

type contextKey string

const (
	clientIDKey contextKey = "client_id"
	subjectKey  contextKey = "subject"
	roleKey     contextKey = "role"
)

// ClientFromContext returns the authenticated API client id, or "".
func ClientFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey).(string); ok {
		return id
	}
	return ""
}

// SubjectFromContext returns the operator token subject, or "".
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey).(string); ok {
		return s
	}
	return ""
}

// RoleFromContext returns the operator role, or "".
func RoleFromContext(ctx context.Context) string {
	if role, ok := ctx.Value(roleKey).(string); ok {
		return role
	}
	return ""
}

// WithOperator stores operator identity in ctx.
func WithOperator(ctx context.Context, subject, role string) context.Context {
	ctx = context.WithValue(ctx, subjectKey, subject)
	return context.WithValue(ctx, roleKey, role)
}

// WithClient stores the API client id in ctx.
func WithClient(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// bearer extracts the token from an "Authorization: Bearer" header.
func bearer(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", `{"error":"authorization header required"}`
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", `{"error":"invalid authorization format, expected Bearer <token>"}`
	}
	if parts[1] == "" {
		return "", `{"error":"empty token"}`
	}
	return parts[1], ""
}

func unauthorized(w http.ResponseWriter, scheme, body string) {
	metrics.APIAuthFailuresTotal.WithLabelValues(scheme).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(body))
}

// APIKeyAuth returns an HTTP middleware that accepts a client API key as
// either "Authorization: Bearer <key>" or "X-API-Key: <key>". When no
// keys are configured every request is let through as client "anonymous".
func APIKeyAuth(keys *APIKeys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys == nil || keys.Len() == 0 {
				next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), "anonymous")))
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				var msg string
				key, msg = bearer(r)
				if key == "" {
					unauthorized(w, "api_key", msg)
					return
				}
			}

			id, err := keys.Lookup(key)
			if err != nil {
				unauthorized(w, "api_key", `{"error":"invalid API key"}`)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), id)))
		})
	}
}

// JWTAuth returns an HTTP middleware that validates operator Bearer
// tokens and injects the subject and role into the request context.
func JWTAuth(jwtService *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, msg := bearer(r)
			if tokenStr == "" {
				unauthorized(w, "bearer", msg)
				return
			}

			claims, err := jwtService.ValidateToken(tokenStr)
			if err != nil {
				unauthorized(w, "bearer", `{"error":"invalid or expired token"}`)
				return
			}

			ctx := WithOperator(r.Context(), claims.Subject, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
