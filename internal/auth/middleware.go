package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached by Middleware, or Anonymous.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(contextKey{}).(Identity); ok {
		return id
	}
	return Anonymous
}

// Middleware resolves the caller identity. A request without a token
// proceeds as Anonymous; a token that does not verify is rejected with 401.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Anonymous)))
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				unauthorized(w, r, "invalid authorization format")
				return
			}
			id, err := a.Verify(strings.TrimSpace(token))
			if err != nil {
				unauthorized(w, r, "invalid caller token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	clientIP := r.Header.Get("X-Real-IP")
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}
	slog.Warn("caller auth: rejected", slog.String("ip", clientIP), slog.String("path", r.URL.Path), slog.String("reason", msg))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": "unauthorized", "message": msg},
	})
}
