package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware authenticates HTTP requests before they reach the MCP
// endpoint. Paths on the allowlist (health probes) bypass authentication;
// everything else requires a valid bearer token, which is materialized
// into an AuthInfo on the request context.
type Middleware struct {
	validator Validator
	enabled   bool
	allowlist map[string]bool
	logger    *slog.Logger

	// LocalUser, when set, is the identity bound to every request while
	// authentication is disabled. Intended for single-user local
	// deployments; leave empty to reject unauthenticated traffic.
	LocalUser string
}

// NewMiddleware creates the authentication middleware. When enabled is
// false and no LocalUser is configured, no identities can be
// established, so every tool endpoint rejects while allowlisted paths
// keep working.
func NewMiddleware(validator Validator, enabled bool, logger *slog.Logger) *Middleware {
	return &Middleware{
		validator: validator,
		enabled:   enabled,
		allowlist: map[string]bool{"/health": true},
		logger:    logger,
	}
}

// Wrap returns a handler that authenticates and then delegates to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.allowlist[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !m.enabled {
			if m.LocalUser == "" {
				m.reject(w, "authentication disabled")
				return
			}
			info := &AuthInfo{UserID: m.LocalUser, Sub: m.LocalUser}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), info)))
			return
		}

		token := bearerToken(r)
		if token == "" {
			m.reject(w, "missing bearer token")
			return
		}

		info, err := m.validator.Validate(r.Context(), token)
		if err != nil {
			m.logger.Debug("token validation failed", "error", err)
			m.reject(w, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), info)))
	})
}

func (m *Middleware) reject(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}
