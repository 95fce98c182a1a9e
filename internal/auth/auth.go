// Package auth validates bearer tokens into per-request identities and
// binds them to the request context. The user id recovered here is the
// only legitimate source of user scoping downstream; tool parameters are
// never trusted for identity.
package auth

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/domain"
)

// AuthInfo is the claims record materialized from a validated token.
type AuthInfo struct {
	UserID         string              `json:"user_id"`
	Email          string              `json:"email,omitempty"`
	Sub            string              `json:"sub,omitempty"`
	RealmRoles     []string            `json:"realm_roles,omitempty"`
	ResourceAccess map[string][]string `json:"resource_access,omitempty"`
	Scopes         []string            `json:"scopes,omitempty"`
}

// contextKey is an unexported type for context keys in this package.
type contextKey struct{}

var authKey = contextKey{}

// WithAuth returns a context carrying the validated identity.
func WithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authKey, info)
}

// From extracts the identity from the context, or nil if absent.
func From(ctx context.Context) *AuthInfo {
	if v, ok := ctx.Value(authKey).(*AuthInfo); ok {
		return v
	}
	return nil
}

// CurrentUserID returns the authenticated user id for this request.
// Returns ErrUnauthenticated when no identity is bound.
func CurrentUserID(ctx context.Context) (string, error) {
	info := From(ctx)
	if info == nil || info.UserID == "" {
		return "", domain.ErrUnauthenticated
	}
	return info.UserID, nil
}
