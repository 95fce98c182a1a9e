package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskmesh/taskmesh/internal/domain"
)

// Validator turns an opaque bearer token into an AuthInfo.
type Validator interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// --- JWT validation ---

// jwtClaims mirrors the Keycloak access-token shape we consume.
type jwtClaims struct {
	Email       string `json:"email"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256-signed access tokens issued by the
// identity provider. The subject claim becomes the user id.
type JWTValidator struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTValidator creates a validator with the given shared secret.
func NewJWTValidator(secret string, logger *slog.Logger) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), logger: logger}
}

func (v *JWTValidator) Validate(_ context.Context, token string) (*AuthInfo, error) {
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", domain.ErrUnauthenticated)
	}

	info := &AuthInfo{
		UserID:     claims.Subject,
		Sub:        claims.Subject,
		Email:      claims.Email,
		RealmRoles: claims.RealmAccess.Roles,
	}
	if len(claims.ResourceAccess) > 0 {
		info.ResourceAccess = make(map[string][]string, len(claims.ResourceAccess))
		for client, access := range claims.ResourceAccess {
			info.ResourceAccess[client] = access.Roles
		}
	}
	if claims.Scope != "" {
		info.Scopes = splitScopes(claims.Scope)
	}
	return info, nil
}

func splitScopes(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return out
}

// --- API token validation ---

// TokenStore is the persistence contract the API-token validator needs.
type TokenStore interface {
	FindByHash(ctx context.Context, hash string) (*domain.ApiToken, error)
	TouchUsage(ctx context.Context, id string, usedAt time.Time) error
}

// APITokenValidator validates stored API tokens (tmk_ prefix) by hash
// lookup. Each successful validation touches last_used_at and increments
// usage_count.
type APITokenValidator struct {
	store  TokenStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAPITokenValidator creates a validator backed by the given store.
func NewAPITokenValidator(store TokenStore, logger *slog.Logger) *APITokenValidator {
	return &APITokenValidator{store: store, logger: logger, now: time.Now}
}

func (v *APITokenValidator) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	rec, err := v.store.FindByHash(ctx, domain.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown token", domain.ErrUnauthenticated)
	}
	now := v.now()
	if !rec.IsActive || rec.Expired(now) {
		return nil, fmt.Errorf("%w: token inactive or expired", domain.ErrUnauthenticated)
	}
	if err := v.store.TouchUsage(ctx, rec.ID, now); err != nil {
		// Usage accounting is best effort; the request proceeds.
		v.logger.Warn("failed to touch token usage", "token_id", rec.ID, "error", err)
	}
	return &AuthInfo{UserID: rec.UserID, Sub: rec.UserID, Scopes: rec.Scopes}, nil
}

// ChainValidator tries each validator in order and returns the first
// success. All failures collapse into a single unauthenticated error.
type ChainValidator struct {
	validators []Validator
}

// NewChainValidator creates a validator that accepts any of the given
// token forms.
func NewChainValidator(validators ...Validator) *ChainValidator {
	return &ChainValidator{validators: validators}
}

func (c *ChainValidator) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	for _, v := range c.validators {
		info, err := v.Validate(ctx, token)
		if err == nil {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid bearer token", domain.ErrUnauthenticated)
}
