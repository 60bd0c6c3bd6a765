// Package identity carries the acting user and tenant scope.
//
// Actors come from HS256 bearer tokens. The replica stamps the actor onto
// entities it creates; the hub uses the same tokens to authenticate
// submissions and subscriptions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when no valid credentials were presented.
var ErrUnauthenticated = errors.New("authentication required")

// Actor is the user on whose behalf writes are made.
type Actor struct {
	ID       string
	TenantID string
	Roles    []string
}

// Anonymous is used when no identity is configured.
var Anonymous = Actor{ID: "anonymous"}

type claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Issue signs a token for actor that expires after ttl. A non-positive ttl issues a
// token without expiry.
func Issue(secret string, actor Actor, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if actor.ID == "" {
		return "", errors.New("actor id is required")
	}
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actor.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		TenantID: actor.TenantID,
		Roles:    actor.Roles,
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates token and returns its actor.
func Parse(secret, token string) (Actor, error) {
	if strings.TrimSpace(secret) == "" {
		return Actor{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return Actor{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if c.Subject == "" {
		return Actor{}, fmt.Errorf("%w: subject claim required", ErrUnauthenticated)
	}
	return Actor{ID: c.Subject, TenantID: c.TenantID, Roles: c.Roles}, nil
}

// Unverified reads the actor from token without checking its signature.
// Clients use it to learn who they are from the token they were handed; the
// hub still verifies every request.
func Unverified(token string) (Actor, error) {
	c := &claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, c); err != nil {
		return Actor{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if c.Subject == "" {
		return Actor{}, errors.New("subject claim required")
	}
	return Actor{ID: c.Subject, TenantID: c.TenantID, Roles: c.Roles}, nil
}

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// FromContext returns the actor stored in ctx.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// Middleware authenticates requests with a bearer token and stores the
// actor in the request context. Paths in open are served without
// credentials. Browsers cannot set headers on websocket upgrades, so the
// token is also accepted from the access_token query parameter.
func Middleware(secret string, open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			for _, p := range open {
				if req.URL.Path == p {
					next.ServeHTTP(w, req)
					return
				}
			}

			token, ok := BearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				token = req.URL.Query().Get("access_token")
			}
			if token == "" {
				http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
				return
			}
			actor, err := Parse(secret, token)
			if err != nil {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req.WithContext(WithActor(req.Context(), actor)))
		})
	}
}
