package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

const (
	RoleUser    = "USER"
	RoleOwner   = "OWNER"
	RoleSupport = "SUPPORT"
)

type AccessClaims struct {
	UserID    int64
	Role      string
	ExpiresAt time.Time
}

// Identity is the verified caller attached to a request context.
type Identity struct {
	UserID int64
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok && identity.UserID > 0
}

// HasRole reports whether role matches one of allowed, ignoring case.
func HasRole(role string, allowed ...string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(strings.TrimSpace(role), candidate) {
			return true
		}
	}
	return false
}
