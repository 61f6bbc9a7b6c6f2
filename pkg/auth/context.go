package auth

import (
	"context"
	"time"
)

// Guest is the role given to requests without a valid token.
const Guest = "guest"

// Context is the identity carried by a request.
type Context struct {
	UserID    string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RawClaims map[string]interface{}
}

// IsGuest reports whether the request is unauthenticated.
func (c *Context) IsGuest() bool {
	return c == nil || c.UserID == ""
}

// HasRole checks if the current user has the given role.
func HasRole(auth *Context, role string) bool {
	if auth == nil {
		return false
	}
	for _, r := range auth.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// NewContext returns a new context with the given auth context.
func NewContext(ctx context.Context, authCtx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, authCtx)
}

// FromContext returns the auth context, or a guest when none is set.
func FromContext(ctx context.Context) *Context {
	if c, ok := ctx.Value(contextKey{}).(*Context); ok && c != nil {
		return c
	}
	return &Context{Roles: []string{Guest}}
}
