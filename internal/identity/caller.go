// Package identity carries the verified caller supplied by the identity
// collaborator. HTTP middleware stores it on the request context; handlers
// read it once and pass it explicitly to every service call.
package identity

import (
	"context"
	"strings"
)

type contextKey struct{}

// Caller is a verified identity. Email is the contact address the identity
// provider vouched for; it is the only thing the core trusts.
type Caller struct {
	Email string
}

// NewCaller normalizes the verified email.
func NewCaller(email string) Caller {
	return Caller{Email: strings.ToLower(strings.TrimSpace(email))}
}

func (c Caller) IsZero() bool {
	return c.Email == ""
}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the caller stored by the auth middleware.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(Caller)
	if !ok || c.IsZero() {
		return Caller{}, false
	}
	return c, true
}
