package middleware

import (
	"context"
	"time"
)

// clientContextKey is the context key for authenticated client information.
// Using a struct{} key prevents collisions with other packages.
type clientContextKey struct{}

// ClientContext contains authenticated client information extracted from a
// validated API key. It is stored in the request context by the
// authentication middleware and consumed by handlers for authorization and
// audit logging.
type ClientContext struct {
	// ClientID identifies the client that owns the API key.
	ClientID string

	// Name is the human-readable name of the API key.
	Name string

	// Permissions lists the operations the key is allowed to perform.
	Permissions []string

	// KeyID is the unique identifier of the API key used.
	KeyID string

	// AuthTime records when authentication completed.
	AuthTime time.Time
}

// HasPermission reports whether the client holds the named permission.
// The wildcard permission "*" grants everything.
func (c ClientContext) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}

	return false
}

// SetClientContext stores client context in the request context.
func SetClientContext(ctx context.Context, clientCtx ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, clientCtx)
}

// GetClientContext retrieves client context from the request context.
// Returns (ClientContext{}, false) if no client is authenticated.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	clientCtx, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return clientCtx, ok
}
