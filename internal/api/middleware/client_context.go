package middleware

import (
	"context"
	"slices"
	"time"
)

type clientContextKey struct{}

// ClientContext describes the authenticated caller of a request. The
// authentication middleware attaches it after a key is accepted.
type ClientContext struct {
	// ClientID identifies the sending system, e.g. a modality or PACS node.
	ClientID string

	Name        string
	Permissions []string

	// KeyID is the ID of the API key used, for audit logging.
	KeyID string

	AuthTime time.Time
}

// HasPermission reports whether the client was granted permission.
func (c ClientContext) HasPermission(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}

// GetClientContext returns the client attached to ctx, if any.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	clientCtx, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return clientCtx, ok
}

// SetClientContext returns a copy of ctx carrying clientCtx.
func SetClientContext(ctx context.Context, clientCtx ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, clientCtx)
}
