package api

import (
	"context"

	"github.com/entrepeneur4lyf/chatgate/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const keyInfoContextKey contextKey = "apiKey"

// WithKeyInfo adds the authenticated key to the context
func WithKeyInfo(ctx context.Context, info *auth.KeyInfo) context.Context {
	return context.WithValue(ctx, keyInfoContextKey, info)
}

// KeyInfoFrom retrieves the authenticated key from the context
func KeyInfoFrom(ctx context.Context) (*auth.KeyInfo, bool) {
	info, ok := ctx.Value(keyInfoContextKey).(*auth.KeyInfo)
	return info, ok && info != nil
}
