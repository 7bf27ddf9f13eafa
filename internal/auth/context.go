package auth

import "context"

type contextKey string

const authContextKey contextKey = "dispatch_auth"

// AuthInfo identifies the authenticated ops caller.
type AuthInfo struct {
	KeyName string
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}
