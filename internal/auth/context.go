package auth

import "context"

type ctxKey struct{}

// Principal is the authenticated caller of an admin endpoint.
type Principal struct {
	Subject string
	Role    string
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
