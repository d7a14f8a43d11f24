package pipeline

import "context"

type nonceKey struct{}

func withNonce(ctx context.Context, n string) context.Context {
	return context.WithValue(ctx, nonceKey{}, n)
}

// NonceFromContext returns the CSP nonce issued for the request, or "".
func NonceFromContext(ctx context.Context) string {
	n, _ := ctx.Value(nonceKey{}).(string)
	return n
}
