package x402engine

import "context"

type paymentContextKey struct{}

// NewContext returns a copy of ctx carrying a verified payment. The
// middleware adapters call this before handing the request to the
// protected handler.
func NewContext(ctx context.Context, vp *VerifiedPayment) context.Context {
	return context.WithValue(ctx, paymentContextKey{}, vp)
}

// FromContext extracts the verified payment attached by the middleware,
// reporting whether one is present.
func FromContext(ctx context.Context) (*VerifiedPayment, bool) {
	vp, ok := ctx.Value(paymentContextKey{}).(*VerifiedPayment)
	return vp, ok
}
