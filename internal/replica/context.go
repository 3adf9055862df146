package replica

import (
	"context"

	"replicad/pkg/types"
)

// RequestContext is the request-scoped metadata installed by the envelope
// around every dispatch. User code can recover it with FromContext.
type RequestContext struct {
	RequestID          string
	Route              string
	AppName            string
	MultiplexedModelID string
	GRPCContext        *types.GRPCContext
}

type requestContextKey struct{}

func withRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the request context installed by the envelope.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}
