package replica

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"replicad/pkg/types"
)

// Request completion statuses recorded by the envelope.
const (
	StatusOK        = "OK"
	StatusCancelled = "CANCELLED"
	StatusError     = "ERROR"
)

// wrapUserCall is the per-request envelope around every dispatch. It
// establishes the request-scoped context, records timing, classifies the
// completion, emits exactly one access-log record and one metrics
// observation, and re-returns the original failure after bookkeeping.
func (r *Replica) wrapUserCall(ctx context.Context, md *types.RequestMetadata, fn func(ctx context.Context) error) error {
	if md.RequestID == "" {
		md.RequestID = uuid.NewString()
	}
	ctx = withRequestContext(ctx, RequestContext{
		RequestID:          md.RequestID,
		Route:              md.Route,
		AppName:            r.id.AppName,
		MultiplexedModelID: md.MultiplexedModelID,
		GRPCContext:        md.GRPCContext,
	})

	r.metrics.IncPending()
	start := time.Now()

	// The host flips the request to running once dispatch has acquired
	// shared access, so pending covers the wait behind an exclusive
	// reconfigure.
	err := fn(ctx)
	r.metrics.DecRunning()

	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)
	status := StatusOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = StatusCancelled
	default:
		status = StatusError
	}

	evt := r.accessLogger().Info().
		Str("request_id", md.RequestID).
		Str("route", md.Route).
		Str("method", md.CallMethod).
		Str("status", status).
		Float64("latency_ms", latencyMS)
	if status == StatusError {
		evt = evt.Err(err)
	}
	evt.Msg("request finished")

	r.metrics.RecordRequest(md.Route, status, latencyMS, err != nil)
	return err
}
