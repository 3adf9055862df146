// Package host owns the user-supplied handler instance. It drives
// construction, reconfiguration, method dispatch (unary and streaming),
// health checks, and teardown under a single-writer/multi-reader lock
// discipline: any number of dispatches run concurrently with each other but
// never concurrently with a reconfigure.
package host

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"replicad/internal/bridge"
	"replicad/internal/metrics"
	"replicad/internal/serde"
	"replicad/pkg/types"
)

// Call carries the dispatch inputs for one request.
type Call struct {
	// Positional arguments for plain method calls.
	Args []any
	// Single serialized payload for gRPC calls.
	GRPCPayload []byte
	// Set for HTTP calls.
	HTTP *HTTPCall
}

// HTTPCall is the raw protocol triple for an HTTP call.
type HTTPCall struct {
	Scope   bridge.Scope
	Receive *bridge.Receiver
	Send    bridge.Sender
}

// GRPCResult pairs a serialized result with its protocol context.
type GRPCResult struct {
	Context *types.GRPCContext
	Payload []byte
}

// UserCallableHost wraps the handler instance serving this replica.
type UserCallableHost struct {
	def        any // HandlerFunc or Constructor, stored unevaluated
	isFunc     bool
	initArgs   []any
	serializer serde.Serializer
	log        zerolog.Logger
	recorder   metrics.Recorder

	// Write = reconfigure (exclusive), read = dispatch (shared).
	rwlock      sync.RWMutex
	callable    any
	table       map[string]*boundMethod
	healthCheck func(ctx context.Context) error

	// The destructor has its own exclusive, idempotency-guarded lock so
	// repeated shutdown signals cannot double-invoke it.
	destructLock sync.Mutex
	destructed   bool
}

// New validates and stores the handler definition unevaluated. def must be a
// HandlerFunc (bare function) or a Constructor (class-like).
func New(def any, initArgs []any) (*UserCallableHost, error) {
	h := &UserCallableHost{
		def:        def,
		initArgs:   initArgs,
		serializer: serde.Default(),
		log:        zerolog.Nop(),
	}
	switch def.(type) {
	case HandlerFunc:
		h.isFunc = true
	case Constructor:
	default:
		return nil, fmt.Errorf("definition must be a host.HandlerFunc or host.Constructor, got %T", def)
	}
	return h, nil
}

// SetLogger installs a structured logger used by the host.
func (h *UserCallableHost) SetLogger(l zerolog.Logger) { h.log = l }

// SetSerializer replaces the payload serializer.
func (h *UserCallableHost) SetSerializer(s serde.Serializer) {
	if s != nil {
		h.serializer = s
	}
}

// SetRecorder installs the queue recorder. The host flips a request from
// pending to running once dispatch has acquired shared access, so time spent
// waiting behind an exclusive reconfigure counts as pending.
func (h *UserCallableHost) SetRecorder(rec metrics.Recorder) { h.recorder = rec }

func (h *UserCallableHost) markRunning() {
	if h.recorder != nil {
		h.recorder.PendingToRunning()
	}
}

// Callable returns the handler instance, or nil before initialization.
func (h *UserCallableHost) Callable() any {
	h.rwlock.RLock()
	defer h.rwlock.RUnlock()
	return h.callable
}

// InitializeCallable instantiates the handler, builds the method table,
// resolves the health check, and runs the app-adapter startup hook if the
// handler exposes one. The caller is responsible for running this exactly
// once.
func (h *UserCallableHost) InitializeCallable(ctx context.Context) error {
	h.log.Info().Msg("started initializing handler")

	var callable any
	if h.isFunc {
		callable = h.def
	} else {
		c, err := h.def.(Constructor)(ctx, h.initArgs)
		if err != nil {
			return &InitializationError{Err: err}
		}
		if c == nil {
			return &InitializationError{Err: errors.New("constructor returned nil handler")}
		}
		callable = c
	}

	check := func(context.Context) error { return nil }
	if hc, ok := callable.(HealthChecker); ok {
		check = hc.CheckHealth
	}

	if _, ok := callable.(AppAdapter); ok {
		if hook, ok := callable.(StartupHook); ok {
			if err := hook.Startup(ctx); err != nil {
				return &InitializationError{Err: err}
			}
		}
	}

	h.rwlock.Lock()
	h.callable = callable
	h.table = buildMethodTable(callable)
	h.healthCheck = check
	h.rwlock.Unlock()

	h.log.Info().Msg("finished initializing handler")
	return nil
}

// CallReconfigure applies updated user config under exclusive access. It
// no-ops on empty config and fails with ConfigError when the handler cannot
// accept config (bare function or missing Reconfigure). User errors
// propagate unchanged.
func (h *UserCallableHost) CallReconfigure(ctx context.Context, userConfig map[string]any) error {
	if len(userConfig) == 0 {
		return nil
	}
	h.rwlock.Lock()
	defer h.rwlock.Unlock()
	if h.isFunc {
		return &ConfigError{Reason: "user config requires a class-like handler, not a bare function"}
	}
	r, ok := h.callable.(Reconfigurable)
	if !ok {
		return &ConfigError{Reason: "user config specified but handler has no Reconfigure method"}
	}
	return r.Reconfigure(ctx, userConfig)
}

// CallHealthCheck runs the resolved health check.
func (h *UserCallableHost) CallHealthCheck(ctx context.Context) error {
	h.rwlock.RLock()
	check := h.healthCheck
	h.rwlock.RUnlock()
	if check == nil {
		return &HealthCheckFailedError{Err: errors.New("handler not initialized")}
	}
	if err := check(ctx); err != nil {
		return &HealthCheckFailedError{Err: err}
	}
	return nil
}

// DispatchUnary runs a request→response call under shared access.
func (h *UserCallableHost) DispatchUnary(ctx context.Context, md types.RequestMetadata, call *Call) (any, error) {
	h.rwlock.RLock()
	defer h.rwlock.RUnlock()
	h.markRunning()

	h.log.Debug().Str("request_id", md.RequestID).Str("method", md.CallMethod).
		Msg("started executing request")

	if h.isFunc {
		return h.dispatchBareFunc(ctx, md, call)
	}

	// App-adapter handlers take the raw protocol triple for HTTP calls.
	if md.IsHTTP {
		if adapter, ok := h.callable.(AppAdapter); ok {
			httpCall := call.HTTP
			if err := adapter.HandleMessages(ctx, httpCall.Scope, httpCall.Receive, httpCall.Send); err != nil {
				synthesize500(httpCall.Send, err)
				return nil, &UserCodeError{Method: md.CallMethod, Err: err}
			}
			return nil, nil
		}
	}

	m, ok := h.table[md.CallMethod]
	if !ok {
		return nil, &MethodNotFoundError{Method: md.CallMethod, Available: methodNames(h.table)}
	}
	if m.kind != kindUnary {
		return nil, &UsageError{Reason: fmt.Sprintf(
			"method %q is a streaming method; use the streaming call path", md.CallMethod)}
	}

	args, err := h.adaptArgs(ctx, md, call, m)
	if err != nil {
		return nil, err
	}

	out, err := m.call(ctx, md, args)
	if err != nil {
		return nil, err
	}
	val, userErr := m.splitResult(out)
	if userErr != nil {
		if md.IsHTTP {
			synthesize500(call.HTTP.Send, userErr)
		}
		return nil, &UserCodeError{Method: md.CallMethod, Err: userErr}
	}

	var result any
	if m.hasValue {
		result = val.Interface()
	}
	switch {
	case md.IsHTTP:
		// Plain handlers do not speak the message protocol themselves, so
		// the result is pushed through the response bridge here.
		if err := h.sendUserResult(call.HTTP.Send, result); err != nil {
			return nil, &UserCodeError{Method: md.CallMethod, Err: err}
		}
		return result, nil
	case md.IsGRPC:
		payload, err := h.serializer.Marshal(result)
		if err != nil {
			return nil, &UserCodeError{Method: md.CallMethod, Err: err}
		}
		return GRPCResult{Context: md.GRPCContext, Payload: payload}, nil
	default:
		return result, nil
	}
}

// DispatchStreaming runs a request→sequence call under shared access,
// invoking yield once per produced element. The target must be a
// streaming-shaped method. Cancelling ctx stops in-flight work cooperatively
// at the next element boundary.
func (h *UserCallableHost) DispatchStreaming(ctx context.Context, md types.RequestMetadata, call *Call, yield func(any) error) error {
	h.rwlock.RLock()
	defer h.rwlock.RUnlock()
	h.markRunning()

	h.log.Debug().Str("request_id", md.RequestID).Str("method", md.CallMethod).
		Msg("started executing streaming request")

	emit := yield
	if md.IsGRPC {
		emit = func(v any) error {
			payload, err := h.serializer.Marshal(v)
			if err != nil {
				return &UserCodeError{Method: md.CallMethod, Err: err}
			}
			return yield(GRPCResult{Context: md.GRPCContext, Payload: payload})
		}
	}

	if h.isFunc {
		result, err := h.dispatchBareFunc(ctx, md, call)
		if err != nil {
			return err
		}
		rs, ok := streamFromValue(result)
		if !ok {
			return &UsageError{Reason: "for streaming calls the bare function must return an iter.Seq[any] or a receive channel"}
		}
		return rs.consume(ctx, emit)
	}

	m, ok := h.table[md.CallMethod]
	if !ok {
		return &MethodNotFoundError{Method: md.CallMethod, Available: methodNames(h.table)}
	}
	if m.kind == kindUnary {
		return &UsageError{Reason: fmt.Sprintf(
			"streaming calls require a streaming method, but %q is unary", md.CallMethod)}
	}

	args, err := h.adaptArgs(ctx, md, call, m)
	if err != nil {
		return err
	}
	out, err := m.call(ctx, md, args)
	if err != nil {
		return err
	}
	val, userErr := m.splitResult(out)
	if userErr != nil {
		return &UserCodeError{Method: md.CallMethod, Err: userErr}
	}
	return newResultStream(m.kind, val).consume(ctx, emit)
}

// CallDestructor tears the handler down. Exclusive and idempotent: a second
// invocation after success or failure is a no-op. Teardown errors are logged
// and swallowed; the handler reference is cleared unconditionally.
func (h *UserCallableHost) CallDestructor(ctx context.Context) error {
	h.destructLock.Lock()
	defer h.destructLock.Unlock()
	if h.destructed {
		return nil
	}
	h.destructed = true

	h.rwlock.Lock()
	callable := h.callable
	h.callable = nil
	h.table = nil
	h.rwlock.Unlock()

	if callable == nil {
		return nil
	}
	if hook, ok := callable.(ShutdownHook); ok {
		if err := hook.Shutdown(ctx); err != nil {
			h.log.Warn().Err(err).Msg("exception during graceful shutdown of handler")
		}
	}
	if mux, ok := callable.(ModelMultiplexer); ok {
		if err := mux.ShutdownModels(ctx); err != nil {
			h.log.Warn().Err(err).Msg("exception shutting down model multiplexer")
		}
	}
	return nil
}

// dispatchBareFunc invokes a bare-function handler with the adapted args.
func (h *UserCallableHost) dispatchBareFunc(ctx context.Context, md types.RequestMetadata, call *Call) (any, error) {
	args := call.Args
	switch {
	case md.IsHTTP:
		args = []any{newHTTPRequest(ctx, call.HTTP)}
	case md.IsGRPC:
		var payload any
		if err := h.serializer.Unmarshal(call.GRPCPayload, &payload); err != nil {
			return nil, &UsageError{Reason: "malformed payload: " + err.Error()}
		}
		args = []any{payload}
	}
	result, err := h.def.(HandlerFunc)(ctx, args)
	if err != nil {
		if md.IsHTTP {
			synthesize500(call.HTTP.Send, err)
		}
		return nil, &UserCodeError{Method: md.CallMethod, Err: err}
	}
	if md.IsHTTP {
		if err := h.sendUserResult(call.HTTP.Send, result); err != nil {
			return nil, &UserCodeError{Method: md.CallMethod, Err: err}
		}
	}
	return result, nil
}

// adaptArgs maps the transport-specific call shape onto the method's
// positional arguments.
func (h *UserCallableHost) adaptArgs(ctx context.Context, md types.RequestMetadata, call *Call, m *boundMethod) ([]any, error) {
	switch {
	case md.IsHTTP:
		// Edge case: methods with no parameters are called without the
		// adapted request object.
		if m.numArgs == 0 {
			return nil, nil
		}
		return []any{newHTTPRequest(ctx, call.HTTP)}, nil
	case md.IsGRPC:
		if m.numArgs == 0 {
			return nil, nil
		}
		arg, err := h.decodeGRPCArg(call.GRPCPayload, m)
		if err != nil {
			return nil, err
		}
		return []any{arg}, nil
	default:
		return call.Args, nil
	}
}

// decodeGRPCArg deserializes the single gRPC payload into the method's
// first user-filled parameter type.
func (h *UserCallableHost) decodeGRPCArg(payload []byte, m *boundMethod) (any, error) {
	for _, t := range m.ins {
		if t == ctxType || t == grpcCtxType {
			continue
		}
		dst := reflect.New(t)
		if err := h.serializer.Unmarshal(payload, dst.Interface()); err != nil {
			return nil, &UsageError{Reason: "malformed payload: " + err.Error()}
		}
		return dst.Elem().Interface(), nil
	}
	return nil, nil
}

func newHTTPRequest(ctx context.Context, httpCall *HTTPCall) *HTTPRequest {
	return &HTTPRequest{
		Method:  httpCall.Scope.Method,
		Path:    httpCall.Scope.Path,
		Query:   httpCall.Scope.Query,
		Headers: httpCall.Scope.Headers,
		Body:    httpCall.Receive.Reader(ctx),
	}
}

// streamFromValue classifies a runtime value as a stream for bare-function
// streaming results.
func streamFromValue(v any) (*resultStream, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	kind := streamKind(rv.Type())
	if kind == kindUnary {
		return nil, false
	}
	return newResultStream(kind, rv), true
}
