package host

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"replicad/pkg/types"
)

// greeter is the canonical class-like handler: one unary method, one
// streaming method, no Reconfigure.
type greeter struct{}

func newGreeter(ctx context.Context, args []any) (any, error) {
	return &greeter{}, nil
}

func (g *greeter) Greet(name string) (string, error) {
	return "hi " + name, nil
}

func (g *greeter) CountUp(n int) iter.Seq[any] {
	return func(yield func(any) bool) {
		for i := 0; i < n; i++ {
			if !yield(i) {
				return
			}
		}
	}
}

func (g *greeter) Fail() (string, error) {
	return "", errors.New("boom")
}

func mustHost(t *testing.T, def any, initArgs []any) *UserCallableHost {
	t.Helper()
	h, err := New(def, initArgs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.InitializeCallable(context.Background()); err != nil {
		t.Fatalf("InitializeCallable: %v", err)
	}
	return h
}

func unaryMD(method string) types.RequestMetadata {
	return types.RequestMetadata{RequestID: "r1", Route: "/test", CallMethod: method}
}

func TestNewRejectsUnknownDefinition(t *testing.T) {
	if _, err := New(42, nil); err == nil {
		t.Fatalf("expected error for non-callable definition")
	}
	if _, err := New(func() {}, nil); err == nil {
		t.Fatalf("expected error for untyped func definition")
	}
}

func TestDispatchUnaryGreet(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	result, err := h.DispatchUnary(context.Background(), unaryMD("Greet"), &Call{Args: []any{"Alice"}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result != "hi Alice" {
		t.Fatalf("expected %q got %v", "hi Alice", result)
	}
}

func TestDispatchUnaryMethodNotFound(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	_, err := h.DispatchUnary(context.Background(), unaryMD("Nope"), &Call{})
	if !IsMethodNotFound(err) {
		t.Fatalf("expected MethodNotFoundError, got %v", err)
	}
	var nf *MethodNotFoundError
	errors.As(err, &nf)
	want := []string{"CountUp", "Fail", "Greet"}
	if len(nf.Available) != len(want) {
		t.Fatalf("available=%v want %v", nf.Available, want)
	}
	for i := range want {
		if nf.Available[i] != want[i] {
			t.Fatalf("available=%v want %v", nf.Available, want)
		}
	}
	if !strings.Contains(err.Error(), "Greet") {
		t.Fatalf("error should list available methods: %v", err)
	}
}

func TestDispatchUnaryRejectsStreamingMethod(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	_, err := h.DispatchUnary(context.Background(), unaryMD("CountUp"), &Call{Args: []any{3}})
	if !IsUsageError(err) {
		t.Fatalf("expected UsageError, got %v", err)
	}
}

func TestDispatchStreamingRejectsUnaryMethod(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	err := h.DispatchStreaming(context.Background(), unaryMD("Greet"), &Call{Args: []any{"x"}},
		func(any) error { return nil })
	if !IsUsageError(err) {
		t.Fatalf("expected UsageError, got %v", err)
	}
}

func TestDispatchStreamingCountUp(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	var got []any
	err := h.DispatchStreaming(context.Background(), unaryMD("CountUp"), &Call{Args: []any{4}},
		func(v any) error {
			got = append(got, v)
			return nil
		})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 elements, got %v", got)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("element %d = %v", i, v)
		}
	}
}

func TestDispatchUnaryWrapsUserError(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	_, err := h.DispatchUnary(context.Background(), unaryMD("Fail"), &Call{})
	if !IsUserCodeError(err) {
		t.Fatalf("expected UserCodeError, got %v", err)
	}
	var uce *UserCodeError
	errors.As(err, &uce)
	if uce.Method != "Fail" {
		t.Fatalf("method context = %q", uce.Method)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("original error lost: %v", err)
	}
}

func TestDispatchUnaryWrongArgCount(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	_, err := h.DispatchUnary(context.Background(), unaryMD("Greet"), &Call{Args: []any{"a", "b"}})
	if !IsUsageError(err) {
		t.Fatalf("expected UsageError, got %v", err)
	}
}

// chanStreamer exposes a channel-shaped streaming method.
type chanStreamer struct{}

func (c *chanStreamer) Ticks(ctx context.Context, n int) (<-chan any, error) {
	ch := make(chan any)
	go func() {
		defer close(ch)
		for i := 0; i < n; i++ {
			select {
			case ch <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func TestDispatchStreamingChannel(t *testing.T) {
	h := mustHost(t, Constructor(func(ctx context.Context, args []any) (any, error) {
		return &chanStreamer{}, nil
	}), nil)
	var got []any
	err := h.DispatchStreaming(context.Background(), unaryMD("Ticks"), &Call{Args: []any{3}},
		func(v any) error {
			got = append(got, v)
			return nil
		})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 elements, got %v", got)
	}
}

func TestDispatchStreamingCancellation(t *testing.T) {
	h := mustHost(t, Constructor(func(ctx context.Context, args []any) (any, error) {
		return &chanStreamer{}, nil
	}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	var n int
	err := h.DispatchStreaming(ctx, unaryMD("Ticks"), &Call{Args: []any{1000000}},
		func(v any) error {
			n++
			if n == 3 {
				cancel()
			}
			return nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n < 3 {
		t.Fatalf("expected at least 3 elements before cancel, got %d", n)
	}
}

func TestCallReconfigureMissingMethod(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	err := h.CallReconfigure(context.Background(), map[string]any{"x": 1})
	if !IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestCallReconfigureBareFunction(t *testing.T) {
	h := mustHost(t, HandlerFunc(func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	}), nil)
	err := h.CallReconfigure(context.Background(), map[string]any{"x": 1})
	if !IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestCallReconfigureEmptyConfigNoop(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	if err := h.CallReconfigure(context.Background(), nil); err != nil {
		t.Fatalf("empty config should no-op, got %v", err)
	}
}

// reconfigurable tracks config application and can be made to tear if a
// dispatch overlaps a reconfigure.
type reconfigurable struct {
	a, b  int
	calls int
}

func (r *reconfigurable) Reconfigure(ctx context.Context, userConfig map[string]any) error {
	r.calls++
	v, _ := userConfig["v"].(int)
	if v < 0 {
		return errors.New("bad config")
	}
	// Apply in two steps with a pause so a concurrent dispatch would
	// observe a torn state if the lock discipline were broken.
	r.a = v
	time.Sleep(time.Millisecond)
	r.b = v
	return nil
}

func (r *reconfigurable) Read() (string, error) {
	if r.a != r.b {
		return "", fmt.Errorf("torn read: a=%d b=%d", r.a, r.b)
	}
	return "ok", nil
}

func TestNoDispatchObservesPartialReconfigure(t *testing.T) {
	h := mustHost(t, Constructor(func(ctx context.Context, args []any) (any, error) {
		return &reconfigurable{}, nil
	}), nil)

	ctx := context.Background()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 1; i < 20; i++ {
			if err := h.CallReconfigure(ctx, map[string]any{"v": i}); err != nil {
				t.Errorf("reconfigure: %v", err)
				return
			}
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := h.DispatchUnary(ctx, unaryMD("Read"), &Call{}); err != nil {
					t.Errorf("dispatch observed partial reconfigure: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestCallReconfigurePropagatesUserError(t *testing.T) {
	h := mustHost(t, Constructor(func(ctx context.Context, args []any) (any, error) {
		return &reconfigurable{}, nil
	}), nil)
	err := h.CallReconfigure(context.Background(), map[string]any{"v": -1})
	if err == nil || IsConfigError(err) {
		t.Fatalf("expected user error propagated unchanged, got %v", err)
	}
}

// teardownHandler counts destructor invocations.
type teardownHandler struct {
	shutdowns atomic.Int32
	muxdowns  atomic.Int32
	fail      bool
}

func (h *teardownHandler) Shutdown(ctx context.Context) error {
	h.shutdowns.Add(1)
	if h.fail {
		return errors.New("teardown exploded")
	}
	return nil
}

func (h *teardownHandler) ShutdownModels(ctx context.Context) error {
	h.muxdowns.Add(1)
	return nil
}

func (h *teardownHandler) Ping() string { return "pong" }

func TestCallDestructorIdempotentUnderConcurrency(t *testing.T) {
	handler := &teardownHandler{}
	h := mustHost(t, Constructor(func(ctx context.Context, args []any) (any, error) {
		return handler, nil
	}), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.CallDestructor(context.Background()); err != nil {
				t.Errorf("destructor: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := handler.shutdowns.Load(); n != 1 {
		t.Fatalf("Shutdown called %d times, want 1", n)
	}
	if n := handler.muxdowns.Load(); n != 1 {
		t.Fatalf("ShutdownModels called %d times, want 1", n)
	}
}

func TestCallDestructorSwallowsTeardownError(t *testing.T) {
	handler := &teardownHandler{fail: true}
	h := mustHost(t, Constructor(func(ctx context.Context, args []any) (any, error) {
		return handler, nil
	}), nil)
	if err := h.CallDestructor(context.Background()); err != nil {
		t.Fatalf("teardown errors must be swallowed, got %v", err)
	}
	// Handler reference is cleared; dispatch no longer resolves methods.
	_, err := h.DispatchUnary(context.Background(), unaryMD("Ping"), &Call{})
	if !IsMethodNotFound(err) {
		t.Fatalf("expected MethodNotFound after destructor, got %v", err)
	}
	// Second call is a no-op even though the first failed internally.
	if err := h.CallDestructor(context.Background()); err != nil {
		t.Fatalf("second destructor call: %v", err)
	}
	if n := handler.shutdowns.Load(); n != 1 {
		t.Fatalf("Shutdown called %d times, want 1", n)
	}
}

// healthHandler fails its health check on demand.
type healthHandler struct{ healthy bool }

func (h *healthHandler) CheckHealth(ctx context.Context) error {
	if !h.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func TestCallHealthCheck(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	// No CheckHealth method resolves to a no-op.
	if err := h.CallHealthCheck(context.Background()); err != nil {
		t.Fatalf("default health check should pass: %v", err)
	}

	h2 := mustHost(t, Constructor(func(ctx context.Context, args []any) (any, error) {
		return &healthHandler{healthy: false}, nil
	}), nil)
	err := h2.CallHealthCheck(context.Background())
	if !IsHealthCheckFailed(err) {
		t.Fatalf("expected HealthCheckFailedError, got %v", err)
	}
}

func TestInitializeCallableConstructorFailure(t *testing.T) {
	h, err := New(Constructor(func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("cannot construct")
	}), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = h.InitializeCallable(context.Background())
	if !IsInitializationError(err) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
}

func TestDispatchBareFunction(t *testing.T) {
	h := mustHost(t, HandlerFunc(func(ctx context.Context, args []any) (any, error) {
		return fmt.Sprintf("got %d args", len(args)), nil
	}), nil)
	result, err := h.DispatchUnary(context.Background(), unaryMD(""), &Call{Args: []any{1, 2}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result != "got 2 args" {
		t.Fatalf("result = %v", result)
	}
}

func TestDispatchUnaryGRPC(t *testing.T) {
	h := mustHost(t, Constructor(newGreeter), nil)
	md := unaryMD("Greet")
	md.IsGRPC = true
	md.GRPCContext = &types.GRPCContext{ServiceMethod: "svc/Greet"}
	result, err := h.DispatchUnary(context.Background(), md, &Call{GRPCPayload: []byte(`"Bob"`)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	gr, ok := result.(GRPCResult)
	if !ok {
		t.Fatalf("expected GRPCResult, got %T", result)
	}
	if gr.Context == nil || gr.Context.ServiceMethod != "svc/Greet" {
		t.Fatalf("protocol context not paired with result: %+v", gr)
	}
	if string(gr.Payload) != `"hi Bob"` {
		t.Fatalf("payload = %s", gr.Payload)
	}
}

// grpcCtxHandler declares a protocol-context parameter.
type grpcCtxHandler struct{}

func (g *grpcCtxHandler) WhoAmI(ctx context.Context, name string, gc *types.GRPCContext) (string, error) {
	if gc == nil {
		return name + "/none", nil
	}
	return name + "/" + gc.ServiceMethod, nil
}

func TestGRPCContextInjection(t *testing.T) {
	h := mustHost(t, Constructor(func(ctx context.Context, args []any) (any, error) {
		return &grpcCtxHandler{}, nil
	}), nil)
	md := unaryMD("WhoAmI")
	md.IsGRPC = true
	md.GRPCContext = &types.GRPCContext{ServiceMethod: "svc/WhoAmI"}
	result, err := h.DispatchUnary(context.Background(), md, &Call{GRPCPayload: []byte(`"x"`)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	gr := result.(GRPCResult)
	if string(gr.Payload) != `"x/svc/WhoAmI"` {
		t.Fatalf("payload = %s", gr.Payload)
	}
}
