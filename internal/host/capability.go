package host

import (
	"context"

	"replicad/internal/bridge"
)

// Definition is what the control plane deploys onto a replica: either a
// bare function or a constructor producing a handler instance. Exactly one
// of the two shapes is valid.

// HandlerFunc is a bare-function definition. It handles every call itself;
// the method name is ignored and reconfigure is unsupported.
type HandlerFunc func(ctx context.Context, args []any) (any, error)

// Constructor builds a handler instance from init args. Construction may
// block; it runs under the initialization context.
type Constructor func(ctx context.Context, args []any) (any, error)

// Reconfigurable handlers accept user-config updates without restarting.
type Reconfigurable interface {
	Reconfigure(ctx context.Context, userConfig map[string]any) error
}

// HealthChecker handlers supply their own liveness probe. Handlers without
// it get a no-op check.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// ShutdownHook is the optional teardown invoked by the destructor.
type ShutdownHook interface {
	Shutdown(ctx context.Context) error
}

// ModelMultiplexer is the optional auxiliary subsystem shut down alongside
// the handler (one replica serving several logical models).
type ModelMultiplexer interface {
	ShutdownModels(ctx context.Context) error
}

// AppAdapter handlers speak the message protocol directly: they receive the
// raw (scope, receive, send) triple instead of an adapted request object.
type AppAdapter interface {
	HandleMessages(ctx context.Context, scope bridge.Scope, recv *bridge.Receiver, send bridge.Sender) error
}

// StartupHook runs once after an AppAdapter handler is constructed.
type StartupHook interface {
	Startup(ctx context.Context) error
}
