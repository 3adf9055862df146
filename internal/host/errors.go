package host

import (
	"errors"
	"fmt"
	"strings"
)

// InitializationError marks a failed handler construction or first health
// check. Fatal to the startup attempt; the orchestrator may retry by
// recreating the replica.
type InitializationError struct{ Err error }

func (e *InitializationError) Error() string { return "initialization failed: " + e.Err.Error() }
func (e *InitializationError) Unwrap() error { return e.Err }

// IsInitializationError reports whether err marks a failed startup attempt.
func IsInitializationError(err error) bool {
	var t *InitializationError
	return errors.As(err, &t)
}

// ConfigError marks reconfigure misuse: a bare-function handler, or a
// handler without a reconfigure method.
type ConfigError struct{ Reason string }

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

func IsConfigError(err error) bool {
	var t *ConfigError
	return errors.As(err, &t)
}

// MethodNotFoundError marks dispatch to an unknown method name. Available
// lists the handler's exported callable methods.
type MethodNotFoundError struct {
	Method    string
	Available []string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %q (available methods: %s)",
		e.Method, strings.Join(e.Available, ", "))
}

func IsMethodNotFound(err error) bool {
	var t *MethodNotFoundError
	return errors.As(err, &t)
}

// UsageError marks a unary/streaming shape mismatch or malformed call
// arguments. Client-visible, never retried.
type UsageError struct{ Reason string }

func (e *UsageError) Error() string { return "usage error: " + e.Reason }

func IsUsageError(err error) bool {
	var t *UsageError
	return errors.As(err, &t)
}

// HealthCheckFailedError propagates a failed user health check.
type HealthCheckFailedError struct{ Err error }

func (e *HealthCheckFailedError) Error() string { return "health check failed: " + e.Err.Error() }
func (e *HealthCheckFailedError) Unwrap() error { return e.Err }

func IsHealthCheckFailed(err error) bool {
	var t *HealthCheckFailedError
	return errors.As(err, &t)
}

// UserCodeError wraps a failure raised by user code during dispatch, with
// the method name attached so the transport can report it to the caller.
type UserCodeError struct {
	Method string
	Err    error
}

func (e *UserCodeError) Error() string {
	return fmt.Sprintf("user code error in %q: %v", e.Method, e.Err)
}
func (e *UserCodeError) Unwrap() error { return e.Err }

func IsUserCodeError(err error) bool {
	var t *UserCodeError
	return errors.As(err, &t)
}
