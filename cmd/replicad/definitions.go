package main

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"replicad/internal/host"
	"replicad/internal/registry"
)

// Built-in definitions available out of the box. Binaries embedding this
// engine register their own the same way.
func init() {
	must(registry.Register("echo", host.Constructor(newEcho)))
	must(registry.Register("echo-fn", host.HandlerFunc(echoFn)))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// echoHandler is a minimal class-like handler used for smoke testing a
// deployment pipeline end to end.
type echoHandler struct {
	mu     sync.RWMutex
	prefix string
}

func newEcho(ctx context.Context, args []any) (any, error) {
	prefix := "echo: "
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			prefix = s
		}
	}
	return &echoHandler{prefix: prefix}, nil
}

func (e *echoHandler) Reconfigure(ctx context.Context, userConfig map[string]any) error {
	if p, ok := userConfig["prefix"].(string); ok {
		e.mu.Lock()
		e.prefix = p
		e.mu.Unlock()
	}
	return nil
}

func (e *echoHandler) CheckHealth(ctx context.Context) error { return nil }

// Echo returns its argument with the configured prefix.
func (e *echoHandler) Echo(ctx context.Context, msg string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prefix + msg, nil
}

// Repeat streams the message back n times.
func (e *echoHandler) Repeat(ctx context.Context, msg string, n int) iter.Seq[any] {
	e.mu.RLock()
	prefix := e.prefix
	e.mu.RUnlock()
	return func(yield func(any) bool) {
		for i := 0; i < n; i++ {
			if !yield(fmt.Sprintf("%s%s %d", prefix, msg, i)) {
				return
			}
		}
	}
}

// echoFn is the bare-function variant.
func echoFn(ctx context.Context, args []any) (any, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return "echo: " + strings.Join(parts, " "), nil
}
