// Package registry maps deployment definition names to handler definitions.
// Dynamic code loading is out of scope, so the set of definitions a binary
// can serve is registered at startup and resolved by name, the same role an
// import path plays in dynamically-loaded systems.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	mu   sync.RWMutex
	defs = map[string]any{}
)

// Register adds a named handler definition. Definitions must be a
// host.HandlerFunc or host.Constructor; validation happens when a replica is
// built from the entry. Registering an existing name replaces it.
func Register(name string, def any) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("registry: empty definition name")
	}
	if def == nil {
		return fmt.Errorf("registry: nil definition for %q", name)
	}
	mu.Lock()
	defs[name] = def
	mu.Unlock()
	return nil
}

// Resolve returns the definition registered under name.
func Resolve(name string) (any, error) {
	mu.RLock()
	def, ok := defs[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown definition %q (registered: %s)",
			name, strings.Join(Names(), ", "))
	}
	return def, nil
}

// Names lists registered definition names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
