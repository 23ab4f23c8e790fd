package physical

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gezibash/arc-backup/internal/storage"
)

// Factory creates a backend from merged options.
type Factory func(ctx context.Context, opts storage.Options) (Backend, error)

// DefaultsFunc returns the default options for a backend.
type DefaultsFunc func() storage.Options

type backendEntry struct {
	Factory  Factory
	Defaults DefaultsFunc
}

var (
	backends   = make(map[string]backendEntry)
	backendsMu sync.RWMutex
)

// Register registers a backend factory with the given name.
// Panics if a backend with the same name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[name]; exists {
		panic(fmt.Sprintf("inventory backend %q already registered", name))
	}
	backends[name] = backendEntry{Factory: factory, Defaults: defaults}
}

// GetDefaults returns the default options for a backend.
func GetDefaults(name string) storage.Options {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	entry, ok := backends[name]
	if !ok || entry.Defaults == nil {
		return nil
	}
	return entry.Defaults()
}

// ListBackends returns the names of all registered backends.
func ListBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered returns true if a backend with the given name is registered.
func IsRegistered(name string) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// New creates a backend by name. opts are merged over the backend's defaults.
func New(ctx context.Context, name string, opts storage.Options) (Backend, error) {
	backendsMu.RLock()
	entry, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, storage.NewConfigError(name, "", fmt.Sprintf("unknown inventory backend %q (available: %v)", name, ListBackends()))
	}

	var defaults storage.Options
	if entry.Defaults != nil {
		defaults = entry.Defaults()
	}

	backend, err := entry.Factory(ctx, storage.Merge(defaults, opts))
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "inventory backend opened", "backend", name)
	return backend, nil
}
