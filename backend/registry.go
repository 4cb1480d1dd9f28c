package backend

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/semshare/driver"
)

// Backend name constants.
const (
	// BackendSoft is the name of the in-process software backend.
	BackendSoft = "soft"
	// BackendNative is the name of the gogpu/wgpu HAL backend.
	BackendNative = "native"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoSuitableBackend is returned by Select when no backend exposes
	// enough adapters with the requested extensions.
	ErrNoSuitableBackend = errors.New("backend: no suitable backend")
)

// Factory creates a new driver instance.
type Factory func() (driver.Instance, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first suitable wins).
	backendPriority = []string{BackendNative, BackendSoft}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open creates an instance of the named backend.
func Open(name string) (driver.Instance, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	inst, err := factory()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	return inst, nil
}

// Select returns the first backend, in priority order, whose instance has
// at least minAdapters adapters supporting every extension in required.
// Backends not in the priority list are tried afterwards in name order.
// Instances that do not qualify are destroyed.
func Select(minAdapters int, required ...driver.Extension) (driver.Instance, string, error) {
	for _, name := range candidates() {
		inst, err := Open(name)
		if err != nil {
			continue
		}
		if len(SuitableAdapters(inst, required...)) >= minAdapters {
			return inst, name, nil
		}
		inst.Destroy()
	}
	return nil, "", ErrNoSuitableBackend
}

// SuitableAdapters returns the adapters of inst that support every
// extension in required.
func SuitableAdapters(inst driver.Instance, required ...driver.Extension) []driver.Adapter {
	var out []driver.Adapter
	for _, a := range inst.EnumerateAdapters() {
		exts := a.Extensions()
		ok := true
		for _, ext := range required {
			if !slices.Contains(exts, ext) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, a)
		}
	}
	return out
}

func candidates() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for _, name := range backendPriority {
		if _, ok := backends[name]; ok {
			names = append(names, name)
		}
	}
	var rest []string
	for name := range backends {
		if !slices.Contains(backendPriority, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(names, rest...)
}
