package soft

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/semshare/driver"
)

// Faults selects driver operations that fail with ErrInjected on devices
// opened from an adapter. It exists to exercise error paths.
type Faults uint32

// Injectable faults.
const (
	FailOpen Faults = 1 << iota
	FailCreateSemaphore
	FailCreateFence
	FailExport
	FailImport
	FailBegin
	FailEnd
	FailSubmit
)

// AdapterConfig describes one software adapter.
type AdapterConfig struct {
	Name       string
	Extensions []driver.Extension
	Faults     Faults
}

// DefaultExtensions lists the extensions advertised by default adapters.
func DefaultExtensions() []driver.Extension {
	return []driver.Extension{
		driver.ExtExternalSemaphore,
		driver.ExtExternalSemaphoreFD,
		driver.ExtExternalSemaphoreWin32,
	}
}

// Option configures an Instance.
type Option func(*options)

type options struct {
	adapters []AdapterConfig
	logger   *slog.Logger
}

func defaultOptions() options {
	return options{adapters: DefaultAdapters(2)}
}

// DefaultAdapters returns n adapter configurations with DefaultExtensions.
func DefaultAdapters(n int) []AdapterConfig {
	out := make([]AdapterConfig, n)
	for i := range out {
		out[i] = AdapterConfig{
			Name:       fmt.Sprintf("soft-%d", i),
			Extensions: DefaultExtensions(),
		}
	}
	return out
}

// WithAdapters replaces the default pair of adapters.
func WithAdapters(adapters ...AdapterConfig) Option {
	return func(o *options) {
		o.adapters = adapters
	}
}

// WithLogger sets the logger for the instance and its devices.
// It has the same effect as calling SetLogger after New.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
