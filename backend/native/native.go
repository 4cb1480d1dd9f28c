//go:build !nogpu

package native

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/semshare/backend"
	"github.com/gogpu/semshare/driver"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	backend.Register(backend.BackendNative, func() (driver.Instance, error) {
		return New()
	})
}

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// Instance adapts a hal.Instance to driver.Instance.
type Instance struct {
	hal      hal.Instance
	adapters []*Adapter
	logger   atomic.Pointer[slog.Logger]
}

// New creates an instance on the HAL Vulkan backend. It fails with
// ErrUnavailable if the backend is not registered or cannot create an
// instance, and with ErrNoAdapters if no adapter is visible.
func New() (*Instance, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, ErrUnavailable
	}
	inst, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", ErrUnavailable, err)
	}
	i := Wrap(inst)
	if len(i.adapters) == 0 {
		inst.Destroy()
		return nil, ErrNoAdapters
	}
	return i, nil
}

// Wrap adopts an existing HAL instance. Destroy on the returned Instance
// destroys inst.
func Wrap(inst hal.Instance) *Instance {
	i := &Instance{hal: inst}
	i.SetLogger(nil)
	exposed := inst.EnumerateAdapters(nil)
	for k := range exposed {
		i.adapters = append(i.adapters, &Adapter{inst: i, exposed: &exposed[k]})
	}
	return i
}

// SetLogger sets the logger used by the instance and its devices.
// Passing nil disables logging.
func (i *Instance) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	i.logger.Store(l)
}

func (i *Instance) log() *slog.Logger { return i.logger.Load() }

// EnumerateAdapters implements driver.Instance. Discrete and integrated
// GPUs are listed first.
func (i *Instance) EnumerateAdapters() []driver.Adapter {
	var gpus, rest []driver.Adapter
	for _, a := range i.adapters {
		switch a.exposed.Info.DeviceType {
		case gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU:
			gpus = append(gpus, a)
		default:
			rest = append(rest, a)
		}
	}
	return append(gpus, rest...)
}

// Destroy implements driver.Instance.
func (i *Instance) Destroy() {
	if i.hal != nil {
		i.hal.Destroy()
		i.hal = nil
	}
}

// Adapter adapts a HAL adapter, or a device borrowed from a provider, to
// driver.Adapter.
type Adapter struct {
	inst    *Instance
	exposed *hal.ExposedAdapter

	// Set for provider adapters.
	name     string
	device   hal.Device
	queue    hal.Queue
	borrowed bool
}

// NewProviderAdapter returns an adapter whose Open hands out the device of
// an external provider. The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue. Devices opened from it
// are not destroyed by Device.Destroy; the provider keeps ownership.
func NewProviderAdapter(p gpucontext.DeviceProvider) (*Adapter, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := p.(halProvider)
	if !ok {
		return nil, ErrNotHALProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNotHALProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNotHALProvider)
	}
	inst := &Instance{}
	inst.SetLogger(nil)
	return &Adapter{inst: inst, name: "provider", device: device, queue: queue, borrowed: true}, nil
}

// SetLogger sets the logger of the adapter's instance.
func (a *Adapter) SetLogger(l *slog.Logger) { a.inst.SetLogger(l) }

// Info implements driver.Adapter.
func (a *Adapter) Info() driver.AdapterInfo {
	if a.borrowed {
		return driver.AdapterInfo{Name: a.name, DeviceType: "external", Backend: backend.BackendNative}
	}
	return driver.AdapterInfo{
		Name:       a.exposed.Info.Name,
		DeviceType: deviceTypeName(a.exposed),
		Backend:    backend.BackendNative,
	}
}

func deviceTypeName(a *hal.ExposedAdapter) string {
	switch a.Info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		return "discrete"
	case gputypes.DeviceTypeIntegratedGPU:
		return "integrated"
	default:
		return "other"
	}
}

// Extensions implements driver.Adapter. The HAL exposes no external
// semaphore support, so the list is empty.
func (a *Adapter) Extensions() []driver.Extension { return nil }

// Open implements driver.Adapter. Requesting any extension fails with
// driver.ErrExtensionNotPresent.
func (a *Adapter) Open(extensions []driver.Extension) (driver.Device, error) {
	if len(extensions) > 0 {
		return nil, fmt.Errorf("native: open %s: %w: %s", a.Info().Name, driver.ErrExtensionNotPresent, extensions[0])
	}
	if a.borrowed {
		return newDevice(a, a.device, a.queue, false), nil
	}
	openDev, err := a.exposed.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("native: open %s: %w", a.exposed.Info.Name, err)
	}
	a.inst.log().Debug("native: device opened", "adapter", a.exposed.Info.Name)
	return newDevice(a, openDev.Device, openDev.Queue, true), nil
}
