package soft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/semshare/backend"
	"github.com/gogpu/semshare/driver"
	"github.com/gogpu/semshare/internal/oshandle"
)

// ErrInjected is returned by operations selected through Faults.
var ErrInjected = errors.New("soft: injected fault")

func init() {
	backend.Register(backend.BackendSoft, func() (driver.Instance, error) {
		return New(), nil
	})
}

// nopHandler silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// Instance is a software driver instance. All devices opened from its
// adapters share one payload namespace, so handles exported by one device
// can be imported by any other device of the same Instance.
type Instance struct {
	adapters []*Adapter
	logger   atomic.Pointer[slog.Logger]

	// mu guards host-side semaphore state of every device: payload
	// bindings, pending signals, in-flight counts and the export table.
	mu       sync.Mutex
	exported map[oshandle.Key]*payload
	nextID   uint64
}

// New creates a software instance.
func New(opts ...Option) *Instance {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	inst := &Instance{exported: make(map[oshandle.Key]*payload)}
	inst.SetLogger(o.logger)
	for _, cfg := range o.adapters {
		inst.adapters = append(inst.adapters, &Adapter{
			inst: inst,
			cfg: AdapterConfig{
				Name:       cfg.Name,
				Extensions: slices.Clone(cfg.Extensions),
				Faults:     cfg.Faults,
			},
		})
	}
	return inst
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

// EnumerateAdapters implements driver.Instance.
func (i *Instance) EnumerateAdapters() []driver.Adapter {
	out := make([]driver.Adapter, len(i.adapters))
	for k, a := range i.adapters {
		out[k] = a
	}
	return out
}

// Destroy implements driver.Instance.
func (i *Instance) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for key, p := range i.exported {
		p.closeObject()
		delete(i.exported, key)
	}
}

// Adapter is a software physical device.
type Adapter struct {
	inst *Instance
	cfg  AdapterConfig
}

// Info implements driver.Adapter.
func (a *Adapter) Info() driver.AdapterInfo {
	return driver.AdapterInfo{
		Name:       a.cfg.Name,
		Vendor:     "gogpu",
		DeviceType: "cpu",
		Backend:    backend.BackendSoft,
	}
}

// Extensions implements driver.Adapter.
func (a *Adapter) Extensions() []driver.Extension {
	return slices.Clone(a.cfg.Extensions)
}

// Open implements driver.Adapter.
func (a *Adapter) Open(extensions []driver.Extension) (driver.Device, error) {
	if a.cfg.Faults&FailOpen != 0 {
		return nil, fmt.Errorf("soft: open %s: %w", a.cfg.Name, ErrInjected)
	}
	for _, ext := range extensions {
		if !slices.Contains(a.cfg.Extensions, ext) {
			return nil, fmt.Errorf("soft: open %s: %w: %s", a.cfg.Name, driver.ErrExtensionNotPresent, ext)
		}
	}
	d := newDevice(a, slices.Clone(extensions))
	a.inst.log().Debug("soft: device opened", "adapter", a.cfg.Name, "extensions", extensions)
	return d, nil
}

// newPayload allocates a payload. Caller holds i.mu.
func (i *Instance) newPayload() *payload {
	i.nextID++
	return newPayload(i.nextID)
}

// release drops one semaphore reference from p. Caller holds i.mu.
func (i *Instance) release(p *payload) {
	p.refs--
	if p.refs > 0 {
		return
	}
	if p.obj != nil {
		delete(i.exported, p.obj.Key())
		p.closeObject()
	}
}
