package soft

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/semshare/driver"
)

// device is a software logical device.
type device struct {
	inst    *Instance
	adapter *Adapter
	exts    []driver.Extension
	faults  Faults
	q       *queue
	lost    atomic.Bool
}

func newDevice(a *Adapter, exts []driver.Extension) *device {
	d := &device{
		inst:    a.inst,
		adapter: a,
		exts:    exts,
		faults:  a.cfg.Faults,
	}
	d.q = newQueue(d)
	go d.q.run()
	return d
}

func (d *device) name() string { return d.adapter.cfg.Name }

// SetLogger sets the logger of the owning Instance.
func (d *device) SetLogger(l *slog.Logger) { d.inst.SetLogger(l) }

// Queue implements driver.Device.
func (d *device) Queue() driver.Queue { return d.q }

// EnabledExtensions implements driver.Device.
func (d *device) EnabledExtensions() []driver.Extension { return slices.Clone(d.exts) }

func (d *device) enabled(ext driver.Extension) bool { return slices.Contains(d.exts, ext) }

// ProcAddr implements driver.Device.
func (d *device) ProcAddr(name string) any {
	switch name {
	case driver.ProcGetSemaphoreFd:
		if d.enabled(driver.ExtExternalSemaphoreFD) {
			return driver.GetSemaphoreHandleFunc(d.getSemaphoreHandle)
		}
	case driver.ProcImportSemaphoreFd:
		if d.enabled(driver.ExtExternalSemaphoreFD) {
			return driver.ImportSemaphoreHandleFunc(d.importSemaphoreHandle)
		}
	case driver.ProcGetSemaphoreWin32Handle:
		if d.enabled(driver.ExtExternalSemaphoreWin32) {
			return driver.GetSemaphoreHandleFunc(d.getSemaphoreHandle)
		}
	case driver.ProcImportSemaphoreWin32Handle:
		if d.enabled(driver.ExtExternalSemaphoreWin32) {
			return driver.ImportSemaphoreHandleFunc(d.importSemaphoreHandle)
		}
	case driver.ProcReleaseSemaphoreFd:
		if d.enabled(driver.ExtExternalSemaphoreFD) {
			return driver.ReleaseSemaphoreHandleFunc(d.releaseSemaphoreHandle)
		}
	case driver.ProcReleaseSemaphoreWin32Handle:
		if d.enabled(driver.ExtExternalSemaphoreWin32) {
			return driver.ReleaseSemaphoreHandleFunc(d.releaseSemaphoreHandle)
		}
	}
	return nil
}

// Destroy implements driver.Device. Work still queued is abandoned and its
// fences never signal.
func (d *device) Destroy() {
	if d.lost.Swap(true) {
		return
	}
	d.q.shutdown()
	d.inst.log().Debug("soft: device destroyed", "adapter", d.name())
}

// fence is a software fence.
type fence struct {
	dev *device

	mu        sync.Mutex
	done      chan struct{}
	submitted bool
}

// Signaled implements driver.Fence.
func (f *fence) Signaled() bool {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (f *fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *fence) channel() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// CreateFence implements driver.Device.
func (d *device) CreateFence() (driver.Fence, error) {
	if d.faults&FailCreateFence != 0 {
		return nil, fmt.Errorf("soft: create fence: %w", ErrInjected)
	}
	if d.lost.Load() {
		return nil, driver.ErrDeviceLost
	}
	return &fence{dev: d, done: make(chan struct{})}, nil
}

// DestroyFence implements driver.Device.
func (d *device) DestroyFence(driver.Fence) {}

// ResetFence implements driver.Device. A fence whose submission has not
// completed cannot be reset.
func (d *device) ResetFence(df driver.Fence) error {
	f, err := d.ownFence(df)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		f.done = make(chan struct{})
	default:
		if f.submitted {
			return fmt.Errorf("soft: reset fence: submission still pending")
		}
	}
	f.submitted = false
	return nil
}

// WaitFence implements driver.Device.
func (d *device) WaitFence(ctx context.Context, df driver.Fence, timeout time.Duration) (bool, error) {
	f, err := d.ownFence(df)
	if err != nil {
		return false, err
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-f.channel():
		return true, nil
	case <-timer:
		return false, nil
	case <-d.q.done:
		if f.Signaled() {
			return true, nil
		}
		return false, driver.ErrDeviceLost
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (d *device) ownFence(df driver.Fence) (*fence, error) {
	f, ok := df.(*fence)
	if !ok || f == nil {
		return nil, fmt.Errorf("soft: foreign fence %T", df)
	}
	if f.dev != d {
		return nil, fmt.Errorf("soft: fence belongs to %s, not %s", f.dev.name(), d.name())
	}
	return f, nil
}

// commandPool allocates software command buffers.
type commandPool struct {
	dev   *device
	label string
}

// CreateCommandPool implements driver.Device.
func (d *device) CreateCommandPool(label string) (driver.CommandPool, error) {
	if d.lost.Load() {
		return nil, driver.ErrDeviceLost
	}
	return &commandPool{dev: d, label: label}, nil
}

// DestroyCommandPool implements driver.Device.
func (d *device) DestroyCommandPool(driver.CommandPool) {}

// Allocate implements driver.CommandPool.
func (p *commandPool) Allocate(label string) (driver.CommandBuffer, error) {
	return &commandBuffer{pool: p, label: label}, nil
}

// Free implements driver.CommandPool.
func (p *commandPool) Free(driver.CommandBuffer) {}

type cbState int

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
)

// commandBuffer records host callbacks; an empty buffer executes as a no-op.
type commandBuffer struct {
	pool  *commandPool
	label string

	mu        sync.Mutex
	state     cbState
	recording []func()
	commands  []func()
}

// Begin implements driver.CommandBuffer.
func (cb *commandBuffer) Begin() error {
	if cb.pool.dev.faults&FailBegin != 0 {
		return fmt.Errorf("soft: begin %q: %w", cb.label, ErrInjected)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == cbRecording {
		return fmt.Errorf("soft: begin %q: already recording", cb.label)
	}
	cb.state = cbRecording
	cb.recording = nil
	return nil
}

// End implements driver.CommandBuffer.
func (cb *commandBuffer) End() error {
	if cb.pool.dev.faults&FailEnd != 0 {
		return fmt.Errorf("soft: end %q: %w", cb.label, ErrInjected)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != cbRecording {
		return fmt.Errorf("soft: end %q: %w: not recording", cb.label, driver.ErrNotReady)
	}
	cb.state = cbExecutable
	cb.commands = cb.recording
	cb.recording = nil
	return nil
}

// Discard implements driver.CommandBuffer.
func (cb *commandBuffer) Discard() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == cbRecording {
		cb.state = cbInitial
		cb.recording = nil
	}
}

// RecordHostCallback implements driver.HostCallbackRecorder.
func (cb *commandBuffer) RecordHostCallback(fn func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == cbRecording && fn != nil {
		cb.recording = append(cb.recording, fn)
	}
}

func (cb *commandBuffer) snapshot() ([]func(), bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.commands, cb.state == cbExecutable
}
