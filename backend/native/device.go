//go:build !nogpu

package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/semshare/driver"
)

// pollInterval bounds a single HAL fence wait so that WaitFence can observe
// context cancellation.
const pollInterval = 10 * time.Millisecond

// device adapts a hal.Device and its queue to driver.Device.
type device struct {
	adapter *Adapter
	hal     hal.Device
	queue   *queue
	owned   bool

	// mu guards host-side semaphore state and the lost flag.
	mu   sync.Mutex
	lost bool
}

func newDevice(a *Adapter, d hal.Device, q hal.Queue, owned bool) *device {
	dev := &device{adapter: a, hal: d, owned: owned}
	dev.queue = &queue{dev: dev, hal: q}
	return dev
}

func (d *device) log() *slog.Logger { return d.adapter.inst.log() }

// SetLogger sets the logger of the owning instance.
func (d *device) SetLogger(l *slog.Logger) { d.adapter.inst.SetLogger(l) }

// Queue implements driver.Device.
func (d *device) Queue() driver.Queue { return d.queue }

// EnabledExtensions implements driver.Device.
func (d *device) EnabledExtensions() []driver.Extension { return nil }

// ProcAddr implements driver.Device. The HAL provides no optional entry
// points.
func (d *device) ProcAddr(string) any { return nil }

func (d *device) isLost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// Destroy implements driver.Device. Borrowed devices stay alive.
func (d *device) Destroy() {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = true
	d.mu.Unlock()
	if d.owned {
		d.hal.Destroy()
	}
	d.log().Debug("native: device destroyed", "adapter", d.adapter.Info().Name, "owned", d.owned)
}

// semaphore is a host-tracked binary semaphore. Waits are satisfied by
// queue order, so a wait is valid only after a signal submitted earlier on
// the same device.
type semaphore struct {
	dev   *device
	label string

	// Guarded by dev.mu. Submitted signals not yet claimed by a wait.
	pending int
}

// Label implements driver.Semaphore.
func (s *semaphore) Label() string { return s.label }

// CreateSemaphore implements driver.Device. Export types are accepted but
// have no effect: no entry point can export the payload.
func (d *device) CreateSemaphore(desc *driver.SemaphoreDescriptor) (driver.Semaphore, error) {
	if d.isLost() {
		return nil, driver.ErrDeviceLost
	}
	s := &semaphore{dev: d}
	if desc != nil {
		s.label = desc.Label
		if desc.ExportTypes != 0 {
			d.log().Debug("native: export types ignored", "semaphore", desc.Label, "error", ErrNoExternalSemaphores)
		}
	}
	return s, nil
}

// DestroySemaphore implements driver.Device.
func (d *device) DestroySemaphore(driver.Semaphore) {}

func (d *device) ownSemaphore(sem driver.Semaphore) (*semaphore, error) {
	s, ok := sem.(*semaphore)
	if !ok || s == nil || s.dev != d {
		return nil, fmt.Errorf("native: semaphore %T not created on this device", sem)
	}
	return s, nil
}

// fence wraps a HAL timeline fence. Each submission signals the next
// timeline value; Reset forgets the last one.
type fence struct {
	dev *device
	hal hal.Fence

	mu        sync.Mutex
	value     uint64
	submitted bool
}

// Signaled implements driver.Fence.
func (f *fence) Signaled() bool {
	f.mu.Lock()
	submitted, value := f.submitted, f.value
	f.mu.Unlock()
	if !submitted {
		return false
	}
	ok, err := f.dev.hal.Wait(f.hal, value, 0)
	return err == nil && ok
}

// CreateFence implements driver.Device.
func (d *device) CreateFence() (driver.Fence, error) {
	if d.isLost() {
		return nil, driver.ErrDeviceLost
	}
	hf, err := d.hal.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create fence: %w", err)
	}
	return &fence{dev: d, hal: hf}, nil
}

// DestroyFence implements driver.Device.
func (d *device) DestroyFence(df driver.Fence) {
	if f, ok := df.(*fence); ok && f.dev == d && !d.isLost() {
		d.hal.DestroyFence(f.hal)
	}
}

// ResetFence implements driver.Device.
func (d *device) ResetFence(df driver.Fence) error {
	f, err := d.ownFence(df)
	if err != nil {
		return err
	}
	if f.Signaled() {
		f.mu.Lock()
		f.submitted = false
		f.mu.Unlock()
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitted {
		return errors.New("native: reset fence: submission still pending")
	}
	return nil
}

// WaitFence implements driver.Device by polling the HAL in slices of
// pollInterval.
func (d *device) WaitFence(ctx context.Context, df driver.Fence, timeout time.Duration) (bool, error) {
	f, err := d.ownFence(df)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	submitted, value := f.submitted, f.value
	f.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if d.isLost() {
			return false, driver.ErrDeviceLost
		}
		step := pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, nil
			}
			step = min(step, remaining)
		}
		if !submitted {
			// Nothing will signal this fence; sleep out the slice.
			select {
			case <-time.After(step):
				continue
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		ok, err := d.hal.Wait(f.hal, value, step)
		if err != nil {
			return false, fmt.Errorf("native: wait fence: %w", err)
		}
		if ok {
			return true, nil
		}
	}
}

func (d *device) ownFence(df driver.Fence) (*fence, error) {
	f, ok := df.(*fence)
	if !ok || f == nil || f.dev != d {
		return nil, fmt.Errorf("native: fence %T not created on this device", df)
	}
	return f, nil
}

// commandPool allocates command buffers backed by HAL encoders.
type commandPool struct {
	dev   *device
	label string
}

// CreateCommandPool implements driver.Device.
func (d *device) CreateCommandPool(label string) (driver.CommandPool, error) {
	if d.isLost() {
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
func (p *commandPool) Free(dc driver.CommandBuffer) {
	cb, ok := dc.(*commandBuffer)
	if !ok || cb.pool != p {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.encoder != nil {
		cb.encoder.DiscardEncoding()
		cb.encoder = nil
	}
	if cb.hal != nil && !p.dev.isLost() {
		p.dev.hal.FreeCommandBuffer(cb.hal)
	}
	cb.hal = nil
	cb.ready = false
}

// commandBuffer records into a HAL command encoder between Begin and End.
type commandBuffer struct {
	pool  *commandPool
	label string

	mu      sync.Mutex
	encoder hal.CommandEncoder
	hal     hal.CommandBuffer
	ready   bool
}

// Begin implements driver.CommandBuffer.
func (cb *commandBuffer) Begin() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.encoder != nil {
		return fmt.Errorf("native: begin %q: already recording", cb.label)
	}
	d := cb.pool.dev
	if d.isLost() {
		return driver.ErrDeviceLost
	}
	enc, err := d.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: cb.label})
	if err != nil {
		return fmt.Errorf("native: begin %q: create command encoder: %w", cb.label, err)
	}
	if err := enc.BeginEncoding(cb.label); err != nil {
		return fmt.Errorf("native: begin %q: %w", cb.label, err)
	}
	cb.encoder = enc
	cb.ready = false
	return nil
}

// End implements driver.CommandBuffer.
func (cb *commandBuffer) End() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.encoder == nil {
		return fmt.Errorf("native: end %q: %w: not recording", cb.label, driver.ErrNotReady)
	}
	buf, err := cb.encoder.EndEncoding()
	cb.encoder = nil
	if err != nil {
		return fmt.Errorf("native: end %q: %w", cb.label, err)
	}
	if cb.hal != nil {
		cb.pool.dev.hal.FreeCommandBuffer(cb.hal)
	}
	cb.hal = buf
	cb.ready = true
	return nil
}

// Discard implements driver.CommandBuffer.
func (cb *commandBuffer) Discard() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.encoder != nil {
		cb.encoder.DiscardEncoding()
		cb.encoder = nil
	}
}

func (cb *commandBuffer) executable() (hal.CommandBuffer, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.hal, cb.ready && cb.encoder == nil
}

// queue adapts a hal.Queue to driver.Queue.
type queue struct {
	dev *device
	hal hal.Queue

	mu sync.Mutex
}

// Submit implements driver.Queue. All batches go to the HAL as one
// submission; semaphore waits are checked against host-side state and
// satisfied by queue order.
func (q *queue) Submit(batches []driver.SubmitInfo, df driver.Fence) error {
	d := q.dev
	var f *fence
	if df != nil {
		var err error
		if f, err = d.ownFence(df); err != nil {
			return fmt.Errorf("native: submit: %w", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return driver.ErrDeviceLost
	}
	overlay := make(map[*semaphore]int)
	pendingOf := func(s *semaphore) int {
		if v, ok := overlay[s]; ok {
			return v
		}
		return s.pending
	}
	var bufs []hal.CommandBuffer
	for bi, info := range batches {
		for wi, w := range info.Waits {
			s, err := d.ownSemaphore(w.Semaphore)
			if err != nil {
				d.mu.Unlock()
				return fmt.Errorf("native: submit batch %d wait %d: %w", bi, wi, err)
			}
			n := pendingOf(s)
			if w.Stage == 0 || n == 0 {
				d.mu.Unlock()
				return fmt.Errorf("native: submit batch %d wait %d: semaphore %q has no pending signal", bi, wi, s.label)
			}
			overlay[s] = n - 1
		}
		for ci, c := range info.CommandBuffers {
			cb, ok := c.(*commandBuffer)
			if !ok || cb.pool.dev != d {
				d.mu.Unlock()
				return fmt.Errorf("native: submit batch %d command buffer %d: not allocated on this device", bi, ci)
			}
			buf, ready := cb.executable()
			if !ready {
				d.mu.Unlock()
				return fmt.Errorf("native: submit batch %d command buffer %q: %w", bi, cb.label, driver.ErrNotReady)
			}
			bufs = append(bufs, buf)
		}
		for si, sg := range info.Signals {
			s, err := d.ownSemaphore(sg)
			if err != nil {
				d.mu.Unlock()
				return fmt.Errorf("native: submit batch %d signal %d: %w", bi, si, err)
			}
			overlay[s] = pendingOf(s) + 1
		}
	}
	d.mu.Unlock()

	var (
		halFence hal.Fence
		value    uint64
	)
	if f != nil {
		f.mu.Lock()
		if f.submitted {
			f.mu.Unlock()
			return errors.New("native: submit: fence is in use; reset it first")
		}
		halFence, value = f.hal, f.value+1
		f.mu.Unlock()
	}

	if err := q.hal.Submit(bufs, halFence, value); err != nil {
		return fmt.Errorf("native: submit: %w", err)
	}

	if f != nil {
		f.mu.Lock()
		f.value, f.submitted = value, true
		f.mu.Unlock()
	}
	d.mu.Lock()
	for s, v := range overlay {
		s.pending = v
	}
	d.mu.Unlock()
	d.log().Debug("native: submitted", "adapter", d.adapter.Info().Name, "batches", len(batches), "buffers", len(bufs))
	return nil
}
