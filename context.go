package semshare

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gogpu/semshare/driver"
)

// handleTypes lists the handle types whose entry points NewContext resolves.
var handleTypes = []driver.HandleType{
	driver.HandleTypeOpaqueFD,
	driver.HandleTypeOpaqueWin32,
	driver.HandleTypeOpaqueWin32KMT,
}

// externalSemaphoreFuncs is the typed entry-point table for one handle type.
// A nil field means the device does not provide that entry point.
type externalSemaphoreFuncs struct {
	getHandle    driver.GetSemaphoreHandleFunc
	importHandle driver.ImportSemaphoreHandleFunc
	release      driver.ReleaseSemaphoreHandleFunc
}

// Context is an execution context: one logical device, its single queue and
// a command pool owned by the context.
//
// A Context is safe for concurrent use. Submissions from concurrent callers
// are serialized in no particular order.
type Context struct {
	name    string
	adapter driver.Adapter
	device  driver.Device
	queue   driver.Queue
	pool    driver.CommandPool
	exts    []driver.Extension
	funcs   map[driver.HandleType]externalSemaphoreFuncs
	log     *slog.Logger

	mu      sync.Mutex
	buffers []*CommandBuffer
	sems    []*Semaphore
	fences  []*Fence
	nextSem int
	closed  bool
}

// NewContext opens adapter with exactly the required extensions enabled.
//
// If the adapter does not support one of them, NewContext fails with an
// error matching both ErrUnsupportedCapability and ErrCapabilityMissing.
// The export and import entry points are resolved once here; a missing
// entry point surfaces later as ErrCapabilityMissing from the exchange.
func NewContext(adapter driver.Adapter, required []driver.Extension, opts ...ContextOption) (*Context, error) {
	if adapter == nil {
		return nil, errorf(KindDevice, "create context", "", "nil adapter")
	}
	o := contextOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	info := adapter.Info()
	if o.name == "" {
		o.name = info.Name
	}
	if o.logger == nil {
		o.logger = Logger()
	}

	supported := adapter.Extensions()
	for _, ext := range required {
		if !slices.Contains(supported, ext) {
			return nil, newError(KindCapabilityMissing, "create context", o.name,
				fmt.Errorf("%w: %s", ErrUnsupportedCapability, ext))
		}
	}

	dev, err := adapter.Open(slices.Clone(required))
	if err != nil {
		if errors.Is(err, driver.ErrExtensionNotPresent) {
			return nil, newError(KindCapabilityMissing, "create context", o.name,
				fmt.Errorf("%w: %w", ErrUnsupportedCapability, err))
		}
		return nil, newError(KindDevice, "create context", o.name, err)
	}
	pool, err := dev.CreateCommandPool(o.name + ".pool")
	if err != nil {
		dev.Destroy()
		return nil, newError(KindDevice, "create command pool", o.name, err)
	}
	propagateLogger(dev, o.logger)

	c := &Context{
		name:    o.name,
		adapter: adapter,
		device:  dev,
		queue:   dev.Queue(),
		pool:    pool,
		exts:    slices.Clone(required),
		funcs:   resolveFuncs(dev),
		log:     o.logger,
	}
	c.log.Info("semshare: context created",
		"context", c.name,
		"adapter", info.Name,
		"backend", info.Backend,
		"extensions", c.exts)
	return c, nil
}

func resolveFuncs(dev driver.Device) map[driver.HandleType]externalSemaphoreFuncs {
	funcs := make(map[driver.HandleType]externalSemaphoreFuncs)
	for _, ht := range handleTypes {
		getName, impName := driver.ProcNames(ht)
		var f externalSemaphoreFuncs
		f.getHandle, _ = dev.ProcAddr(getName).(driver.GetSemaphoreHandleFunc)
		f.importHandle, _ = dev.ProcAddr(impName).(driver.ImportSemaphoreHandleFunc)
		f.release, _ = dev.ProcAddr(driver.ReleaseProcName(ht)).(driver.ReleaseSemaphoreHandleFunc)
		if f.getHandle != nil || f.importHandle != nil || f.release != nil {
			funcs[ht] = f
		}
	}
	return funcs
}

// Name returns the context name.
func (c *Context) Name() string { return c.name }

// Extensions returns the extensions enabled on the device, which are
// exactly those passed to NewContext.
func (c *Context) Extensions() []driver.Extension { return slices.Clone(c.exts) }

// Device returns the underlying driver device.
func (c *Context) Device() driver.Device { return c.device }

// SupportsHandleType reports whether both the export and the import entry
// points for ht were resolved on this context.
func (c *Context) SupportsHandleType(ht driver.HandleType) bool {
	f := c.funcs[ht]
	return f.getHandle != nil && f.importHandle != nil
}

// CommandBuffer is a command buffer allocated from a Context's pool.
type CommandBuffer struct {
	ctx   *Context
	raw   driver.CommandBuffer
	label string

	// Guarded by ctx.mu.
	recorded bool
}

// Context returns the owning context.
func (cb *CommandBuffer) Context() *Context { return cb.ctx }

// Label returns the command buffer label.
func (cb *CommandBuffer) Label() string { return cb.label }

// Recorded reports whether the buffer has been recorded and can be submitted.
func (cb *CommandBuffer) Recorded() bool {
	cb.ctx.mu.Lock()
	defer cb.ctx.mu.Unlock()
	return cb.recorded
}

// AllocateCommandBuffer allocates a command buffer from the context's pool.
func (c *Context) AllocateCommandBuffer() (*CommandBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errorf(KindDevice, "allocate command buffer", c.name, "context closed")
	}
	label := fmt.Sprintf("%s.cmd%d", c.name, len(c.buffers))
	raw, err := c.pool.Allocate(label)
	if err != nil {
		return nil, newError(KindDevice, "allocate command buffer", c.name, err)
	}
	cb := &CommandBuffer{ctx: c, raw: raw, label: label}
	c.buffers = append(c.buffers, cb)
	return cb, nil
}

// Record brackets body between begin and end on cb. body may be nil, which
// records an empty buffer. A buffer is recorded exactly once; recording it
// again fails with ErrRecording.
func (c *Context) Record(cb *CommandBuffer, body func(driver.CommandBuffer) error) error {
	const op = "record"
	if cb == nil || cb.ctx != c {
		return errorf(KindRecording, op, c.name, "command buffer not allocated on this context")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errorf(KindRecording, op, c.name, "context closed")
	}
	if cb.recorded {
		return errorf(KindRecording, op, c.name, "command buffer %q already recorded", cb.label)
	}
	if err := cb.raw.Begin(); err != nil {
		return newError(KindRecording, op+": begin", c.name, err)
	}
	if body != nil {
		if err := body(cb.raw); err != nil {
			cb.raw.Discard()
			return newError(KindRecording, op+": body", c.name, err)
		}
	}
	if err := cb.raw.End(); err != nil {
		cb.raw.Discard()
		return newError(KindRecording, op+": end", c.name, err)
	}
	cb.recorded = true
	c.log.Debug("semshare: command buffer recorded", "context", c.name, "buffer", cb.label)
	return nil
}

// Wait is one entry of a submission's wait set: the submission's work at
// Stage does not start before Semaphore is signaled.
type Wait struct {
	Semaphore *Semaphore
	Stage     driver.PipelineStage
}

// Submission is one unit of work for a context's queue. The submitting
// context is the one that owns CommandBuffer.
type Submission struct {
	Label         string
	CommandBuffer *CommandBuffer
	Waits         []Wait
	Signals       []*Semaphore
	// Fence, if set, signals once the waits and the work have completed.
	Fence *Fence
}

// Context returns the context the submission runs on, or nil if it has no
// command buffer.
func (s *Submission) Context() *Context {
	if s.CommandBuffer == nil {
		return nil
	}
	return s.CommandBuffer.ctx
}

func (s *Submission) name() string {
	if s.Label != "" {
		return s.Label
	}
	if s.CommandBuffer != nil {
		return s.CommandBuffer.label
	}
	return "unnamed"
}

// Submit enqueues sub on the context's queue and returns without waiting
// for it. Every error is an ErrSubmission.
func (c *Context) Submit(sub Submission) error {
	op := "submit " + sub.name()
	if err := c.checkSubmission(&sub); err != nil {
		return newError(KindSubmission, op, c.name, err)
	}

	info := driver.SubmitInfo{
		CommandBuffers: []driver.CommandBuffer{sub.CommandBuffer.raw},
	}
	for _, w := range sub.Waits {
		info.Waits = append(info.Waits, driver.SemaphoreWait{Semaphore: w.Semaphore.raw, Stage: w.Stage})
	}
	for _, s := range sub.Signals {
		info.Signals = append(info.Signals, s.raw)
	}
	var rawFence driver.Fence
	if sub.Fence != nil {
		rawFence = sub.Fence.raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errorf(KindSubmission, op, c.name, "context closed")
	}
	if !sub.CommandBuffer.recorded {
		return errorf(KindSubmission, op, c.name, "command buffer %q not recorded", sub.CommandBuffer.label)
	}
	if f := sub.Fence; f != nil && !f.markSubmitted() {
		return errorf(KindSubmission, op, c.name, "fence %q already submitted; reset it before reuse", f.label)
	}
	if err := c.queue.Submit([]driver.SubmitInfo{info}, rawFence); err != nil {
		if sub.Fence != nil {
			sub.Fence.clearSubmitted()
		}
		return newError(KindSubmission, op, c.name, err)
	}
	c.log.Debug("semshare: submitted",
		"context", c.name,
		"submission", sub.name(),
		"waits", len(sub.Waits),
		"signals", len(sub.Signals),
		"fence", sub.Fence != nil)
	return nil
}

// checkSubmission validates ownership and stage masks before the driver
// sees the work.
func (c *Context) checkSubmission(sub *Submission) error {
	if sub.CommandBuffer == nil {
		return errors.New("no command buffer")
	}
	if sub.CommandBuffer.ctx != c {
		return fmt.Errorf("command buffer %q belongs to context %q", sub.CommandBuffer.label, sub.CommandBuffer.ctx.name)
	}
	for i, w := range sub.Waits {
		if w.Semaphore == nil {
			return fmt.Errorf("wait %d: nil semaphore", i)
		}
		if w.Semaphore.ctx != c {
			return fmt.Errorf("wait %d: semaphore %q belongs to context %q", i, w.Semaphore.label, w.Semaphore.ctx.name)
		}
		if w.Stage == 0 {
			return fmt.Errorf("wait %d: semaphore %q: empty stage mask", i, w.Semaphore.label)
		}
	}
	for i, s := range sub.Signals {
		if s == nil {
			return fmt.Errorf("signal %d: nil semaphore", i)
		}
		if s.ctx != c {
			return fmt.Errorf("signal %d: semaphore %q belongs to context %q", i, s.label, s.ctx.name)
		}
	}
	if f := sub.Fence; f != nil && f.ctx != c {
		return fmt.Errorf("fence %q belongs to context %q", f.label, f.ctx.name)
	}
	return nil
}

// CreateSemaphore creates a local binary semaphore, initially unsignaled.
func (c *Context) CreateSemaphore() (*Semaphore, error) {
	return c.createSemaphore("sem", 0)
}

func (c *Context) createSemaphore(kind string, exportTypes driver.HandleTypes) (*Semaphore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errorf(KindPrimitiveCreation, "create semaphore", c.name, "context closed")
	}
	label := fmt.Sprintf("%s.%s%d", c.name, kind, c.nextSem)
	c.nextSem++
	raw, err := c.device.CreateSemaphore(&driver.SemaphoreDescriptor{Label: label, ExportTypes: exportTypes})
	if err != nil {
		return nil, newError(KindPrimitiveCreation, "create semaphore", c.name, err)
	}
	s := &Semaphore{ctx: c, raw: raw, label: label, exportTypes: exportTypes}
	c.sems = append(c.sems, s)
	return s, nil
}

// destroySemaphore releases a semaphore that never became visible to the
// caller.
func (c *Context) destroySemaphore(s *Semaphore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.sems, s); i >= 0 {
		c.sems = slices.Delete(c.sems, i, i+1)
	}
	c.device.DestroySemaphore(s.raw)
}

// CreateFence creates a fence, initially unsignaled.
func (c *Context) CreateFence() (*Fence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errorf(KindPrimitiveCreation, "create fence", c.name, "context closed")
	}
	raw, err := c.device.CreateFence()
	if err != nil {
		return nil, newError(KindPrimitiveCreation, "create fence", c.name, err)
	}
	f := &Fence{ctx: c, raw: raw, label: fmt.Sprintf("%s.fence%d", c.name, len(c.fences))}
	c.fences = append(c.fences, f)
	return f, nil
}

// Close destroys every object created through the context and then the
// device. Work still queued is abandoned. Close is idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fences, sems, buffers := c.fences, c.sems, c.buffers
	c.fences, c.sems, c.buffers = nil, nil, nil
	c.mu.Unlock()

	for _, f := range fences {
		c.device.DestroyFence(f.raw)
	}
	for _, s := range sems {
		c.device.DestroySemaphore(s.raw)
	}
	for _, cb := range buffers {
		c.pool.Free(cb.raw)
	}
	c.device.DestroyCommandPool(c.pool)
	c.device.Destroy()
	c.log.Info("semshare: context closed", "context", c.name)
}
