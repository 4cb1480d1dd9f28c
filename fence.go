package semshare

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gogpu/semshare/driver"
)

// FenceStatus is the result of a fence wait.
type FenceStatus int

// Fence wait results.
const (
	FenceTimedOut FenceStatus = iota
	FenceSignaled
)

// String returns the status name.
func (s FenceStatus) String() string {
	if s == FenceSignaled {
		return "signaled"
	}
	return "timed out"
}

// Fence is a host-observable completion signal owned by one Context.
// A fence can be submitted once; it must be reset before it is submitted
// again.
type Fence struct {
	ctx   *Context
	raw   driver.Fence
	label string

	mu        sync.Mutex
	submitted bool
}

// Context returns the owning context.
func (f *Fence) Context() *Context { return f.ctx }

// Label returns the fence label.
func (f *Fence) Label() string { return f.label }

// Signaled reports whether the fence has signaled, without blocking.
func (f *Fence) Signaled() bool { return f.raw.Signaled() }

// Submitted reports whether the fence was submitted since it was created or
// last reset.
func (f *Fence) Submitted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

func (f *Fence) markSubmitted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitted {
		return false
	}
	f.submitted = true
	return true
}

func (f *Fence) clearSubmitted() {
	f.mu.Lock()
	f.submitted = false
	f.mu.Unlock()
}

// Wait blocks until the fence signals, timeout elapses or ctx is done.
// A zero timeout bounds the wait by ctx alone. Elapsed timeouts are reported
// as FenceTimedOut with a nil error; cancellation returns an error matching
// both ErrTimeout and ctx.Err().
func (f *Fence) Wait(ctx context.Context, timeout time.Duration) (FenceStatus, error) {
	ok, err := f.ctx.device.WaitFence(ctx, f.raw, timeout)
	switch {
	case err == nil && ok:
		return FenceSignaled, nil
	case err == nil:
		f.ctx.log.Debug("semshare: fence wait timed out", "context", f.ctx.name, "fence", f.label, "timeout", timeout)
		return FenceTimedOut, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FenceTimedOut, newError(KindTimeout, "wait fence "+f.label, f.ctx.name, err)
	default:
		return FenceTimedOut, newError(KindDevice, "wait fence "+f.label, f.ctx.name, err)
	}
}

// Reset returns the fence to the unsignaled state. A submitted fence can be
// reset only after it has signaled.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ctx.device.ResetFence(f.raw); err != nil {
		return newError(KindDevice, "reset fence "+f.label, f.ctx.name, err)
	}
	f.submitted = false
	return nil
}
