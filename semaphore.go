package semshare

import (
	"sync/atomic"

	"github.com/gogpu/semshare/driver"
)

// Semaphore is a binary semaphore owned by one Context.
//
// A semaphore is valid only on its owning context's queue. It is reused
// across rounds without reset: a wait consumes the signal and the next wait
// needs a new signal. The halves of a SharedSemaphore are Semaphores whose
// state is coupled across their two contexts.
type Semaphore struct {
	ctx         *Context
	raw         driver.Semaphore
	label       string
	exportTypes driver.HandleTypes

	shared atomic.Pointer[SharedSemaphore]
}

// Context returns the owning context.
func (s *Semaphore) Context() *Context { return s.ctx }

// Label returns the semaphore label.
func (s *Semaphore) Label() string { return s.label }

// Raw returns the driver semaphore.
func (s *Semaphore) Raw() driver.Semaphore { return s.raw }

// Shared returns the shared semaphore s is a half of, or nil for a local
// semaphore.
func (s *Semaphore) Shared() *SharedSemaphore { return s.shared.Load() }

// event identifies the logical synchronization event behind s. Both halves
// of a shared semaphore report the same event.
func (s *Semaphore) event() any {
	if sh := s.shared.Load(); sh != nil {
		return sh
	}
	return s
}
