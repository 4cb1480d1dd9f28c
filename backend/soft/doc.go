// Package soft provides an in-process software driver.
//
// Each device runs its queue on a dedicated goroutine that executes
// submissions strictly in order. A wait blocks the queue until the
// payload is signaled and then consumes the signal. Payloads can be exported to real OS handles (memfd descriptors on
// Linux) and imported by another device of the same Instance, after which
// both semaphores share one payload.
//
// The driver validates on the host what an explicit graphics API leaves
// undefined: a wait must be preceded by a submitted signal that no other
// wait has claimed, a fence must be unsignaled when submitted, and a
// semaphore with operations in flight cannot receive an imported payload.
// Signals are counted on both the host and the device: a signal submitted
// while an earlier one is unconsumed is kept for the next wait.
//
// Import the package for its side effect to register the "soft" backend:
//
//	import _ "github.com/gogpu/semshare/backend/soft"
package soft
