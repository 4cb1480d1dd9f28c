// Package semshare coordinates work across two GPU devices through a
// semaphore exported from one device and imported into the other.
//
// # Overview
//
// Two devices opened from different adapters cannot wait on each other's
// synchronization objects. semshare exports the payload of a binary
// semaphore on one device into an OS handle (a file descriptor on Linux,
// a HANDLE on Windows) and imports that handle into a semaphore on the
// other device. A signal submitted through either side satisfies a wait
// submitted through the other.
//
// On top of the exchange, a Scheduler submits rounds of work to both
// queues and blocks the host only at a fence barrier at the end of each
// pass.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/semshare"
//	    "github.com/gogpu/semshare/backend"
//	    "github.com/gogpu/semshare/driver"
//	    _ "github.com/gogpu/semshare/backend/soft"
//	)
//
//	required := []driver.Extension{driver.ExtExternalSemaphore, driver.ExtExternalSemaphoreFD}
//	inst, _, err := backend.Select(2, required...)
//	// handle err
//	adapters := backend.SuitableAdapters(inst, required...)
//
//	a, err := semshare.NewContext(adapters[0], required, semshare.WithName("a"))
//	b, err := semshare.NewContext(adapters[1], required, semshare.WithName("b"))
//	defer a.Close()
//	defer b.Close()
//
//	p, err := semshare.NewTwoDeviceProtocol(a, b, driver.HandleTypeOpaqueFD)
//	err = p.Run(ctx, semshare.NewScheduler(), 2)
//
// # Exchange
//
// The exchange is a one-shot handshake whose steps are distinct types:
//
//	CreateExportSemaphore -> *ExportSemaphore   (export created)
//	ObtainHandle          -> *SharedHandle      (handle obtained)
//	Import / ImportInto   -> *SharedSemaphore   (imported)
//
// Exchange runs all three. Export capability is declared when the export
// semaphore is created and cannot be added later. An import consumes the
// handle; a handle that was not imported must be released with Close, which
// goes through the exporting driver's release entry point.
//
// # Semaphores and fences
//
// Semaphores are binary. A wait consumes the pending signal, so each wait
// needs a signal submitted earlier, and a semaphore must be re-signaled
// before it is waited on again. Both sides of a shared semaphore are one
// event. Plan.Validate rejects a signal of an event whose earlier signal in
// the pass is unconsumed; the drivers count such signals, so a signal is
// never lost and each one satisfies exactly one wait.
//
// A fence may be attached to one submission until it is reset. Fence.Wait
// is bounded by a timeout and by its context.
//
// # Plans
//
// A Plan is a list of rounds. Plan.Validate checks, before anything is
// submitted, that every wait has a pending signal from an earlier round,
// that no event is signaled twice without a wait in between, that no fence
// is used twice, and that every object belongs to the
// context it is submitted on. Package plan loads plans from HCL files.
//
// # Errors
//
// Operations return *Error values carrying a Kind. The Err* sentinels
// match kinds through errors.Is:
//
//	if errors.Is(err, semshare.ErrCapabilityMissing) {
//	    // the device lacks the external semaphore entry points
//	}
//
// # Backends
//
// Devices come from driver backends registered with package backend:
//   - backend/native: gogpu/wgpu HAL devices (no external semaphores)
//   - backend/soft: in-process software devices with real OS handles
//
// # Logging
//
// semshare is silent by default. Use SetLogger to enable structured
// logging through log/slog.
package semshare
