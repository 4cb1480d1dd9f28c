// Package driver defines the device and queue provider interfaces that the
// semshare core is written against.
//
// A driver exposes one Instance that enumerates Adapters. Opening an adapter
// with a list of extensions yields a Device with exactly one Queue. The
// interfaces mirror the small subset of an explicit graphics API needed to
// order work across two devices: command pools and buffers, binary
// semaphores, fences and queue submission.
//
// # Optional entry points
//
// Export and import of semaphore payloads are optional driver entry points.
// Devices expose them by name through Device.ProcAddr, which returns nil
// when the entry point is absent (typically because the corresponding
// extension was not enabled when the device was opened). Callers assert the
// returned value to GetSemaphoreHandleFunc or ImportSemaphoreHandleFunc.
//
// # Backends
//
// Two implementations ship with the module:
//
//   - backend/soft: in-process software devices with real OS handles
//   - backend/native: gogpu/wgpu HAL devices (no external semaphores)
package driver
