package driver

import (
	"context"
	"errors"
	"time"
)

// Common driver errors. Backends wrap these so callers can classify
// rejections without depending on a particular backend.
var (
	// ErrExtensionNotPresent is returned by Adapter.Open for unknown extensions.
	ErrExtensionNotPresent = errors.New("driver: extension not present")

	// ErrInvalidExternalHandle is returned when a handle does not refer to a
	// payload the driver can import, or a handle type was not declared.
	ErrInvalidExternalHandle = errors.New("driver: invalid external handle")

	// ErrSemaphoreInUse is returned when an import targets a semaphore with
	// pending signal or wait operations.
	ErrSemaphoreInUse = errors.New("driver: semaphore in use")

	// ErrDeviceLost is returned after a device has been destroyed.
	ErrDeviceLost = errors.New("driver: device lost")

	// ErrNotReady is returned by command buffers that are not executable.
	ErrNotReady = errors.New("driver: not ready")
)

// Entry point names looked up with Device.ProcAddr.
const (
	ProcGetSemaphoreFd             = "vkGetSemaphoreFdKHR"
	ProcImportSemaphoreFd          = "vkImportSemaphoreFdKHR"
	ProcGetSemaphoreWin32Handle    = "vkGetSemaphoreWin32HandleKHR"
	ProcImportSemaphoreWin32Handle = "vkImportSemaphoreWin32HandleKHR"

	// Release entry points close an exported handle that no import
	// consumed, the way the exporting driver's handle type requires.
	ProcReleaseSemaphoreFd          = "closeSemaphoreFd"
	ProcReleaseSemaphoreWin32Handle = "closeSemaphoreWin32Handle"
)

// GetSemaphoreHandleFunc exports the payload of sem to a new OS handle.
// The caller owns the returned handle.
type GetSemaphoreHandleFunc func(sem Semaphore, ht HandleType) (OSHandle, error)

// ImportSemaphoreHandleFunc binds the payload referenced by h into sem.
// On success the driver takes ownership of h.
type ImportSemaphoreHandleFunc func(sem Semaphore, ht HandleType, h OSHandle) error

// ReleaseSemaphoreHandleFunc releases h, a handle returned by the matching
// GetSemaphoreHandleFunc and never imported.
type ReleaseSemaphoreHandleFunc func(ht HandleType, h OSHandle) error

// ProcNames returns the export and import entry point names for ht.
func ProcNames(ht HandleType) (get, imp string) {
	switch ht {
	case HandleTypeOpaqueFD:
		return ProcGetSemaphoreFd, ProcImportSemaphoreFd
	case HandleTypeOpaqueWin32, HandleTypeOpaqueWin32KMT:
		return ProcGetSemaphoreWin32Handle, ProcImportSemaphoreWin32Handle
	default:
		return "", ""
	}
}

// ReleaseProcName returns the release entry point name for ht.
func ReleaseProcName(ht HandleType) string {
	switch ht {
	case HandleTypeOpaqueFD:
		return ProcReleaseSemaphoreFd
	case HandleTypeOpaqueWin32, HandleTypeOpaqueWin32KMT:
		return ProcReleaseSemaphoreWin32Handle
	default:
		return ""
	}
}

// Instance is the driver entry point.
type Instance interface {
	// EnumerateAdapters returns the adapters visible to this instance.
	EnumerateAdapters() []Adapter

	// Destroy releases the instance. Devices must be destroyed first.
	Destroy()
}

// Adapter is a physical device.
type Adapter interface {
	Info() AdapterInfo

	// Extensions lists the device extensions the adapter supports.
	Extensions() []Extension

	// Open creates a logical device with exactly the given extensions
	// enabled. Unknown extensions fail with ErrExtensionNotPresent.
	Open(extensions []Extension) (Device, error)
}

// Device is a logical device with a single queue.
type Device interface {
	Queue() Queue

	// EnabledExtensions lists the extensions enabled by Adapter.Open.
	EnabledExtensions() []Extension

	CreateCommandPool(label string) (CommandPool, error)
	DestroyCommandPool(pool CommandPool)

	CreateSemaphore(desc *SemaphoreDescriptor) (Semaphore, error)
	DestroySemaphore(sem Semaphore)

	CreateFence() (Fence, error)
	DestroyFence(fence Fence)
	ResetFence(fence Fence) error

	// WaitFence blocks until fence signals, timeout elapses or ctx is done.
	// A zero timeout waits until ctx is done. It returns false on timeout.
	WaitFence(ctx context.Context, fence Fence, timeout time.Duration) (bool, error)

	// ProcAddr looks up an optional entry point by name. It returns nil
	// when the entry point is not available on this device.
	ProcAddr(name string) any

	Destroy()
}

// Queue executes submitted work in submission order.
type Queue interface {
	// Submit enqueues the batches and returns without waiting for them.
	// fence, if non-nil, signals once every batch has completed.
	Submit(batches []SubmitInfo, fence Fence) error
}

// CommandPool allocates command buffers.
type CommandPool interface {
	Allocate(label string) (CommandBuffer, error)
	Free(cb CommandBuffer)
}

// CommandBuffer records device work between Begin and End.
type CommandBuffer interface {
	Begin() error
	End() error
	// Discard abandons an open recording.
	Discard()
}

// HostCallbackRecorder is implemented by command buffers that can record a
// host function to run on the device timeline when the buffer executes.
// It is used by tests to hold a queue at a known point.
type HostCallbackRecorder interface {
	RecordHostCallback(fn func())
}

// Semaphore is a binary device-side synchronization object.
type Semaphore interface {
	Label() string
}

// Fence is a host-observable completion signal.
type Fence interface {
	// Signaled reports the current fence state without blocking.
	Signaled() bool
}
