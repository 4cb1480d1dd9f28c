package native

import "errors"

// Package errors for the native backend.
var (
	// ErrUnavailable is returned when the HAL Vulkan backend cannot be used.
	ErrUnavailable = errors.New("native: vulkan backend not available")

	// ErrNoAdapters is returned when the HAL reports no adapters.
	ErrNoAdapters = errors.New("native: no GPU adapters found")

	// ErrNotHALProvider is returned when a device provider does not expose
	// HAL device and queue objects.
	ErrNotHALProvider = errors.New("native: provider does not expose HAL types")

	// ErrNoExternalSemaphores is returned for operations that need external
	// semaphore support, which the HAL does not provide.
	ErrNoExternalSemaphores = errors.New("native: external semaphores not supported")
)
