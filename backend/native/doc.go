// Package native provides a driver backend on top of the gogpu/wgpu HAL.
//
// Devices are opened through the HAL's Vulkan backend, or borrowed from an
// external gpucontext.DeviceProvider that exposes HalDevice() and
// HalQueue(). Command buffers map to HAL command encoders and fences to HAL
// timeline fences.
//
// The HAL exposes neither binary semaphores nor external semaphore entry
// points. Adapters therefore advertise no extensions, local semaphores are
// satisfied by the submission order of the single queue, and a shared
// semaphore exchange on this backend fails with a missing capability.
//
// Build with the nogpu tag to leave the HAL out; the backend then registers
// a factory that always fails.
package native
