// Package backend provides a registry of pluggable driver backends.
//
// Backends register a factory from an init function and are selected at
// runtime by name or by capability:
//
//	import _ "github.com/gogpu/semshare/backend/soft"
//
//	inst, err := backend.Open("soft")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Destroy()
//
// Select walks the registered backends in priority order and returns the
// first instance that exposes at least two adapters supporting the
// requested extensions, which is what a cross-device exchange needs:
//
//	inst, name, err := backend.Select(2,
//		driver.ExtExternalSemaphore, driver.ExtExternalSemaphoreFD)
//
// # Available Backends
//
//   - "native": gogpu/wgpu HAL devices (Vulkan), no external semaphores
//   - "soft": in-process software devices, always available
package backend
