package driver

import "strings"

// Extension names a device extension.
type Extension string

// Device extensions understood by the core.
const (
	// ExtExternalSemaphore allows semaphores to declare exportable payloads.
	ExtExternalSemaphore Extension = "VK_KHR_external_semaphore"
	// ExtExternalSemaphoreFD adds export/import through POSIX file descriptors.
	ExtExternalSemaphoreFD Extension = "VK_KHR_external_semaphore_fd"
	// ExtExternalSemaphoreWin32 adds export/import through Win32 handles.
	ExtExternalSemaphoreWin32 Extension = "VK_KHR_external_semaphore_win32"
)

// HandleType identifies the kind of OS handle a semaphore payload is
// exported to.
type HandleType uint32

// Supported handle types.
const (
	HandleTypeOpaqueFD HandleType = 1 << iota
	HandleTypeOpaqueWin32
	HandleTypeOpaqueWin32KMT
)

// String returns the handle type name.
func (t HandleType) String() string {
	switch t {
	case HandleTypeOpaqueFD:
		return "opaque_fd"
	case HandleTypeOpaqueWin32:
		return "opaque_win32"
	case HandleTypeOpaqueWin32KMT:
		return "opaque_win32_kmt"
	default:
		return "unknown"
	}
}

// Extension returns the extension that provides the entry points for t.
func (t HandleType) Extension() Extension {
	switch t {
	case HandleTypeOpaqueFD:
		return ExtExternalSemaphoreFD
	case HandleTypeOpaqueWin32, HandleTypeOpaqueWin32KMT:
		return ExtExternalSemaphoreWin32
	default:
		return ""
	}
}

// ParseHandleType parses a handle type name as returned by String.
func ParseHandleType(s string) (HandleType, bool) {
	for _, t := range []HandleType{HandleTypeOpaqueFD, HandleTypeOpaqueWin32, HandleTypeOpaqueWin32KMT} {
		if strings.EqualFold(s, t.String()) {
			return t, true
		}
	}
	return 0, false
}

// HandleTypes is a set of handle types.
type HandleTypes uint32

// Has reports whether t is in the set.
func (s HandleTypes) Has(t HandleType) bool {
	return t != 0 && uint32(s)&uint32(t) == uint32(t)
}

// OSHandle is an opaque operating system handle to a semaphore payload.
// It is a file descriptor on POSIX systems and a HANDLE on Windows.
type OSHandle uintptr

// PipelineStage is a bit mask of pipeline stages a wait applies to.
type PipelineStage uint32

// Pipeline stages.
const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageDrawIndirect
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
	StageHost
	StageAllGraphics
	StageAllCommands
)

var stageNames = map[string]PipelineStage{
	"top_of_pipe":             StageTopOfPipe,
	"draw_indirect":           StageDrawIndirect,
	"vertex_input":            StageVertexInput,
	"vertex_shader":           StageVertexShader,
	"fragment_shader":         StageFragmentShader,
	"color_attachment_output": StageColorAttachmentOutput,
	"compute_shader":          StageComputeShader,
	"transfer":                StageTransfer,
	"bottom_of_pipe":          StageBottomOfPipe,
	"host":                    StageHost,
	"all_graphics":            StageAllGraphics,
	"all_commands":            StageAllCommands,
}

// StageNames returns the stage name table used by ParseStage.
// The returned map is a copy.
func StageNames() map[string]PipelineStage {
	out := make(map[string]PipelineStage, len(stageNames))
	for k, v := range stageNames {
		out[k] = v
	}
	return out
}

// ParseStage parses a single stage name such as "all_commands".
func ParseStage(name string) (PipelineStage, bool) {
	s, ok := stageNames[strings.ToLower(name)]
	return s, ok
}

// AdapterInfo describes an adapter.
type AdapterInfo struct {
	Name       string
	Vendor     string
	DeviceType string
	Backend    string
}

// SemaphoreDescriptor describes a semaphore to create.
type SemaphoreDescriptor struct {
	Label string
	// ExportTypes declares the handle types the payload may be exported to.
	// It must be set at creation; a semaphore created with no export types
	// can never be exported.
	ExportTypes HandleTypes
}

// SemaphoreWait is one entry of a submission's wait set.
type SemaphoreWait struct {
	Semaphore Semaphore
	Stage     PipelineStage
}

// SubmitInfo is one batch of work for Queue.Submit.
type SubmitInfo struct {
	Waits          []SemaphoreWait
	CommandBuffers []CommandBuffer
	Signals        []Semaphore
}
