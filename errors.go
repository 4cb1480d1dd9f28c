package semshare

import (
	"errors"
	"fmt"
)

// Kind classifies a semshare error.
type Kind int

// Error kinds. Every kind is fatal: no operation in this package retries.
const (
	KindUnknown Kind = iota
	// KindCapabilityMissing means a required extension or entry point is absent.
	KindCapabilityMissing
	// KindPrimitiveCreation means the driver rejected semaphore or fence creation.
	KindPrimitiveCreation
	// KindExport means the driver rejected exporting a payload.
	KindExport
	// KindImport means the driver rejected importing a payload.
	KindImport
	// KindRecording means command buffer begin or end was rejected.
	KindRecording
	// KindSubmission means the queue rejected submitted work.
	KindSubmission
	// KindTimeout means a bounded fence wait elapsed.
	KindTimeout
	// KindDevice means device bootstrapping or a device-level operation
	// failed (open, pool creation, fence reset, device lost).
	KindDevice
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCapabilityMissing:
		return "capability missing"
	case KindPrimitiveCreation:
		return "primitive creation"
	case KindExport:
		return "export"
	case KindImport:
		return "import"
	case KindRecording:
		return "recording"
	case KindSubmission:
		return "submission"
	case KindTimeout:
		return "timeout"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. Use errors.Is to classify an *Error.
var (
	ErrCapabilityMissing = errors.New("semshare: capability missing")
	ErrPrimitiveCreation = errors.New("semshare: primitive creation failed")
	ErrExport            = errors.New("semshare: export failed")
	ErrImport            = errors.New("semshare: import failed")
	ErrRecording         = errors.New("semshare: recording failed")
	ErrSubmission        = errors.New("semshare: submission failed")
	ErrTimeout           = errors.New("semshare: fence wait timed out")
	ErrDevice            = errors.New("semshare: device error")
	errUnknown           = errors.New("semshare: error")
)

// ErrUnsupportedCapability is returned by NewContext when the adapter does
// not support a required extension. It also matches ErrCapabilityMissing.
var ErrUnsupportedCapability = fmt.Errorf("%w: unsupported by adapter", ErrCapabilityMissing)

var kindSentinels = map[Kind]error{
	KindCapabilityMissing: ErrCapabilityMissing,
	KindPrimitiveCreation: ErrPrimitiveCreation,
	KindExport:            ErrExport,
	KindImport:            ErrImport,
	KindRecording:         ErrRecording,
	KindSubmission:        ErrSubmission,
	KindTimeout:           ErrTimeout,
	KindDevice:            ErrDevice,
}

// Error is the error type returned by semshare operations.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "exchange: obtain handle".
	Op string
	// Context names the execution context the operation ran on, if any.
	Context string
	// Err is the underlying cause, usually a driver error.
	Err error
}

func (e *Error) Error() string {
	msg := "semshare: " + e.Op
	if e.Context != "" {
		msg += " [" + e.Context + "]"
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	if !ok {
		return target == errUnknown
	}
	return target == s
}

func newError(kind Kind, op, ctx string, err error) *Error {
	return &Error{Kind: kind, Op: op, Context: ctx, Err: err}
}

func errorf(kind Kind, op, ctx, format string, args ...any) *Error {
	return newError(kind, op, ctx, fmt.Errorf(format, args...))
}
