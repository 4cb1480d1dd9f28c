// Package oshandle manages the kernel objects behind shared semaphore
// payloads.
//
// An Object is created once per exportable payload and lives as long as the
// payload. Export hands out independent handles to the same object; each
// handle is owned by whoever receives it and must be closed with Close or
// passed to an importer that takes ownership. Resolve maps any live handle
// back to the Key of the object it refers to, which is how an importing
// device finds the payload a handle was exported from.
package oshandle

import "errors"

// ErrInvalidHandle is returned when a handle does not refer to a live object.
var ErrInvalidHandle = errors.New("oshandle: invalid handle")

// Key identifies an object independently of the handle used to reach it.
type Key struct {
	Dev uint64
	Ino uint64
}
