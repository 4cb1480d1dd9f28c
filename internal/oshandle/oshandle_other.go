//go:build !linux

package oshandle

import (
	"fmt"
	"sync"
)

// handleTable stands in for the kernel handle table on platforms without a
// memfd equivalent reachable from pure Go.
var handleTable = struct {
	mu      sync.Mutex
	next    uintptr
	nextKey uint64
	handles map[uintptr]Key
}{next: 0x1000, handles: make(map[uintptr]Key)}

// Object is a table-backed kernel object.
type Object struct {
	key    Key
	closed bool
}

// New creates a kernel object.
func New(_ string) (*Object, error) {
	handleTable.mu.Lock()
	defer handleTable.mu.Unlock()
	handleTable.nextKey++
	return &Object{key: Key{Ino: handleTable.nextKey}}, nil
}

// Key returns the object identity.
func (o *Object) Key() Key { return o.key }

// Export returns a new handle referring to the object.
func (o *Object) Export() (uintptr, error) {
	handleTable.mu.Lock()
	defer handleTable.mu.Unlock()
	if o.closed {
		return 0, fmt.Errorf("%w: object closed", ErrInvalidHandle)
	}
	h := handleTable.next
	handleTable.next += 4
	handleTable.handles[h] = o.key
	return h, nil
}

// Close releases the object. Outstanding handles stay resolvable until
// they are closed.
func (o *Object) Close() error {
	o.closed = true
	return nil
}

// Resolve returns the key of the object h refers to.
func Resolve(h uintptr) (Key, error) {
	handleTable.mu.Lock()
	defer handleTable.mu.Unlock()
	key, ok := handleTable.handles[h]
	if !ok {
		return Key{}, ErrInvalidHandle
	}
	return key, nil
}

// Close releases a handle returned by Export.
func Close(h uintptr) error {
	handleTable.mu.Lock()
	defer handleTable.mu.Unlock()
	if _, ok := handleTable.handles[h]; !ok {
		return ErrInvalidHandle
	}
	delete(handleTable.handles, h)
	return nil
}
