//go:build linux

package oshandle

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Object is a memfd-backed kernel object. Every memfd has its own inode, so
// the (device, inode) pair of any descriptor identifies the object.
type Object struct {
	fd  int
	key Key
}

// New creates a kernel object.
func New(name string) (*Object, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("oshandle: memfd_create: %w", err)
	}
	key, err := keyOf(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Object{fd: fd, key: key}, nil
}

// Key returns the object identity.
func (o *Object) Key() Key { return o.key }

// Export returns a new handle referring to the object.
func (o *Object) Export() (uintptr, error) {
	fd, err := unix.FcntlInt(uintptr(o.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("oshandle: dup: %w", err)
	}
	return uintptr(fd), nil
}

// Close releases the object's own descriptor. Outstanding handles keep the
// kernel object alive until they are closed too.
func (o *Object) Close() error {
	if o.fd < 0 {
		return nil
	}
	err := unix.Close(o.fd)
	o.fd = -1
	return err
}

// Resolve returns the key of the object h refers to.
func Resolve(h uintptr) (Key, error) {
	return keyOf(int(h))
}

// Close releases a handle returned by Export.
func Close(h uintptr) error {
	if err := unix.Close(int(h)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	return nil
}

func keyOf(fd int) (Key, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Key{}, fmt.Errorf("%w: fstat: %w", ErrInvalidHandle, err)
	}
	return Key{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}
