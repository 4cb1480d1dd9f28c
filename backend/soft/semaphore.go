package soft

import (
	"fmt"
	"sync"

	"github.com/gogpu/semshare/driver"
	"github.com/gogpu/semshare/internal/oshandle"
)

// payload is the state behind one or more semaphores.
//
// Device-side state is the token count: executing a signal adds a token,
// executing a wait takes one, blocking until one is available. Host-side
// state tracks what has been submitted: pending counts submitted signals
// not yet claimed by a submitted wait. Both sides count, so a second signal
// submitted before the first is consumed is matched by a later wait instead
// of being lost.
type payload struct {
	id      uint64
	pending int
	refs    int
	obj     *oshandle.Object

	mu     sync.Mutex
	tokens int
	wake   chan struct{} // closed and replaced on every fire
}

func newPayload(id uint64) *payload {
	return &payload{id: id, wake: make(chan struct{})}
}

func (p *payload) fire() {
	p.mu.Lock()
	p.tokens++
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

// take consumes one token, blocking until one is available. It returns
// false if stop is closed first.
func (p *payload) take(stop <-chan struct{}) bool {
	for {
		p.mu.Lock()
		if p.tokens > 0 {
			p.tokens--
			p.mu.Unlock()
			return true
		}
		wake := p.wake
		p.mu.Unlock()
		select {
		case <-wake:
		case <-stop:
			return false
		}
	}
}

func (p *payload) signaled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens
}

func (p *payload) closeObject() {
	if p.obj != nil {
		_ = p.obj.Close()
		p.obj = nil
	}
}

// semaphore is a software binary semaphore.
type semaphore struct {
	label       string
	dev         *device
	exportTypes driver.HandleTypes

	// Guarded by Instance.mu.
	p        *payload
	inflight int
	dead     bool
}

// Label implements driver.Semaphore.
func (s *semaphore) Label() string { return s.label }

// PayloadID returns the identifier of the payload currently bound to sem.
// Two semaphores sharing a payload report the same identifier.
func PayloadID(sem driver.Semaphore) uint64 {
	s, ok := sem.(*semaphore)
	if !ok {
		return 0
	}
	s.dev.inst.mu.Lock()
	defer s.dev.inst.mu.Unlock()
	return s.p.id
}

// CreateSemaphore implements driver.Device.
func (d *device) CreateSemaphore(desc *driver.SemaphoreDescriptor) (driver.Semaphore, error) {
	if d.faults&FailCreateSemaphore != 0 {
		return nil, fmt.Errorf("soft: create semaphore: %w", ErrInjected)
	}
	if d.lost.Load() {
		return nil, driver.ErrDeviceLost
	}
	s := &semaphore{dev: d}
	if desc != nil {
		s.label = desc.Label
		s.exportTypes = desc.ExportTypes
	}
	inst := d.inst
	inst.mu.Lock()
	s.p = inst.newPayload()
	s.p.refs = 1
	inst.mu.Unlock()
	return s, nil
}

// DestroySemaphore implements driver.Device.
func (d *device) DestroySemaphore(sem driver.Semaphore) {
	s, ok := sem.(*semaphore)
	if !ok || s.dev != d {
		return
	}
	d.inst.mu.Lock()
	defer d.inst.mu.Unlock()
	if s.dead {
		return
	}
	s.dead = true
	d.inst.release(s.p)
}

func (d *device) ownSemaphore(sem driver.Semaphore) (*semaphore, error) {
	s, ok := sem.(*semaphore)
	if !ok || s == nil {
		return nil, fmt.Errorf("soft: foreign semaphore %T", sem)
	}
	if s.dev != d {
		return nil, fmt.Errorf("soft: semaphore %q belongs to %s, not %s", s.label, s.dev.name(), d.name())
	}
	return s, nil
}

// getSemaphoreHandle exports the payload of sem. It is returned by ProcAddr
// only when the matching extension is enabled.
func (d *device) getSemaphoreHandle(sem driver.Semaphore, ht driver.HandleType) (driver.OSHandle, error) {
	if d.faults&FailExport != 0 {
		return 0, fmt.Errorf("soft: export: %w", ErrInjected)
	}
	s, err := d.ownSemaphore(sem)
	if err != nil {
		return 0, err
	}
	if !s.exportTypes.Has(ht) {
		return 0, fmt.Errorf("soft: export %q: %w: handle type %s not declared at creation",
			s.label, driver.ErrInvalidExternalHandle, ht)
	}

	inst := d.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if s.dead {
		return 0, fmt.Errorf("soft: export %q: semaphore destroyed", s.label)
	}
	p := s.p
	if p.obj == nil {
		obj, err := oshandle.New(fmt.Sprintf("semshare-payload-%d", p.id))
		if err != nil {
			return 0, fmt.Errorf("soft: export %q: %w", s.label, err)
		}
		p.obj = obj
		inst.exported[obj.Key()] = p
	}
	h, err := p.obj.Export()
	if err != nil {
		return 0, fmt.Errorf("soft: export %q: %w", s.label, err)
	}
	inst.log().Debug("soft: payload exported", "semaphore", s.label, "payload", p.id, "handle_type", ht.String())
	return driver.OSHandle(h), nil
}

// importSemaphoreHandle binds the payload behind h into sem and takes
// ownership of h.
func (d *device) importSemaphoreHandle(sem driver.Semaphore, ht driver.HandleType, h driver.OSHandle) error {
	if d.faults&FailImport != 0 {
		return fmt.Errorf("soft: import: %w", ErrInjected)
	}
	s, err := d.ownSemaphore(sem)
	if err != nil {
		return err
	}
	if ht.Extension() == "" {
		return fmt.Errorf("soft: import %q: %w: unknown handle type", s.label, driver.ErrInvalidExternalHandle)
	}
	key, err := oshandle.Resolve(uintptr(h))
	if err != nil {
		return fmt.Errorf("soft: import %q: %w: %w", s.label, driver.ErrInvalidExternalHandle, err)
	}

	inst := d.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()
	p, ok := inst.exported[key]
	if !ok {
		return fmt.Errorf("soft: import %q: %w: handle not exported by this instance", s.label, driver.ErrInvalidExternalHandle)
	}
	if s.dead {
		return fmt.Errorf("soft: import %q: semaphore destroyed", s.label)
	}
	if s.p == p {
		return fmt.Errorf("soft: import %q: %w: payload already bound", s.label, driver.ErrSemaphoreInUse)
	}
	if s.inflight > 0 || s.p.pending > 0 || s.p.signaled() > 0 {
		return fmt.Errorf("soft: import %q: %w", s.label, driver.ErrSemaphoreInUse)
	}
	if err := oshandle.Close(uintptr(h)); err != nil {
		return fmt.Errorf("soft: import %q: %w", s.label, err)
	}
	old := s.p
	s.p = p
	p.refs++
	inst.release(old)
	inst.log().Debug("soft: payload imported", "semaphore", s.label, "payload", p.id, "device", d.name())
	return nil
}

// releaseSemaphoreHandle closes a handle returned by getSemaphoreHandle that
// was never imported. The payload stays exported and can be exported again.
func (d *device) releaseSemaphoreHandle(ht driver.HandleType, h driver.OSHandle) error {
	if ht.Extension() == "" {
		return fmt.Errorf("soft: release: %w: unknown handle type", driver.ErrInvalidExternalHandle)
	}
	key, err := oshandle.Resolve(uintptr(h))
	if err != nil {
		return fmt.Errorf("soft: release: %w: %w", driver.ErrInvalidExternalHandle, err)
	}
	d.inst.mu.Lock()
	_, ok := d.inst.exported[key]
	d.inst.mu.Unlock()
	if !ok {
		return fmt.Errorf("soft: release: %w: handle not exported by this instance", driver.ErrInvalidExternalHandle)
	}
	if err := oshandle.Close(uintptr(h)); err != nil {
		return fmt.Errorf("soft: release: %w", err)
	}
	d.inst.log().Debug("soft: handle released", "device", d.name(), "handle_type", ht.String())
	return nil
}
