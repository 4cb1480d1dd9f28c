package semshare

import (
	"fmt"
	"sync"

	"github.com/gogpu/semshare/driver"
)

// ExchangeState is a step of the shared semaphore handshake.
type ExchangeState int

// Handshake states, in order.
const (
	StateUncreated ExchangeState = iota
	StateExportCreated
	StateHandleObtained
	StateImported
)

// String returns the state name.
func (s ExchangeState) String() string {
	switch s {
	case StateUncreated:
		return "uncreated"
	case StateExportCreated:
		return "export created"
	case StateHandleObtained:
		return "handle obtained"
	case StateImported:
		return "imported"
	default:
		return fmt.Sprintf("ExchangeState(%d)", int(s))
	}
}

// ExportSemaphore is the export side of a shared semaphore before its
// payload has been exported. It is the ExportCreated state.
type ExportSemaphore struct {
	sem *Semaphore

	mu     sync.Mutex
	handle *SharedHandle
}

// CreateExportSemaphore creates a semaphore on exporter whose payload may be
// exported to any of types. The export types cannot be changed later.
func CreateExportSemaphore(exporter *Context, types driver.HandleTypes) (*ExportSemaphore, error) {
	if exporter == nil {
		return nil, errorf(KindPrimitiveCreation, "exchange: create export semaphore", "", "nil exporter")
	}
	if types == 0 {
		return nil, errorf(KindPrimitiveCreation, "exchange: create export semaphore", exporter.name, "no export handle types")
	}
	sem, err := exporter.createSemaphore("export", types)
	if err != nil {
		return nil, err
	}
	exporter.log.Debug("semshare: exchange state",
		"state", StateExportCreated.String(),
		"context", exporter.name,
		"semaphore", sem.label)
	return &ExportSemaphore{sem: sem}, nil
}

// Semaphore returns the export-side semaphore.
func (e *ExportSemaphore) Semaphore() *Semaphore { return e.sem }

// State returns the handshake state this export semaphore has reached.
func (e *ExportSemaphore) State() ExchangeState {
	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()
	if h == nil {
		return StateExportCreated
	}
	return h.State()
}

// ObtainHandle exports the payload to a new OS handle of type ht.
//
// It fails with ErrCapabilityMissing if the exporter's device does not
// provide the export entry point for ht, and with ErrExport if ht was not
// declared at creation or the driver rejects the export. A handle is
// obtained at most once per export semaphore.
func (e *ExportSemaphore) ObtainHandle(ht driver.HandleType) (*SharedHandle, error) {
	const op = "exchange: obtain handle"
	c := e.sem.ctx
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != nil {
		return nil, errorf(KindExport, op, c.name, "handle already obtained for %q", e.sem.label)
	}
	get := c.funcs[ht].getHandle
	if get == nil {
		return nil, errorf(KindCapabilityMissing, op, c.name,
			"no %s entry point for %s; is %s enabled?", procName(ht, true), ht, ht.Extension())
	}
	if !e.sem.exportTypes.Has(ht) {
		return nil, errorf(KindExport, op, c.name,
			"semaphore %q was not created exportable to %s", e.sem.label, ht)
	}
	h, err := get(e.sem.raw, ht)
	if err != nil {
		return nil, newError(KindExport, op, c.name, err)
	}
	e.handle = &SharedHandle{export: e, ht: ht, h: h}
	c.log.Debug("semshare: exchange state",
		"state", StateHandleObtained.String(),
		"context", c.name,
		"semaphore", e.sem.label,
		"handle_type", ht.String())
	return e.handle, nil
}

func procName(ht driver.HandleType, export bool) string {
	get, imp := driver.ProcNames(ht)
	if export {
		return get
	}
	return imp
}

// SharedHandle is an exported OS handle that has not been imported yet. It
// is the HandleObtained state. The handle is consumed by a successful
// import; until then the caller owns it and releases it with Close.
type SharedHandle struct {
	export *ExportSemaphore
	ht     driver.HandleType
	h      driver.OSHandle

	mu       sync.Mutex
	consumed bool
	closed   bool
}

// HandleType returns the OS handle type.
func (h *SharedHandle) HandleType() driver.HandleType { return h.ht }

// Handle returns the OS handle. It is meaningful only until the handle is
// consumed or closed.
func (h *SharedHandle) Handle() driver.OSHandle { return h.h }

// State returns StateImported once the handle has been imported and
// StateHandleObtained otherwise.
func (h *SharedHandle) State() ExchangeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumed {
		return StateImported
	}
	return StateHandleObtained
}

// Import creates an ordinary semaphore on importer and imports the payload
// into it. On failure the new semaphore is destroyed and the handle is left
// with the caller.
func (h *SharedHandle) Import(importer *Context) (*SharedSemaphore, error) {
	if importer == nil {
		return nil, errorf(KindImport, "exchange: import", "", "nil importer")
	}
	sem, err := importer.createSemaphore("import", 0)
	if err != nil {
		return nil, err
	}
	shared, ierr := h.ImportInto(sem)
	if ierr != nil {
		importer.destroySemaphore(sem)
		return nil, ierr
	}
	return shared, nil
}

// ImportInto imports the payload into sem, an ordinary semaphore that was
// not created exportable and is not already shared.
//
// It fails with ErrCapabilityMissing if sem's device does not provide the
// import entry point, and with ErrImport if the handle was already used, the
// target is unsuitable or the driver rejects the import. A target with a
// pending unconsumed signal or queued waits is rejected by the driver and
// the shared payload is left untouched.
func (h *SharedHandle) ImportInto(sem *Semaphore) (*SharedSemaphore, error) {
	const op = "exchange: import"
	if sem == nil {
		return nil, errorf(KindImport, op, "", "nil semaphore")
	}
	c := sem.ctx
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.consumed:
		return nil, errorf(KindImport, op, c.name, "handle already imported")
	case h.closed:
		return nil, errorf(KindImport, op, c.name, "handle closed")
	case sem.exportTypes != 0:
		return nil, errorf(KindImport, op, c.name, "semaphore %q is exportable; import needs an ordinary semaphore", sem.label)
	case sem.shared.Load() != nil:
		return nil, errorf(KindImport, op, c.name, "semaphore %q is already shared", sem.label)
	}
	imp := c.funcs[h.ht].importHandle
	if imp == nil {
		return nil, errorf(KindCapabilityMissing, op, c.name,
			"no %s entry point for %s; is %s enabled?", procName(h.ht, false), h.ht, h.ht.Extension())
	}
	if err := imp(sem.raw, h.ht, h.h); err != nil {
		return nil, newError(KindImport, op, c.name, err)
	}
	h.consumed = true
	shared := &SharedSemaphore{Export: h.export.sem, Import: sem, HandleType: h.ht}
	h.export.sem.shared.Store(shared)
	sem.shared.Store(shared)
	c.log.Debug("semshare: exchange state",
		"state", StateImported.String(),
		"context", c.name,
		"semaphore", sem.label,
		"handle_type", h.ht.String())
	return shared, nil
}

// Close releases the OS handle through the exporter's release entry point
// if it has not been consumed by an import. Close is idempotent once it has
// succeeded or the driver has failed to release the handle.
//
// It fails with ErrCapabilityMissing, leaving the handle open and
// importable, if the exporter's device does not provide the release entry
// point, and with ErrExport if the driver fails to release the handle.
func (h *SharedHandle) Close() error {
	const op = "exchange: close handle"
	c := h.export.sem.ctx
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumed || h.closed {
		return nil
	}
	release := c.funcs[h.ht].release
	if release == nil {
		return errorf(KindCapabilityMissing, op, c.name,
			"no %s entry point for %s", driver.ReleaseProcName(h.ht), h.ht)
	}
	h.closed = true
	if err := release(h.ht, h.h); err != nil {
		return newError(KindExport, op, c.name, err)
	}
	return nil
}

// SharedSemaphore is the Imported state: two semaphores on two contexts
// bound to one payload. A signal submitted through either half satisfies a
// wait submitted through the other.
type SharedSemaphore struct {
	// Export is owned by the exporting context.
	Export *Semaphore
	// Import is owned by the importing context.
	Import     *Semaphore
	HandleType driver.HandleType
}

// Side returns the half owned by c, or nil if c owns neither.
func (s *SharedSemaphore) Side(c *Context) *Semaphore {
	switch c {
	case s.Export.ctx:
		return s.Export
	case s.Import.ctx:
		return s.Import
	default:
		return nil
	}
}

// Exchange runs the whole handshake: it creates an export semaphore on
// exporter, obtains an OS handle of type ht and imports it on importer.
// The handshake runs once per shared semaphore.
func Exchange(exporter, importer *Context, ht driver.HandleType) (*SharedSemaphore, error) {
	if exporter == nil || importer == nil {
		return nil, errorf(KindPrimitiveCreation, "exchange", "", "nil context")
	}
	e, err := CreateExportSemaphore(exporter, driver.HandleTypes(ht))
	if err != nil {
		return nil, err
	}
	h, err := e.ObtainHandle(ht)
	if err != nil {
		exporter.destroySemaphore(e.sem)
		return nil, err
	}
	shared, err := h.Import(importer)
	if err != nil {
		if cerr := h.Close(); cerr != nil {
			exporter.log.Warn("semshare: release shared handle", "context", exporter.name, "err", cerr)
		}
		exporter.destroySemaphore(e.sem)
		return nil, err
	}
	exporter.log.Info("semshare: semaphore shared",
		"exporter", exporter.name,
		"importer", importer.name,
		"export", shared.Export.label,
		"import", shared.Import.label,
		"handle_type", ht.String())
	return shared, nil
}
