package semshare

import (
	"errors"
	"testing"

	"github.com/gogpu/semshare/backend/soft"
	"github.com/gogpu/semshare/driver"
	"github.com/gogpu/semshare/internal/oshandle"
)

const fd = driver.HandleTypeOpaqueFD

func TestExchangeStates(t *testing.T) {
	a, b := newPair(t)

	e, err := CreateExportSemaphore(a, driver.HandleTypes(fd))
	if err != nil {
		t.Fatalf("CreateExportSemaphore() error = %v", err)
	}
	if got := e.State(); got != StateExportCreated {
		t.Fatalf("State() = %v, want %v", got, StateExportCreated)
	}

	h, err := e.ObtainHandle(fd)
	if err != nil {
		t.Fatalf("ObtainHandle() error = %v", err)
	}
	if got := e.State(); got != StateHandleObtained {
		t.Fatalf("State() = %v, want %v", got, StateHandleObtained)
	}
	if h.HandleType() != fd {
		t.Errorf("HandleType() = %v, want %v", h.HandleType(), fd)
	}

	shared, err := h.Import(b)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if got := h.State(); got != StateImported {
		t.Fatalf("handle State() = %v, want %v", got, StateImported)
	}
	if got := e.State(); got != StateImported {
		t.Fatalf("export State() = %v, want %v", got, StateImported)
	}

	if shared.Export != e.Semaphore() {
		t.Error("Export half is not the export semaphore")
	}
	if shared.Export.Context() != a || shared.Import.Context() != b {
		t.Error("halves are not owned by exporter and importer")
	}
	if shared.Side(a) != shared.Export || shared.Side(b) != shared.Import {
		t.Error("Side() returned the wrong half")
	}
	if shared.Export.Shared() != shared || shared.Import.Shared() != shared {
		t.Error("halves do not point back at the shared semaphore")
	}
	if soft.PayloadID(shared.Export.Raw()) != soft.PayloadID(shared.Import.Raw()) {
		t.Error("halves are not bound to the same payload")
	}
	if shared.Export.event() != shared.Import.event() {
		t.Error("halves report different events")
	}
}

func TestExchangeStateString(t *testing.T) {
	tests := []struct {
		s    ExchangeState
		want string
	}{
		{StateUncreated, "uncreated"},
		{StateExportCreated, "export created"},
		{StateHandleObtained, "handle obtained"},
		{StateImported, "imported"},
		{ExchangeState(9), "ExchangeState(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestCreateExportSemaphoreWithoutTypes(t *testing.T) {
	a, _ := newPair(t)
	if _, err := CreateExportSemaphore(a, 0); !errors.Is(err, ErrPrimitiveCreation) {
		t.Fatalf("CreateExportSemaphore(0) error = %v, want ErrPrimitiveCreation", err)
	}
}

func TestObtainHandleErrors(t *testing.T) {
	tests := []struct {
		name     string
		extsA    []driver.Extension
		declared driver.HandleTypes
		want     error
	}{
		{
			name:     "entry point missing",
			extsA:    []driver.Extension{driver.ExtExternalSemaphore},
			declared: driver.HandleTypes(fd),
			want:     ErrCapabilityMissing,
		},
		{
			name:     "type not declared",
			extsA:    soft.DefaultExtensions(),
			declared: driver.HandleTypes(driver.HandleTypeOpaqueWin32),
			want:     ErrExport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newPairWith(t, tt.extsA, soft.DefaultExtensions())
			e, err := CreateExportSemaphore(a, tt.declared)
			if err != nil {
				t.Fatalf("CreateExportSemaphore() error = %v", err)
			}
			h, err := e.ObtainHandle(fd)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ObtainHandle() error = %v, want %v", err, tt.want)
			}
			if h != nil {
				t.Fatal("ObtainHandle() returned a handle with an error")
			}
			if e.State() != StateExportCreated {
				t.Errorf("State() = %v after failed ObtainHandle", e.State())
			}
		})
	}
}

func TestObtainHandleOnce(t *testing.T) {
	a, _ := newPair(t)
	e, err := CreateExportSemaphore(a, driver.HandleTypes(fd))
	if err != nil {
		t.Fatalf("CreateExportSemaphore() error = %v", err)
	}
	h, err := e.ObtainHandle(fd)
	if err != nil {
		t.Fatalf("ObtainHandle() error = %v", err)
	}
	defer h.Close()
	if _, err := e.ObtainHandle(fd); !errors.Is(err, ErrExport) {
		t.Fatalf("second ObtainHandle() error = %v, want ErrExport", err)
	}
}

func TestObtainHandleDriverRejects(t *testing.T) {
	a, _ := newPair(t, soft.WithAdapters(
		soft.AdapterConfig{Name: "a", Extensions: soft.DefaultExtensions(), Faults: soft.FailExport},
		soft.AdapterConfig{Name: "b", Extensions: soft.DefaultExtensions()},
	))
	e, err := CreateExportSemaphore(a, driver.HandleTypes(fd))
	if err != nil {
		t.Fatalf("CreateExportSemaphore() error = %v", err)
	}
	if _, err := e.ObtainHandle(fd); !errors.Is(err, ErrExport) || !errors.Is(err, soft.ErrInjected) {
		t.Fatalf("ObtainHandle() error = %v, want ErrExport wrapping the driver error", err)
	}
}

func obtain(t *testing.T, a *Context) *SharedHandle {
	t.Helper()
	e, err := CreateExportSemaphore(a, driver.HandleTypes(fd))
	if err != nil {
		t.Fatalf("CreateExportSemaphore() error = %v", err)
	}
	h, err := e.ObtainHandle(fd)
	if err != nil {
		t.Fatalf("ObtainHandle() error = %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return h
}

func TestImportCapabilityMissing(t *testing.T) {
	a, b := newPairWith(t, soft.DefaultExtensions(), []driver.Extension{driver.ExtExternalSemaphore})
	h := obtain(t, a)
	if _, err := h.Import(b); !errors.Is(err, ErrCapabilityMissing) {
		t.Fatalf("Import() error = %v, want ErrCapabilityMissing", err)
	}
	if h.State() != StateHandleObtained {
		t.Errorf("State() = %v after failed import, want %v", h.State(), StateHandleObtained)
	}
}

func TestImportDriverRejects(t *testing.T) {
	a, b := newPair(t, soft.WithAdapters(
		soft.AdapterConfig{Name: "a", Extensions: soft.DefaultExtensions()},
		soft.AdapterConfig{Name: "b", Extensions: soft.DefaultExtensions(), Faults: soft.FailImport},
	))
	h := obtain(t, a)
	if _, err := h.Import(b); !errors.Is(err, ErrImport) || !errors.Is(err, soft.ErrInjected) {
		t.Fatalf("Import() error = %v, want ErrImport wrapping the driver error", err)
	}
}

func TestImportOnce(t *testing.T) {
	a, b := newPair(t)
	h := obtain(t, a)
	if _, err := h.Import(b); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if _, err := h.Import(b); !errors.Is(err, ErrImport) {
		t.Fatalf("second Import() error = %v, want ErrImport", err)
	}
}

func TestImportAfterClose(t *testing.T) {
	a, b := newPair(t)
	h := obtain(t, a)
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := h.Import(b); !errors.Is(err, ErrImport) {
		t.Fatalf("Import() after Close error = %v, want ErrImport", err)
	}
}

// releaseHidden opens devices whose release entry points are unavailable.
type releaseHidden struct{ driver.Adapter }

func (a releaseHidden) Open(exts []driver.Extension) (driver.Device, error) {
	d, err := a.Adapter.Open(exts)
	if err != nil {
		return nil, err
	}
	return releaseHiddenDevice{d}, nil
}

type releaseHiddenDevice struct{ driver.Device }

func (d releaseHiddenDevice) ProcAddr(name string) any {
	if name == driver.ProcReleaseSemaphoreFd || name == driver.ProcReleaseSemaphoreWin32Handle {
		return nil
	}
	return d.Device.ProcAddr(name)
}

func TestCloseWithoutReleaseEntryPoint(t *testing.T) {
	inst := soft.New()
	adapters := inst.EnumerateAdapters()
	a, err := NewContext(releaseHidden{adapters[0]}, soft.DefaultExtensions(), WithName("a"))
	if err != nil {
		t.Fatalf("NewContext(a) error = %v", err)
	}
	b, err := NewContext(adapters[1], soft.DefaultExtensions(), WithName("b"))
	if err != nil {
		t.Fatalf("NewContext(b) error = %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
		inst.Destroy()
	})
	e, err := CreateExportSemaphore(a, driver.HandleTypes(fd))
	if err != nil {
		t.Fatalf("CreateExportSemaphore() error = %v", err)
	}
	h, err := e.ObtainHandle(fd)
	if err != nil {
		t.Fatalf("ObtainHandle() error = %v", err)
	}

	var se *Error
	if err := h.Close(); !errors.As(err, &se) || se.Kind != KindCapabilityMissing {
		t.Fatalf("Close() error = %v, want a CapabilityMissing *Error", err)
	}
	// The handle was left open, so it can still be imported.
	if _, err := h.Import(b); err != nil {
		t.Fatalf("Import() after failed Close error = %v", err)
	}
}

func TestCloseDriverRejects(t *testing.T) {
	a, _ := newPair(t)
	e, err := CreateExportSemaphore(a, driver.HandleTypes(fd))
	if err != nil {
		t.Fatalf("CreateExportSemaphore() error = %v", err)
	}
	h, err := e.ObtainHandle(fd)
	if err != nil {
		t.Fatalf("ObtainHandle() error = %v", err)
	}
	// Release the OS handle behind the driver's back.
	if err := oshandle.Close(uintptr(h.Handle())); err != nil {
		t.Fatalf("oshandle.Close() error = %v", err)
	}
	err = h.Close()
	if !errors.Is(err, ErrExport) || !errors.Is(err, driver.ErrInvalidExternalHandle) {
		t.Fatalf("Close() error = %v, want ErrExport wrapping ErrInvalidExternalHandle", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestImportIntoUnsuitableTarget(t *testing.T) {
	a, b := newPair(t)
	h := obtain(t, a)

	other, err := CreateExportSemaphore(b, driver.HandleTypes(fd))
	if err != nil {
		t.Fatalf("CreateExportSemaphore() error = %v", err)
	}
	if _, err := h.ImportInto(other.Semaphore()); !errors.Is(err, ErrImport) {
		t.Fatalf("ImportInto(exportable) error = %v, want ErrImport", err)
	}
	if _, err := h.ImportInto(nil); !errors.Is(err, ErrImport) {
		t.Fatalf("ImportInto(nil) error = %v, want ErrImport", err)
	}
}

func TestImportIntoPendingSignal(t *testing.T) {
	a, b := newPair(t)
	h := obtain(t, a)

	// Leave an unconsumed signal on the target.
	target := mustSemaphore(t, b)
	f := mustFence(t, b)
	if err := b.Submit(Submission{CommandBuffer: mustRecorded(t, b, nil), Signals: []*Semaphore{target}, Fence: f}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitSignaled(t, f)

	_, err := h.ImportInto(target)
	if !errors.Is(err, ErrImport) || !errors.Is(err, driver.ErrSemaphoreInUse) {
		t.Fatalf("ImportInto(pending) error = %v, want ErrImport wrapping ErrSemaphoreInUse", err)
	}
	if target.Shared() != nil {
		t.Fatal("rejected target was marked shared")
	}

	// The target's own signal is still there to be consumed.
	f2 := mustFence(t, b)
	if err := b.Submit(Submission{
		CommandBuffer: mustRecorded(t, b, nil),
		Waits:         []Wait{{Semaphore: target, Stage: driver.StageAllCommands}},
		Fence:         f2,
	}); err != nil {
		t.Fatalf("Submit(wait target) error = %v", err)
	}
	waitSignaled(t, f2)

	// The handle is still usable and the shared event alternates normally.
	shared, err := h.Import(b)
	if err != nil {
		t.Fatalf("Import() after rejected ImportInto error = %v", err)
	}
	if err := NewScheduler().Run(t.Context(), oneWay(t, shared.Export, shared.Import)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

// oneWay returns a plan signaling from and then waiting on to.
func oneWay(t *testing.T, from, to *Semaphore) *Plan {
	t.Helper()
	return &Plan{Rounds: []Round{
		{Submissions: []Submission{{
			CommandBuffer: mustRecorded(t, from.Context(), nil),
			Signals:       []*Semaphore{from},
			Fence:         mustFence(t, from.Context()),
		}}},
		{Submissions: []Submission{{
			CommandBuffer: mustRecorded(t, to.Context(), nil),
			Waits:         []Wait{{Semaphore: to, Stage: driver.StageAllCommands}},
			Fence:         mustFence(t, to.Context()),
		}}},
	}}
}

func TestSharedSemaphoreEitherDirection(t *testing.T) {
	a, b := newPair(t)
	shared, err := Exchange(a, b, fd)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	s := NewScheduler()
	if err := s.Run(t.Context(), oneWay(t, shared.Export, shared.Import)); err != nil {
		t.Fatalf("export to import: %v", err)
	}
	if err := s.Run(t.Context(), oneWay(t, shared.Import, shared.Export)); err != nil {
		t.Fatalf("import to export: %v", err)
	}
}

func TestExchangeFailureReleases(t *testing.T) {
	a, b := newPairWith(t, soft.DefaultExtensions(), []driver.Extension{driver.ExtExternalSemaphore})
	if _, err := Exchange(a, b, fd); !errors.Is(err, ErrCapabilityMissing) {
		t.Fatalf("Exchange() error = %v, want ErrCapabilityMissing", err)
	}
	if n := len(a.sems); n != 0 {
		t.Errorf("exporter kept %d semaphores after failed exchange", n)
	}
	if n := len(b.sems); n != 0 {
		t.Errorf("importer kept %d semaphores after failed exchange", n)
	}
}
