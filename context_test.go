package semshare

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/semshare/backend/soft"
	"github.com/gogpu/semshare/driver"
)

const testTimeout = 5 * time.Second

// newPair opens two contexts, "a" and "b", on a software instance with
// every default extension enabled.
func newPair(t *testing.T, opts ...soft.Option) (*Context, *Context) {
	t.Helper()
	return newPairWith(t, soft.DefaultExtensions(), soft.DefaultExtensions(), opts...)
}

func newPairWith(t *testing.T, extsA, extsB []driver.Extension, opts ...soft.Option) (*Context, *Context) {
	t.Helper()
	inst := soft.New(opts...)
	adapters := inst.EnumerateAdapters()
	if len(adapters) < 2 {
		t.Fatalf("EnumerateAdapters() = %d adapters, want 2", len(adapters))
	}
	a, err := NewContext(adapters[0], extsA, WithName("a"))
	if err != nil {
		t.Fatalf("NewContext(a) error = %v", err)
	}
	b, err := NewContext(adapters[1], extsB, WithName("b"))
	if err != nil {
		a.Close()
		t.Fatalf("NewContext(b) error = %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
		inst.Destroy()
	})
	return a, b
}

func mustRecorded(t *testing.T, c *Context, body func(driver.CommandBuffer) error) *CommandBuffer {
	t.Helper()
	cb, err := c.AllocateCommandBuffer()
	if err != nil {
		t.Fatalf("AllocateCommandBuffer() error = %v", err)
	}
	if err := c.Record(cb, body); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	return cb
}

func mustSemaphore(t *testing.T, c *Context) *Semaphore {
	t.Helper()
	s, err := c.CreateSemaphore()
	if err != nil {
		t.Fatalf("CreateSemaphore() error = %v", err)
	}
	return s
}

func mustFence(t *testing.T, c *Context) *Fence {
	t.Helper()
	f, err := c.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence() error = %v", err)
	}
	return f
}

func waitSignaled(t *testing.T, f *Fence) {
	t.Helper()
	st, err := f.Wait(context.Background(), testTimeout)
	if err != nil {
		t.Fatalf("Wait(%s) error = %v", f.Label(), err)
	}
	if st != FenceSignaled {
		t.Fatalf("Wait(%s) = %v, want signaled", f.Label(), st)
	}
}

// gated returns a record body that blocks the queue until gate is closed.
func gated(gate <-chan struct{}) func(driver.CommandBuffer) error {
	return func(cb driver.CommandBuffer) error {
		r, ok := cb.(driver.HostCallbackRecorder)
		if !ok {
			return errors.New("command buffer cannot record host callbacks")
		}
		r.RecordHostCallback(func() { <-gate })
		return nil
	}
}

func TestNewContextExtensions(t *testing.T) {
	tests := []struct {
		name     string
		required []driver.Extension
	}{
		{"none", nil},
		{"base only", []driver.Extension{driver.ExtExternalSemaphore}},
		{"fd", []driver.Extension{driver.ExtExternalSemaphore, driver.ExtExternalSemaphoreFD}},
		{"all", soft.DefaultExtensions()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := soft.New()
			defer inst.Destroy()
			c, err := NewContext(inst.EnumerateAdapters()[0], tt.required)
			if err != nil {
				t.Fatalf("NewContext() error = %v", err)
			}
			defer c.Close()
			if diff := cmp.Diff(tt.required, c.Extensions()); diff != "" {
				t.Errorf("Extensions() mismatch (-want +got):\n%s", diff)
			}
			if c.Name() != "soft-0" {
				t.Errorf("Name() = %q, want adapter name", c.Name())
			}
		})
	}
}

func TestNewContextUnsupportedCapability(t *testing.T) {
	inst := soft.New(soft.WithAdapters(soft.AdapterConfig{
		Name:       "limited",
		Extensions: []driver.Extension{driver.ExtExternalSemaphore},
	}))
	defer inst.Destroy()

	_, err := NewContext(inst.EnumerateAdapters()[0], soft.DefaultExtensions())
	if !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("NewContext() error = %v, want ErrUnsupportedCapability", err)
	}
	if !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("error %v does not match ErrCapabilityMissing", err)
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindCapabilityMissing {
		t.Errorf("error %v is not a KindCapabilityMissing *Error", err)
	}
}

func TestNewContextOpenFault(t *testing.T) {
	inst := soft.New(soft.WithAdapters(soft.AdapterConfig{
		Name:       "broken",
		Extensions: soft.DefaultExtensions(),
		Faults:     soft.FailOpen,
	}))
	defer inst.Destroy()

	_, err := NewContext(inst.EnumerateAdapters()[0], nil)
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("NewContext() error = %v, want ErrDevice", err)
	}
	if !errors.Is(err, soft.ErrInjected) {
		t.Errorf("error %v does not wrap the driver cause", err)
	}
}

func TestNewContextNilAdapter(t *testing.T) {
	if _, err := NewContext(nil, nil); !errors.Is(err, ErrDevice) {
		t.Fatalf("NewContext(nil) error = %v, want ErrDevice", err)
	}
}

func TestSupportsHandleType(t *testing.T) {
	a, b := newPairWith(t, soft.DefaultExtensions(), []driver.Extension{driver.ExtExternalSemaphore})
	if !a.SupportsHandleType(driver.HandleTypeOpaqueFD) {
		t.Error("a.SupportsHandleType(fd) = false, want true")
	}
	if b.SupportsHandleType(driver.HandleTypeOpaqueFD) {
		t.Error("b.SupportsHandleType(fd) = true without the fd extension")
	}
}

func TestRecordOnce(t *testing.T) {
	a, _ := newPair(t)
	cb := mustRecorded(t, a, nil)
	if !cb.Recorded() {
		t.Fatal("Recorded() = false after Record")
	}
	if err := a.Record(cb, nil); !errors.Is(err, ErrRecording) {
		t.Fatalf("second Record() error = %v, want ErrRecording", err)
	}
}

func TestRecordForeignBuffer(t *testing.T) {
	a, b := newPair(t)
	cb, err := b.AllocateCommandBuffer()
	if err != nil {
		t.Fatalf("AllocateCommandBuffer() error = %v", err)
	}
	if err := a.Record(cb, nil); !errors.Is(err, ErrRecording) {
		t.Fatalf("Record(foreign) error = %v, want ErrRecording", err)
	}
}

func TestRecordBodyErrorDiscards(t *testing.T) {
	a, _ := newPair(t)
	cb, err := a.AllocateCommandBuffer()
	if err != nil {
		t.Fatalf("AllocateCommandBuffer() error = %v", err)
	}
	errBody := errors.New("body failed")
	err = a.Record(cb, func(driver.CommandBuffer) error { return errBody })
	if !errors.Is(err, ErrRecording) || !errors.Is(err, errBody) {
		t.Fatalf("Record() error = %v, want ErrRecording wrapping the body error", err)
	}
	if cb.Recorded() {
		t.Fatal("Recorded() = true after failed Record")
	}
	if err := a.Record(cb, nil); err != nil {
		t.Fatalf("Record() after discard error = %v", err)
	}
}

func TestRecordDriverRejects(t *testing.T) {
	tests := []struct {
		name   string
		faults soft.Faults
	}{
		{"begin", soft.FailBegin},
		{"end", soft.FailEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newPair(t, soft.WithAdapters(
				soft.AdapterConfig{Name: "a", Extensions: soft.DefaultExtensions(), Faults: tt.faults},
				soft.AdapterConfig{Name: "b", Extensions: soft.DefaultExtensions()},
			))
			cb, err := a.AllocateCommandBuffer()
			if err != nil {
				t.Fatalf("AllocateCommandBuffer() error = %v", err)
			}
			if err := a.Record(cb, nil); !errors.Is(err, ErrRecording) {
				t.Fatalf("Record() error = %v, want ErrRecording", err)
			}
			if cb.Recorded() {
				t.Error("Recorded() = true after rejected Record")
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	a, b := newPair(t)
	recordedA := mustRecorded(t, a, nil)
	unrecorded, err := a.AllocateCommandBuffer()
	if err != nil {
		t.Fatalf("AllocateCommandBuffer() error = %v", err)
	}
	semA := mustSemaphore(t, a)
	semB := mustSemaphore(t, b)
	fenceB := mustFence(t, b)

	tests := []struct {
		name string
		sub  Submission
	}{
		{"no command buffer", Submission{}},
		{"foreign command buffer", Submission{CommandBuffer: mustRecorded(t, b, nil)}},
		{"unrecorded", Submission{CommandBuffer: unrecorded}},
		{"foreign wait", Submission{CommandBuffer: recordedA, Waits: []Wait{{Semaphore: semB, Stage: driver.StageAllCommands}}}},
		{"foreign signal", Submission{CommandBuffer: recordedA, Signals: []*Semaphore{semB}}},
		{"foreign fence", Submission{CommandBuffer: recordedA, Fence: fenceB}},
		{"nil wait", Submission{CommandBuffer: recordedA, Waits: []Wait{{Stage: driver.StageAllCommands}}}},
		{"zero stage", Submission{CommandBuffer: recordedA, Waits: []Wait{{Semaphore: semA}}}},
		{"wait without signal", Submission{CommandBuffer: recordedA, Waits: []Wait{{Semaphore: semA, Stage: driver.StageAllCommands}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Submit(tt.sub)
			if !errors.Is(err, ErrSubmission) {
				t.Fatalf("Submit() error = %v, want ErrSubmission", err)
			}
		})
	}
}

func TestSubmitSignalThenWait(t *testing.T) {
	a, _ := newPair(t)
	sem := mustSemaphore(t, a)
	f := mustFence(t, a)

	if err := a.Submit(Submission{CommandBuffer: mustRecorded(t, a, nil), Signals: []*Semaphore{sem}}); err != nil {
		t.Fatalf("Submit(signal) error = %v", err)
	}
	if err := a.Submit(Submission{
		CommandBuffer: mustRecorded(t, a, nil),
		Waits:         []Wait{{Semaphore: sem, Stage: driver.StageAllCommands}},
		Fence:         f,
	}); err != nil {
		t.Fatalf("Submit(wait) error = %v", err)
	}
	waitSignaled(t, f)

	// The signal was consumed.
	err := a.Submit(Submission{
		CommandBuffer: mustRecorded(t, a, nil),
		Waits:         []Wait{{Semaphore: sem, Stage: driver.StageAllCommands}},
	})
	if !errors.Is(err, ErrSubmission) {
		t.Fatalf("second wait error = %v, want ErrSubmission", err)
	}
}

func TestSubmitFenceReuseRequiresReset(t *testing.T) {
	a, _ := newPair(t)
	cb := mustRecorded(t, a, nil)
	f := mustFence(t, a)

	if err := a.Submit(Submission{CommandBuffer: cb, Fence: f}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitSignaled(t, f)
	if !f.Submitted() || !f.Signaled() {
		t.Fatalf("Submitted() = %v, Signaled() = %v, want both true", f.Submitted(), f.Signaled())
	}
	if err := a.Submit(Submission{CommandBuffer: cb, Fence: f}); !errors.Is(err, ErrSubmission) {
		t.Fatalf("resubmit without reset error = %v, want ErrSubmission", err)
	}
	if err := f.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if f.Signaled() || f.Submitted() {
		t.Fatal("fence still signaled or submitted after Reset")
	}
	if err := a.Submit(Submission{CommandBuffer: cb, Fence: f}); err != nil {
		t.Fatalf("resubmit after reset error = %v", err)
	}
	waitSignaled(t, f)
}

func TestSubmitDriverFault(t *testing.T) {
	a, _ := newPair(t, soft.WithAdapters(
		soft.AdapterConfig{Name: "a", Extensions: soft.DefaultExtensions(), Faults: soft.FailSubmit},
		soft.AdapterConfig{Name: "b", Extensions: soft.DefaultExtensions()},
	))
	f := mustFence(t, a)
	err := a.Submit(Submission{CommandBuffer: mustRecorded(t, a, nil), Fence: f})
	if !errors.Is(err, ErrSubmission) || !errors.Is(err, soft.ErrInjected) {
		t.Fatalf("Submit() error = %v, want ErrSubmission wrapping the driver error", err)
	}
	if f.Submitted() {
		t.Error("fence marked submitted after rejected Submit")
	}
}

func TestPrimitiveCreationFaults(t *testing.T) {
	a, _ := newPair(t, soft.WithAdapters(
		soft.AdapterConfig{Name: "a", Extensions: soft.DefaultExtensions(), Faults: soft.FailCreateSemaphore | soft.FailCreateFence},
		soft.AdapterConfig{Name: "b", Extensions: soft.DefaultExtensions()},
	))
	if _, err := a.CreateSemaphore(); !errors.Is(err, ErrPrimitiveCreation) {
		t.Errorf("CreateSemaphore() error = %v, want ErrPrimitiveCreation", err)
	}
	if _, err := a.CreateFence(); !errors.Is(err, ErrPrimitiveCreation) {
		t.Errorf("CreateFence() error = %v, want ErrPrimitiveCreation", err)
	}
}

func TestFenceWaitBounded(t *testing.T) {
	a, _ := newPair(t)
	f := mustFence(t, a)

	st, err := f.Wait(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if st != FenceTimedOut {
		t.Fatalf("Wait() = %v, want timed out", st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Wait(ctx, 0)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait(canceled) error = %v, want ErrTimeout and context.Canceled", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	a, _ := newPair(t)
	a.Close()
	a.Close()
	if _, err := a.CreateSemaphore(); !errors.Is(err, ErrPrimitiveCreation) {
		t.Errorf("CreateSemaphore() after Close error = %v, want ErrPrimitiveCreation", err)
	}
	if _, err := a.AllocateCommandBuffer(); !errors.Is(err, ErrDevice) {
		t.Errorf("AllocateCommandBuffer() after Close error = %v, want ErrDevice", err)
	}
}

func TestErrorFormat(t *testing.T) {
	err := errorf(KindExport, "exchange: obtain handle", "a", "rejected")
	want := "semshare: exchange: obtain handle [a]: export: rejected"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrExport) || errors.Is(err, ErrImport) {
		t.Errorf("errors.Is classification wrong for %v", err)
	}
}
