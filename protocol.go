package semshare

import (
	"context"

	"github.com/gogpu/semshare/driver"
)

// TwoDeviceProtocol holds the resources of the reference two-device
// protocol: A exports the shared semaphore and B imports it.
type TwoDeviceProtocol struct {
	A, B *Context

	// BuffersA are A's two command buffers, one per round.
	BuffersA [2]*CommandBuffer
	BufferB  *CommandBuffer

	LocalA, LocalB *Semaphore
	Shared         *SharedSemaphore
	FenceA, FenceB *Fence
}

// NewTwoDeviceProtocol allocates and records the command buffers, creates
// the local semaphores and fences, and exchanges the shared semaphore with
// a as exporter. Command buffers are empty unless WithRecordFunc is given.
func NewTwoDeviceProtocol(a, b *Context, ht driver.HandleType, opts ...ProtocolOption) (*TwoDeviceProtocol, error) {
	var o protocolOptions
	for _, opt := range opts {
		opt(&o)
	}
	p := &TwoDeviceProtocol{A: a, B: b}

	record := func(c *Context, index int) (*CommandBuffer, error) {
		cb, err := c.AllocateCommandBuffer()
		if err != nil {
			return nil, err
		}
		var body func(driver.CommandBuffer) error
		if o.body != nil {
			body = func(raw driver.CommandBuffer) error { return o.body(c, index, raw) }
		}
		if err := c.Record(cb, body); err != nil {
			return nil, err
		}
		return cb, nil
	}

	var err error
	for i := range p.BuffersA {
		if p.BuffersA[i], err = record(a, i); err != nil {
			return nil, err
		}
	}
	if p.BufferB, err = record(b, 0); err != nil {
		return nil, err
	}
	if p.LocalA, err = a.CreateSemaphore(); err != nil {
		return nil, err
	}
	if p.LocalB, err = b.CreateSemaphore(); err != nil {
		return nil, err
	}
	if p.FenceA, err = a.CreateFence(); err != nil {
		return nil, err
	}
	if p.FenceB, err = b.CreateFence(); err != nil {
		return nil, err
	}
	if p.Shared, err = Exchange(a, b, ht); err != nil {
		return nil, err
	}
	return p, nil
}

// Plan returns the reference two-round plan.
//
// Round 1: A submits its first buffer signaling LocalA with no fence; B
// submits its buffer signaling LocalB and the import side, gated by FenceB.
// Round 2: A submits its second buffer waiting on the export side and
// LocalA, gated by FenceA.
func (p *TwoDeviceProtocol) Plan() *Plan {
	return &Plan{Rounds: []Round{
		{
			Label: "produce",
			Submissions: []Submission{
				{
					Label:         "a.0",
					CommandBuffer: p.BuffersA[0],
					Signals:       []*Semaphore{p.LocalA},
				},
				{
					Label:         "b.0",
					CommandBuffer: p.BufferB,
					Signals:       []*Semaphore{p.LocalB, p.Shared.Import},
					Fence:         p.FenceB,
				},
			},
		},
		{
			Label: "consume",
			Submissions: []Submission{
				{
					Label:         "a.1",
					CommandBuffer: p.BuffersA[1],
					Waits: []Wait{
						{Semaphore: p.Shared.Export, Stage: driver.StageAllCommands},
						{Semaphore: p.LocalA, Stage: driver.StageAllCommands},
					},
					Fence: p.FenceA,
				},
			},
		},
	}}
}

// HandoffPlan returns the one-way variant: A signals the export side gated
// by FenceA, then B waits on the import side gated by FenceB.
func (p *TwoDeviceProtocol) HandoffPlan() *Plan {
	return &Plan{Rounds: []Round{
		{
			Label: "handoff",
			Submissions: []Submission{{
				Label:         "a.0",
				CommandBuffer: p.BuffersA[0],
				Signals:       []*Semaphore{p.Shared.Export},
				Fence:         p.FenceA,
			}},
		},
		{
			Label: "receive",
			Submissions: []Submission{{
				Label:         "b.0",
				CommandBuffer: p.BufferB,
				Waits:         []Wait{{Semaphore: p.Shared.Import, Stage: driver.StageAllCommands}},
				Fence:         p.FenceB,
			}},
		},
	}}
}

// Run executes the reference plan passes times with s.
func (p *TwoDeviceProtocol) Run(ctx context.Context, s *Scheduler, passes int) error {
	return s.RunPasses(ctx, p.Plan(), passes)
}
