package plan

import (
	"fmt"

	"github.com/gogpu/semshare"
	"github.com/gogpu/semshare/driver"
)

// resources holds what Build created on one context.
type resources struct {
	ctx        *semshare.Context
	buffers    []*semshare.CommandBuffer
	semaphores map[string]*semshare.Semaphore
	fences     map[string]*semshare.Fence
}

// Build creates the resources declared by f on contexts, keyed by context
// name, and returns the pass as a validated plan. Command buffers are
// recorded empty. Shared semaphores are exchanged with handle type ht.
//
// Resources are owned by their contexts and released by Context.Close,
// also when Build fails part way.
func (f *File) Build(contexts map[string]*semshare.Context, ht driver.HandleType) (*semshare.Plan, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	res := make(map[string]*resources, len(f.Contexts))
	for _, cb := range f.Contexts {
		c, ok := contexts[cb.Name]
		if !ok || c == nil {
			return nil, fmt.Errorf("plan: build: no context for %q", cb.Name)
		}
		r, err := create(c, cb)
		if err != nil {
			return nil, fmt.Errorf("plan: build: context %q: %w", cb.Name, err)
		}
		res[cb.Name] = r
	}

	for _, s := range f.Shared {
		exp, imp := res[s.Exporter], res[s.Importer]
		shared, err := semshare.Exchange(exp.ctx, imp.ctx, ht)
		if err != nil {
			return nil, fmt.Errorf("plan: build: shared %q: %w", s.Name, err)
		}
		exp.semaphores[s.Name] = shared.Export
		imp.semaphores[s.Name] = shared.Import
	}

	p := &semshare.Plan{Rounds: make([]semshare.Round, 0, len(f.Rounds))}
	for _, rb := range f.Rounds {
		round := semshare.Round{Label: rb.Label}
		for i, sb := range rb.Submits {
			r := res[sb.Context]
			sub := semshare.Submission{
				Label:         fmt.Sprintf("%s.%d.%s", rb.Label, i, sb.Context),
				CommandBuffer: r.buffers[sb.index()],
			}
			for _, w := range sb.Waits {
				sub.Waits = append(sub.Waits, semshare.Wait{Semaphore: r.semaphores[w.Semaphore], Stage: w.Stage()})
			}
			for _, name := range sb.Signals {
				sub.Signals = append(sub.Signals, r.semaphores[name])
			}
			if sb.Fence != nil {
				sub.Fence = r.fences[*sb.Fence]
			}
			round.Submissions = append(round.Submissions, sub)
		}
		p.Rounds = append(p.Rounds, round)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("plan: build: %w", err)
	}
	return p, nil
}

func create(c *semshare.Context, cb *ContextBlock) (*resources, error) {
	r := &resources{
		ctx:        c,
		semaphores: make(map[string]*semshare.Semaphore, len(cb.Semaphores)),
		fences:     make(map[string]*semshare.Fence, len(cb.Fences)),
	}
	for range cb.CommandBuffers {
		buf, err := c.AllocateCommandBuffer()
		if err != nil {
			return nil, err
		}
		if err := c.Record(buf, nil); err != nil {
			return nil, err
		}
		r.buffers = append(r.buffers, buf)
	}
	for _, name := range cb.Semaphores {
		sem, err := c.CreateSemaphore()
		if err != nil {
			return nil, err
		}
		r.semaphores[name] = sem
	}
	for _, name := range cb.Fences {
		fence, err := c.CreateFence()
		if err != nil {
			return nil, err
		}
		r.fences[name] = fence
	}
	return r, nil
}
