package semshare

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Round is a group of submissions enqueued together. Waits in a round may
// reference only semaphores signaled by an earlier round of the same pass.
type Round struct {
	Label       string
	Submissions []Submission
}

// Plan is an ordered list of rounds. One execution of all rounds followed
// by the fence barrier is a pass.
type Plan struct {
	Rounds []Round
}

// Validate checks the plan without submitting anything:
//   - every submission has a recorded command buffer
//   - each wait references a semaphore signaled by an earlier round and not
//     consumed by another wait since; the two halves of a shared semaphore
//     are one event
//   - no submission signals an event whose previous signal in the pass is
//     still unconsumed, including a signal of the other half of a shared
//     semaphore in the same round
//   - each fence appears at most once
//   - the submitting context owns every semaphore and fence it names
//
// Errors match ErrSubmission.
func (p *Plan) Validate() error {
	const op = "plan: validate"
	signaled := make(map[any]string)
	fences := make(map[*Fence]bool)
	for ri, r := range p.Rounds {
		fired := make(map[any]string)
		for si := range r.Submissions {
			sub := &r.Submissions[si]
			where := fmt.Sprintf("round %d (%s) submission %q", ri, r.Label, sub.name())
			ctx := sub.Context()
			if ctx == nil {
				return errorf(KindSubmission, op, "", "%s: no command buffer", where)
			}
			if err := ctx.checkSubmission(sub); err != nil {
				return newError(KindSubmission, op, ctx.name, fmt.Errorf("%s: %w", where, err))
			}
			if !sub.CommandBuffer.Recorded() {
				return errorf(KindSubmission, op, ctx.name, "%s: command buffer %q not recorded", where, sub.CommandBuffer.label)
			}
			for _, w := range sub.Waits {
				ev := w.Semaphore.event()
				if _, ok := signaled[ev]; !ok {
					return errorf(KindSubmission, op, ctx.name,
						"%s: waits on %q which no earlier round signals", where, w.Semaphore.label)
				}
				delete(signaled, ev)
			}
			for _, s := range sub.Signals {
				ev := s.event()
				prev, ok := fired[ev]
				if !ok {
					prev, ok = signaled[ev]
				}
				if ok {
					return errorf(KindSubmission, op, ctx.name,
						"%s: signals %q while the signal of %q is unconsumed", where, s.label, prev)
				}
				fired[ev] = s.label
			}
			if f := sub.Fence; f != nil {
				if fences[f] {
					return errorf(KindSubmission, op, ctx.name, "%s: fence %q used twice", where, f.label)
				}
				fences[f] = true
			}
		}
		for ev, label := range fired {
			signaled[ev] = label
		}
	}
	return nil
}

// Fences returns the fences named by the plan in submission order.
func (p *Plan) Fences() []*Fence {
	var out []*Fence
	seen := make(map[*Fence]bool)
	for _, r := range p.Rounds {
		for _, sub := range r.Submissions {
			if f := sub.Fence; f != nil && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// Scheduler executes plans: it submits rounds in order and then blocks on
// every fence of the pass.
type Scheduler struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewScheduler creates a scheduler. Fence waits are bounded by
// DefaultFenceTimeout unless WithFenceTimeout says otherwise.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	o := defaultSchedulerOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	return &Scheduler{timeout: o.timeout, log: o.logger}
}

// Run executes one pass of plan.
//
// Fences submitted by an earlier pass are reset first. A fence that does not
// signal within the fence timeout fails the pass with ErrTimeout; so does
// cancellation of ctx.
func (s *Scheduler) Run(ctx context.Context, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	fences := plan.Fences()
	for _, f := range fences {
		if f.Submitted() {
			if err := f.Reset(); err != nil {
				return err
			}
		}
	}

	for ri, r := range plan.Rounds {
		for _, sub := range r.Submissions {
			if err := sub.Context().Submit(sub); err != nil {
				return err
			}
		}
		s.log.Debug("semshare: round submitted", "round", ri, "label", r.Label, "submissions", len(r.Submissions))
	}

	return s.barrier(ctx, fences)
}

// barrier waits on all fences concurrently.
func (s *Scheduler) barrier(ctx context.Context, fences []*Fence) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fences {
		g.Go(func() error {
			start := time.Now()
			st, err := f.Wait(gctx, s.timeout)
			if err != nil {
				return err
			}
			if st != FenceSignaled {
				return errorf(KindTimeout, "scheduler: barrier", f.ctx.name,
					"fence %q not signaled within %s", f.label, s.timeout)
			}
			s.log.Debug("semshare: fence signaled", "context", f.ctx.name, "fence", f.label, "elapsed", time.Since(start))
			return nil
		})
	}
	return g.Wait()
}

// RunPasses runs plan n times on the same command buffers and primitives.
func (s *Scheduler) RunPasses(ctx context.Context, plan *Plan, n int) error {
	for i := range n {
		if err := s.Run(ctx, plan); err != nil {
			return fmt.Errorf("pass %d: %w", i+1, err)
		}
		s.log.Info("semshare: pass complete", "pass", i+1, "rounds", len(plan.Rounds))
	}
	return nil
}
