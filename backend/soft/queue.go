package soft

import (
	"fmt"
	"sync"

	"github.com/gogpu/semshare/driver"
)

// batch is a SubmitInfo with payloads resolved at submission time, so an
// import performed later does not retarget work already queued.
type batch struct {
	waits   []*payload
	cmds    []*commandBuffer
	signals []*payload
	sems    []*semaphore
}

type submission struct {
	seq     uint64
	batches []batch
	fence   *fence
}

// queue executes submissions in order on its own goroutine.
type queue struct {
	dev *device

	mu     sync.Mutex
	items  []*submission
	seq    uint64
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newQueue(d *device) *queue {
	return &queue{
		dev:    d,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Submit implements driver.Queue. It validates the batches on the host,
// updates host-side semaphore state and enqueues the work.
func (q *queue) Submit(batches []driver.SubmitInfo, df driver.Fence) error {
	d := q.dev
	if d.faults&FailSubmit != 0 {
		return fmt.Errorf("soft: submit: %w", ErrInjected)
	}
	if d.lost.Load() {
		return driver.ErrDeviceLost
	}

	var f *fence
	if df != nil {
		var err error
		if f, err = d.ownFence(df); err != nil {
			return fmt.Errorf("soft: submit: %w", err)
		}
	}

	inst := d.inst
	inst.mu.Lock()
	defer inst.mu.Unlock()

	sub := &submission{fence: f}
	// Pending counts as they would be after the batches validated so far.
	overlay := make(map[*payload]int)
	pendingOf := func(p *payload) int {
		if v, ok := overlay[p]; ok {
			return v
		}
		return p.pending
	}

	for bi, info := range batches {
		var b batch
		for wi, w := range info.Waits {
			s, err := d.ownSemaphore(w.Semaphore)
			if err != nil {
				return fmt.Errorf("soft: submit batch %d wait %d: %w", bi, wi, err)
			}
			if s.dead {
				return fmt.Errorf("soft: submit batch %d wait %d: semaphore %q destroyed", bi, wi, s.label)
			}
			if w.Stage == 0 {
				return fmt.Errorf("soft: submit batch %d wait %d: empty stage mask", bi, wi)
			}
			n := pendingOf(s.p)
			if n == 0 {
				return fmt.Errorf("soft: submit batch %d wait %d: semaphore %q has no pending signal", bi, wi, s.label)
			}
			overlay[s.p] = n - 1
			b.waits = append(b.waits, s.p)
			b.sems = append(b.sems, s)
		}
		for ci, c := range info.CommandBuffers {
			cb, ok := c.(*commandBuffer)
			if !ok || cb == nil || cb.pool.dev != d {
				return fmt.Errorf("soft: submit batch %d command buffer %d: not allocated on %s", bi, ci, d.name())
			}
			if _, ready := cb.snapshot(); !ready {
				return fmt.Errorf("soft: submit batch %d command buffer %q: %w", bi, cb.label, driver.ErrNotReady)
			}
			b.cmds = append(b.cmds, cb)
		}
		for si, sg := range info.Signals {
			s, err := d.ownSemaphore(sg)
			if err != nil {
				return fmt.Errorf("soft: submit batch %d signal %d: %w", bi, si, err)
			}
			if s.dead {
				return fmt.Errorf("soft: submit batch %d signal %d: semaphore %q destroyed", bi, si, s.label)
			}
			overlay[s.p] = pendingOf(s.p) + 1
			b.signals = append(b.signals, s.p)
			b.sems = append(b.sems, s)
		}
		sub.batches = append(sub.batches, b)
	}

	if f != nil {
		f.mu.Lock()
		busy := f.submitted
		select {
		case <-f.done:
			busy = true
		default:
		}
		if !busy {
			f.submitted = true
		}
		f.mu.Unlock()
		if busy {
			return fmt.Errorf("soft: submit: fence is signaled or in use; reset it first")
		}
	}

	for p, v := range overlay {
		p.pending = v
	}
	for _, b := range sub.batches {
		for _, s := range b.sems {
			s.inflight++
		}
	}

	q.mu.Lock()
	q.seq++
	sub.seq = q.seq
	q.items = append(q.items, sub)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	inst.log().Debug("soft: submitted", "device", d.name(), "seq", sub.seq, "batches", len(batches), "fence", f != nil)
	return nil
}

func (q *queue) next() (*submission, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			sub := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return sub, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.stop:
			return nil, false
		}
	}
}

func (q *queue) run() {
	defer close(q.done)
	for {
		sub, ok := q.next()
		if !ok {
			return
		}
		if !q.execute(sub) {
			return
		}
	}
}

// execute runs one submission. It returns false if the queue was stopped
// while the submission was blocked on a wait.
func (q *queue) execute(sub *submission) bool {
	inst := q.dev.inst
	for _, b := range sub.batches {
		for _, p := range b.waits {
			if !p.take(q.stop) {
				return false
			}
		}
		for _, cb := range b.cmds {
			cmds, _ := cb.snapshot()
			for _, fn := range cmds {
				fn()
			}
		}
		for _, p := range b.signals {
			p.fire()
		}
		inst.mu.Lock()
		for _, s := range b.sems {
			s.inflight--
		}
		inst.mu.Unlock()
	}
	if sub.fence != nil {
		sub.fence.signal()
	}
	inst.log().Debug("soft: executed", "device", q.dev.name(), "seq", sub.seq)
	return true
}

func (q *queue) shutdown() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}
