// Package sched implements the scheduler and per-CPU state (§4.F): a
// FIFO ready queue, the per-hart "current task" pointer, and the
// switch primitive every cooperative suspension point goes through.
//
// spec.md scopes concurrency to a single active hart (§5), so the `tp`
// register biscuit's forked runtime uses to pin a Processor_t collapses
// to one global pointer here rather than a per-goroutine-group register
// file — there is only ever one hart to pin it on. switch(from,to)
// itself has no callee-saved registers to save in a hosted simulation;
// it is realized as a channel handshake with the task's own goroutine,
// the same coroutine-over-goroutine idiom smoynes-elsie uses to host a
// CPU's fetch/execute loop as a Go process instead of silicon.
package sched

import (
	"sync"
	"sync/atomic"

	"rv39/internal/defs"
)

// State_t is a TCB's scheduling state (§3 TCB).
type State_t int

const (
	Runnable State_t = iota
	Running
	Blocked
	Zombie
)

func (s State_t) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	default:
		return "state(?)"
	}
}

// Runnable_i is what the scheduler loop drives; internal/task.TCB_t
// implements it.
type Runnable_i interface {
	Tid() defs.Tid_t
	State() State_t
	SetState(State_t)
	// Resume hands the hart to this task until its next suspension point
	// (yield, block, sleep, exit) or a trap return with need_resched set;
	// it blocks the calling (scheduler) goroutine until the task yields
	// the hart back.
	Resume()
}

// Reaper_i is notified when a task lands in Zombie after Resume returns,
// so internal/task can reparent children and wake joiners without
// internal/sched importing internal/task.
type Reaper_i interface {
	Reap(Runnable_i)
}

// Processor_t is the per-hart scheduler state (§4.F). Scope is
// single-hart, so exactly one Processor_t is ever constructed in
// practice, but nothing here assumes that beyond the package-level
// current-task pointer.
type Processor_t struct {
	mu    sync.Mutex
	ready []Runnable_i
	reap  Reaper_i
	hart  int
}

// New constructs a Processor_t for the given hart id.
func New(hart int, reap Reaper_i) *Processor_t {
	return &Processor_t{hart: hart, reap: reap}
}

func (p *Processor_t) HartID() int { return p.hart }

// Enqueue appends a Runnable task to the FIFO ready queue.
func (p *Processor_t) Enqueue(t Runnable_i) {
	p.mu.Lock()
	p.ready = append(p.ready, t)
	p.mu.Unlock()
}

func (p *Processor_t) dequeue() Runnable_i {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) == 0 {
		return nil
	}
	t := p.ready[0]
	p.ready = p.ready[1:]
	return t
}

// current is the "tp"-equivalent: the single hart's currently-Running
// task, readable in one step the way a real kernel reads tp. Package
// scope rather than per-Processor_t because spec.md's concurrency model
// (§5) only ever has one hart active at a time.
var current atomic.Value // holds currentSlot

// currentSlot wraps the running task so current always stores one
// concrete type; the zero slot stands for an idle hart.
type currentSlot struct{ t Runnable_i }

// Current returns the task presently running on the (sole) hart, or nil
// if the hart is idle.
func Current() Runnable_i {
	v, _ := current.Load().(currentSlot)
	return v.t
}

// idleFn is invoked when the ready queue is empty; it defaults to a
// no-op (a busy spin at the caller's pace) and is normally overridden
// with something that actually parks the host thread (e.g.
// waitqueue.SpinDelay) by whoever constructs the kernel's boot sequence.
var idleFn = func() {}

// SetIdle installs the wait-for-interrupt behavior used when the ready
// queue is empty.
func SetIdle(f func()) { idleFn = f }

// Run is the scheduler loop body (§4.F): pop a Runnable task, run it
// until it suspends, then re-examine its state. It returns only when
// stop is closed, modeling an idle hart that would otherwise spin
// forever in wait-for-interrupt.
func (p *Processor_t) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		t := p.dequeue()
		if t == nil {
			idleFn()
			continue
		}
		t.SetState(Running)
		current.Store(currentSlot{t})
		t.Resume()
		current.Store(currentSlot{})

		switch t.State() {
		case Runnable:
			p.Enqueue(t)
		case Blocked:
			// already registered on whatever wait-queue it blocked on;
			// nothing further to do here.
		case Zombie:
			if p.reap != nil {
				p.reap.Reap(t)
			}
		}
	}
}
