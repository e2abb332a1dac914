// Package waitqueue implements the blocking primitives of §4.K: a FIFO
// wait queue of parked tasks plus a monotonic timer wheel. It is the
// kernel's only source of suspension besides an explicit yield, so every
// blocking syscall (read, wait4, nanosleep) goes through here.
package waitqueue

import (
	"container/heap"
	"runtime"
	"sync"
	"time"

	"rv39/internal/defs"
)

// Waiter_i is whatever the scheduler parks — internal/task.TCB_t
// satisfies it. Kept minimal so waitqueue has no dependency on task.
type Waiter_i interface {
	Block(reason string)
	Wake()
}

// WaitQueue_t is a FIFO of parked waiters.
type WaitQueue_t struct {
	mu      sync.Mutex
	waiters []Waiter_i
}

// Park adds w to the queue, so a later WakeOne/WakeAll can find it, and
// then blocks it by calling w.Block(reason).
func (wq *WaitQueue_t) Park(w Waiter_i, reason string) {
	wq.mu.Lock()
	wq.waiters = append(wq.waiters, w)
	wq.mu.Unlock()
	w.Block(reason)
}

// WakeOne wakes the single longest-waiting parked task, if any.
func (wq *WaitQueue_t) WakeOne() {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if len(wq.waiters) == 0 {
		return
	}
	w := wq.waiters[0]
	wq.waiters = wq.waiters[1:]
	w.Wake()
}

// WakeAll wakes every parked task.
func (wq *WaitQueue_t) WakeAll() {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	for _, w := range wq.waiters {
		w.Wake()
	}
	wq.waiters = nil
}

// Remove drops w from the queue without waking it (used when a blocked
// syscall is abandoned for another reason, e.g. a delivered signal).
func (wq *WaitQueue_t) Remove(w Waiter_i) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	for i, x := range wq.waiters {
		if x == w {
			wq.waiters = append(wq.waiters[:i], wq.waiters[i+1:]...)
			return
		}
	}
}

// Wake satisfies fdops.Waker_i so a WaitQueue_t can be handed directly to
// Poll as the waker.
func (wq *WaitQueue_t) Wake() {
	wq.WakeAll()
}

// timerEntry is one pending deadline.
type timerEntry struct {
	deadline time.Time
	waiter   Waiter_i
	index    int
	fired    bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// TimerWheel_t is the monotonic min-heap of pending deadlines drained by
// the timer interrupt (§4.K, §4.E).
type TimerWheel_t struct {
	mu sync.Mutex
	h  timerHeap
}

// NewTimerWheel constructs an empty timer wheel.
func NewTimerWheel() *TimerWheel_t {
	return &TimerWheel_t{}
}

// After arranges for w to be woken at now+d, returning a handle that
// Cancel can use to abort an unfired timer (e.g. when the awaited event
// arrives first).
func (tw *TimerWheel_t) After(now time.Time, d time.Duration, w Waiter_i) *timerEntry {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	e := &timerEntry{deadline: now.Add(d), waiter: w}
	heap.Push(&tw.h, e)
	return e
}

// Cancel marks a pending timer entry as already handled, so Drain skips
// waking it again.
func (tw *TimerWheel_t) Cancel(e *timerEntry) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if e != nil {
		e.fired = true
	}
}

// Drain wakes and removes every entry whose deadline is <= now, returning
// how many fired. Called from the timer-interrupt path (§4.E).
func (tw *TimerWheel_t) Drain(now time.Time) int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	n := 0
	for tw.h.Len() > 0 && !tw.h[0].deadline.After(now) {
		e := heap.Pop(&tw.h).(*timerEntry)
		if !e.fired {
			e.waiter.Wake()
			n++
		}
	}
	return n
}

// SpinDelay busy-waits for d — used by early init and drivers before the
// scheduler is live (§4.K). Yields the host OS thread each iteration so a
// single-hart simulation doesn't starve other goroutines the way a real
// spin-wait would starve other harts.
func SpinDelay(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

// WaitUntil polls f until it returns true or deadline passes, returning
// ETIMEDOUT on timeout. Also used pre-scheduler.
func WaitUntil(deadline time.Time, f func() bool) defs.Err_t {
	for {
		if f() {
			return 0
		}
		if time.Now().After(deadline) {
			return -defs.ETIMEDOUT
		}
	}
}
