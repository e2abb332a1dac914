package task

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rv39/internal/defs"
	"rv39/internal/limits"
	"rv39/internal/mem"
	"rv39/internal/sched"
	"rv39/internal/vm"
)

func newTestAS(t *testing.T, nframes int) *vm.AddrSpace_t {
	t.Helper()
	phys := mem.Phys_init(mem.PGSIZE, nframes)
	as, ok := vm.New(phys, 0)
	if !ok {
		t.Fatal("vm.New: out of frames")
	}
	return as
}

func TestResumeAccountsUserTimeAndSnapshotReportsIt(t *testing.T) {
	pcb := NewPCB(100, newTestAS(t, 8))
	tcb := Start(pcb, nil, NewKernelStack(0), func(tc *TCB_t) {
		time.Sleep(2 * time.Millisecond)
		tc.yieldToScheduler()
		tc.Exit(0)
	})

	tcb.Resume()

	var found bool
	for _, s := range Snapshot() {
		if s.Symbol == "" {
			continue
		}
		if !strings.Contains(s.Symbol, "task.") {
			continue
		}
		found = true
		if s.Nanos <= 0 {
			t.Fatalf("UsageSample.Nanos: got %d, want > 0", s.Nanos)
		}
	}
	if !found {
		t.Fatal("Snapshot: expected the running task's sample, found none")
	}

	tid := tcb.Tid()
	tcb.Resume() // let the task finish and unregister
	registryMu.Lock()
	_, stillRegistered := registry[tid]
	registryMu.Unlock()
	if stillRegistered {
		t.Fatal("exited task is still in the registry")
	}
}

func TestGoroutinePanicRecoversAndMarksZombie(t *testing.T) {
	old := PanicLog
	var logged string
	PanicLog = func(msg string) { logged = msg }
	defer func() { PanicLog = old }()

	pcb := NewPCB(101, newTestAS(t, 8))
	tcb := Start(pcb, nil, NewKernelStack(0), func(tc *TCB_t) {
		panic("boom")
	})

	tcb.Resume()

	if tcb.State() != sched.Zombie {
		t.Fatalf("state after panic: got %v, want Zombie", tcb.State())
	}
	if !strings.Contains(logged, "boom") {
		t.Fatalf("PanicLog message: got %q, want it to contain %q", logged, "boom")
	}
}

func TestForkWithBodyRespectsSysprocsCeiling(t *testing.T) {
	oldLimit := limits.Syslimit.Sysprocs
	limits.Syslimit.Sysprocs = int(atomic.LoadInt64(&liveProcs))
	defer func() { limits.Syslimit.Sysprocs = oldLimit }()

	parentPCB := NewPCB(102, newTestAS(t, 8))
	parent := Start(parentPCB, nil, NewKernelStack(0), func(tc *TCB_t) {
		tc.yieldToScheduler()
		tc.Exit(0)
	})
	parent.Resume() // advance to the yield point so the parent TCB is stable

	if _, err := ForkWithBody(parent, nil, func(tc *TCB_t) {}); err != -defs.EAGAIN {
		t.Fatalf("ForkWithBody at the ceiling: got %v, want -EAGAIN", err)
	}

	parent.Resume() // let the parent finish
}
