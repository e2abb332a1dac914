// Package task implements the task/process lifecycle (§4.G): the
// TCB/PCB pair, kernel stacks with guard-page overflow detection, the
// per-process FD table, TID allocation, and clone/fork/exec/exit/wait.
//
// A TCB's "user-mode execution" is a Go goroutine running a body
// function supplied at creation; the body calls back into this package
// at every suspension point (Yield, BlockOn, Sleep, Exit) the way real
// user code would trap into the kernel. internal/sched.Processor_t
// drives that goroutine forward one scheduling quantum at a time via a
// channel handshake — see TCB_t.Resume.
package task

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"rv39/internal/accnt"
	"rv39/internal/caller"
	"rv39/internal/defs"
	"rv39/internal/fdops"
	"rv39/internal/limits"
	"rv39/internal/mem"
	"rv39/internal/sched"
	"rv39/internal/signal"
	"rv39/internal/trap"
	"rv39/internal/vm"
	"rv39/internal/waitqueue"
)

// PanicLog receives the formatted oops message when a task's body panics;
// cmd/kernel may replace it to route through its own logger. The default
// writes straight to stderr the way a real kernel's oops handler would.
var PanicLog = func(msg string) { fmt.Fprint(os.Stderr, msg) }

// NOFILE bounds the per-process FD table, scaled down from a Linux
// default the way internal/limits scales other process-table sizes for
// this kernel's much smaller target process count.
const NOFILE = 64

// ---- Kernel stack ---------------------------------------------------

// KernelStack_t models the leading guard page spec.md §3 describes.
// Real kernel stacks in this simulation are ordinary goroutine stacks
// (Go grows them automatically), so GuardVA is bookkeeping only: a
// conceptual virtual address range a fault there is reported against,
// exercised by trap.KStack_i.
type KernelStack_t struct {
	GuardVA uintptr
}

func NewKernelStack(guardVA uintptr) *KernelStack_t {
	return &KernelStack_t{GuardVA: guardVA}
}

// CheckStackOverflow reports whether stval falls in the guard page.
func (ks *KernelStack_t) CheckStackOverflow(stval uintptr) bool {
	return stval >= ks.GuardVA && stval < ks.GuardVA+mem.PGSIZE
}

// ---- TID allocation ---------------------------------------------------

// TidAllocator_t hands out monotonic TIDs with a free-list for reuse
// (§4.G invariant: no two live tasks share a TID).
type TidAllocator_t struct {
	mu   sync.Mutex
	next defs.Tid_t
	free []defs.Tid_t
}

func NewTidAllocator() *TidAllocator_t {
	return &TidAllocator_t{next: 1}
}

func (a *TidAllocator_t) Alloc() defs.Tid_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		t := a.free[n-1]
		a.free = a.free[:n-1]
		return t
	}
	t := a.next
	a.next++
	return t
}

func (a *TidAllocator_t) Free(t defs.Tid_t) {
	a.mu.Lock()
	a.free = append(a.free, t)
	a.mu.Unlock()
}

// Tids is the system-wide TID allocator; PIDs are drawn from the same
// space as their initial TID, matching biscuit's convention that a
// process's pid equals its first thread's tid.
var Tids = NewTidAllocator()

// ---- FD table ---------------------------------------------------------

type fdEntry_t struct {
	file    fdops.Fdops_i
	cloexec bool
}

// FDTable_t maps small non-negative fds to open files (§3 FD table).
type FDTable_t struct {
	mu  sync.Mutex
	fds [NOFILE]*fdEntry_t
}

func NewFDTable() *FDTable_t { return &FDTable_t{} }

// Install places f at the lowest free fd, returning EMFILE if the table
// is full.
func (t *FDTable_t) Install(f fdops.Fdops_i, cloexec bool) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.fds {
		if e == nil {
			t.fds[i] = &fdEntry_t{file: f, cloexec: cloexec}
			return i, 0
		}
	}
	return -1, -defs.EMFILE
}

// InstallAt places f exactly at fd (used by dup2/dup3), closing
// whatever was already there.
func (t *FDTable_t) InstallAt(fd int, f fdops.Fdops_i, cloexec bool) defs.Err_t {
	if fd < 0 || fd >= NOFILE {
		return -defs.EBADF
	}
	t.mu.Lock()
	old := t.fds[fd]
	t.fds[fd] = &fdEntry_t{file: f, cloexec: cloexec}
	t.mu.Unlock()
	if old != nil {
		old.file.Close()
	}
	return 0
}

func (t *FDTable_t) Get(fd int) (fdops.Fdops_i, defs.Err_t) {
	if fd < 0 || fd >= NOFILE {
		return nil, -defs.EBADF
	}
	t.mu.Lock()
	e := t.fds[fd]
	t.mu.Unlock()
	if e == nil {
		return nil, -defs.EBADF
	}
	return e.file, 0
}

func (t *FDTable_t) Close(fd int) defs.Err_t {
	if fd < 0 || fd >= NOFILE {
		return -defs.EBADF
	}
	t.mu.Lock()
	e := t.fds[fd]
	t.fds[fd] = nil
	t.mu.Unlock()
	if e == nil {
		return -defs.EBADF
	}
	return e.file.Close()
}

// CloseOnExec closes every fd flagged FD_CLOEXEC, run by Exec.
func (t *FDTable_t) CloseOnExec() {
	t.mu.Lock()
	var toClose []fdops.Fdops_i
	for i, e := range t.fds {
		if e != nil && e.cloexec {
			toClose = append(toClose, e.file)
			t.fds[i] = nil
		}
	}
	t.mu.Unlock()
	for _, f := range toClose {
		f.Close()
	}
}

// Fork produces an independent copy sharing no entries' slots but
// sharing the underlying open files (each gets Reopen'd to bump its
// refcount), per §4.G clone()'s "CoW-clone" FD table semantics.
func (t *FDTable_t) Fork() *FDTable_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := NewFDTable()
	for i, e := range t.fds {
		if e == nil {
			continue
		}
		e.file.Reopen()
		nt.fds[i] = &fdEntry_t{file: e.file, cloexec: e.cloexec}
	}
	return nt
}

// ---- PCB ---------------------------------------------------------------

// PCB_t is the shared process state of §3: one per process, referenced
// by every TCB belonging to it.
type PCB_t struct {
	mu sync.Mutex

	Pid     defs.Pid_t
	AS      *vm.AddrSpace_t
	FDs     *FDTable_t
	Cwd     string // path string stand-in until internal/vfs supplies dentries
	UID     uint32
	GID     uint32
	Actions *signal.ActionTable_t

	BrkLo, BrkHi uintptr

	Parent   *PCB_t
	Children []*PCB_t

	tcbs        []*TCB_t
	zombie      bool
	ExitStatus  int
	countedProc bool // true if this PCB was admitted against limits.Syslimit.Sysprocs

	// ChildExit is parked on by wait4; woken whenever a child becomes
	// Zombie (§4.G wait()).
	ChildExit waitqueue.WaitQueue_t
}

// NewPCB constructs a fresh process with an empty address space, ready
// for Exec to populate.
func NewPCB(pid defs.Pid_t, as *vm.AddrSpace_t) *PCB_t {
	as.SetPid(pid)
	return &PCB_t{
		Pid:     pid,
		AS:      as,
		FDs:     NewFDTable(),
		Actions: &signal.ActionTable_t{},
	}
}

func (p *PCB_t) addTCB(t *TCB_t) {
	p.mu.Lock()
	p.tcbs = append(p.tcbs, t)
	p.mu.Unlock()
}

// onTCBExit removes t from the live-thread list; when the last TCB of
// the process exits, the PCB itself transitions to Zombie (§3 PCB
// invariant) and its parent is notified.
func (p *PCB_t) onTCBExit(t *TCB_t, code int) {
	p.mu.Lock()
	for i, x := range p.tcbs {
		if x == t {
			p.tcbs = append(p.tcbs[:i], p.tcbs[i+1:]...)
			break
		}
	}
	last := len(p.tcbs) == 0
	if last {
		p.zombie = true
		p.ExitStatus = code
	}
	p.mu.Unlock()

	if !last {
		return
	}
	retireProc(p)
	p.AS.Uvmfree()
	p.FDs.mu.Lock()
	var toClose []fdops.Fdops_i
	for i, e := range p.FDs.fds {
		if e != nil {
			toClose = append(toClose, e.file)
			p.FDs.fds[i] = nil
		}
	}
	p.FDs.mu.Unlock()
	for _, f := range toClose {
		f.Close()
	}

	if p.Parent != nil {
		p.reparentChildren()
		for _, tcb := range p.Parent.tcbs {
			tcb.SignalState().Raise(defs.SIGCHLD)
		}
		p.Parent.ChildExit.WakeAll()
	}
}

// reparentChildren hands this process's children to init (§4.G exit()).
func (p *PCB_t) reparentChildren() {
	if initProc == nil {
		return
	}
	p.mu.Lock()
	kids := p.Children
	p.Children = nil
	p.mu.Unlock()
	for _, c := range kids {
		c.mu.Lock()
		c.Parent = initProc
		c.mu.Unlock()
		initProc.mu.Lock()
		initProc.Children = append(initProc.Children, c)
		initProc.mu.Unlock()
	}
}

// initProc is the reparent target for orphaned children; SetInit wires
// it once the init process is created during boot.
var initProc *PCB_t

func SetInit(p *PCB_t) { initProc = p }

// IsZombie reports whether every TCB of this process has exited.
func (p *PCB_t) IsZombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zombie
}

// Wait4 implements §4.G wait(): block until a child matching pid (or
// any child, if pid<=0) is Zombie, then reap it.
func (p *PCB_t) Wait4(pid defs.Pid_t, blocker func(*waitqueue.WaitQueue_t, string)) (defs.Pid_t, int, defs.Err_t) {
	for {
		p.mu.Lock()
		for i, c := range p.Children {
			if pid > 0 && c.Pid != pid {
				continue
			}
			if c.IsZombie() {
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				status := c.ExitStatus
				cpid := c.Pid
				p.mu.Unlock()
				return cpid, status, 0
			}
		}
		noChildren := len(p.Children) == 0
		p.mu.Unlock()
		if noChildren {
			return 0, 0, -defs.ECHILD
		}
		blocker(&p.ChildExit, "wait4")
	}
}

// ---- TCB ---------------------------------------------------------------

// TCB_t is one schedulable thread (§3 TCB). It implements
// sched.Runnable_i, trap.Context_i, and waitqueue.Waiter_i so the
// scheduler, trap dispatcher, and wait-queue code can all drive it
// without importing this package back.
type TCB_t struct {
	tid  defs.Tid_t
	PCB  *PCB_t
	Proc *sched.Processor_t

	UC    trap.UserContext_t
	KC    trap.KernelContext_t
	Stack *KernelStack_t

	SigState signal.State_t
	svadu    bool

	mu          sync.Mutex
	state       sched.State_t
	needResched bool

	Joiners waitqueue.WaitQueue_t

	runCh  chan struct{}
	doneCh chan struct{}

	Accnt     accnt.Accnt_t
	entryName string
}

// UsageSample is one task's cumulative runtime, for /dev/prof-style
// reporting; cmd/kernel adapts this into its own devfs.ProfSample.
type UsageSample struct {
	Symbol string
	Nanos  int64
}

var (
	registryMu sync.Mutex
	registry   = map[defs.Tid_t]*TCB_t{}
)

// liveProcs counts admitted processes against limits.Syslimit.Sysprocs
// (§4.G fork()); admitProc/retireProc keep it in step with PCB lifetime.
var liveProcs int64

// admitProc reserves one process slot, failing once liveProcs would
// exceed limits.Syslimit.Sysprocs.
func admitProc() bool {
	if atomic.AddInt64(&liveProcs, 1) > int64(limits.Syslimit.Sysprocs) {
		atomic.AddInt64(&liveProcs, -1)
		return false
	}
	return true
}

func retireProc(p *PCB_t) {
	if p.countedProc {
		atomic.AddInt64(&liveProcs, -1)
	}
}

// Snapshot reports a UsageSample for every currently-live task, for
// wiring into /dev/prof.
func Snapshot() []UsageSample {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]UsageSample, 0, len(registry))
	for _, t := range registry {
		userns, sysns := t.Accnt.Snapshot()
		out = append(out, UsageSample{Symbol: t.entryName, Nanos: userns + sysns})
	}
	return out
}

// Start creates a TCB in pcb and spawns its goroutine running body; the
// task does not actually run until the scheduler calls Resume for the
// first time. body's convention is to call t.Exit before returning,
// mirroring a syscall that never returns to its caller; if it returns
// without doing so, Exit(0) is applied on its behalf.
func Start(pcb *PCB_t, proc *sched.Processor_t, stack *KernelStack_t, body func(t *TCB_t)) *TCB_t {
	t := &TCB_t{
		tid:       Tids.Alloc(),
		PCB:       pcb,
		Proc:      proc,
		Stack:     stack,
		state:     sched.Runnable,
		runCh:     make(chan struct{}),
		doneCh:    make(chan struct{}),
		entryName: runtime.FuncForPC(reflect.ValueOf(body).Pointer()).Name(),
	}
	pcb.addTCB(t)
	registryMu.Lock()
	registry[t.tid] = t
	registryMu.Unlock()
	go func() {
		<-t.runCh
		func() {
			defer func() {
				if r := recover(); r != nil {
					PanicLog(fmt.Sprintf("task: tid %d crashed: %v\n%s", t.tid, r, caller.Dump(3)))
					if t.State() != sched.Zombie {
						t.Exit(-1)
					}
				}
			}()
			body(t)
		}()
		if t.State() != sched.Zombie {
			t.Exit(0)
		}
		t.doneCh <- struct{}{}
	}()
	return t
}

func (t *TCB_t) Tid() defs.Tid_t { return t.tid }

func (t *TCB_t) State() sched.State_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TCB_t) SetState(s sched.State_t) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Resume satisfies sched.Runnable_i: hand the hart to this task's
// goroutine and block until it suspends again. The wall-clock time spent
// inside is charged to the task as user time — one Resume spans exactly
// one scheduling quantum (§4.G), so this is the natural accounting unit.
func (t *TCB_t) Resume() {
	start := time.Now()
	t.runCh <- struct{}{}
	<-t.doneCh
	t.Accnt.Utadd(time.Since(start))
}

// yieldToScheduler is the other half of the handshake, called from
// inside the task's own goroutine at every suspension point.
func (t *TCB_t) yieldToScheduler() {
	t.doneCh <- struct{}{}
	<-t.runCh
}

func (t *TCB_t) AddrSpace() *vm.AddrSpace_t          { return t.PCB.AS }
func (t *TCB_t) UserContext() *trap.UserContext_t    { return &t.UC }
func (t *TCB_t) SignalState() *signal.State_t        { return &t.SigState }
func (t *TCB_t) SignalActions() *signal.ActionTable_t { return t.PCB.Actions }
func (t *TCB_t) KStack() trap.KStack_i               { return t.Stack }
func (t *TCB_t) SvaduEnabled() bool                  { return t.svadu }
func (t *TCB_t) SetSvadu(on bool)                    { t.svadu = on }

// Block satisfies waitqueue.Waiter_i: mark Blocked and yield the hart.
// Called by WaitQueue_t.Park, so by the time it returns the task has
// already been parked on that queue by the caller.
func (t *TCB_t) Block(reason string) {
	t.SetState(sched.Blocked)
	t.yieldToScheduler()
}

// Wake satisfies waitqueue.Waiter_i: mark Runnable and rejoin the ready
// queue. A no-op if the task wasn't actually Blocked (a racing wake).
func (t *TCB_t) Wake() {
	t.mu.Lock()
	if t.state != sched.Blocked {
		t.mu.Unlock()
		return
	}
	t.state = sched.Runnable
	t.mu.Unlock()
	if t.Proc != nil {
		t.Proc.Enqueue(t)
	}
}

// Yield implements yield_now (§4.F cooperative entry point).
func (t *TCB_t) Yield() {
	t.SetState(sched.Runnable)
	t.yieldToScheduler()
}

// Sleep implements sleep(duration) by arming a timer and blocking until
// it fires.
func (t *TCB_t) Sleep(d time.Duration, timers *waitqueue.TimerWheel_t) {
	timers.After(time.Now(), d, t)
	t.SetState(sched.Blocked)
	t.yieldToScheduler()
}

// BlockOn implements block_on(wait_queue): park on wq under reason,
// yielding the hart until some other task wakes it.
func (t *TCB_t) BlockOn(wq *waitqueue.WaitQueue_t, reason string) {
	wq.Park(t, reason)
}

// Exit implements exit(code) (§4.G): mark Zombie and run the PCB-level
// teardown. The calling goroutine is expected to return immediately
// afterward; Start's wrapper sends the final doneCh signal.
func (t *TCB_t) Exit(code int) {
	t.SetState(sched.Zombie)
	t.PCB.onTCBExit(t, code)
	Tids.Free(t.tid)
	registryMu.Lock()
	delete(registry, t.tid)
	registryMu.Unlock()
	t.Joiners.WakeAll()
}

// NeedResched reports (and SetNeedResched arms) the quantum-expiry flag
// the trap-return path consults to decide whether to yield even though
// the syscall/fault itself didn't block (§4.F trap return).
func (t *TCB_t) NeedResched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needResched
}

func (t *TCB_t) SetNeedResched() {
	t.mu.Lock()
	t.needResched = true
	t.mu.Unlock()
}

func (t *TCB_t) ClearNeedResched() {
	t.mu.Lock()
	t.needResched = false
	t.mu.Unlock()
}
