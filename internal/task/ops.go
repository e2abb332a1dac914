package task

import (
	"sync/atomic"

	"rv39/internal/defs"
	"rv39/internal/sched"
	"rv39/internal/trap"
)

// CloneFlags_t selects which resources a new task shares with its
// parent, the union fork/thread-create §4.G describes for clone().
type CloneFlags_t int

const (
	ShareVM CloneFlags_t = 1 << iota
	ShareFD
	ShareSighand
)

// Loader_i resolves a path to a loaded program image; internal/elf
// supplies the concrete implementation once exec wiring reaches it.
// Keeping it as an interface here lets task/sched/trap compile and be
// tested without depending on the ELF loader or VFS.
type Loader_i interface {
	Load(path string) (entry, sp uintptr, err defs.Err_t)
}

// CloneThread implements the ShareVM branch of §4.G clone(): a new TCB
// joins the caller's PCB as a sibling thread, sharing its AddrSpace, FD
// table, and signal actions outright (no copy). The new thread's saved
// a0 is 0; the caller's a0 becomes the child's tid. body is its
// goroutine entry point, since a new thread has no existing trap frame
// to resume into.
func (parent *TCB_t) CloneThread(childStack uintptr, body func(t *TCB_t)) *TCB_t {
	child := Start(parent.PCB, parent.Proc, NewKernelStack(parent.Stack.GuardVA), body)
	child.UC = parent.UC
	child.UC.SetReturn(0)
	if childStack != 0 {
		child.UC.SetSp(uint64(childStack))
	}
	return child
}

// ForkWithBody is the entry point internal/syscall's fork(2) handler
// actually uses: it builds the child PCB/TCB and lets the caller supply
// the child's goroutine body directly, since a
// freshly forked task must resume inside the trap-return path (replay
// of the parent's saved UserContext) rather than run an independent Go
// closure.
func ForkWithBody(parent *TCB_t, proc *sched.Processor_t, body func(t *TCB_t)) (*TCB_t, defs.Err_t) {
	if !admitProc() {
		return nil, -defs.EAGAIN
	}
	as, err := parent.PCB.AS.Fork()
	if err != 0 {
		atomic.AddInt64(&liveProcs, -1)
		return nil, err
	}
	pcb := NewPCB(defs.Pid_t(0), as)
	pcb.countedProc = true
	pcb.Cwd = parent.PCB.Cwd
	pcb.UID, pcb.GID = parent.PCB.UID, parent.PCB.GID
	pcb.BrkLo, pcb.BrkHi = parent.PCB.BrkLo, parent.PCB.BrkHi
	pcb.FDs = parent.PCB.FDs.Fork()
	cloned := *parent.PCB.Actions
	pcb.Actions = &cloned

	parent.PCB.mu.Lock()
	parent.PCB.Children = append(parent.PCB.Children, pcb)
	pcb.Parent = parent.PCB
	parent.PCB.mu.Unlock()

	child := Start(pcb, proc, NewKernelStack(parent.Stack.GuardVA), body)
	child.UC = parent.UC
	child.UC.SetReturn(0)
	pcb.Pid = defs.Pid_t(child.Tid())
	return child, 0
}

// SetPid is used once a forked PCB's pid has been assigned from the
// same numbering space as TIDs (biscuit's convention, kept here).
func (p *PCB_t) SetPid(pid defs.Pid_t) { p.Pid = pid }

// Exec implements §4.G exec(): replace the address space wholesale,
// reset signal handlers to default (keeping the blocked-signal mask),
// and set the new entry pc/sp.
func (t *TCB_t) Exec(loader Loader_i, path string) defs.Err_t {
	entry, sp, err := loader.Load(path)
	if err != 0 {
		return err
	}
	t.PCB.FDs.CloseOnExec()
	t.PCB.Actions.ResetOnExec()
	t.UC = trap.UserContext_t{}
	t.UC.SetPc(uint64(entry))
	t.UC.SetSp(uint64(sp))
	return 0
}
