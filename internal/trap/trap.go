package trap

import (
	"encoding/binary"
	"time"

	"rv39/internal/defs"
	"rv39/internal/signal"
	"rv39/internal/vm"
	"rv39/internal/waitqueue"
)

// KStack_i is the guard-page check a kernel-mode page fault consults
// (§4.F KernelStack, kerneltrap_handler's stack-overflow path).
type KStack_i interface {
	CheckStackOverflow(stval uintptr) bool
}

// Context_i is everything the dispatcher needs from whatever task is
// currently trapped. internal/task.TCB_t satisfies this; trap has no
// import on task to avoid a cycle.
type Context_i interface {
	AddrSpace() *vm.AddrSpace_t
	UserContext() *UserContext_t
	SignalState() *signal.State_t
	SignalActions() *signal.ActionTable_t
	KStack() KStack_i
	Tid() defs.Tid_t
	SvaduEnabled() bool
}

// SyscallFunc is the syscall table entry point (§4.I); internal/syscall
// supplies the concrete implementation.
type SyscallFunc func(ctx Context_i, nr uint64, args [7]uint64) int64

// ExternalIRQ_i abstracts the interrupt controller (PLIC-equivalent)
// used by the Interrupt::External path.
type ExternalIRQ_i interface {
	ClaimIRQ(hart int) (irq int, ok bool)
	Handle(irq int)
	CompleteIRQ(hart int, irq int)
}

// Handler_t wires the dispatcher to the rest of the kernel; all fields
// are optional except Syscall.
type Handler_t struct {
	Syscall     SyscallFunc
	Timers      *waitqueue.TimerWheel_t
	External    ExternalIRQ_i
	HartID      func() int
	NeedResched func()
}

// Outcome_t tells the trap-return path (owned by internal/sched) what
// happened.
type Outcome_t int

const (
	Resume   Outcome_t = iota // re-enter user mode normally
	Terminate                  // task must be killed (uncaught fatal signal)
)

// UserTrap is usertrap_handler (§4.E): it caches sepc, dispatches on
// scause, and on the way out runs signal delivery. Callers are expected
// to have already "entered" the trap (this function does not itself
// model trap_enter scheduler bookkeeping — internal/sched owns that).
func (h *Handler_t) UserTrap(ctx Context_i, sc Scause_t, sepc, stval uintptr) Outcome_t {
	uc := ctx.UserContext()
	uc.SetPc(uint64(sepc))

	switch sc {
	case EcallU:
		nr, args := uc.SyscallArgs()
		uc.SetReturn(h.Syscall(ctx, nr, args))

	case InstPageFault, LoadPageFault:
		acc := vm.AccessExec
		if sc == LoadPageFault {
			acc = vm.AccessRead
		}
		if ctx.SvaduEnabled() || !ctx.AddrSpace().PT.TryMarkAccessed(stval) {
			if err := ctx.AddrSpace().Pgfault(stval, acc); err != 0 {
				ctx.SignalState().Raise(defs.SIGSEGV)
			}
		}

	case StorePageFault:
		if ctx.SvaduEnabled() || !ctx.AddrSpace().PT.TryMarkDirty(stval) {
			if err := ctx.AddrSpace().Pgfault(stval, vm.AccessWrite); err != 0 {
				ctx.SignalState().Raise(defs.SIGSEGV)
			}
		}

	case IllegalInst:
		ctx.SignalState().Raise(defs.SIGILL)

	case InstAddrMisaligned, LoadAddrMisaligned, StoreAddrMisaligned:
		ctx.SignalState().Raise(defs.SIGBUS)

	case TimerInterrupt:
		if h.Timers != nil {
			h.Timers.Drain(time.Now())
		}
		if h.NeedResched != nil {
			h.NeedResched()
		}

	case ExternalInterrupt:
		if h.External != nil {
			hart := 0
			if h.HartID != nil {
				hart = h.HartID()
			}
			if irq, ok := h.External.ClaimIRQ(hart); ok {
				h.External.Handle(irq)
				h.External.CompleteIRQ(hart, irq)
			}
		}

	case SoftwareInterrupt:
		// IPI: nothing to drain in single-hart scope.

	default:
		panic("trap: unhandled user trap " + sc.String())
	}

	return h.deliverSignals(ctx)
}

// deliverSignals runs the §4.H pre-sret delivery step.
func (h *Handler_t) deliverSignals(ctx Context_i) Outcome_t {
	outcome, sig, a := signal.Deliver(ctx.SignalState(), ctx.SignalActions())
	switch outcome {
	case signal.OutcomeNone, signal.OutcomeContinue:
		return Resume
	case signal.OutcomeHandle:
		h.buildSigFrame(ctx, sig, a)
		return Resume
	case signal.OutcomeStop:
		// cooperative stop is modeled as a no-op resume; a real SIGSTOP
		// would hand off to the scheduler's stopped state, out of scope.
		return Resume
	default: // Terminate, CoreTerminate
		return Terminate
	}
}

// buildSigFrame implements §4.H step 4: save the current UserContext on
// the user stack, then redirect pc/a0/ra so the handler runs next and
// sigreturn (sysSigreturn, internal/syscall) restores this frame.
func (h *Handler_t) buildSigFrame(ctx Context_i, sig int, a signal.Action_t) {
	uc := ctx.UserContext()
	frame := SigFrame_t{Saved: *uc, OldMask: uint32(ctx.SignalState().SavedMask), Signum: sig}
	as := ctx.AddrSpace()
	sp := uintptr(uc.Sp()) - sigFrameSize

	buf := make([]byte, sigFrameSize)
	encodeSigFrame(&frame, buf)
	_ = as.CopyToUser(sp, buf)

	uc.SetSp(uint64(sp))
	uc.SetPc(uint64(a.Handler))
	uc.SetReturn(int64(sig)) // a0 = signum
	*uc.reg(regRA) = uint64(TrampolineVA) // sigreturn stub lives in the shared page
}

// sigFrameSize is SigFrame_t's on-stack wire size: 31 GPRs, the five
// per-task trampoline words, Sepc, then OldMask and Signum.
const sigFrameSize = 31*8 + 6*8 + 4 + 4

// encodeSigFrame serializes f into buf in a fixed field order, the way
// stat.Stat_t.Bytes encodes FileStat — except this layout is internal to
// the kernel (no user-space code other than the trampoline ever reads
// it), so field order only needs to match decodeSigFrame.
func encodeSigFrame(f *SigFrame_t, buf []byte) {
	le := binary.LittleEndian
	off := 0
	for _, g := range f.Saved.GPR {
		le.PutUint64(buf[off:], g)
		off += 8
	}
	for _, w := range [...]uint64{
		f.Saved.KernelTP, f.Saved.KernelSP, f.Saved.UserSATP,
		f.Saved.KernelSATP, f.Saved.HandlerEntry, f.Saved.Sepc,
	} {
		le.PutUint64(buf[off:], w)
		off += 8
	}
	le.PutUint32(buf[off:], f.OldMask)
	off += 4
	le.PutUint32(buf[off:], uint32(f.Signum))
}

// decodeSigFrame is encodeSigFrame's inverse, used by sigreturn.
func decodeSigFrame(buf []byte) SigFrame_t {
	le := binary.LittleEndian
	var f SigFrame_t
	off := 0
	for i := range f.Saved.GPR {
		f.Saved.GPR[i] = le.Uint64(buf[off:])
		off += 8
	}
	words := [...]*uint64{
		&f.Saved.KernelTP, &f.Saved.KernelSP, &f.Saved.UserSATP,
		&f.Saved.KernelSATP, &f.Saved.HandlerEntry, &f.Saved.Sepc,
	}
	for _, w := range words {
		*w = le.Uint64(buf[off:])
		off += 8
	}
	f.OldMask = le.Uint32(buf[off:])
	off += 4
	f.Signum = int(int32(le.Uint32(buf[off:])))
	return f
}

// RestoreSigFrame implements §4.H step 5: it reads back the SigFrame_t
// sysSigreturn's caller pushed at uc.Sp() (the handler, in this hosted
// simulation, never moves sp before trapping back in), overwrites uc
// with the interrupted context exactly as saved, and reports the mask
// to restore.
func RestoreSigFrame(uc *UserContext_t, as *vm.AddrSpace_t) (oldMask uint32, err defs.Err_t) {
	buf := make([]byte, sigFrameSize)
	if cerr := as.CopyFromUser(buf, uintptr(uc.Sp())); cerr != 0 {
		return 0, cerr
	}
	frame := decodeSigFrame(buf)
	*uc = frame.Saved
	return frame.OldMask, 0
}

// KernelTrap is kerneltrap_handler (§4.E): only page faults (always
// fatal, via the stack-overflow check), timer ticks, and external
// interrupts are legal; anything else panics.
func (h *Handler_t) KernelTrap(ctx Context_i, sc Scause_t, stval uintptr) {
	switch sc {
	case StorePageFault, LoadPageFault, InstPageFault:
		if ctx != nil && ctx.KStack() != nil && ctx.KStack().CheckStackOverflow(stval) {
			panic("trap: kernel stack overflow")
		}
		panic("trap: kernel page fault")
	case TimerInterrupt:
		if h.Timers != nil {
			h.Timers.Drain(time.Now())
		}
	case ExternalInterrupt:
		if h.External != nil {
			hart := 0
			if h.HartID != nil {
				hart = h.HartID()
			}
			if irq, ok := h.External.ClaimIRQ(hart); ok {
				h.External.Handle(irq)
				h.External.CompleteIRQ(hart, irq)
			}
		}
	default:
		panic("trap: unhandled kernel trap " + sc.String())
	}
}
