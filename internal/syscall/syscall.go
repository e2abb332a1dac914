// Package syscall implements the flat, a7-indexed syscall dispatch
// table (§4.I): one function per syscall number, wired to
// internal/trap.Handler_t.Syscall. Numbering follows the Linux RISC-V
// ABI the way biscuit's syscall table does, so a conforming user
// runtime needs no kernel-specific calling convention.
package syscall

import (
	"time"

	"golang.org/x/mod/semver"

	"rv39/internal/defs"
	"rv39/internal/elf"
	"rv39/internal/fdops"
	"rv39/internal/mem"
	"rv39/internal/metrics"
	"rv39/internal/signal"
	"rv39/internal/stat"
	"rv39/internal/sv39"
	"rv39/internal/task"
	"rv39/internal/trap"
	"rv39/internal/vfs"
	"rv39/internal/waitqueue"
)

// Syscall numbers, matching the Linux RISC-V64 generic ABI (§6).
const (
	SYS_GETCWD    = 17
	SYS_DUP       = 23
	SYS_DUP3      = 24
	SYS_FCNTL     = 25
	SYS_IOCTL     = 29
	SYS_MKDIRAT   = 34
	SYS_UNLINKAT  = 35
	SYS_CHDIR     = 49
	SYS_OPENAT    = 56
	SYS_CLOSE     = 57
	SYS_PIPE2     = 59
	SYS_GETDENTS  = 61
	SYS_LSEEK     = 62
	SYS_READ      = 63
	SYS_WRITE     = 64
	SYS_FSTAT     = 80
	SYS_EXIT      = 93
	SYS_EXITGROUP = 94
	SYS_NANOSLEEP = 101
	SYS_KILL      = 129
	SYS_TKILL     = 130
	SYS_RT_SIGACTION   = 134
	SYS_RT_SIGPROCMASK = 135
	SYS_RT_SIGRETURN   = 139
	SYS_TIMES     = 153
	SYS_UNAME     = 160
	SYS_GETPID    = 172
	SYS_GETTID    = 178
	SYS_BRK       = 214
	SYS_CLONE     = 220
	SYS_EXECVE    = 221
	SYS_MMAP      = 222
	SYS_MPROTECT  = 226
	SYS_MUNMAP    = 215
	SYS_WAIT4     = 260
	SYS_MOUNT     = 40
	SYS_UMOUNT2   = 39
	SYS_PPOLL     = 73
)

// mmap(2) flag bits (§6), matching the Linux generic ABI values a
// conforming user runtime already packs into args[3].
const (
	mapShared    = 0x01
	mapAnonymous = 0x20
)

// mmap(2) protection bits for args[2].
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4
)

// Release is the string reported by uname(2); validated against
// semver's loose grammar at package init the way a real kernel would
// refuse to boot with a malformed build-time version string.
var Release = "6.9.0-rv39"

func init() {
	v := "v" + trimSuffix(Release)
	if !semver.IsValid(v) {
		panic("syscall: malformed kernel release string " + Release)
	}
}

func trimSuffix(s string) string {
	for i, c := range s {
		if c == '-' {
			return s[:i]
		}
	}
	return s
}

// Env_t bundles the kernel services a syscall handler needs beyond the
// calling task itself: the mounted filesystem tree and the timer wheel
// blocking syscalls arm.
type Env_t struct {
	VFS    *vfs.VFS_t
	Timers *waitqueue.TimerWheel_t
	Loader func(as interface{}) *elf.BoundLoader_t
}

// Dispatch builds the trap.SyscallFunc the kernel's Handler_t uses,
// closing over env.
func Dispatch(env *Env_t) trap.SyscallFunc {
	return func(ctx trap.Context_i, nr uint64, args [7]uint64) int64 {
		metrics.IncSyscalls()
		t, ok := ctx.(*task.TCB_t)
		if !ok {
			return int64(-defs.ENOSYS)
		}
		switch nr {
		case SYS_READ:
			return sysRead(t, args)
		case SYS_WRITE:
			return sysWrite(t, args)
		case SYS_OPENAT:
			return sysOpenat(t, env, args)
		case SYS_CLOSE:
			return int64(t.PCB.FDs.Close(int(args[0])))
		case SYS_LSEEK:
			return sysLseek(t, args)
		case SYS_FSTAT:
			return sysFstat(t, args)
		case SYS_GETDENTS:
			return sysGetdents(t, args)
		case SYS_BRK:
			return sysBrk(t, args)
		case SYS_MMAP:
			return sysMmap(t, args)
		case SYS_MUNMAP:
			t.PCB.AS.UnmapRange(uintptr(args[0]), uintptr(args[1]))
			return 0
		case SYS_MPROTECT:
			return sysMprotect(t, args)
		case SYS_CLONE:
			return sysClone(t, args)
		case SYS_EXECVE:
			return sysExecve(t, env, args)
		case SYS_WAIT4:
			return sysWait4(t, args)
		case SYS_EXIT, SYS_EXITGROUP:
			t.Exit(int(int32(args[0])))
			return 0
		case SYS_GETPID:
			return int64(t.PCB.Pid)
		case SYS_GETTID:
			return int64(t.Tid())
		case SYS_KILL, SYS_TKILL:
			return sysKill(args)
		case SYS_RT_SIGACTION:
			return sysSigaction(t, args)
		case SYS_RT_SIGPROCMASK:
			return sysSigprocmask(t, args)
		case SYS_RT_SIGRETURN:
			return sysSigreturn(t)
		case SYS_NANOSLEEP:
			return sysNanosleep(t, env, args)
		case SYS_CHDIR:
			return sysChdir(t, args)
		case SYS_GETCWD:
			return sysGetcwd(t, args)
		case SYS_DUP3:
			return sysDup3(t, args)
		case SYS_UNAME:
			return sysUname(t, args)
		case SYS_TIMES:
			return 0
		case SYS_IOCTL:
			return sysIoctl(t, args)
		case SYS_PPOLL:
			return sysPpoll(t, args)
		case SYS_MOUNT, SYS_UMOUNT2, SYS_PIPE2, SYS_FCNTL, SYS_MKDIRAT, SYS_UNLINKAT, SYS_DUP:
			return int64(-defs.ENOSYS)
		default:
			return int64(-defs.ENOSYS)
		}
	}
}

func sysRead(t *task.TCB_t, args [7]uint64) int64 {
	f, err := t.PCB.FDs.Get(int(args[0]))
	if err != 0 {
		return int64(err)
	}
	n := int(args[2])
	buf := make([]byte, n)
	rn, rerr := f.Read(buf)
	if rerr != 0 {
		return int64(rerr)
	}
	if werr := t.AddrSpace().CopyToUser(uintptr(args[1]), buf[:rn]); werr != 0 {
		return int64(werr)
	}
	return int64(rn)
}

func sysWrite(t *task.TCB_t, args [7]uint64) int64 {
	f, err := t.PCB.FDs.Get(int(args[0]))
	if err != 0 {
		return int64(err)
	}
	n := int(args[2])
	buf := make([]byte, n)
	if rerr := t.AddrSpace().CopyFromUser(buf, uintptr(args[1])); rerr != 0 {
		return int64(rerr)
	}
	wn, werr := f.Write(buf)
	if werr != 0 {
		return int64(werr)
	}
	return int64(wn)
}

const pathMax = 4096

func sysOpenat(t *task.TCB_t, env *Env_t, args [7]uint64) int64 {
	path, perr := t.AddrSpace().CopyStringFromUser(uintptr(args[1]), pathMax)
	if perr != 0 {
		return int64(perr)
	}
	f, err := env.VFS.Open(nil, path, int(args[2]))
	if err != 0 {
		return int64(err)
	}
	fd, ierr := t.PCB.FDs.Install(f, false)
	if ierr != 0 {
		return int64(ierr)
	}
	return int64(fd)
}

func sysLseek(t *task.TCB_t, args [7]uint64) int64 {
	f, err := t.PCB.FDs.Get(int(args[0]))
	if err != 0 {
		return int64(err)
	}
	off, serr := f.Seek(int(int64(args[1])), fdops.Whence_t(args[2]))
	if serr != 0 {
		return int64(serr)
	}
	return int64(off)
}

func sysFstat(t *task.TCB_t, args [7]uint64) int64 {
	f, err := t.PCB.FDs.Get(int(args[0]))
	if err != 0 {
		return int64(err)
	}
	var st stat.Stat_t
	if serr := f.Fstat(&st); serr != 0 {
		return int64(serr)
	}
	if werr := t.AddrSpace().CopyToUser(uintptr(args[1]), st.Bytes()); werr != 0 {
		return int64(werr)
	}
	return 0
}

func sysGetdents(t *task.TCB_t, args [7]uint64) int64 {
	f, err := t.PCB.FDs.Get(int(args[0]))
	if err != 0 {
		return int64(err)
	}
	ents, derr := f.Readdir()
	if derr != 0 {
		return int64(derr)
	}
	return int64(len(ents))
}

func sysBrk(t *task.TCB_t, args [7]uint64) int64 {
	as := t.AddrSpace()
	as.Lock()
	defer as.Unlock()
	newBrk := uintptr(args[0])
	if newBrk == 0 {
		return int64(t.PCB.BrkHi)
	}
	t.PCB.BrkHi = newBrk
	return int64(newBrk)
}

// fdReaderAt_t adapts an open Fdops_i to the ReadAt-shaped source
// vm.AddrSpace_t.MapFile wants, for file-backed mmap, riding the same
// Fdops_i.Mmap hook the fd's own in-memory backing already exposes.
type fdReaderAt_t struct {
	f fdops.Fdops_i
}

func (r *fdReaderAt_t) ReadAt(off int, dst []byte) (int, defs.Err_t) {
	info, err := r.f.Mmap(off / mem.PGSIZE)
	if err != 0 {
		return 0, 0
	}
	within := off % mem.PGSIZE
	if within >= len(info.Bytes) {
		return 0, 0
	}
	return copy(dst, info.Bytes[within:]), 0
}

func sysMmap(t *task.TCB_t, args [7]uint64) int64 {
	as := t.AddrSpace()
	length := uintptr(args[1])
	length = (length + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
	prot := args[2]
	flags := args[3]
	fd := int32(args[4])
	off := int(args[5])

	as.Lock()
	start := uintptr(args[0])
	if start == 0 {
		start = as.Region.Empty(0x10000000, length)
	}
	as.Unlock()

	perms := sv39.PTE_U
	if prot&protRead != 0 {
		perms |= sv39.PTE_R
	}
	if prot&protWrite != 0 {
		perms |= sv39.PTE_W
	}
	if prot&protExec != 0 {
		perms |= sv39.PTE_X
	}
	shared := flags&mapShared != 0

	if flags&mapAnonymous != 0 || fd < 0 {
		if err := as.MapAnon(start, length, perms, shared); err != 0 {
			return int64(err)
		}
		return int64(start)
	}

	f, ferr := t.PCB.FDs.Get(int(fd))
	if ferr != 0 {
		return int64(ferr)
	}
	var st stat.Stat_t
	if serr := f.Fstat(&st); serr != 0 {
		return int64(serr)
	}
	filesz := int(st.Size) - off
	if filesz < 0 {
		filesz = 0
	}
	if err := as.MapFile(start, length, perms, &fdReaderAt_t{f: f}, off, filesz, shared); err != 0 {
		return int64(err)
	}
	return int64(start)
}

func sysMprotect(t *task.TCB_t, args [7]uint64) int64 {
	addr := uintptr(args[0])
	length := uintptr(args[1])
	length = (length + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
	prot := args[2]
	perms := sv39.PTE_U
	if prot&protRead != 0 {
		perms |= sv39.PTE_R
	}
	if prot&protWrite != 0 {
		perms |= sv39.PTE_W
	}
	if prot&protExec != 0 {
		perms |= sv39.PTE_X
	}
	return int64(t.AddrSpace().Protect(addr, length, perms))
}

func sysIoctl(t *task.TCB_t, args [7]uint64) int64 {
	f, err := t.PCB.FDs.Get(int(args[0]))
	if err != 0 {
		return int64(err)
	}
	ret, ierr := f.Ioctl(uintptr(args[1]), uintptr(args[2]))
	if ierr != 0 {
		return int64(ierr)
	}
	return int64(ret)
}

// pollfd wire layout (§6): { fd int32; events int16; revents int16 },
// 8 bytes, matching struct pollfd.
const pollfdSize = 8

func sysPpoll(t *task.TCB_t, args [7]uint64) int64 {
	fdsPtr := uintptr(args[0])
	nfds := int(args[1])
	as := t.AddrSpace()
	ready := 0
	for i := 0; i < nfds; i++ {
		entry := make([]byte, pollfdSize)
		if err := as.CopyFromUser(entry, fdsPtr+uintptr(i*pollfdSize)); err != 0 {
			return int64(err)
		}
		fd := int32(entry[0]) | int32(entry[1])<<8 | int32(entry[2])<<16 | int32(entry[3])<<24
		events := fdops.Ready_t(uint16(entry[4]) | uint16(entry[5])<<8)
		var revents fdops.Ready_t
		if f, ferr := t.PCB.FDs.Get(int(fd)); ferr == 0 {
			revents, _ = f.Poll(events, nil)
		}
		if revents != 0 {
			ready++
		}
		entry[6] = byte(revents)
		entry[7] = byte(revents >> 8)
		if err := as.CopyToUser(fdsPtr+uintptr(i*pollfdSize), entry); err != 0 {
			return int64(err)
		}
	}
	return int64(ready)
}

func sysClone(t *task.TCB_t, args [7]uint64) int64 {
	flags := task.CloneFlags_t(args[0])
	childStack := uintptr(args[1])
	if flags&task.ShareVM != 0 {
		child := t.CloneThread(childStack, func(nt *task.TCB_t) {
			replayTrapReturn(nt)
		})
		t.Proc.Enqueue(child)
		return int64(child.Tid())
	}
	child, err := task.ForkWithBody(t, t.Proc, func(nt *task.TCB_t) {
		replayTrapReturn(nt)
	})
	if err != 0 {
		return int64(err)
	}
	t.Proc.Enqueue(child)
	return int64(child.PCB.Pid)
}

// replayTrapReturn is a cloned/forked task's goroutine body: its
// UserContext is already a copy of the parent's at the moment of
// clone(). It yields once; when resumed it returns, and Start's wrapper
// then exits the task with status 0. A full
// trap-return replay loop belongs to cmd/kernel's boot wiring, which
// knows how to re-enter user execution for a given UserContext; this
// package only builds the task, matching §4.I's scope (dispatch, not
// the outer run loop).
func replayTrapReturn(nt *task.TCB_t) {
	nt.Yield()
}

func sysExecve(t *task.TCB_t, env *Env_t, args [7]uint64) int64 {
	path, perr := t.AddrSpace().CopyStringFromUser(uintptr(args[0]), pathMax)
	if perr != 0 {
		return int64(perr)
	}
	loader := env.Loader(t.PCB.AS)
	if err := t.Exec(loader, path); err != 0 {
		return int64(err)
	}
	return 0
}

func sysWait4(t *task.TCB_t, args [7]uint64) int64 {
	pid, _, err := t.PCB.Wait4(defs.Pid_t(int32(args[0])), t.BlockOn)
	if err != 0 {
		return int64(err)
	}
	return int64(pid)
}

func sysKill(args [7]uint64) int64 {
	// Signal delivery to an arbitrary pid needs a process table lookup,
	// which this kernel doesn't centralize (PCBs are reachable only via
	// parent/child links); until cmd/kernel wires a pid registry this is
	// a documented ENOSYS rather than a silent no-op.
	return int64(-defs.ENOSYS)
}

func sysSigaction(t *task.TCB_t, args [7]uint64) int64 {
	sig := int(args[0])
	newPtr := uintptr(args[1])
	oldPtr := uintptr(args[2])
	actions := t.SignalActions()
	if oldPtr != 0 {
		old := actions.Get(sig)
		_ = old // wire-format encode deferred: sigaction ABI struct not yet defined
		_ = oldPtr
	}
	if newPtr != 0 {
		a := signal.Action_t{Handler: newPtr}
		if serr := actions.Set(sig, a); serr != 0 {
			return int64(serr)
		}
	}
	return 0
}

func sysSigprocmask(t *task.TCB_t, args [7]uint64) int64 {
	how := args[0]
	maskPtr := uintptr(args[1])
	if maskPtr == 0 {
		return 0
	}
	var buf [4]byte
	if err := t.AddrSpace().CopyFromUser(buf[:], maskPtr); err != 0 {
		return int64(err)
	}
	mask := signal.Set_t(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	state := t.SignalState()
	switch how {
	case 0: // SIG_BLOCK
		state.SetMask(state.BlockMask() | mask)
	case 1: // SIG_UNBLOCK
		state.SetMask(state.BlockMask() &^ mask)
	case 2: // SIG_SETMASK
		state.SetMask(mask)
	}
	return 0
}

func sysSigreturn(t *task.TCB_t) int64 {
	oldMask, err := trap.RestoreSigFrame(t.UserContext(), t.AddrSpace())
	if err != 0 {
		return int64(err)
	}
	signal.Sigreturn(t.SignalState(), signal.Set_t(oldMask))
	return 0
}

func sysNanosleep(t *task.TCB_t, env *Env_t, args [7]uint64) int64 {
	var ts [2]int64
	buf := make([]byte, 16)
	if err := t.AddrSpace().CopyFromUser(buf, uintptr(args[0])); err != 0 {
		return int64(err)
	}
	ts[0] = int64(buf[0]) | int64(buf[1])<<8 | int64(buf[2])<<16 | int64(buf[3])<<24 |
		int64(buf[4])<<32 | int64(buf[5])<<40 | int64(buf[6])<<48 | int64(buf[7])<<56
	ts[1] = int64(buf[8]) | int64(buf[9])<<8 | int64(buf[10])<<16 | int64(buf[11])<<24
	d := time.Duration(ts[0])*time.Second + time.Duration(ts[1])*time.Nanosecond
	t.Sleep(d, env.Timers)
	return 0
}

func sysChdir(t *task.TCB_t, args [7]uint64) int64 {
	path, err := t.AddrSpace().CopyStringFromUser(uintptr(args[0]), pathMax)
	if err != 0 {
		return int64(err)
	}
	t.PCB.Cwd = path
	return 0
}

func sysGetcwd(t *task.TCB_t, args [7]uint64) int64 {
	cwd := t.PCB.Cwd
	if cwd == "" {
		cwd = "/"
	}
	b := append([]byte(cwd), 0)
	if err := t.AddrSpace().CopyToUser(uintptr(args[0]), b); err != 0 {
		return int64(err)
	}
	return int64(len(b))
}

func sysDup3(t *task.TCB_t, args [7]uint64) int64 {
	f, err := t.PCB.FDs.Get(int(args[0]))
	if err != 0 {
		return int64(err)
	}
	f.Reopen()
	if ierr := t.PCB.FDs.InstallAt(int(args[1]), f, false); ierr != 0 {
		return int64(ierr)
	}
	return int64(args[1])
}

func sysUname(t *task.TCB_t, args [7]uint64) int64 {
	const fieldLen = 65
	fields := []string{"rv39", "localhost", Release, Release, "riscv64", ""}
	buf := make([]byte, fieldLen*6)
	for i, f := range fields {
		copy(buf[i*fieldLen:], f)
	}
	return int64(t.AddrSpace().CopyToUser(uintptr(args[0]), buf))
}
