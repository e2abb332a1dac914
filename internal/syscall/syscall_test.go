package syscall

import (
	"testing"

	"rv39/internal/defs"
	"rv39/internal/fdops"
	"rv39/internal/mem"
	"rv39/internal/stat"
	"rv39/internal/sv39"
	"rv39/internal/task"
	"rv39/internal/vm"
)

// memFile_t is a minimal fdops.Fdops_i backed by an in-memory buffer, for
// exercising sysRead/sysWrite without a real VFS mount.
type memFile_t struct {
	buf []byte
	off int
}

func (f *memFile_t) Read(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, f.buf[f.off:])
	f.off += n
	return n, 0
}
func (f *memFile_t) Write(src []uint8) (int, defs.Err_t) {
	f.buf = append(f.buf[:f.off], src...)
	f.off += len(src)
	return len(src), 0
}
func (f *memFile_t) Seek(off int, whence fdops.Whence_t) (int, defs.Err_t) { f.off = off; return off, 0 }
func (f *memFile_t) Ioctl(cmd, arg uintptr) (uintptr, defs.Err_t)          { return 0, -defs.ENOSYS }
func (f *memFile_t) Readdir() ([]fdops.Dirent_t, defs.Err_t)               { return nil, 0 }
func (f *memFile_t) Poll(events fdops.Ready_t, w fdops.Waker_i) (fdops.Ready_t, defs.Err_t) {
	return events & fdops.READY_READ, 0
}
func (f *memFile_t) PollCancel(w fdops.Waker_i)         {}
func (f *memFile_t) Fstat(st *stat.Stat_t) defs.Err_t   { st.Size = int64(len(f.buf)); return 0 }
func (f *memFile_t) Mmap(pgoff int) (fdops.Mmapinfo_t, defs.Err_t) {
	off := pgoff * mem.PGSIZE
	if off >= len(f.buf) {
		return fdops.Mmapinfo_t{}, -defs.EINVAL
	}
	return fdops.Mmapinfo_t{Bytes: f.buf[off:]}, 0
}
func (f *memFile_t) Sync() defs.Err_t  { return 0 }
func (f *memFile_t) Close() defs.Err_t { return 0 }
func (f *memFile_t) Reopen() defs.Err_t { return 0 }

// ioctlFile_t wraps memFile_t with an Ioctl that actually returns
// something derived from its arguments, for exercising sysIoctl's
// wiring to Fdops_i.Ioctl (rather than memFile_t's default -ENOSYS).
type ioctlFile_t struct{ memFile_t }

func (f *ioctlFile_t) Ioctl(cmd, arg uintptr) (uintptr, defs.Err_t) { return cmd + arg, 0 }

// newTestTCB builds a real *task.TCB_t, since Dispatch's returned func
// type-asserts ctx.(*task.TCB_t) — a hand-rolled trap.Context_i fake
// wouldn't satisfy it. The goroutine body never runs because the test
// never calls Resume(); it just parks on runCh for the life of the test.
func newTestTCB(t *testing.T, nframes int) *task.TCB_t {
	t.Helper()
	phys := mem.Phys_init(mem.PGSIZE, nframes)
	as, ok := vm.New(phys, 0)
	if !ok {
		t.Fatal("vm.New: out of frames")
	}
	pcb := task.NewPCB(1, as)
	return task.Start(pcb, nil, task.NewKernelStack(0), func(*task.TCB_t) {})
}

func dispatch(t *testing.T, env *Env_t) func(tcb *task.TCB_t, nr uint64, args [7]uint64) int64 {
	t.Helper()
	d := Dispatch(env)
	return func(tcb *task.TCB_t, nr uint64, args [7]uint64) int64 {
		return d(tcb, nr, args)
	}
}

func TestDispatchRejectsNonTCBContext(t *testing.T) {
	d := Dispatch(&Env_t{})
	if got := d(nil, SYS_GETPID, [7]uint64{}); got != int64(-defs.ENOSYS) {
		t.Fatalf("got %d, want -ENOSYS", got)
	}
}

func TestDispatchUnknownSyscallReturnsENOSYS(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	if got := d(tcb, 99999, [7]uint64{}); got != int64(-defs.ENOSYS) {
		t.Fatalf("got %d, want -ENOSYS", got)
	}
}

func TestDispatchDocumentedStubsReturnENOSYS(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	for _, nr := range []uint64{SYS_KILL, SYS_TKILL, SYS_MOUNT, SYS_UMOUNT2, SYS_PIPE2, SYS_FCNTL, SYS_MKDIRAT, SYS_UNLINKAT, SYS_DUP} {
		if got := d(tcb, nr, [7]uint64{}); got != int64(-defs.ENOSYS) {
			t.Fatalf("syscall %d: got %d, want -ENOSYS", nr, got)
		}
	}
}

func TestDispatchGetpidGettid(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	if got := d(tcb, SYS_GETPID, [7]uint64{}); got != int64(tcb.PCB.Pid) {
		t.Fatalf("getpid: got %d, want %d", got, tcb.PCB.Pid)
	}
	if got := d(tcb, SYS_GETTID, [7]uint64{}); got != int64(tcb.Tid()) {
		t.Fatalf("gettid: got %d, want %d", got, tcb.Tid())
	}
}

func TestDispatchReadWriteRoundTripThroughInstalledFD(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})

	f := &memFile_t{}
	fd, ierr := tcb.PCB.FDs.Install(f, false)
	if ierr != 0 {
		t.Fatalf("Install: %v", ierr)
	}

	const uva = 0x4000
	if err := tcb.AddrSpace().MapAnon(uva, mem.PGSIZE, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		t.Fatalf("MapAnon: %v", err)
	}
	if err := tcb.AddrSpace().CopyToUser(uva, []byte("hello")); err != 0 {
		t.Fatalf("CopyToUser: %v", err)
	}

	wn := d(tcb, SYS_WRITE, [7]uint64{uint64(fd), uva, 5})
	if wn != 5 {
		t.Fatalf("write: got %d, want 5", wn)
	}

	f.off = 0
	const readVA = 0x5000
	if err := tcb.AddrSpace().MapAnon(readVA, mem.PGSIZE, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		t.Fatalf("MapAnon: %v", err)
	}
	rn := d(tcb, SYS_READ, [7]uint64{uint64(fd), readVA, 5})
	if rn != 5 {
		t.Fatalf("read: got %d, want 5", rn)
	}
	var got [5]byte
	if err := tcb.AddrSpace().CopyFromUser(got[:], readVA); err != 0 {
		t.Fatalf("CopyFromUser: %v", err)
	}
	if string(got[:]) != "hello" {
		t.Fatalf("round trip: got %q, want %q", got, "hello")
	}
}

func TestDispatchCloseAndThenGetFails(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	fd, _ := tcb.PCB.FDs.Install(&memFile_t{}, false)

	if got := d(tcb, SYS_CLOSE, [7]uint64{uint64(fd)}); got != 0 {
		t.Fatalf("close: got %d, want 0", got)
	}
	if _, err := tcb.PCB.FDs.Get(fd); err == 0 {
		t.Fatal("Get after close: expected an error")
	}
}

func TestDispatchBrkReportsAndUpdatesHeapTop(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	if got := d(tcb, SYS_BRK, [7]uint64{0}); got != int64(tcb.PCB.BrkHi) {
		t.Fatalf("brk(0): got %d, want current BrkHi %d", got, tcb.PCB.BrkHi)
	}
	if got := d(tcb, SYS_BRK, [7]uint64{0x20000}); got != 0x20000 {
		t.Fatalf("brk(0x20000): got %#x, want 0x20000", got)
	}
	if tcb.PCB.BrkHi != 0x20000 {
		t.Fatalf("BrkHi after brk: got %#x, want 0x20000", tcb.PCB.BrkHi)
	}
}

func TestDispatchMmapInstallsAReadableWritableArea(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	ret := d(tcb, SYS_MMAP, [7]uint64{0, uint64(mem.PGSIZE), protRead | protWrite, mapAnonymous})
	if ret <= 0 {
		t.Fatalf("mmap: got %d, want a positive address", ret)
	}
	if err := tcb.AddrSpace().CopyToUser(uintptr(ret), []byte("x")); err != 0 {
		t.Fatalf("CopyToUser into mmap'd area: %v", err)
	}
}

func TestDispatchMmapFdBackedMapsFileContents(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})

	f := &memFile_t{buf: []byte("file-backed-payload")}
	fd, ierr := tcb.PCB.FDs.Install(f, false)
	if ierr != 0 {
		t.Fatalf("Install: %v", ierr)
	}

	ret := d(tcb, SYS_MMAP, [7]uint64{0, uint64(mem.PGSIZE), protRead, 0, uint64(fd), 0})
	if ret <= 0 {
		t.Fatalf("mmap: got %d, want a positive address", ret)
	}

	var got [len("file-backed-payload")]byte
	if err := tcb.AddrSpace().CopyFromUser(got[:], uintptr(ret)); err != 0 {
		t.Fatalf("CopyFromUser from file-backed mapping: %v", err)
	}
	if string(got[:]) != "file-backed-payload" {
		t.Fatalf("file-backed mmap contents: got %q, want %q", got, "file-backed-payload")
	}
}

func TestDispatchMprotectRestrictsWriteAccess(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})

	const uva = 0x3000
	if err := tcb.AddrSpace().MapAnon(uva, mem.PGSIZE, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		t.Fatalf("MapAnon: %v", err)
	}
	if err := tcb.AddrSpace().CopyToUser(uva, []byte("x")); err != 0 {
		t.Fatalf("CopyToUser before mprotect: %v", err)
	}

	if got := d(tcb, SYS_MPROTECT, [7]uint64{uva, uint64(mem.PGSIZE), protRead}); got != 0 {
		t.Fatalf("mprotect: got %d, want 0", got)
	}
	if err := tcb.AddrSpace().CopyToUser(uva, []byte("y")); err != -defs.EFAULT {
		t.Fatalf("CopyToUser after mprotect to read-only: got %v, want -EFAULT", err)
	}
}

func TestDispatchIoctlDispatchesToFD(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	fd, ierr := tcb.PCB.FDs.Install(&ioctlFile_t{}, false)
	if ierr != 0 {
		t.Fatalf("Install: %v", ierr)
	}
	if got := d(tcb, SYS_IOCTL, [7]uint64{uint64(fd), 3, 4}); got != 7 {
		t.Fatalf("ioctl: got %d, want 7", got)
	}
}

func TestDispatchPpollReportsReadyForReadableFD(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	fd, ierr := tcb.PCB.FDs.Install(&memFile_t{buf: []byte("x")}, false)
	if ierr != 0 {
		t.Fatalf("Install: %v", ierr)
	}

	const pollVA = 0xa000
	if err := tcb.AddrSpace().MapAnon(pollVA, mem.PGSIZE, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		t.Fatalf("MapAnon: %v", err)
	}
	entry := []byte{
		byte(fd), byte(fd >> 8), byte(fd >> 16), byte(fd >> 24),
		byte(fdops.READY_READ), byte(fdops.READY_READ >> 8),
		0, 0,
	}
	if err := tcb.AddrSpace().CopyToUser(pollVA, entry); err != 0 {
		t.Fatalf("CopyToUser pollfd: %v", err)
	}

	if got := d(tcb, SYS_PPOLL, [7]uint64{pollVA, 1}); got != 1 {
		t.Fatalf("ppoll: got %d, want 1 ready fd", got)
	}

	var out [8]byte
	if err := tcb.AddrSpace().CopyFromUser(out[:], pollVA); err != 0 {
		t.Fatalf("CopyFromUser pollfd: %v", err)
	}
	revents := fdops.Ready_t(uint16(out[6]) | uint16(out[7])<<8)
	if revents&fdops.READY_READ == 0 {
		t.Fatalf("revents: got %#x, want READY_READ set", revents)
	}
}

func TestDispatchUnameFillsRelease(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	const uva = 0x6000
	if err := tcb.AddrSpace().MapAnon(uva, mem.PGSIZE, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		t.Fatalf("MapAnon: %v", err)
	}
	if got := d(tcb, SYS_UNAME, [7]uint64{uva}); got != 0 {
		t.Fatalf("uname: got %d, want 0", got)
	}
	var buf [65 * 6]byte
	if err := tcb.AddrSpace().CopyFromUser(buf[:], uva); err != 0 {
		t.Fatalf("CopyFromUser: %v", err)
	}
	const fieldLen = 65
	release := string(buf[2*fieldLen : 2*fieldLen+len(Release)])
	if release != Release {
		t.Fatalf("uname release field: got %q, want %q", release, Release)
	}
}

func TestDispatchChdirGetcwdRoundTrip(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	const pathVA = 0x7000
	if err := tcb.AddrSpace().MapAnon(pathVA, mem.PGSIZE, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		t.Fatalf("MapAnon: %v", err)
	}
	if err := tcb.AddrSpace().CopyToUser(pathVA, append([]byte("/tmp"), 0)); err != 0 {
		t.Fatalf("CopyToUser: %v", err)
	}
	if got := d(tcb, SYS_CHDIR, [7]uint64{pathVA}); got != 0 {
		t.Fatalf("chdir: got %d, want 0", got)
	}

	const outVA = 0x8000
	if err := tcb.AddrSpace().MapAnon(outVA, mem.PGSIZE, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		t.Fatalf("MapAnon: %v", err)
	}
	n := d(tcb, SYS_GETCWD, [7]uint64{outVA})
	if n != int64(len("/tmp")+1) {
		t.Fatalf("getcwd length: got %d, want %d", n, len("/tmp")+1)
	}
	buf := make([]byte, n)
	if err := tcb.AddrSpace().CopyFromUser(buf, outVA); err != 0 {
		t.Fatalf("CopyFromUser: %v", err)
	}
	if string(buf[:len(buf)-1]) != "/tmp" {
		t.Fatalf("getcwd: got %q, want %q", buf, "/tmp")
	}
}

func TestDispatchDup3InstallsAtRequestedFD(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	fd, _ := tcb.PCB.FDs.Install(&memFile_t{}, false)
	const target = 9
	if got := d(tcb, SYS_DUP3, [7]uint64{uint64(fd), target}); got != target {
		t.Fatalf("dup3: got %d, want %d", got, target)
	}
	if _, err := tcb.PCB.FDs.Get(target); err != 0 {
		t.Fatalf("Get(target) after dup3: %v", err)
	}
}

func TestDispatchSigactionRegistersHandler(t *testing.T) {
	tcb := newTestTCB(t, 8)
	d := dispatch(t, &Env_t{})
	const actVA = 0x9000
	if err := tcb.AddrSpace().MapAnon(actVA, mem.PGSIZE, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		t.Fatalf("MapAnon: %v", err)
	}
	if got := d(tcb, SYS_RT_SIGACTION, [7]uint64{uint64(defs.SIGUSR1), actVA, 0}); got != 0 {
		t.Fatalf("sigaction: got %d, want 0", got)
	}
	if got := tcb.SignalActions().Get(int(defs.SIGUSR1)); got.Handler != actVA {
		t.Fatalf("registered handler: got %#x, want %#x", got.Handler, actVA)
	}
}
