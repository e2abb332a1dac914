// Package devfs implements the device filesystem mounted at /dev
// (§4.J): the console tty, /dev/stat (a prometheus text-exposition
// snapshot), and /dev/prof (a pprof profile snapshot), each a
// vfs.Inode_i/fdops.Fdops_i pair the way biscuit's devfs maps a major
// device number to a concrete driver.
package devfs

import (
	"bytes"
	"os"
	"sync"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"rv39/internal/blkcache"
	"rv39/internal/circbuf"
	"rv39/internal/defs"
	"rv39/internal/fdops"
	"rv39/internal/sched"
	"rv39/internal/stat"
	"rv39/internal/vfs"
	"rv39/internal/waitqueue"
)

func defaultConsoleOut(b []byte) (int, error) { return os.Stdout.Write(b) }

const consoleBufSize = 4096

// Sno is the fixed superblock id for devfs.
const Sno = 1

// FS_t is the devfs superblock: a flat directory of fixed device nodes.
type FS_t struct {
	root *dirInode
}

// New constructs devfs with a console device and, when registry is
// non-nil, /dev/stat backed by it. samples, if non-nil, feeds /dev/prof
// snapshots; cmd/kernel wires it to the scheduler's per-task runtime
// accounting once that's assembled. disk, if non-nil, backs
// /dev/rawdisk (D_RAWDISK) with a singleflight-coalesced block cache.
func New(registry *prometheus.Registry, samples func() []ProfSample, disk *blkcache.Cache_t) *FS_t {
	root := &dirInode{ino: vfs.Ino_t{Sno: Sno, Ino: 1}, entries: map[string]vfs.Inode_i{}}
	root.entries["console"] = NewConsole()
	if registry != nil {
		root.entries["stat"] = &statInode{ino: vfs.Ino_t{Sno: Sno, Ino: 3}, registry: registry}
	}
	root.entries["prof"] = &profInode{ino: vfs.Ino_t{Sno: Sno, Ino: 4}, Samples: samples}
	if disk != nil {
		root.entries["rawdisk"] = &rawdiskInode{ino: vfs.Ino_t{Sno: Sno, Ino: 5}, cache: disk}
	}
	return &FS_t{root: root}
}

func (fs *FS_t) Sno() int          { return Sno }
func (fs *FS_t) Root() vfs.Inode_i { return fs.root }
func (fs *FS_t) Sync() defs.Err_t  { return 0 }

// Console returns the console device node, so cmd/kernel can attach the
// host terminal to it (AttachTTY) once devfs is mounted.
func (fs *FS_t) Console() *Console_t {
	return fs.root.entries["console"].(*Console_t)
}

type dirInode struct {
	ino     vfs.Ino_t
	entries map[string]vfs.Inode_i
}

func (d *dirInode) Ino() vfs.Ino_t { return d.ino }
func (d *dirInode) IsDir() bool    { return true }
func (d *dirInode) Stat(st *stat.Stat_t) defs.Err_t {
	st.Ino = d.ino.Ino
	st.Mode = stat.S_IFDIR | 0755
	st.Nlink = 1
	return 0
}
func (d *dirInode) Lookup(name string) (vfs.Inode_i, defs.Err_t) {
	in, ok := d.entries[name]
	if !ok {
		return nil, -defs.ENOENT
	}
	return in, 0
}
func (d *dirInode) Readdir() ([]fdops.Dirent_t, defs.Err_t) {
	ents := make([]fdops.Dirent_t, 0, len(d.entries))
	for name, in := range d.entries {
		ents = append(ents, fdops.Dirent_t{Name: name, Ino: in.Ino().Ino, Ftype: 2})
	}
	return ents, 0
}
func (d *dirInode) Open(flags int) (fdops.Fdops_i, defs.Err_t) { return nil, -defs.EISDIR }

// Console_t is the /dev/console device: a circular buffer fed by
// whatever injects keystrokes (a host-side driver, in this hosted
// simulation) and drained by blocking reads from user tasks, with
// writes going straight through to the host's stdout.
type Console_t struct {
	ino vfs.Ino_t
	rx  *circbuf.Circbuf_t
	wq  waitqueue.WaitQueue_t
	out func([]byte) (int, error)
	tty *hostTTY_t
}

// NewConsole builds a console device whose output goes to
// defaultConsoleOut (the host's stdout); tests substitute
// Console_t.out directly.
func NewConsole() *Console_t {
	return &Console_t{
		ino: vfs.Ino_t{Sno: Sno, Ino: 2},
		rx:  circbuf.New(consoleBufSize),
		out: defaultConsoleOut,
	}
}

func (c *Console_t) Ino() vfs.Ino_t { return c.ino }
func (c *Console_t) IsDir() bool    { return false }
func (c *Console_t) Stat(st *stat.Stat_t) defs.Err_t {
	st.Ino = c.ino.Ino
	st.Mode = stat.S_IFCHR | 0666
	st.Nlink = 1
	st.Rdev = uint64(defs.Mkdev(defs.D_CONSOLE, 0))
	return 0
}
func (c *Console_t) Lookup(name string) (vfs.Inode_i, defs.Err_t) { return nil, -defs.ENOTDIR }
func (c *Console_t) Readdir() ([]fdops.Dirent_t, defs.Err_t)      { return nil, -defs.ENOTDIR }
func (c *Console_t) Open(flags int) (fdops.Fdops_i, defs.Err_t)   { return c, 0 }

// Inject feeds bytes into the console's read buffer, as if a keyboard
// or host-side terminal driver had produced them, then wakes any
// blocked reader.
func (c *Console_t) Inject(b []byte) {
	c.rx.Write(b)
	c.wq.WakeAll()
}

func (c *Console_t) Read(dst []uint8) (int, defs.Err_t) {
	for {
		n := c.rx.Read(dst)
		if n > 0 {
			return n, 0
		}
		cur := sched.Current()
		w, ok := cur.(waitqueue.Waiter_i)
		if !ok {
			return 0, 0 // no schedulable waiter (e.g. early boot); don't block forever
		}
		c.wq.Park(w, "console read")
	}
}

func (c *Console_t) Write(src []uint8) (int, defs.Err_t) {
	n, err := c.out(src)
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}

func (c *Console_t) Seek(off int, whence fdops.Whence_t) (int, defs.Err_t) { return 0, -defs.ESPIPE }

// Ioctl serves TIOCGWINSZ when a real host terminal is attached
// (AttachTTY), reporting its actual size; anything else, including
// TCGETS/TCSETS (which need a guest buffer the fdops.Fdops_i contract
// doesn't carry through — TermiosBytes/SetTermiosBytes are the
// byte-oriented equivalents, and nothing in this tree calls them),
// is ENOTTY.
func (c *Console_t) Ioctl(cmd uintptr, arg uintptr) (uintptr, defs.Err_t) {
	if cmd == ioctlTIOCGWINSZ && c.tty != nil {
		rows, cols, err := c.TermSize()
		if err != nil {
			return 0, -defs.EIO
		}
		return uintptr(rows)<<16 | uintptr(uint16(cols)), 0
	}
	return 0, -defs.ENOTTY
}
func (c *Console_t) Poll(events fdops.Ready_t, waker fdops.Waker_i) (fdops.Ready_t, defs.Err_t) {
	ready := fdops.Ready_t(0)
	if events&fdops.READY_READ != 0 && c.rx.Used() > 0 {
		ready |= fdops.READY_READ
	}
	if events&fdops.READY_WRITE != 0 {
		ready |= fdops.READY_WRITE
	}
	return ready, 0
}
func (c *Console_t) PollCancel(waker fdops.Waker_i) {}
func (c *Console_t) Fstat(st *stat.Stat_t) defs.Err_t { return c.Stat(st) }
func (c *Console_t) Mmap(pgoff int) (fdops.Mmapinfo_t, defs.Err_t) { return fdops.Mmapinfo_t{}, -defs.ENODEV }
func (c *Console_t) Sync() defs.Err_t  { return 0 }
func (c *Console_t) Close() defs.Err_t { return 0 }
func (c *Console_t) Reopen() defs.Err_t { return 0 }

// statInode is /dev/stat: each Read returns a fresh prometheus text
// exposition snapshot of the kernel's registered collectors.
type statInode struct {
	ino      vfs.Ino_t
	registry *prometheus.Registry
}

func (s *statInode) Ino() vfs.Ino_t { return s.ino }
func (s *statInode) IsDir() bool    { return false }
func (s *statInode) Stat(st *stat.Stat_t) defs.Err_t {
	st.Ino = s.ino.Ino
	st.Mode = stat.S_IFCHR | 0444
	st.Nlink = 1
	st.Rdev = uint64(defs.Mkdev(defs.D_STAT, 0))
	return 0
}
func (s *statInode) Lookup(name string) (vfs.Inode_i, defs.Err_t) { return nil, -defs.ENOTDIR }
func (s *statInode) Readdir() ([]fdops.Dirent_t, defs.Err_t)      { return nil, -defs.ENOTDIR }
func (s *statInode) Open(flags int) (fdops.Fdops_i, defs.Err_t) {
	mfs, err := s.registry.Gather()
	if err != nil {
		return nil, -defs.EIO
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, encErr := expfmt.MetricFamilyToText(&buf, mf); encErr != nil {
			return nil, -defs.EIO
		}
	}
	return &snapshotFile{ino: s.ino, data: buf.Bytes()}, 0
}

// profInode is /dev/prof: each Read returns a fresh pprof Profile
// snapshot in wire format sampling per-task scheduler runtime, built
// with google/pprof/profile's Profile type (the library this retrieval
// pack carries for consuming/producing the pprof wire format) and
// demangled through ianlancetaylor/demangle the way `pprof` itself
// demangles C++/Rust symbol names before display.
type profInode struct {
	ino     vfs.Ino_t
	mu      sync.Mutex
	Samples func() []ProfSample
}

// ProfSample is one scheduler-runtime sample: a task (identified by a
// possibly-mangled symbol name for its entry function) and the
// cumulative nanoseconds it has run.
type ProfSample struct {
	Symbol string
	Nanos  int64
}

func (p *profInode) Ino() vfs.Ino_t { return p.ino }
func (p *profInode) IsDir() bool    { return false }
func (p *profInode) Stat(st *stat.Stat_t) defs.Err_t {
	st.Ino = p.ino.Ino
	st.Mode = stat.S_IFCHR | 0444
	st.Nlink = 1
	st.Rdev = uint64(defs.Mkdev(defs.D_PROF, 0))
	return 0
}
func (p *profInode) Lookup(name string) (vfs.Inode_i, defs.Err_t) { return nil, -defs.ENOTDIR }
func (p *profInode) Readdir() ([]fdops.Dirent_t, defs.Err_t)      { return nil, -defs.ENOTDIR }
func (p *profInode) Open(flags int) (fdops.Fdops_i, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var samples []ProfSample
	if p.Samples != nil {
		samples = p.Samples()
	}
	prof := buildProfile(samples)
	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		return nil, -defs.EIO
	}
	return &snapshotFile{ino: p.ino, data: buf.Bytes()}, 0
}

func buildProfile(samples []ProfSample) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "cpu", Unit: "nanoseconds"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}
	funcs := make(map[string]*profile.Function)
	for i, s := range samples {
		name := s.Symbol
		if demangled, derr := demangle.ToString(name, demangle.NoParams); derr == nil && demangled != "" {
			name = demangled
		}
		fn, ok := funcs[name]
		if !ok {
			fn = &profile.Function{ID: uint64(i + 1), Name: name}
			funcs[name] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(prof.Location) + 1),
			Line: []profile.Line{{Function: fn}},
		}
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.Nanos},
		})
	}
	return prof
}

// snapshotFile is a read-only handle over a one-shot byte snapshot
// produced at Open time (stat and prof devices behave like /proc
// files: every open sees a fresh capture).
type snapshotFile struct {
	ino vfs.Ino_t
	off int
	data []byte
}

func (f *snapshotFile) Read(dst []uint8) (int, defs.Err_t) {
	if f.off >= len(f.data) {
		return 0, 0
	}
	n := copy(dst, f.data[f.off:])
	f.off += n
	return n, 0
}
func (f *snapshotFile) Write(src []uint8) (int, defs.Err_t)               { return 0, -defs.EROFS }
func (f *snapshotFile) Seek(off int, whence fdops.Whence_t) (int, defs.Err_t) { return 0, -defs.ESPIPE }
func (f *snapshotFile) Ioctl(cmd uintptr, arg uintptr) (uintptr, defs.Err_t)  { return 0, -defs.ENOTTY }
func (f *snapshotFile) Readdir() ([]fdops.Dirent_t, defs.Err_t)            { return nil, -defs.ENOTDIR }
func (f *snapshotFile) Poll(events fdops.Ready_t, waker fdops.Waker_i) (fdops.Ready_t, defs.Err_t) {
	return events & fdops.READY_READ, 0
}
func (f *snapshotFile) PollCancel(waker fdops.Waker_i)         {}
func (f *snapshotFile) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Ino = f.ino.Ino
	st.Mode = stat.S_IFCHR | 0444
	st.Size = int64(len(f.data))
	return 0
}
func (f *snapshotFile) Mmap(pgoff int) (fdops.Mmapinfo_t, defs.Err_t) { return fdops.Mmapinfo_t{}, -defs.ENODEV }
func (f *snapshotFile) Sync() defs.Err_t   { return 0 }
func (f *snapshotFile) Close() defs.Err_t  { return 0 }
func (f *snapshotFile) Reopen() defs.Err_t { f.off = 0; return 0 }

// rawdiskInode is /dev/rawdisk (D_RAWDISK): a flat block device seen
// through blkcache's read-coalescing cache instead of a direct disk
// handle, so concurrent reads of the same block from racing page
// faults share one underlying disk I/O.
type rawdiskInode struct {
	ino   vfs.Ino_t
	cache *blkcache.Cache_t
}

func (r *rawdiskInode) Ino() vfs.Ino_t { return r.ino }
func (r *rawdiskInode) IsDir() bool    { return false }
func (r *rawdiskInode) Stat(st *stat.Stat_t) defs.Err_t {
	st.Ino = r.ino.Ino
	st.Mode = stat.S_IFBLK | 0660
	st.Nlink = 1
	st.Rdev = uint64(defs.Mkdev(defs.D_RAWDISK, 0))
	st.Size = int64(r.cache.NumBlocks()) * blkcache.BSIZE
	return 0
}
func (r *rawdiskInode) Lookup(name string) (vfs.Inode_i, defs.Err_t) { return nil, -defs.ENOTDIR }
func (r *rawdiskInode) Readdir() ([]fdops.Dirent_t, defs.Err_t)      { return nil, -defs.ENOTDIR }
func (r *rawdiskInode) Open(flags int) (fdops.Fdops_i, defs.Err_t) {
	return &rawdiskFile_t{ino: r.ino, cache: r.cache}, 0
}

// rawdiskFile_t is a byte-addressable view over rawdiskInode's blocks:
// Read/Write translate a byte offset into block-granular cache calls,
// splitting a request at block boundaries when it doesn't align.
type rawdiskFile_t struct {
	ino   vfs.Ino_t
	cache *blkcache.Cache_t
	off   int64
}

func (f *rawdiskFile_t) Read(dst []uint8) (int, defs.Err_t) {
	n := 0
	for n < len(dst) {
		blk := int(f.off / blkcache.BSIZE)
		inBlk := int(f.off % blkcache.BSIZE)
		if blk >= f.cache.NumBlocks() {
			break
		}
		data, err := f.cache.ReadBlock(blk)
		if err != nil {
			return n, -defs.EIO
		}
		c := copy(dst[n:], data[inBlk:])
		n += c
		f.off += int64(c)
	}
	return n, 0
}

func (f *rawdiskFile_t) Write(src []uint8) (int, defs.Err_t) {
	n := 0
	for n < len(src) {
		blk := int(f.off / blkcache.BSIZE)
		inBlk := int(f.off % blkcache.BSIZE)
		data, err := f.cache.ReadBlock(blk)
		if err != nil {
			return n, -defs.EIO
		}
		c := copy(data[inBlk:], src[n:])
		if werr := f.cache.WriteBlock(blk, data); werr != nil {
			return n, -defs.EIO
		}
		n += c
		f.off += int64(c)
	}
	return n, 0
}

func (f *rawdiskFile_t) Seek(off int, whence fdops.Whence_t) (int, defs.Err_t) {
	switch whence {
	case fdops.SEEK_SET:
		f.off = int64(off)
	case fdops.SEEK_CUR:
		f.off += int64(off)
	case fdops.SEEK_END:
		f.off = int64(f.cache.NumBlocks())*blkcache.BSIZE + int64(off)
	default:
		return 0, -defs.EINVAL
	}
	return int(f.off), 0
}
func (f *rawdiskFile_t) Ioctl(cmd uintptr, arg uintptr) (uintptr, defs.Err_t) { return 0, -defs.ENOTTY }
func (f *rawdiskFile_t) Readdir() ([]fdops.Dirent_t, defs.Err_t)             { return nil, -defs.ENOTDIR }
func (f *rawdiskFile_t) Poll(events fdops.Ready_t, waker fdops.Waker_i) (fdops.Ready_t, defs.Err_t) {
	return events & (fdops.READY_READ | fdops.READY_WRITE), 0
}
func (f *rawdiskFile_t) PollCancel(waker fdops.Waker_i) {}
func (f *rawdiskFile_t) Fstat(st *stat.Stat_t) defs.Err_t {
	st.Ino = f.ino.Ino
	st.Mode = stat.S_IFBLK | 0660
	st.Size = int64(f.cache.NumBlocks()) * blkcache.BSIZE
	return 0
}
func (f *rawdiskFile_t) Mmap(pgoff int) (fdops.Mmapinfo_t, defs.Err_t) {
	return fdops.Mmapinfo_t{}, -defs.ENODEV
}
func (f *rawdiskFile_t) Sync() defs.Err_t   { return 0 } // cache is write-through; nothing to flush
func (f *rawdiskFile_t) Close() defs.Err_t  { return 0 }
func (f *rawdiskFile_t) Reopen() defs.Err_t { f.off = 0; return 0 }
