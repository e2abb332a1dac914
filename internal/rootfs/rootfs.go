// Package rootfs implements the in-memory "/" filesystem (§4.J): a
// tmpfs-style tree of directories and regular files kept entirely in
// host memory, playing the role biscuit's on-disk ext2-like fs_t
// superblock plays but without a block device underneath it, since a
// hosted single-hart simulation has no disk to log against.
package rootfs

import (
	"sync"

	"rv39/internal/defs"
	"rv39/internal/fdops"
	"rv39/internal/stat"
	"rv39/internal/vfs"
)

// Sno is the fixed superblock id for the root filesystem (§4.J "root
// superblock = sno 0").
const Sno = 0

// FS_t is the root filesystem's superblock.
type FS_t struct {
	mu      sync.Mutex
	root    *Inode_t
	nextIno uint64
}

// New constructs an empty root filesystem with a single root directory.
func New() *FS_t {
	fs := &FS_t{nextIno: 1}
	fs.root = fs.newInode(stat.S_IFDIR)
	fs.root.ino.Ino = 1
	return fs
}

func (fs *FS_t) newInode(mode uint32) *Inode_t {
	fs.mu.Lock()
	n := fs.nextIno
	fs.nextIno++
	fs.mu.Unlock()
	in := &Inode_t{fs: fs, mode: mode}
	in.ino = vfs.Ino_t{Sno: Sno, Ino: n}
	if mode == stat.S_IFDIR {
		in.children = make(map[string]*Inode_t)
	}
	return in
}

func (fs *FS_t) Sno() int           { return Sno }
func (fs *FS_t) Root() vfs.Inode_i  { return fs.root }
func (fs *FS_t) Sync() defs.Err_t   { return 0 } // nothing to flush; memory-only

// Inode_t is a rootfs inode: either a directory (children by name) or a
// regular file (a growable byte slice).
type Inode_t struct {
	mu       sync.RWMutex
	fs       *FS_t
	ino      vfs.Ino_t
	mode     uint32
	data     []byte
	children map[string]*Inode_t
}

func (in *Inode_t) Ino() vfs.Ino_t { return in.ino }
func (in *Inode_t) IsDir() bool    { return in.mode == stat.S_IFDIR }

func (in *Inode_t) Stat(st *stat.Stat_t) defs.Err_t {
	in.mu.RLock()
	defer in.mu.RUnlock()
	st.Dev = uint64(Sno)
	st.Ino = in.ino.Ino
	st.Mode = in.mode | 0644
	st.Nlink = 1
	if in.IsDir() {
		st.Mode = in.mode | 0755
	}
	st.Size = int64(len(in.data))
	st.Blksize = 512
	st.Blocks = uint64((len(in.data) + 511) / 512)
	return 0
}

// Lookup finds name among in's children (§4.J dentry-miss path calls
// through to here on a cache miss).
func (in *Inode_t) Lookup(name string) (vfs.Inode_i, defs.Err_t) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if !in.IsDir() {
		return nil, -defs.ENOTDIR
	}
	child, ok := in.children[name]
	if !ok {
		return nil, -defs.ENOENT
	}
	return child, 0
}

// Readdir lists in's children, for getdents(2).
func (in *Inode_t) Readdir() ([]fdops.Dirent_t, defs.Err_t) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if !in.IsDir() {
		return nil, -defs.ENOTDIR
	}
	ents := make([]fdops.Dirent_t, 0, len(in.children))
	for name, c := range in.children {
		ft := uint8(8) // DT_REG
		if c.IsDir() {
			ft = 4 // DT_DIR
		}
		ents = append(ents, fdops.Dirent_t{Name: name, Ino: c.ino.Ino, Ftype: ft})
	}
	return ents, 0
}

// Mkdir creates an empty subdirectory under in.
func (in *Inode_t) Mkdir(name string) (*Inode_t, defs.Err_t) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.IsDir() {
		return nil, -defs.ENOTDIR
	}
	if _, ok := in.children[name]; ok {
		return nil, -defs.EEXIST
	}
	child := in.fs.newInode(stat.S_IFDIR)
	in.children[name] = child
	return child, 0
}

// Create makes a new, empty regular file under in.
func (in *Inode_t) Create(name string) (*Inode_t, defs.Err_t) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.IsDir() {
		return nil, -defs.ENOTDIR
	}
	if existing, ok := in.children[name]; ok {
		return existing, 0
	}
	child := in.fs.newInode(stat.S_IFREG)
	in.children[name] = child
	return child, 0
}

// Unlink removes name from in's directory.
func (in *Inode_t) Unlink(name string) defs.Err_t {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.IsDir() {
		return -defs.ENOTDIR
	}
	if _, ok := in.children[name]; !ok {
		return -defs.ENOENT
	}
	delete(in.children, name)
	return 0
}

const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2
	O_CREAT  = 0x40
	O_TRUNC  = 0x200
)

// Open returns a file handle over in's bytes; writes append/grow, never
// aliasing the page cache of another open handle (§4.J "File is a
// handle distinct from the Inode").
func (in *Inode_t) Open(flags int) (fdops.Fdops_i, defs.Err_t) {
	if flags&O_TRUNC != 0 {
		in.mu.Lock()
		in.data = nil
		in.mu.Unlock()
	}
	return &file_t{in: in}, 0
}

// file_t is one open handle over a rootfs Inode_t, tracking its own
// read/write offset.
type file_t struct {
	in  *Inode_t
	off int
}

func (f *file_t) Read(dst []uint8) (int, defs.Err_t) {
	f.in.mu.RLock()
	defer f.in.mu.RUnlock()
	if f.off >= len(f.in.data) {
		return 0, 0
	}
	n := copy(dst, f.in.data[f.off:])
	f.off += n
	return n, 0
}

func (f *file_t) Write(src []uint8) (int, defs.Err_t) {
	f.in.mu.Lock()
	defer f.in.mu.Unlock()
	end := f.off + len(src)
	if end > len(f.in.data) {
		grown := make([]byte, end)
		copy(grown, f.in.data)
		f.in.data = grown
	}
	copy(f.in.data[f.off:end], src)
	f.off = end
	return len(src), 0
}

func (f *file_t) Seek(off int, whence fdops.Whence_t) (int, defs.Err_t) {
	f.in.mu.RLock()
	size := len(f.in.data)
	f.in.mu.RUnlock()
	switch whence {
	case fdops.SEEK_SET:
		f.off = off
	case fdops.SEEK_CUR:
		f.off += off
	case fdops.SEEK_END:
		f.off = size + off
	}
	if f.off < 0 {
		f.off = 0
	}
	return f.off, 0
}

func (f *file_t) Ioctl(cmd uintptr, arg uintptr) (uintptr, defs.Err_t) { return 0, -defs.EINVAL }
func (f *file_t) Readdir() ([]fdops.Dirent_t, defs.Err_t)             { return f.in.Readdir() }

func (f *file_t) Poll(events fdops.Ready_t, waker fdops.Waker_i) (fdops.Ready_t, defs.Err_t) {
	return events & (fdops.READY_READ | fdops.READY_WRITE), 0
}
func (f *file_t) PollCancel(waker fdops.Waker_i) {}

func (f *file_t) Fstat(st *stat.Stat_t) defs.Err_t { return f.in.Stat(st) }
func (f *file_t) Mmap(pgoff int) (fdops.Mmapinfo_t, defs.Err_t) {
	f.in.mu.RLock()
	defer f.in.mu.RUnlock()
	off := pgoff * 4096
	if off >= len(f.in.data) {
		return fdops.Mmapinfo_t{}, -defs.EINVAL
	}
	return fdops.Mmapinfo_t{Bytes: f.in.data[off:]}, 0
}
func (f *file_t) Sync() defs.Err_t  { return 0 }
func (f *file_t) Close() defs.Err_t { return 0 }
func (f *file_t) Reopen() defs.Err_t {
	f.off = 0
	return 0
}
