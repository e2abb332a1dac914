// Package fdops defines the file-operations contract implemented by every
// open file handle in the VFS (§4.J) — regular files, directories, device
// nodes, and pipes all satisfy Fdops_i the same way biscuit's fdops
// package lets fd.Fd_t stay agnostic of the concrete file type.
package fdops

import (
	"rv39/internal/defs"
	"rv39/internal/stat"
)

// Whence_t selects the origin for Seek, matching lseek(2).
type Whence_t int

const (
	SEEK_SET Whence_t = 0
	SEEK_CUR Whence_t = 1
	SEEK_END Whence_t = 2
)

// Ready_t is a bitmask of poll readiness conditions.
type Ready_t int

const (
	READY_READ  Ready_t = 1 << 0
	READY_WRITE Ready_t = 1 << 1
	READY_ERROR Ready_t = 1 << 2
)

// Mmapinfo_t describes the physical backing of one page of a file mapping,
// handed back by Mmap so vm.FileMapArea can install it directly.
type Mmapinfo_t struct {
	PA    uintptr
	Bytes []uint8
}

// Fdops_i is implemented by every concrete file type. Methods mirror
// biscuit's fdops.Fdops_i 1:1 in spirit but use Go idioms ([]byte, io
// semantics) instead of userbuf-shaped parameters, since the userbuf
// translation now happens in internal/vm before reaching this layer.
type Fdops_i interface {
	Read(dst []uint8) (int, defs.Err_t)
	Write(src []uint8) (int, defs.Err_t)
	Seek(off int, whence Whence_t) (int, defs.Err_t)
	Ioctl(cmd uintptr, arg uintptr) (uintptr, defs.Err_t)
	Readdir() ([]Dirent_t, defs.Err_t)
	// Poll registers the waker to be notified when any of the requested
	// Ready_t conditions become true, and returns the conditions already
	// satisfied (possibly 0, meaning "nothing yet, waker registered").
	Poll(events Ready_t, waker Waker_i) (Ready_t, defs.Err_t)
	PollCancel(waker Waker_i)
	Fstat(st *stat.Stat_t) defs.Err_t
	Mmap(pgoff int) (Mmapinfo_t, defs.Err_t)
	Sync() defs.Err_t
	Close() defs.Err_t
	Reopen() defs.Err_t
}

// Dirent_t is one entry returned by Readdir.
type Dirent_t struct {
	Name  string
	Ino   uint64
	Ftype uint8
}

// Waker_i is implemented by whatever wants to be resumed when a polled
// file becomes ready — internal/waitqueue.WaitQueue_t satisfies it.
type Waker_i interface {
	Wake()
}
