// Package stat defines the fixed-layout FileStat structure returned by
// stat/fstat (§6) and the file-type/mode bit conventions used across the
// VFS. The field layout is part of the user-kernel ABI, so field order and
// width must not change — mirrors biscuit's stat.Stat_t, extended to the
// full layout spec.md §6 specifies (biscuit's retrieved fragment only
// carried a subset of fields).
package stat

import "encoding/binary"

// Mode bits, analogous to S_IFMT and friends.
const (
	S_IFMT  = 0170000
	S_IFREG = 0100000
	S_IFDIR = 0040000
	S_IFCHR = 0020000
	S_IFIFO = 0010000
	S_IFLNK = 0120000
	S_IFBLK = 0060000
)

// Timespec_t is one (seconds, nanoseconds) pair as stored in Stat_t.
type Timespec_t struct {
	Sec  int64
	Nsec int64
}

// Stat_t mirrors the on-wire FileStat layout from spec.md §6: st_dev,
// st_ino, st_mode, st_nlink, st_uid, st_gid, st_rdev, pad, st_size,
// st_blksize, pad, st_blocks, three (sec, nsec) timestamp pairs, two
// words unused.
type Stat_t struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	_pad0   uint64
	Size    int64
	Blksize int32
	_pad1   int32
	Blocks  uint64
	Atim    Timespec_t
	Mtim    Timespec_t
	Ctim    Timespec_t
	_unused [2]uint32
}

// IsDir reports whether the mode bits describe a directory.
func (st *Stat_t) IsDir() bool { return st.Mode&S_IFMT == S_IFDIR }

// IsChr reports whether the mode bits describe a character device.
func (st *Stat_t) IsChr() bool { return st.Mode&S_IFMT == S_IFCHR }

// Bytes serializes the structure into its wire layout, little-endian, for
// copy_to_user.
func (st *Stat_t) Bytes() []byte {
	buf := make([]byte, 128)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], st.Dev)
	le.PutUint64(buf[8:], st.Ino)
	le.PutUint32(buf[16:], st.Mode)
	le.PutUint32(buf[20:], st.Nlink)
	le.PutUint32(buf[24:], st.Uid)
	le.PutUint32(buf[28:], st.Gid)
	le.PutUint64(buf[32:], st.Rdev)
	le.PutUint64(buf[48:], uint64(st.Size))
	le.PutUint32(buf[56:], uint32(st.Blksize))
	le.PutUint64(buf[64:], st.Blocks)
	le.PutUint64(buf[72:], uint64(st.Atim.Sec))
	le.PutUint64(buf[80:], uint64(st.Atim.Nsec))
	le.PutUint64(buf[88:], uint64(st.Mtim.Sec))
	le.PutUint64(buf[96:], uint64(st.Mtim.Nsec))
	le.PutUint64(buf[104:], uint64(st.Ctim.Sec))
	le.PutUint64(buf[112:], uint64(st.Ctim.Nsec))
	return buf
}

// Termios_t mirrors the tty ioctl structure from spec.md §6.
type Termios_t struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   uint8
	Cc     [19]uint8
	Ispeed uint32
	Ospeed uint32
}

// Winsize_t is the TIOCGWINSZ window-size structure.
type Winsize_t struct {
	Row, Col, Xpixel, Ypixel uint16
}

// DefaultWinsize is an 80x25 window size. devfs's Console_t.Ioctl does
// not return it: without an attached host terminal, TIOCGWINSZ fails
// with ENOTTY.
var DefaultWinsize = Winsize_t{Row: 25, Col: 80}

// Ioctl command numbers for tty devices (§6).
const (
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TCSETSW    = 0x5403
	TCSETSF    = 0x5404
	TIOCGWINSZ = 0x5413
)
