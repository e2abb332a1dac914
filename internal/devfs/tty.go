package devfs

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// hostTTY_t puts the real host terminal backing this console into raw
// mode and serves the termios/winsize queries a tty-aware user program
// issues, the same pairing smoynes-elsie's internal/tty.Console uses
// (term.MakeRaw/term.Restore for mode switching, golang.org/x/sys/unix's
// IoctlGetTermios/IoctlSetTermios/IoctlGetWinsize for the termios
// calls). Unlike a guest ioctl(2), which would need arg translated
// through the calling task's address space, attaching the host
// terminal is a boot-time operation against the one real console
// (there's only one os.Stdin to put in raw mode), so these methods
// take and return plain values for cmd/kernel to wire at startup
// rather than threading through Fdops_i.Ioctl's guest-pointer arg.
type hostTTY_t struct {
	fd    int
	saved *term.State
}

// AttachTTY puts fd (expected to be a real terminal, e.g. os.Stdin's
// descriptor) into raw mode. Returns an error if fd isn't a terminal.
func (c *Console_t) AttachTTY(fd int) error {
	if !term.IsTerminal(fd) {
		return errNotATTY
	}
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	c.tty = &hostTTY_t{fd: fd, saved: saved}
	return nil
}

// DetachTTY restores the host terminal's prior mode, if attached.
func (c *Console_t) DetachTTY() error {
	if c.tty == nil {
		return nil
	}
	err := term.Restore(c.tty.fd, c.tty.saved)
	c.tty = nil
	return err
}

// TermSize reports the attached host terminal's rows/cols, backing
// TIOCGWINSZ translation for a guest ioctl(2) on /dev/console.
func (c *Console_t) TermSize() (rows, cols int, err error) {
	if c.tty == nil {
		return 0, 0, errNotATTY
	}
	ws, ierr := unix.IoctlGetWinsize(c.tty.fd, unix.TIOCGWINSZ)
	if ierr != nil {
		return 0, 0, ierr
	}
	return int(ws.Row), int(ws.Col), nil
}

// TermiosBytes returns the attached host terminal's termios state
// encoded the way a guest TCGETS expects it back: the c_iflag/oflag/
// cflag/lflag words followed by the c_cc control-character array,
// little-endian (the only byte order this kernel's user ABI uses).
func (c *Console_t) TermiosBytes() ([]byte, error) {
	if c.tty == nil {
		return nil, errNotATTY
	}
	t, err := unix.IoctlGetTermios(c.tty.fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 16+len(t.Cc))
	binary.LittleEndian.PutUint32(buf[0:], t.Iflag)
	binary.LittleEndian.PutUint32(buf[4:], t.Oflag)
	binary.LittleEndian.PutUint32(buf[8:], t.Cflag)
	binary.LittleEndian.PutUint32(buf[12:], t.Lflag)
	copy(buf[16:], t.Cc[:])
	return buf, nil
}

// SetTermiosBytes applies a guest TCSETS request (the inverse encoding
// of TermiosBytes) to the attached host terminal.
func (c *Console_t) SetTermiosBytes(buf []byte) error {
	if c.tty == nil {
		return errNotATTY
	}
	if len(buf) < 16 {
		return errShortTermios
	}
	t, err := unix.IoctlGetTermios(c.tty.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag = binary.LittleEndian.Uint32(buf[0:])
	t.Oflag = binary.LittleEndian.Uint32(buf[4:])
	t.Cflag = binary.LittleEndian.Uint32(buf[8:])
	t.Lflag = binary.LittleEndian.Uint32(buf[12:])
	copy(t.Cc[:], buf[16:])
	return unix.IoctlSetTermios(c.tty.fd, unix.TCSETS, t)
}

type ttyError string

func (e ttyError) Error() string { return string(e) }

const (
	errNotATTY      = ttyError("devfs: fd is not a terminal")
	errShortTermios = ttyError("devfs: termios buffer too short")
)

// ioctlTIOCGWINSZ is the Linux ioctl(2) request number for querying
// terminal size, the one guest ioctl Console_t.Ioctl answers directly
// (TCGETS/TCSETS need a guest buffer; see TermiosBytes/SetTermiosBytes).
const ioctlTIOCGWINSZ = 0x5413
