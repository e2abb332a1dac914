// Package ustr is an immutable byte-slice path/string type used wherever
// the kernel handles user-supplied names, adapted from biscuit's ustr
// package (which exists to avoid the allocation and bounds-check overhead
// of repeatedly converting between []byte and string on hot VFS paths).
package ustr

// Ustr is a path or name as handled internally by the VFS and task layers.
type Ustr []uint8

// Isdot reports whether the string equals ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether the string equals "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq compares two Ustr values byte for byte.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// MkUstr returns an empty Ustr.
func MkUstr() Ustr { return Ustr{} }

// MkUstrDot returns a Ustr for ".".
func MkUstrDot() Ustr { return Ustr(".") }

// MkUstrRoot returns a Ustr for "/".
func MkUstrRoot() Ustr { return Ustr("/") }

// DotDot is a reusable Ustr for "..".
var DotDot = Ustr{'.', '.'}

// MkUstrSlice truncates buf at its first NUL byte.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

// Extend appends '/' and p, returning a new Ustr.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us))
	copy(tmp, us)
	r := append(tmp, '/')
	return append(r, p...)
}

// ExtendStr is Extend for a plain Go string component.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// IndexByte returns the index of b, or -1 if not present.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// Split breaks the path into its '/'-separated, non-empty components.
func (us Ustr) Split() []Ustr {
	var parts []Ustr
	start := 0
	for i := 0; i <= len(us); i++ {
		if i == len(us) || us[i] == '/' {
			if i > start {
				parts = append(parts, us[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}
