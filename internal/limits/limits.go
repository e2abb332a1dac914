// Package limits tracks system-wide resource ceilings (open inodes,
// pending futex-like joins, cached dirents, block-cache pages) that every
// task shares, adapted from biscuit's limits package. Unlike biscuit's
// single giant process table, this kernel targets a much smaller process
// count, so the defaults below are scaled down accordingly.
package limits

import "sync/atomic"

// Sysatomic_t is an atomically updated, give/take resource counter.
type Sysatomic_t struct {
	v int64
}

// Given increases the limit by n.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(&s.v, int64(n))
}

// Taken attempts to decrement the limit by n, returning false (and
// refunding) if that would make it negative.
func (s *Sysatomic_t) Taken(n uint) bool {
	if atomic.AddInt64(&s.v, -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64(&s.v, int64(n))
	return false
}

// Take is Taken(1).
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give is Given(1).
func (s *Sysatomic_t) Give() { s.Given(1) }

// Value returns the current remaining count.
func (s *Sysatomic_t) Value() int64 { return atomic.LoadInt64(&s.v) }

// Syslimit_t holds every system-wide ceiling.
type Syslimit_t struct {
	Sysprocs int
	Vnodes   int
	Futexes  int
	Pipes    Sysatomic_t
	Mfspgs   Sysatomic_t
	Blocks   int
}

// Syslimit is the process-wide instance consulted by task/vfs code.
var Syslimit = mkSysLimit()

func mkSysLimit() *Syslimit_t {
	sl := &Syslimit_t{
		Sysprocs: 4096,
		Futexes:  1024,
		Vnodes:   20000,
		Blocks:   100000,
	}
	sl.Pipes.Given(1024)
	sl.Mfspgs.Given(1 << 16)
	return sl
}
