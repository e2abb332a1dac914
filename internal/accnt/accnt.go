// Package accnt accumulates per-task CPU accounting, adapted from
// biscuit's accnt package. Userns/Sysns are nanoseconds of user/kernel
// time; Io_time and Sleep_time back them out of system time so that a
// task blocked in I/O or asleep isn't charged for it.
package accnt

import (
	"sync/atomic"
	"time"
)

// Accnt_t holds one task's accumulated time.
type Accnt_t struct {
	Userns int64
	Sysns  int64
}

// Utadd adds delta nanoseconds of user time.
func (a *Accnt_t) Utadd(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds of system time.
func (a *Accnt_t) Systadd(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current monotonic-ish timestamp used for accounting
// deltas; callers only ever subtract two calls to this, never compare it
// to wall-clock time.
func (a *Accnt_t) Now() time.Time {
	return time.Now()
}

// Io_time removes time spent waiting for I/O, started at since, from the
// system-time counter.
func (a *Accnt_t) Io_time(since time.Time) {
	a.Systadd(-time.Since(since))
}

// Sleep_time removes time spent asleep, started at since, from the
// system-time counter.
func (a *Accnt_t) Sleep_time(since time.Time) {
	a.Systadd(-time.Since(since))
}

// Snapshot returns a consistent (Userns, Sysns) pair for /proc-style or
// wait4 rusage reporting.
func (a *Accnt_t) Snapshot() (userns, sysns int64) {
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}
