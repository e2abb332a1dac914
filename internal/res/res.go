// Package res throttles unbounded kernel-side work performed on behalf of
// a single syscall (page-fault-driven copy loops, iovec walks). Every
// resource-charging loop reserves one unit before doing work that might
// allocate a fresh physical frame; once the system-wide budget is
// exhausted, callers unwind with ENOHEAP instead of spinning.
package res

import (
	"sync/atomic"

	"rv39/internal/bounds"
)

// budget is the number of outstanding heap-growing operations the kernel
// will allow concurrently across all tasks. It is generous: it exists to
// catch runaway loops, not to rate-limit ordinary I/O.
const budget = 1 << 20

var outstanding int64

// hits counts budget exhaustion events, exposed by internal/metrics.
var hits int64

// Resadd_noblock reserves one unit of the heap-growth budget for the named
// call site. It never blocks: if the budget is exhausted it returns false
// immediately so the caller can report ENOHEAP.
func Resadd_noblock(b bounds.Bound_t) bool {
	if atomic.AddInt64(&outstanding, 1) > budget {
		atomic.AddInt64(&outstanding, -1)
		atomic.AddInt64(&hits, 1)
		return false
	}
	return true
}

// Resdone releases a unit reserved by Resadd_noblock. Callers that charge
// a unit per loop iteration do not need to call this — the budget is a
// high-water mark, not a strict lease — but long-lived reservations
// (e.g. a pinned iovec walk) should release when finished.
func Resdone() {
	atomic.AddInt64(&outstanding, -1)
}

// Stats returns the current outstanding reservation count and the number
// of times a reservation was refused.
func Stats() (outstanding_, hits_ int64) {
	return atomic.LoadInt64(&outstanding), atomic.LoadInt64(&hits)
}
