// Package caller provides call-stack diagnostics used by the trap layer
// when reporting kernel panics and first-occurrence warnings, adapted
// from biscuit's caller package.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Dump formats the call stack starting at the given skip depth, one frame
// per line, for inclusion in a panic/log message.
func Dump(skip int) string {
	var sb []byte
	i := skip
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		line := fmt.Sprintf("%s:%d\n", f, l)
		sb = append(sb, line...)
	}
	return string(sb)
}

// DistinctCaller_t reports whether the current call chain has been seen
// before, so that a noisy code path can log its first occurrence only.
type DistinctCaller_t struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
}

// Len reports how many distinct call chains have been recorded.
func (dc *DistinctCaller_t) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.seen)
}

// Distinct reports whether the caller's stack is new, returning true and a
// formatted trace the first time a given chain is observed.
func (dc *DistinctCaller_t) Distinct() (bool, string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.seen == nil {
		dc.seen = make(map[uintptr]bool)
	}
	pcs := make([]uintptr, 30)
	got := runtime.Callers(3, pcs)
	if got == 0 {
		return false, ""
	}
	pcs = pcs[:got]
	var h uintptr
	for _, pc := range pcs {
		h ^= pc*1103515245 + 12345
	}
	if dc.seen[h] {
		return false, ""
	}
	dc.seen[h] = true
	frames := runtime.CallersFrames(pcs)
	var sb []byte
	for {
		fr, more := frames.Next()
		sb = append(sb, fmt.Sprintf("%s (%s:%d)\n", fr.Function, fr.File, fr.Line)...)
		if !more {
			break
		}
	}
	return true, string(sb)
}
