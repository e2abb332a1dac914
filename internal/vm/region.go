// Package vm implements the address-space and map-area layer (§4.C): an
// ordered, non-overlapping set of typed virtual regions backed by an
// sv39 page table, with a page-fault resolver that fills pages lazily,
// copy-on-write, or from a file.
//
// It generalizes biscuit's vm.Vm_t/Vmregion_t (a 4-level x86 pmap with an
// unexported region tree keyed the same way) to sv39 and to spec.md's
// richer area taxonomy (ELFArea, FileMapArea, AnonymousArea, UserStack,
// UserBrk).
package vm

import (
	"sort"

	"rv39/internal/defs"
	"rv39/internal/fdops"
	"rv39/internal/mem"
	"rv39/internal/sv39"
)

// Mtype_t enumerates the map-area variants from spec.md §3.
type Mtype_t int

const (
	VANON  Mtype_t = iota // AnonymousArea: zero-filled, private or shared
	VSANON                // AnonymousArea, shared
	VFILE                 // ELFArea or FileMapArea: backed by a file region
	VSTACK                // UserStack: anonymous, grows down, guard page
	VBRK                  // UserBrk: anonymous, grows up via brk/sbrk
)

// fileBacking describes the file region behind a VFILE area.
type fileBacking struct {
	fops     fdops.Fdops_i
	readAt   func(off int, dst []byte) (int, defs.Err_t)
	foff     int // byte offset of area.start within the file
	filesz   int // bytes backed by the file; tail to area end is zero-filled
	shared   bool
	mapcount int
}

// Vminfo_t is one map area: a half-open virtual range, its permissions,
// and variant-specific state.
type Vminfo_t struct {
	Mtype Mtype_t
	Start uintptr // page-aligned
	Len   uintptr // page-aligned
	Perms sv39.Pte_t // R/W/X/U requested; W is cleared at install time for CoW
	file  fileBacking
	// GrowLimit bounds stack growth (VSTACK) or brk growth (VBRK) from
	// Start, in the direction the area grows.
	GrowLimit uintptr
}

func (vi *Vminfo_t) End() uintptr { return vi.Start + vi.Len }

// Contains reports whether va falls within this area.
func (vi *Vminfo_t) Contains(va uintptr) bool {
	return va >= vi.Start && va < vi.End()
}

// Vmregion_t is the sorted, non-overlapping set of Vminfo_t owned by one
// address space (invariant 1 in spec.md §8).
type Vmregion_t struct {
	areas []*Vminfo_t
}

// Lookup finds the area containing va, if any, via binary search on the
// sorted start addresses (spec.md §4.C ordering note).
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	i := sort.Search(len(vr.areas), func(i int) bool {
		return vr.areas[i].Start > va
	})
	if i == 0 {
		return nil, false
	}
	a := vr.areas[i-1]
	if a.Contains(va) {
		return a, true
	}
	return nil, false
}

// Insert adds vi, failing if it overlaps an existing area.
func (vr *Vmregion_t) Insert(vi *Vminfo_t) defs.Err_t {
	i := sort.Search(len(vr.areas), func(i int) bool {
		return vr.areas[i].Start >= vi.Start
	})
	if i > 0 && vr.areas[i-1].End() > vi.Start {
		return -defs.EINVAL
	}
	if i < len(vr.areas) && vi.End() > vr.areas[i].Start {
		return -defs.EINVAL
	}
	vr.areas = append(vr.areas, nil)
	copy(vr.areas[i+1:], vr.areas[i:])
	vr.areas[i] = vi
	return 0
}

// Remove deletes the area that starts exactly at start, if any.
func (vr *Vmregion_t) Remove(start uintptr) {
	for i, a := range vr.areas {
		if a.Start == start {
			vr.areas = append(vr.areas[:i], vr.areas[i+1:]...)
			return
		}
	}
}

// All returns every area, in VA order, for fork/teardown traversal.
func (vr *Vmregion_t) All() []*Vminfo_t {
	return vr.areas
}

// Empty finds an unused [va, va+len) gap at or above startva, for mmap
// with addr==NULL and for UserStack/UserBrk placement.
func (vr *Vmregion_t) Empty(startva, length uintptr) uintptr {
	cand := startva
	for _, a := range vr.areas {
		if cand+length <= a.Start {
			return cand
		}
		if a.End() > cand {
			cand = a.End()
		}
	}
	return cand
}

// Clear removes every area, used by Uvmfree.
func (vr *Vmregion_t) Clear() {
	vr.areas = nil
}

// Split truncates or removes areas overlapping [lo,hi), for unmap_range.
// It only edits the area list and returns nothing; frames are not freed here.
func (vr *Vmregion_t) Split(lo, hi uintptr) {
	var kept []*Vminfo_t
	for _, a := range vr.areas {
		switch {
		case a.End() <= lo || a.Start >= hi:
			kept = append(kept, a)
		case a.Start >= lo && a.End() <= hi:
			// fully covered: drop
		case a.Start < lo && a.End() > hi:
			// split into two remainders
			left := *a
			left.Len = lo - a.Start
			right := *a
			right.Start = hi
			right.Len = a.End() - hi
			kept = append(kept, &left, &right)
		case a.Start < lo:
			left := *a
			left.Len = lo - a.Start
			kept = append(kept, &left)
		default: // a.End() > hi
			right := *a
			right.Start = hi
			right.Len = a.End() - hi
			kept = append(kept, &right)
		}
	}
	vr.areas = kept
}

// PPGSIZE re-exports the frame size for callers that only import vm.
const PPGSIZE = mem.PGSIZE
