// Package mem implements the physical frame allocator (§4.A): a
// contiguous arena of 4 KiB frames handed out by PPN, reference counted
// so page tables and CoW-shared user pages can share a frame safely.
//
// On real hardware this would be backed by whatever physical DRAM the
// firmware reports; here it is backed by a host-allocated arena, the same
// relationship biscuit's Physmem_t has to the RAM it was handed by the
// bootloader — callers never see the difference because everything is
// addressed by Pa_t (a frame-aligned "physical address") and accessed
// through Dmap, never directly.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of one physical frame in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the in-page offset bits of an address.
const PGOFFSET = Pa_t(PGSIZE - 1)

// PGMASK masks the frame-number bits of an address.
const PGMASK = ^PGOFFSET

// Pa_t is a physical address: always frame-aligned when naming a frame,
// otherwise byte-precise.
type Pa_t uintptr

// Bytepg_t is one page viewed as raw bytes.
type Bytepg_t [PGSIZE]uint8

// Pg_t is one page viewed as 512 64-bit words — the natural shape of an
// sv39 page-table page (512 PTEs of 8 bytes each).
type Pg_t [PGSIZE / 8]uint64

func pgn(p Pa_t) uint32 { return uint32(p >> PGSHIFT) }

// physpg_t is the per-frame bookkeeping record.
type physpg_t struct {
	refcnt int32
	nexti  uint32 // next free frame's index, or freeEnd
}

const freeEnd = ^uint32(0)

// Physmem_t is the frame allocator and direct-map provider. The zero value
// is not usable; construct via Phys_init.
type Physmem_t struct {
	mu      sync.Mutex
	pages   []Bytepg_t // the simulated physical arena, one entry per frame
	meta    []physpg_t
	startPg Pa_t // Pa_t of frame 0
	freei   uint32
	freelen int32
	initOK  bool
}

// Physmem is the global frame allocator, matching biscuit's global
// Physmem_t instance; the kernel has exactly one physical address space.
var Physmem = &Physmem_t{}

// Zeropg is a frame-sized slice of zero bytes shared by every demand-zero
// mapping until the first write (§4.C AnonymousArea).
var Zeropg = &Bytepg_t{}

// P_zeropg is a sentinel Pa_t meaning "the shared zero page", never handed
// out by Alloc; callers must special-case it (same convention as biscuit).
const P_zeropg = Pa_t(0)

// Phys_init reserves nframes frames of simulated physical memory starting
// at base and returns the allocator. base must be nonzero so P_zeropg
// stays a distinguishable sentinel.
func Phys_init(base Pa_t, nframes int) *Physmem_t {
	if base == 0 {
		panic("physical base must be nonzero; 0 is reserved for the zero page")
	}
	phys := Physmem
	phys.pages = make([]Bytepg_t, nframes)
	phys.meta = make([]physpg_t, nframes)
	phys.startPg = base
	for i := 0; i < nframes; i++ {
		phys.meta[i].refcnt = 0
		if i == nframes-1 {
			phys.meta[i].nexti = freeEnd
		} else {
			phys.meta[i].nexti = uint32(i + 1)
		}
	}
	phys.freei = 0
	phys.freelen = int32(nframes)
	phys.initOK = true
	fmt.Printf("mem: reserved %d frames (%d MiB)\n", nframes, nframes*PGSIZE>>20)
	return phys
}

func (phys *Physmem_t) idx(p Pa_t) uint32 {
	if p < phys.startPg {
		panic("address below arena base")
	}
	return pgn(p) - pgn(phys.startPg)
}

// Refaddr returns the refcount pointer for the frame containing p, along
// with its arena index — used by CoW fault handling to test for a unique
// owner without a full Refcnt call.
func (phys *Physmem_t) Refaddr(p Pa_t) (*int32, uint32) {
	i := phys.idx(p)
	return &phys.meta[i].refcnt, i
}

// Refcnt returns the current reference count of the frame containing p.
func (phys *Physmem_t) Refcnt(p Pa_t) int {
	ref, _ := phys.Refaddr(p)
	return int(atomic.LoadInt32(ref))
}

// Refup increments the frame's reference count.
func (phys *Physmem_t) Refup(p Pa_t) {
	if p == P_zeropg {
		return
	}
	ref, _ := phys.Refaddr(p)
	if atomic.AddInt32(ref, 1) <= 0 {
		panic("refup on unreferenced frame")
	}
}

// Refdown decrements the frame's reference count, freeing it and
// returning true if it reached zero.
func (phys *Physmem_t) Refdown(p Pa_t) bool {
	if p == P_zeropg {
		return false
	}
	ref, idx := phys.Refaddr(p)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("refcount underflow")
	}
	if c == 0 {
		phys.free(idx)
		return true
	}
	return false
}

func (phys *Physmem_t) free(idx uint32) {
	phys.mu.Lock()
	phys.meta[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
	phys.mu.Unlock()
}

// Alloc hands out a fresh, zeroed frame with refcount 1. It returns false
// (ENOMEM to the caller) if the arena is exhausted.
func (phys *Physmem_t) Alloc() (Pa_t, bool) {
	p, ok := phys.allocRaw()
	if !ok {
		return 0, false
	}
	b := phys.Dmap(p)
	*b = Bytepg_t{}
	return p, true
}

// AllocNoZero is Alloc without the zeroing, for callers that immediately
// overwrite the whole frame (CoW copy source, disk read target).
func (phys *Physmem_t) AllocNoZero() (Pa_t, bool) {
	return phys.allocRaw()
}

func (phys *Physmem_t) allocRaw() (Pa_t, bool) {
	phys.mu.Lock()
	if phys.freelen == 0 {
		phys.mu.Unlock()
		return 0, false
	}
	idx := phys.freei
	phys.freei = phys.meta[idx].nexti
	phys.freelen--
	phys.meta[idx].refcnt = 1
	phys.mu.Unlock()
	return phys.startPg + Pa_t(idx)<<PGSHIFT, true
}

// AllocContiguous hands out n contiguous frames, for DMA buffers and MMIO
// remap (§4.A). It is O(n * arena) and meant for rare, small requests.
func (phys *Physmem_t) AllocContiguous(n int) (Pa_t, bool) {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	free := make(map[uint32]bool)
	for i := phys.freei; i != freeEnd; i = phys.meta[i].nexti {
		free[i] = true
	}
	for start := uint32(0); int(start)+n <= len(phys.pages); start++ {
		ok := true
		for i := uint32(0); i < uint32(n); i++ {
			if !free[start+i] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		// Stitch the run out of the free list.
		taken := make(map[uint32]bool, n)
		for i := uint32(0); i < uint32(n); i++ {
			taken[start+i] = true
			phys.meta[start+i].refcnt = 1
		}
		var newHead uint32 = freeEnd
		var tail *uint32 = &newHead
		for i := phys.freei; i != freeEnd; i = phys.meta[i].nexti {
			if taken[i] {
				continue
			}
			*tail = i
			tail = &phys.meta[i].nexti
		}
		*tail = freeEnd
		phys.freei = newHead
		phys.freelen -= int32(n)
		return phys.startPg + Pa_t(start)<<PGSHIFT, true
	}
	return 0, false
}

// Dmap returns the direct-mapped view of the frame containing p (the
// arena slot itself, since there is no real MMU between this code and the
// backing store).
func (phys *Physmem_t) Dmap(p Pa_t) *Bytepg_t {
	if p == P_zeropg {
		return Zeropg
	}
	return &phys.pages[phys.idx(p)]
}

// Pgcount reports free and in-use frame counts, backing the /dev/stat
// device and internal/metrics.
func (phys *Physmem_t) Pgcount() (free, inuse int) {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return int(phys.freelen), len(phys.pages) - int(phys.freelen)
}

// Total returns the arena's total frame count.
func (phys *Physmem_t) Total() int {
	return len(phys.pages)
}
