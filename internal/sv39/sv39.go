// Package sv39 implements the page-table engine (§4.B): a 3-level sv39
// radix tree over 9/9/9 index bits plus a 12-bit page offset, with the
// walk/map/unmap/protect/clone_for_fork/satp operations spec.md names.
//
// It plays the role biscuit's mem.Pmap_t + vm's pmap_walk/_page_insert
// code plays for x86-64's 4-level tables, generalized to sv39's 3 levels
// and to the A/D-bit software-emulation path spec.md §4.B and the StorePageFault
// open question in §9 require.
package sv39

import (
	"rv39/internal/mem"
)

// Page-table-entry flag bits. V/R/W/X/U/G/A/D occupy their standard sv39
// positions (bits 0-7). Bit 8 is the spec's repurposed "N" (do-not-clone)
// flag. Real sv39 hardware only reserves bits 8-9 for software (RSW); this
// simulator is not constrained by silicon, so the COW bookkeeping bits
// live in the otherwise-reserved range above the PPN field (bits 54-55)
// rather than stealing from N's bit — see DESIGN.md for the rationale.
const (
	PTE_V Pte_t = 1 << 0
	PTE_R Pte_t = 1 << 1
	PTE_W Pte_t = 1 << 2
	PTE_X Pte_t = 1 << 3
	PTE_U Pte_t = 1 << 4
	PTE_G Pte_t = 1 << 5
	PTE_A Pte_t = 1 << 6
	PTE_D Pte_t = 1 << 7
	PTE_N Pte_t = 1 << 8

	PTE_COW     Pte_t = 1 << 54
	PTE_WASCOW  Pte_t = 1 << 55

	ppnShift     = 10
	ppnBits      = 44
	ppnMask      = Pte_t(1<<ppnBits-1) << ppnShift
)

// Pte_t is a raw sv39 page-table entry.
type Pte_t uint64

func (pte Pte_t) Valid() bool     { return pte&PTE_V != 0 }
func (pte Pte_t) Leaf() bool      { return pte&(PTE_R|PTE_W|PTE_X) != 0 }
func (pte Pte_t) Perm() Pte_t     { return pte & (PTE_R | PTE_W | PTE_X | PTE_U) }
func (pte Pte_t) PPN() mem.Pa_t   { return mem.Pa_t((pte & ppnMask) >> ppnShift << mem.PGSHIFT) }

func leafPTE(pa mem.Pa_t, flags Pte_t) Pte_t {
	return Pte_t(pa>>mem.PGSHIFT)<<ppnShift | flags | PTE_V
}

const (
	vpnBits  = 9
	vpnMask  = (1 << vpnBits) - 1
	levels   = 3
)

func vpn(va uintptr, level int) int {
	shift := uint(mem.PGSHIFT + vpnBits*level)
	return int((va >> shift) & vpnMask)
}

// PageTable_t owns one sv39 root table and the frame allocator backing it.
type PageTable_t struct {
	phys *mem.Physmem_t
	Root mem.Pa_t
	asid uint16
}

// New allocates a fresh, empty page table rooted in a freshly zeroed
// frame.
func New(phys *mem.Physmem_t, asid uint16) (*PageTable_t, bool) {
	root, ok := phys.Alloc()
	if !ok {
		return nil, false
	}
	return &PageTable_t{phys: phys, Root: root, asid: asid}, true
}

func (pt *PageTable_t) page(pa mem.Pa_t) *mem.Pg_t {
	b := pt.phys.Dmap(pa)
	return (*mem.Pg_t)(bytesAsWords(b))
}

// bytesAsWords reinterprets a page-sized byte array as 512 little-endian
// words without unsafe pointer games, by aliasing through a local type —
// Go's spec allows conversion between identically-sized array pointer
// types of different element kinds only via unsafe, so we do the minimal
// unsafe cast here, exactly as the teacher's Pg2bytes/Bytepg2pg helpers do
// for mem.Pg_t/mem.Bytepg_t.
func bytesAsWords(b *mem.Bytepg_t) *mem.Pg_t {
	return (*mem.Pg_t)(ptrCast(b))
}

// walk finds (creating intermediate tables if alloc is true) the leaf PTE
// slot for va, returning its address or nil if it doesn't exist and
// alloc is false.
func (pt *PageTable_t) walk(va uintptr, alloc bool) *Pte_t {
	tablePA := pt.Root
	for level := levels - 1; level > 0; level-- {
		tbl := pt.page(tablePA)
		idx := vpn(va, level)
		pte := Pte_t(tbl[idx])
		if !pte.Valid() {
			if !alloc {
				return nil
			}
			childPA, ok := pt.phys.Alloc()
			if !ok {
				return nil
			}
			pte = leafPTE(childPA, PTE_V)
			tbl[idx] = uint64(pte)
		} else if pte.Leaf() {
			panic("sv39: superpage in path, unsupported")
		}
		tablePA = pte.PPN()
	}
	tbl := pt.page(tablePA)
	idx := vpn(va, 0)
	return (*Pte_t)(ptrCastWord(&tbl[idx]))
}

// Map installs a leaf mapping va -> pa with the given permission flags
// (R/W/X/U/G/N, not A/D/COW which the fault path manages).
func (pt *PageTable_t) Map(va uintptr, pa mem.Pa_t, flags Pte_t) bool {
	pte := pt.walk(va, true)
	if pte == nil {
		return false
	}
	*pte = leafPTE(pa, flags)
	return true
}

// Unmap clears the leaf mapping at va and returns the physical frame that
// was mapped there (0, false if nothing was mapped).
func (pt *PageTable_t) Unmap(va uintptr) (mem.Pa_t, bool) {
	pte := pt.walk(va, false)
	if pte == nil || !pte.Valid() {
		return 0, false
	}
	pa := pte.PPN()
	*pte = 0
	return pa, true
}

// Protect changes the R/W/X/U permission bits of an existing mapping.
func (pt *PageTable_t) Protect(va uintptr, flags Pte_t) bool {
	pte := pt.walk(va, false)
	if pte == nil || !pte.Valid() {
		return false
	}
	perm := flags & (PTE_R | PTE_W | PTE_X | PTE_U)
	*pte = (*pte &^ (PTE_R | PTE_W | PTE_X | PTE_U)) | perm
	return true
}

// Translate resolves va to its mapped frame and permission bits.
func (pt *PageTable_t) Translate(va uintptr) (mem.Pa_t, Pte_t, bool) {
	pte := pt.walk(va, false)
	if pte == nil || !pte.Valid() {
		return 0, 0, false
	}
	return pte.PPN(), pte.Perm(), true
}

// PTEFor returns the raw PTE pointer for va, creating intermediate tables
// if needed; used by the fault path (§4.C) to install a leaf in place.
func (pt *PageTable_t) PTEFor(va uintptr) *Pte_t {
	return pt.walk(va, true)
}

// MarkAccessed sets the A bit — used by the trap handler's software path
// when sv-ADU hardware support is absent (§4.B, §9 open question).
func (pt *PageTable_t) MarkAccessed(va uintptr) {
	if pte := pt.walk(va, false); pte != nil && pte.Valid() {
		*pte |= PTE_A
	}
}

// MarkDirty sets both A and D — the §9 open question resolves the
// "StorePageFault calls svadu_mark_page_dirty twice" ambiguity by always
// setting A together with D, since a store implies a prior access.
func (pt *PageTable_t) MarkDirty(va uintptr) {
	if pte := pt.walk(va, false); pte != nil && pte.Valid() {
		*pte |= PTE_A | PTE_D
	}
}

// TryMarkAccessed sets the A bit if va is mapped, reporting whether it
// was. Used by the trap handler's software-managed-bits path to decide
// whether a fault was merely a missing A bit (handled here) or a real
// fault requiring the page-fault resolver.
func (pt *PageTable_t) TryMarkAccessed(va uintptr) bool {
	pte := pt.walk(va, false)
	if pte == nil || !pte.Valid() {
		return false
	}
	*pte |= PTE_A
	return true
}

// TryMarkDirty is TryMarkAccessed's write-fault counterpart: it also
// requires the mapping be writable, since a store through a read-only
// (including CoW) PTE is a real fault, not a missing-dirty-bit trap.
func (pt *PageTable_t) TryMarkDirty(va uintptr) bool {
	pte := pt.walk(va, false)
	if pte == nil || !pte.Valid() || pte.Perm()&PTE_W == 0 {
		return false
	}
	*pte |= PTE_A | PTE_D
	return true
}

// Satp encodes the SATP CSR value for this table: mode=8 (sv39) | asid |
// root PPN.
func (pt *PageTable_t) Satp() uint64 {
	const modeSv39 = uint64(8) << 60
	ppn := uint64(pt.Root) >> mem.PGSHIFT
	return modeSv39 | uint64(pt.asid)<<44 | ppn
}

// Walk4Clone walks every valid leaf PTE in the table, invoking f with the
// virtual address and a pointer to the entry — used by CloneForFork and
// by Uvmfree-style teardown. Traversal order is VA order (area-order then
// PTE-order per spec.md §4.C), giving deterministic fork behavior.
func (pt *PageTable_t) Walk4Clone(lo, hi uintptr, f func(va uintptr, pte *Pte_t)) {
	for va := lo; va < hi; va += mem.PGSIZE {
		if pte := pt.walk(va, false); pte != nil && pte.Valid() {
			f(va, pte)
		}
	}
}

// CloneForFork produces a CoW clone of [lo,hi): every writable user leaf
// is copied into the new table with W cleared in both tables and COW set;
// leaves carrying N are shared by reference without CoW (the trampoline
// and any device mapping). Frame refcounts are bumped for every page that
// ends up shared.
func (pt *PageTable_t) CloneForFork(lo, hi uintptr) (*PageTable_t, bool) {
	child, ok := New(pt.phys, pt.asid)
	if !ok {
		return nil, false
	}
	ok = true
	pt.Walk4Clone(lo, hi, func(va uintptr, pte *Pte_t) {
		if !ok {
			return
		}
		if *pte&PTE_N != 0 {
			pt.phys.Refup(pte.PPN())
			if !child.Map(va, pte.PPN(), pte.Perm()|PTE_N) {
				pt.phys.Refdown(pte.PPN())
				ok = false
			}
			return
		}
		flags := pte.Perm()
		if flags&PTE_W != 0 {
			flags = flags&^PTE_W | PTE_COW
			*pte = (*pte &^ PTE_W) | PTE_COW
		}
		pt.phys.Refup(pte.PPN())
		if !child.Map(va, pte.PPN(), flags) {
			pt.phys.Refdown(pte.PPN())
			ok = false
		}
	})
	if !ok {
		return nil, false
	}
	return child, true
}

// FreeRange unmaps every mapped page in [lo,hi) and drops one reference
// to its frame (freeing it at zero), used when tearing down an address
// space (Uvmfree) or unmapping a range. Intermediate table pages are not
// freed, even when they no longer hold any valid entry.
func (pt *PageTable_t) FreeRange(lo, hi uintptr) {
	for va := lo; va < hi; va += mem.PGSIZE {
		if pa, ok := pt.Unmap(va); ok {
			pt.phys.Refdown(pa)
		}
	}
}
