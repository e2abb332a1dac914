package vm

import (
	"sync"

	"rv39/internal/bounds"
	"rv39/internal/defs"
	"rv39/internal/mem"
	"rv39/internal/res"
	"rv39/internal/sv39"
	"rv39/internal/swap"
)

// AccessType_t classifies the fault that triggered a page-fault resolve.
type AccessType_t int

const (
	AccessRead AccessType_t = iota
	AccessWrite
	AccessExec
)

// AddrSpace_t is one process's address space (§3): one sv39 PageTable_t
// plus the ordered region set, protected by a single mutex as spec.md
// §5 specifies ("single per-AS lock for area-list mutation").
type AddrSpace_t struct {
	mu     sync.Mutex
	PT     *sv39.PageTable_t
	Region Vmregion_t
	phys   *mem.Physmem_t

	BrkArea *Vminfo_t // nil until UserBrk is installed by Exec

	Pid     defs.Pid_t // set by SetPid once the owning PCB exists
	reclaim *swap.LRU_t
}

// New creates an empty address space with a fresh page table.
func New(phys *mem.Physmem_t, asid uint16) (*AddrSpace_t, bool) {
	pt, ok := sv39.New(phys, asid)
	if !ok {
		return nil, false
	}
	return &AddrSpace_t{PT: pt, phys: phys, reclaim: swap.New(nil)}, true
}

func (as *AddrSpace_t) Lock()   { as.mu.Lock() }
func (as *AddrSpace_t) Unlock() { as.mu.Unlock() }

// SetPid records the owning process so reclaimable pages can be keyed by
// (pid, vpn); NewPCB calls this once the PCB exists.
func (as *AddrSpace_t) SetPid(pid defs.Pid_t) { as.Pid = pid }

// Reclaimable reports how many of this address space's pages are currently
// tracked as evictable (§4.D); it never counts guard pages or unmapped area.
func (as *AddrSpace_t) Reclaimable() int { return as.reclaim.Len() }

// MapAnon installs a private (or shared, for VSANON) anonymous area.
func (as *AddrSpace_t) MapAnon(start, length uintptr, perms sv39.Pte_t, shared bool) defs.Err_t {
	mt := VANON
	if shared {
		mt = VSANON
	}
	vi := &Vminfo_t{Mtype: mt, Start: start, Len: length, Perms: perms}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.Region.Insert(vi)
}

// MapFile installs a file-backed area of length bytes starting at foff in
// the file reached via fops.
func (as *AddrSpace_t) MapFile(start, length uintptr, perms sv39.Pte_t, fops interface {
	ReadAt(off int, dst []byte) (int, defs.Err_t)
}, foff, filesz int, shared bool) defs.Err_t {
	vi := &Vminfo_t{
		Mtype: VFILE, Start: start, Len: length, Perms: perms,
		file: fileBacking{foff: foff, filesz: filesz, shared: shared},
	}
	vi.file.readAt = fops.ReadAt
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.Region.Insert(vi)
}

// Pgfault resolves a page fault at fa for the given access type, following
// the five steps of spec.md §4.C.
func (as *AddrSpace_t) Pgfault(fa uintptr, acc AccessType_t) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	vi, ok := as.Region.Lookup(fa)
	if !ok {
		return -defs.EFAULT
	}
	return as.resolve(vi, fa, acc)
}

func (as *AddrSpace_t) resolve(vi *Vminfo_t, fa uintptr, acc AccessType_t) defs.Err_t {
	if vi.Perms == 0 {
		return -defs.EFAULT // guard page
	}
	want := sv39.PTE_R
	switch acc {
	case AccessWrite:
		want = sv39.PTE_W
	case AccessExec:
		want = sv39.PTE_X
	}
	if want == sv39.PTE_W && vi.Perms&sv39.PTE_W == 0 {
		return -defs.EFAULT
	}

	pte := as.PT.PTEFor(fa)
	if pte == nil {
		return -defs.ENOMEM
	}

	if pte.Valid() {
		iscow := *pte&sv39.PTE_COW != 0
		if acc == AccessWrite && iscow {
			return as.resolveCOW(vi, fa, pte)
		}
		// already resolved by a racing fault
		return 0
	}

	switch vi.Mtype {
	case VANON, VSANON:
		return as.installZero(vi, fa, pte)
	case VSTACK:
		if fa < vi.Start || fa < vi.End()-vi.GrowLimit {
			return -defs.EFAULT
		}
		return as.installZero(vi, fa, pte)
	case VBRK:
		return as.installZero(vi, fa, pte)
	case VFILE:
		return as.installFile(vi, fa, pte)
	default:
		panic("unknown map area type")
	}
}

func (as *AddrSpace_t) installZero(vi *Vminfo_t, fa uintptr, pte *sv39.Pte_t) defs.Err_t {
	pa, ok := as.phys.Alloc()
	if !ok {
		pa, ok = as.reclaimOne()
	}
	if !ok {
		return -defs.ENOMEM
	}
	flags := sv39.PTE_U | sv39.PTE_A
	dirty := vi.Perms&sv39.PTE_W != 0
	if dirty {
		flags |= sv39.PTE_D
	}
	flags |= vi.Perms & (sv39.PTE_R | sv39.PTE_W | sv39.PTE_X)
	if !as.PT.Map(fa, pa, flags) {
		as.phys.Refdown(pa)
		return -defs.ENOMEM
	}
	as.reclaim.Insert(swap.Key_t{Pid: as.Pid, VPN: fa}, pa, dirty)
	return 0
}

// reclaimOne evicts this address space's own least-recently-used page to
// free one frame, for when the allocator is out of memory (§4.D). There is
// no backing store (spec.md §1 non-goal), so a dirty victim's contents are
// simply dropped.
func (as *AddrSpace_t) reclaimOne() (mem.Pa_t, bool) {
	victims := as.reclaim.Evict(1)
	if len(victims) == 0 {
		return 0, false
	}
	pa, ok := as.PT.Unmap(victims[0].VPN)
	if !ok {
		return 0, false
	}
	as.phys.Refdown(pa)
	return as.phys.Alloc()
}

func (as *AddrSpace_t) installFile(vi *Vminfo_t, fa uintptr, pte *sv39.Pte_t) defs.Err_t {
	pa, ok := as.phys.Alloc()
	if !ok {
		pa, ok = as.reclaimOne()
	}
	if !ok {
		return -defs.ENOMEM
	}
	pageOff := int(fa - vi.Start)
	fileOff := vi.file.foff + pageOff
	remaining := vi.file.filesz - pageOff
	buf := as.phys.Dmap(pa)
	if remaining > 0 {
		n := remaining
		if n > mem.PGSIZE {
			n = mem.PGSIZE
		}
		if vi.file.readAt != nil {
			if _, err := vi.file.readAt(fileOff, buf[:n]); err != 0 {
				as.phys.Refdown(pa)
				return err
			}
		}
		// bytes beyond filesz within this page stay zero (already are,
		// since Alloc zeroes).
	}
	flags := sv39.PTE_U | sv39.PTE_A
	perm := vi.Perms & (sv39.PTE_R | sv39.PTE_W | sv39.PTE_X)
	if perm&sv39.PTE_W != 0 && !vi.file.shared {
		// private writable file mapping: install read-only + COW so the
		// first write copies, per spec.md §4.C step 4.
		flags |= perm &^ sv39.PTE_W
		flags |= sv39.PTE_COW
	} else {
		flags |= perm
		if perm&sv39.PTE_W != 0 {
			flags |= sv39.PTE_D
		} else {
			// read-only file-backed leaf (ELF .text/.rodata, or a
			// MAP_SHARED read-only mapping): never written, so it's
			// safe to alias directly into a forked child instead of
			// tearing down CoW bookkeeping for it.
			flags |= sv39.PTE_N
		}
	}
	if !as.PT.Map(fa, pa, flags) {
		as.phys.Refdown(pa)
		return -defs.ENOMEM
	}
	as.reclaim.Insert(swap.Key_t{Pid: as.Pid, VPN: fa}, pa, flags&sv39.PTE_D != 0)
	return 0
}

func (as *AddrSpace_t) resolveCOW(vi *Vminfo_t, fa uintptr, pte *sv39.Pte_t) defs.Err_t {
	oldPA := pte.PPN()
	if as.phys.Refcnt(oldPA) == 1 {
		// sole owner: reclaim in place, no copy needed.
		*pte = (*pte &^ sv39.PTE_COW) | sv39.PTE_W | sv39.PTE_WASCOW
		as.reclaim.Insert(swap.Key_t{Pid: as.Pid, VPN: fa}, oldPA, true)
		return 0
	}
	newPA, ok := as.phys.AllocNoZero()
	if !ok {
		return -defs.ENOMEM
	}
	*as.phys.Dmap(newPA) = *as.phys.Dmap(oldPA)
	flags := pte.Perm() | sv39.PTE_W | sv39.PTE_U | sv39.PTE_A | sv39.PTE_D | sv39.PTE_WASCOW
	*pte = 0
	if !as.PT.Map(fa, newPA, flags) {
		as.phys.Refdown(newPA)
		return -defs.ENOMEM
	}
	as.phys.Refdown(oldPA)
	as.reclaim.Insert(swap.Key_t{Pid: as.Pid, VPN: fa}, newPA, true)
	return 0
}

// userSlice resolves va to the backing byte slice running from va to the
// end of its page, faulting the page in first if necessary. It never
// crosses more than one page; callers loop.
func (as *AddrSpace_t) userSlice(va uintptr, write bool) ([]byte, defs.Err_t) {
	vi, ok := as.Region.Lookup(va)
	if !ok {
		return nil, -defs.EFAULT
	}
	acc := AccessRead
	if write {
		acc = AccessWrite
	}
	pa, perm, ok := as.PT.Translate(va)
	needFault := !ok
	if ok && write && perm&sv39.PTE_W == 0 {
		needFault = true
	}
	if needFault {
		if err := as.resolve(vi, va-va%mem.PGSIZE, acc); err != 0 {
			return nil, err
		}
		pa, _, ok = as.PT.Translate(va)
		if !ok {
			return nil, -defs.EFAULT
		}
	}
	off := va % mem.PGSIZE
	buf := as.phys.Dmap(pa)
	return buf[off:], 0
}

// CopyFromUser copies len(dst) bytes starting at uva into dst, faulting in
// pages as needed, bounded by the heap-growth budget (spec.md §4.C).
func (as *AddrSpace_t) CopyFromUser(dst []byte, uva uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	for len(dst) > 0 {
		if !res.Resadd_noblock(bounds.B_ASPACE_T_USER2K_INNER) {
			return -defs.ENOHEAP
		}
		src, err := as.userSlice(uva, false)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		if n == 0 {
			return -defs.EFAULT
		}
		dst = dst[n:]
		uva += uintptr(n)
	}
	return 0
}

// CopyToUser writes src into user memory starting at uva.
func (as *AddrSpace_t) CopyToUser(uva uintptr, src []byte) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	for len(src) > 0 {
		if !res.Resadd_noblock(bounds.B_ASPACE_T_K2USER_INNER) {
			return -defs.ENOHEAP
		}
		dst, err := as.userSlice(uva, true)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		if n == 0 {
			return -defs.EFAULT
		}
		src = src[n:]
		uva += uintptr(n)
	}
	return 0
}

// CopyStringFromUser reads a NUL-terminated string up to lenmax bytes.
func (as *AddrSpace_t) CopyStringFromUser(uva uintptr, lenmax int) (string, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	var out []byte
	for {
		src, err := as.userSlice(uva, false)
		if err != 0 {
			return "", err
		}
		for i, c := range src {
			if c == 0 {
				out = append(out, src[:i]...)
				return string(out), 0
			}
		}
		out = append(out, src...)
		uva += uintptr(len(src))
		if len(out) >= lenmax {
			return "", -defs.ENAMETOOLONG
		}
	}
}

// Fork clones the address space for fork(2): area metadata is copied and
// the page table is CoW-cloned (spec.md §4.C, §8 invariant 3).
func (as *AddrSpace_t) Fork() (*AddrSpace_t, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	child, ok := New(as.phys, 0)
	if !ok {
		return nil, -defs.ENOMEM
	}
	for _, a := range as.Region.All() {
		na := *a
		child.Region.areas = append(child.Region.areas, &na)
	}
	lo, hi := as.spanBounds()
	pt, ok := as.PT.CloneForFork(lo, hi)
	if !ok {
		return nil, -defs.ENOMEM
	}
	child.PT = pt
	return child, 0
}

func (as *AddrSpace_t) spanBounds() (lo, hi uintptr) {
	areas := as.Region.All()
	if len(areas) == 0 {
		return 0, 0
	}
	lo = areas[0].Start
	hi = areas[0].Start
	for _, a := range areas {
		if a.Start < lo {
			lo = a.Start
		}
		if a.End() > hi {
			hi = a.End()
		}
	}
	return lo, hi
}

// Protect changes the requested permission bits of every area covering
// [start, start+length) and, for each page already faulted in, updates
// its live PTE to match (mprotect(2), §4.B protect(va,perm)). A later
// fault in an untouched page picks up the new permission from the
// area's Perms field via resolve.
func (as *AddrSpace_t) Protect(start, length uintptr, perms sv39.Pte_t) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	for va := start; va < start+length; va += mem.PGSIZE {
		vi, ok := as.Region.Lookup(va)
		if !ok {
			return -defs.EFAULT
		}
		vi.Perms = perms
		as.PT.Protect(va, perms)
	}
	return 0
}

// UnmapRange tears down [start, start+length), freeing frames and
// splitting/removing the affected areas (munmap).
func (as *AddrSpace_t) UnmapRange(start, length uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.reclaimDrop(start, start+length)
	as.PT.FreeRange(start, start+length)
	as.Region.Split(start, start+length)
}

// Uvmfree releases every user mapping and frame in this address space,
// called when the owning PCB's last TCB exits.
func (as *AddrSpace_t) Uvmfree() {
	as.mu.Lock()
	defer as.mu.Unlock()
	lo, hi := as.spanBounds()
	as.reclaimDrop(lo, hi)
	as.PT.FreeRange(lo, hi)
	as.Region.Clear()
}

// reclaimDrop stops tracking every mapped page in [lo, hi) as reclaimable,
// since FreeRange is about to unmap and free them outright.
func (as *AddrSpace_t) reclaimDrop(lo, hi uintptr) {
	as.PT.Walk4Clone(lo, hi, func(va uintptr, pte *sv39.Pte_t) {
		as.reclaim.Remove(swap.Key_t{Pid: as.Pid, VPN: va})
	})
}
