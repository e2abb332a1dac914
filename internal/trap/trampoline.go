package trap

import (
	"rv39/internal/mem"
	"rv39/internal/sv39"
)

// TrampolineVA is the last page of the address space, per spec.md §6
// ("TRAMPOLINE_BASE = 0 - 4096"), mapped at the same VA in the kernel
// table and every user table so satp can be swapped between the two
// instructions that touch it.
const TrampolineVA = ^uintptr(0) &^ uintptr(mem.PGSIZE-1)

// trampolineFrame is the single physical frame shared by every address
// space's trampoline mapping. It holds no real machine code — there is
// nothing for a hosted simulation to execute there — but it exists as
// a real frame so CloneForFork's N-flag, do-not-clone path has a
// genuine shared mapping to exercise, matching spec.md §3's invariant
// that the trampoline is one of the kernel-shared mappings every
// AddrSpace carries.
var trampolineFrame mem.Pa_t
var trampolineFrameSet bool

// Install maps the shared trampoline frame into pt as R+X, no U, no W,
// carrying the N flag so fork's CoW clone shares it by reference
// instead of copying it (§4.B).
func Install(pt *sv39.PageTable_t, phys *mem.Physmem_t) bool {
	if !trampolineFrameSet {
		pa, ok := phys.AllocNoZero()
		if !ok {
			return false
		}
		trampolineFrame = pa
		trampolineFrameSet = true
	}
	phys.Refup(trampolineFrame)
	if !pt.Map(TrampolineVA, trampolineFrame, sv39.PTE_R|sv39.PTE_X|sv39.PTE_N) {
		phys.Refdown(trampolineFrame)
		return false
	}
	return true
}
