package sv39

import "unsafe"

import "rv39/internal/mem"

// ptrCast reinterprets a page-sized byte array as the word-array shape
// page tables need, following the same pattern as biscuit's
// mem.Pg2bytes/Bytepg2pg helpers: a single, narrowly-scoped unsafe cast
// between two same-size fixed-layout array types, never an arbitrary
// pointer computation.
func ptrCast(b *mem.Bytepg_t) unsafe.Pointer {
	return unsafe.Pointer(b)
}

func ptrCastWord(w *uint64) unsafe.Pointer {
	return unsafe.Pointer(w)
}
