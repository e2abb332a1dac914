// Package swap implements the reclaimable-frame LRU (§4.D): a list of
// user pages eligible for eviction under memory pressure, keyed by
// (pid, vpn) as spec.md §3 describes. It plays the same role as
// biscuit's page-eviction bookkeeping, built with container/list the way
// biscuit's fs.BlkList_t is, since both are simple doubly-linked caches.
package swap

import (
	"container/list"
	"sync"

	"rv39/internal/defs"
	"rv39/internal/mem"
)

// Key_t identifies one reclaimable page.
type Key_t struct {
	Pid defs.Pid_t
	VPN uintptr
}

// SwapOut_i is implemented by whoever owns the backing store a dirty page
// is written to before eviction (swap file, or — per spec.md §1's
// non-goal — an in-memory region standing in for real swap).
type SwapOut_i interface {
	SwapOut(key Key_t, dirty bool, pa mem.Pa_t) defs.Err_t
}

type node_t struct {
	key   Key_t
	pa    mem.Pa_t
	dirty bool
}

// LRU_t is the doubly-linked reclaimable-page list.
type LRU_t struct {
	mu      sync.Mutex
	l       *list.List
	index   map[Key_t]*list.Element
	backing SwapOut_i
}

// New constructs an empty LRU backed by the given swap-out target.
func New(backing SwapOut_i) *LRU_t {
	return &LRU_t{l: list.New(), index: make(map[Key_t]*list.Element), backing: backing}
}

// Insert marks a page as reclaimable. Unswappable frames (page-table
// pages, kernel slabs, locked I/O buffers) must never be inserted.
func (lru *LRU_t) Insert(key Key_t, pa mem.Pa_t, dirty bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	if e, ok := lru.index[key]; ok {
		lru.l.MoveToFront(e)
		e.Value.(*node_t).pa = pa
		e.Value.(*node_t).dirty = dirty
		return
	}
	e := lru.l.PushFront(&node_t{key: key, pa: pa, dirty: dirty})
	lru.index[key] = e
}

// Access moves key to the front (most recently used).
func (lru *LRU_t) Access(key Key_t) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	if e, ok := lru.index[key]; ok {
		lru.l.MoveToFront(e)
	}
}

// Remove drops key from the LRU without evicting it (the page was mapped
// writable again, or unmapped outright).
func (lru *LRU_t) Remove(key Key_t) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	if e, ok := lru.index[key]; ok {
		lru.l.Remove(e)
		delete(lru.index, key)
	}
}

// Len reports the number of reclaimable pages currently tracked.
func (lru *LRU_t) Len() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.l.Len()
}

// Evict scans from the tail (least recently used) toward the head until
// it has found max clean pages or run out of pages, then evicts up to max
// of them, clean pages first and the least recently used dirty ones
// after, writing back dirty ones via SwapOut_i. It returns the evicted
// keys so the caller can unmap and free their frames. Called when the
// frame allocator returns ENOMEM (§4.D).
func (lru *LRU_t) Evict(max int) []Key_t {
	lru.mu.Lock()
	var clean, dirty []*list.Element
	for e := lru.l.Back(); e != nil && len(clean) < max; e = e.Prev() {
		if e.Value.(*node_t).dirty {
			dirty = append(dirty, e)
		} else {
			clean = append(clean, e)
		}
	}
	candidates := append(clean, dirty...)
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	var evicted []Key_t
	for _, e := range candidates {
		n := e.Value.(*node_t)
		lru.l.Remove(e)
		delete(lru.index, n.key)
		evicted = append(evicted, n.key)
		if lru.backing != nil {
			lru.backing.SwapOut(n.key, n.dirty, n.pa)
		}
	}
	lru.mu.Unlock()
	return evicted
}
