package res

import (
	"testing"

	"rv39/internal/bounds"
)

func TestResaddNoblockReservesAndResdoneReleases(t *testing.T) {
	before, _ := Stats()
	if !Resadd_noblock(bounds.B_VFS_READAT) {
		t.Fatal("Resadd_noblock: expected success while under budget")
	}
	mid, _ := Stats()
	if mid != before+1 {
		t.Fatalf("outstanding after reserve: got %d, want %d", mid, before+1)
	}
	Resdone()
	after, _ := Stats()
	if after != before {
		t.Fatalf("outstanding after Resdone: got %d, want back to %d", after, before)
	}
}
