package defs

import "testing"

func TestMkdevUnmkdevRoundTrip(t *testing.T) {
	for _, maj := range []int{D_CONSOLE, D_RAWDISK, D_PROF} {
		for _, min := range []int{0, 1, 0xff} {
			dev := Mkdev(maj, min)
			gotMaj, gotMin := Unmkdev(dev)
			if gotMaj != maj || gotMin != min {
				t.Fatalf("Mkdev(%d,%d) -> Unmkdev: got (%d,%d)", maj, min, gotMaj, gotMin)
			}
		}
	}
}

func TestMkdevPanicsOnOversizedMinor(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a minor number above 0xff")
		}
	}()
	Mkdev(D_CONSOLE, 0x100)
}

func TestDeviceMajorRangeCoversFirstThroughLast(t *testing.T) {
	if D_FIRST != D_CONSOLE {
		t.Fatalf("D_FIRST: got %d, want D_CONSOLE (%d)", D_FIRST, D_CONSOLE)
	}
	if D_LAST != D_PROF {
		t.Fatalf("D_LAST: got %d, want D_PROF (%d)", D_LAST, D_PROF)
	}
}

func TestErrValuesAreNegatedAtUseSites(t *testing.T) {
	// Err_t constants are stored positive (the errno magnitude); call
	// sites negate them. Guard the zero-is-success convention other
	// packages rely on.
	var ok Err_t
	if ok != 0 {
		t.Fatalf("zero value: got %d, want 0 (success)", ok)
	}
	if -EFAULT == 0 {
		t.Fatal("EFAULT must be nonzero so -EFAULT is distinguishable from success")
	}
}
