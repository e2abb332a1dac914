package caller

import (
	"strings"
	"testing"
)

func TestDumpIncludesThisFile(t *testing.T) {
	out := Dump(0)
	if !strings.Contains(out, "caller_test.go") {
		t.Fatalf("Dump: got %q, want a frame from caller_test.go", out)
	}
}

func TestDistinctReportsFirstOccurrenceOnlyOnceWhenEnabled(t *testing.T) {
	dc := &DistinctCaller_t{Enabled: true}

	first, trace := dc.Distinct()
	if !first || trace == "" {
		t.Fatalf("first call: got (%v, %q), want (true, non-empty)", first, trace)
	}

	second, _ := dc.Distinct()
	if second {
		t.Fatal("second call from the same call site: got distinct=true, want false")
	}

	if dc.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", dc.Len())
	}
}

func TestDistinctIsNoopWhenDisabled(t *testing.T) {
	dc := &DistinctCaller_t{}
	got, trace := dc.Distinct()
	if got || trace != "" {
		t.Fatalf("disabled Distinct: got (%v, %q), want (false, \"\")", got, trace)
	}
	if dc.Len() != 0 {
		t.Fatalf("Len on a disabled tracker: got %d, want 0", dc.Len())
	}
}

func differentCallSite(dc *DistinctCaller_t) (bool, string) {
	return dc.Distinct()
}

func TestDistinctTreatsDifferentCallSitesAsDistinct(t *testing.T) {
	dc := &DistinctCaller_t{Enabled: true}
	dc.Distinct()
	ok, _ := differentCallSite(dc)
	if !ok {
		t.Fatal("a call from a different call site: got distinct=false, want true")
	}
}
