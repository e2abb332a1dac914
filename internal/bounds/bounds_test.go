package bounds

import "testing"

func TestEveryNamedBoundHasADistinctNonDefaultString(t *testing.T) {
	all := []Bound_t{
		B_ASPACE_T_K2USER_INNER, B_ASPACE_T_USER2K_INNER, B_USERBUF_T__TX,
		B_USERIOVEC_T_IOV_INIT, B_USERIOVEC_T__TX, B_VFS_READAT, B_VFS_WRITEAT,
	}
	seen := map[string]bool{}
	for _, b := range all {
		s := b.String()
		if s == "bound(?)" {
			t.Fatalf("Bound_t(%d).String(): got the unknown-value fallback, want a name", b)
		}
		if seen[s] {
			t.Fatalf("duplicate String() value %q", s)
		}
		seen[s] = true
	}
}

func TestUnknownBoundFallsBackToPlaceholder(t *testing.T) {
	if got := Bound_t(999).String(); got != "bound(?)" {
		t.Fatalf("out-of-range Bound_t: got %q, want \"bound(?)\"", got)
	}
}
