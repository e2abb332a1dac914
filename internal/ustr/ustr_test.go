package ustr

import "testing"

func TestIsdotIsdotdot(t *testing.T) {
	if !Ustr(".").Isdot() {
		t.Fatal(`"." should be Isdot`)
	}
	if Ustr("..").Isdot() {
		t.Fatal(`".." should not be Isdot`)
	}
	if !Ustr("..").Isdotdot() {
		t.Fatal(`".." should be Isdotdot`)
	}
	if Ustr("a").Isdotdot() {
		t.Fatal(`"a" should not be Isdotdot`)
	}
}

func TestEq(t *testing.T) {
	if !Ustr("abc").Eq(Ustr("abc")) {
		t.Fatal("equal strings should compare Eq")
	}
	if Ustr("abc").Eq(Ustr("abd")) {
		t.Fatal("different strings shouldn't compare Eq")
	}
	if Ustr("abc").Eq(Ustr("ab")) {
		t.Fatal("different lengths shouldn't compare Eq")
	}
}

func TestMkUstrSliceTruncatesAtNUL(t *testing.T) {
	buf := []uint8{'h', 'i', 0, 'x', 'x'}
	got := MkUstrSlice(buf)
	if got.String() != "hi" {
		t.Fatalf("got %q, want %q", got.String(), "hi")
	}
}

func TestMkUstrSliceNoNUL(t *testing.T) {
	buf := []uint8{'h', 'i'}
	got := MkUstrSlice(buf)
	if got.String() != "hi" {
		t.Fatalf("got %q, want %q", got.String(), "hi")
	}
}

func TestExtend(t *testing.T) {
	us := Ustr("/a")
	got := us.Extend(Ustr("b"))
	if got.String() != "/a/b" {
		t.Fatalf("got %q, want %q", got.String(), "/a/b")
	}
	// original must be unmodified
	if us.String() != "/a" {
		t.Fatalf("Extend mutated its receiver: got %q", us.String())
	}
}

func TestExtendStr(t *testing.T) {
	got := Ustr("/a").ExtendStr("b")
	if got.String() != "/a/b" {
		t.Fatalf("got %q, want %q", got.String(), "/a/b")
	}
}

func TestIsAbsolute(t *testing.T) {
	if !Ustr("/a").IsAbsolute() {
		t.Fatal(`"/a" should be absolute`)
	}
	if Ustr("a").IsAbsolute() {
		t.Fatal(`"a" should not be absolute`)
	}
	if Ustr("").IsAbsolute() {
		t.Fatal(`"" should not be absolute`)
	}
}

func TestIndexByte(t *testing.T) {
	if i := Ustr("a/b").IndexByte('/'); i != 1 {
		t.Fatalf("got %d, want 1", i)
	}
	if i := Ustr("abc").IndexByte('/'); i != -1 {
		t.Fatalf("got %d, want -1", i)
	}
}

func TestSplit(t *testing.T) {
	parts := Ustr("/a/b//c/").Split()
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3: %v", len(parts), parts)
	}
	want := []string{"a", "b", "c"}
	for i, p := range parts {
		if p.String() != want[i] {
			t.Fatalf("part %d: got %q, want %q", i, p.String(), want[i])
		}
	}
}

func TestMkConstructors(t *testing.T) {
	if MkUstr().String() != "" {
		t.Fatal("MkUstr should be empty")
	}
	if MkUstrDot().String() != "." {
		t.Fatal("MkUstrDot should be .")
	}
	if MkUstrRoot().String() != "/" {
		t.Fatal("MkUstrRoot should be /")
	}
	if !DotDot.Isdotdot() {
		t.Fatal("DotDot should satisfy Isdotdot")
	}
}
