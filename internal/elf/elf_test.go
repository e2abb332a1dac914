package elf

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"rv39/internal/defs"
	"rv39/internal/mem"
	"rv39/internal/vm"
)

const (
	elfclass64  = 2
	elfdata2lsb = 1
	etExec      = 2
	emRISCV     = 243
	emX86_64    = 62
	ptLoad      = 1
	pfR         = 4
	pfX         = 1
)

// buildRISCVELF assembles a minimal well-formed ELF64/RISC-V image: one
// ET_EXEC header, one PT_LOAD program header, and payload bytes at vaddr.
func buildRISCVELF(machine uint16, entry, vaddr uint64, payload []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	ident := make([]byte, 16)
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = elfclass64
	ident[5] = elfdata2lsb
	ident[6] = 1 // EI_VERSION
	buf.Write(ident)

	binary.Write(&buf, le, uint16(etExec))
	binary.Write(&buf, le, machine)
	binary.Write(&buf, le, uint32(1)) // e_version
	binary.Write(&buf, le, entry)
	binary.Write(&buf, le, uint64(64)) // e_phoff, right after this 64-byte header
	binary.Write(&buf, le, uint64(0))  // e_shoff
	binary.Write(&buf, le, uint32(0))  // e_flags
	binary.Write(&buf, le, uint16(64)) // e_ehsize
	binary.Write(&buf, le, uint16(56)) // e_phentsize
	binary.Write(&buf, le, uint16(1))  // e_phnum
	binary.Write(&buf, le, uint16(0))  // e_shentsize
	binary.Write(&buf, le, uint16(0))  // e_shnum
	binary.Write(&buf, le, uint16(0))  // e_shstrndx

	payloadOff := uint64(64 + 56)
	binary.Write(&buf, le, uint32(ptLoad))
	binary.Write(&buf, le, uint32(pfR|pfX))
	binary.Write(&buf, le, payloadOff)
	binary.Write(&buf, le, vaddr)
	binary.Write(&buf, le, vaddr) // p_paddr
	binary.Write(&buf, le, uint64(len(payload)))
	binary.Write(&buf, le, uint64(len(payload)))
	binary.Write(&buf, le, uint64(mem.PGSIZE)) // p_align

	buf.Write(payload)
	return buf.Bytes()
}

type byteOpener []byte

func (b byteOpener) open(path string) (io.ReadCloser, defs.Err_t) {
	return io.NopCloser(bytes.NewReader(b)), 0
}

func newAS(t *testing.T, nframes int) *vm.AddrSpace_t {
	t.Helper()
	phys := mem.Phys_init(mem.PGSIZE, nframes)
	as, ok := vm.New(phys, 0)
	if !ok {
		t.Fatal("vm.New: out of frames")
	}
	return as
}

func TestLoadIntoRejectsGarbage(t *testing.T) {
	as := newAS(t, 32)
	l := &Loader_t{Open: byteOpener([]byte("not an elf")).open}
	if _, _, err := l.LoadInto(as, "/garbage"); err != -defs.ENOEXEC {
		t.Fatalf("LoadInto on garbage: got %v, want -ENOEXEC", err)
	}
}

func TestLoadIntoRejectsWrongMachine(t *testing.T) {
	as := newAS(t, 32)
	img := buildRISCVELF(emX86_64, 0x1000, 0x1000, []byte{1, 2, 3, 4})
	l := &Loader_t{Open: byteOpener(img).open}
	if _, _, err := l.LoadInto(as, "/x86"); err != -defs.ENOEXEC {
		t.Fatalf("LoadInto wrong machine: got %v, want -ENOEXEC", err)
	}
}

func TestLoadIntoMapsSegmentAndReturnsEntryAndStack(t *testing.T) {
	as := newAS(t, 64)
	const vaddr = uint64(0x1000)
	payload := []byte{0x13, 0x00, 0x00, 0x00} // arbitrary 4-byte instruction-shaped payload
	img := buildRISCVELF(emRISCV, vaddr, vaddr, payload)

	l := &Loader_t{Open: byteOpener(img).open}
	entry, sp, err := l.LoadInto(as, "/init")
	if err != 0 {
		t.Fatalf("LoadInto: %v", err)
	}
	if entry != uintptr(vaddr) {
		t.Fatalf("entry: got %#x, want %#x", entry, vaddr)
	}
	if sp != StackTop {
		t.Fatalf("sp: got %#x, want StackTop %#x", sp, StackTop)
	}

	got := make([]byte, len(payload))
	if err := as.CopyFromUser(got, uintptr(vaddr)); err != 0 {
		t.Fatalf("CopyFromUser: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("segment contents: got %v, want %v", got, payload)
	}
}

func TestBoundLoaderDelegatesToLoadInto(t *testing.T) {
	as := newAS(t, 64)
	payload := []byte{0xAA}
	img := buildRISCVELF(emRISCV, 0x2000, 0x2000, payload)
	bl := &BoundLoader_t{L: &Loader_t{Open: byteOpener(img).open}, AS: as}

	entry, _, err := bl.Load("/init")
	if err != 0 {
		t.Fatalf("Load: %v", err)
	}
	if entry != 0x2000 {
		t.Fatalf("entry: got %#x, want 0x2000", entry)
	}
}
