// Package elf loads a RISC-V ELF64 executable into a process address
// space (§4.I execve, §4.G "Load a program image"). It parses with the
// standard library's debug/elf rather than a hand-rolled parser: no
// example repo in the retrieval pack carries its own ELF reader (the
// Rust original's elf/def.rs defines only the on-disk struct layout,
// not a loader), and debug/elf already covers program headers, section
// headers, and machine/class validation correctly.
package elf

import (
	"bytes"
	"debug/elf"
	"io"

	"rv39/internal/defs"
	"rv39/internal/mem"
	"rv39/internal/sv39"
	"rv39/internal/vm"
)

// fileReaderAt_t adapts an in-memory copy of the ELF file to the
// ReadAt-shaped source vm.AddrSpace_t.MapFile wants, so PT_LOAD segments
// fault their pages in lazily through installFile (§4.C step 4) instead
// of being materialized up front.
type fileReaderAt_t struct {
	data []byte
}

func (r *fileReaderAt_t) ReadAt(off int, dst []byte) (int, defs.Err_t) {
	if off < 0 || off >= len(r.data) {
		return 0, 0
	}
	return copy(dst, r.data[off:]), 0
}

// StackSize is the fixed user stack size installed below StackTop.
const StackSize = 8 * mem.PGSIZE

// StackTop is the highest user-mappable address below the sv39
// canonical-address hole and the trampoline page (§6).
const StackTop = uintptr(0x0000003f_ffffe000)

// Loader_t resolves a path to file bytes; internal/vfs's Open/Read
// supplies the concrete source, kept behind an interface so this
// package doesn't need to import vfs directly.
type Loader_t struct {
	Phys *mem.Physmem_t
	Open func(path string) (io.ReadCloser, defs.Err_t)
}

// LoadInto reads path, maps its PT_LOAD segments and a fresh stack into
// as, and returns the entry point and initial stack pointer.
// BoundLoader_t.Load wraps it to satisfy task.Loader_i.
func (l *Loader_t) LoadInto(as *vm.AddrSpace_t, path string) (entry, sp uintptr, err defs.Err_t) {
	f, oerr := l.Open(path)
	if oerr != 0 {
		return 0, 0, oerr
	}
	defer f.Close()
	data, rerr := io.ReadAll(f)
	if rerr != nil {
		return 0, 0, -defs.EIO
	}

	ef, perr := elf.NewFile(bytes.NewReader(data))
	if perr != nil {
		return 0, 0, -defs.ENOEXEC
	}
	if ef.Class != elf.ELFCLASS64 || ef.Machine != elf.EM_RISCV {
		return 0, 0, -defs.ENOEXEC
	}

	src := &fileReaderAt_t{data: data}
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := mapSegment(as, prog, src); err != 0 {
			return 0, 0, err
		}
	}

	stackLo := StackTop - StackSize
	if err := as.MapAnon(stackLo, StackSize, sv39.PTE_R|sv39.PTE_W|sv39.PTE_U, false); err != 0 {
		return 0, 0, err
	}

	return uintptr(ef.Entry), StackTop, 0
}

// BoundLoader_t binds a Loader_t to one target address space, giving it
// the Load(path) (entry, sp uintptr, err defs.Err_t) shape
// internal/task.Loader_i expects — satisfied structurally, with no
// import of internal/task needed here.
type BoundLoader_t struct {
	L  *Loader_t
	AS *vm.AddrSpace_t
}

func (b *BoundLoader_t) Load(path string) (uintptr, uintptr, defs.Err_t) {
	return b.L.LoadInto(b.AS, path)
}

// mapSegment installs one PT_LOAD segment as a file-backed area (ELFArea,
// §3) rather than copying its bytes in eagerly: as.MapFile records the
// segment's file offset and on-disk size, and each page is read in by
// installFile the first time it's touched. The padding between the
// page-aligned area start and prog.Vaddr (and the tail past Filesz, up
// to Memsz) is zero-filled by the fault path, not read from the file.
func mapSegment(as *vm.AddrSpace_t, prog *elf.Prog, src *fileReaderAt_t) defs.Err_t {
	lo := uintptr(prog.Vaddr) &^ uintptr(mem.PGSIZE-1)
	hi := (uintptr(prog.Vaddr+prog.Memsz) + mem.PGSIZE - 1) &^ uintptr(mem.PGSIZE-1)
	perms := sv39.PTE_U
	if prog.Flags&elf.PF_R != 0 {
		perms |= sv39.PTE_R
	}
	if prog.Flags&elf.PF_W != 0 {
		perms |= sv39.PTE_W
	}
	if prog.Flags&elf.PF_X != 0 {
		perms |= sv39.PTE_X
	}
	lead := int(uintptr(prog.Vaddr) - lo)
	foff := int(prog.Off) - lead
	filesz := lead + int(prog.Filesz)
	return as.MapFile(lo, hi-lo, perms, src, foff, filesz, false)
}
