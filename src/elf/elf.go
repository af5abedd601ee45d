// Package elf loads a 32-bit i386 ELF executable into a fresh address
// space. It uses the standard library's debug/elf rather than hand
// parsing the ELF header and program headers, the same choice the
// teacher kernel makes in its entry-point loader -- there's no reason
// to reimplement a well-specified binary format parser the standard
// library already gets right.
package elf

import (
	"bytes"
	"debug/elf"
	"io"

	"os1/src/defs"
	"os1/src/fs"
	"os1/src/vm"
)

// Exec loads the ELF executable named by inode in the given
// filesystem into as, mapping and filling every PT_LOAD segment, and
// returns the entry point to jump to. as must be a fresh address space
// with no conflicting user mappings.
func Exec(fsys fs.FileSystem, inode int, as *vm.AddressSpace) (entry uintptr, err defs.Err_t) {
	r, ferr := fsys.OpenRead(inode)
	if ferr != defs.E_NONE {
		return 0, ferr
	}

	data, rerr := io.ReadAll(r)
	if rerr != nil {
		return 0, defs.E_FAULT
	}

	f, perr := elf.NewFile(bytes.NewReader(data))
	if perr != nil {
		return 0, defs.E_INVAL
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 || f.Type != elf.ET_EXEC {
		return 0, defs.E_INVAL
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if loadErr := loadSegment(as, prog, data); loadErr != defs.E_NONE {
			return 0, loadErr
		}
	}

	// Seed the very top page of the 32-bit user address range so the
	// process's initial stack has something mapped before the first
	// push, matching the original loader's "poke 0xFFFFFFF0"
	// bootstrap trick.
	const userTop = 0xFFFFFFF0
	vm.PageFault(as, userTop)

	return uintptr(f.Entry), defs.E_NONE
}

func loadSegment(as *vm.AddressSpace, prog *elf.Prog, file []byte) defs.Err_t {
	vaddr := uintptr(prog.Vaddr)
	filesz := prog.Filesz
	memsz := prog.Memsz
	if filesz > memsz {
		return defs.E_INVAL
	}

	for off := uint64(0); off < memsz; off += defs.PGSIZE {
		page := (vaddr + uintptr(off)) &^ uintptr(defs.PGMASK)
		if _, ok := as.VToP(page, true); !ok {
			vm.PageFault(as, page)
		}
	}

	fileOff := prog.Off
	for off := uint64(0); off < filesz; {
		dst := vaddr + uintptr(off)
		n := int64(filesz - off)
		if max := int64(defs.PGSIZE) - int64(dst&uintptr(defs.PGMASK)); n > max {
			n = max
		}
		buf, uerr := as.Userdmap8(dst, int(n))
		if uerr != defs.E_NONE {
			return uerr
		}
		src := file[fileOff+off : fileOff+off+uint64(n)]
		copy(buf, src)
		off += uint64(n)
	}
	return defs.E_NONE
}
