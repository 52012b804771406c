// Package loader reads executable images into user address spaces.
//
// Images are 32-bit big-endian MIPS ELF executables. Only PT_LOAD program
// headers matter; section headers are ignored.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"kernsim/pkg/errno"
	"kernsim/pkg/vm"
)

// maxImage bounds the part of a vnode the ELF reader may look at.
const maxImage = 1 << 30

// Load reads the executable in v into as and returns its entry point.
// Regions are defined for every loadable segment and the file contents
// are copied in; the rest of each segment reads as zeros.
func Load(v io.ReaderAt, as *vm.AddrSpace) (uint32, error) {
	f, err := elf.NewFile(io.NewSectionReader(v, 0, maxImage))
	if err != nil {
		var ferr *elf.FormatError
		if errors.As(err, &ferr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("loader: %v: %w", err, errno.ENOEXEC)
		}
		return 0, err
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2MSB ||
		f.Machine != elf.EM_MIPS || f.Type != elf.ET_EXEC {
		return 0, fmt.Errorf("loader: %s %s %s %s: %w", f.Class, f.Data, f.Machine, f.Type, errno.ENOEXEC)
	}

	for i, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
		case elf.PT_NULL, elf.PT_PHDR, elf.PT_NOTE, elf.PT_MIPS_REGINFO, elf.PT_MIPS_ABIFLAGS:
			continue
		default:
			return 0, fmt.Errorf("loader: segment %d: unsupported type %s: %w", i, prog.Type, errno.ENOEXEC)
		}
		if prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return 0, fmt.Errorf("loader: segment %d: file size exceeds memory size: %w", i, errno.ENOEXEC)
		}

		if err := as.DefineRegion(uint32(prog.Vaddr), uint32(prog.Memsz), perms(prog.Flags)); err != nil {
			return 0, fmt.Errorf("loader: segment %d: %w", i, err)
		}
		if prog.Filesz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return 0, fmt.Errorf("loader: segment %d: %v: %w", i, err, errno.ENOEXEC)
		}
		if err := as.CopyOut(uint32(prog.Vaddr), data); err != nil {
			return 0, fmt.Errorf("loader: segment %d: %w", i, err)
		}
	}
	return uint32(f.Entry), nil
}

func perms(flags elf.ProgFlag) vm.Perm {
	var p vm.Perm
	if flags&elf.PF_R != 0 {
		p |= vm.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= vm.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= vm.PermExec
	}
	return p
}

// Segment is one loadable segment for BuildImage.
type Segment struct {
	Vaddr uint32
	Data  []byte
	Memsz uint32 // at least len(Data); zero means len(Data)
	Flags elf.ProgFlag
}

// BuildImage assembles a MIPS executable with the given entry point and
// segments.
func BuildImage(entry uint32, segs ...Segment) []byte {
	const (
		ehsize    = 52
		phentsize = 32
	)
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_MIPS),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
		Shentsize: 40,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, &hdr)

	off := uint32(ehsize + phentsize*len(segs))
	for _, s := range segs {
		memsz := s.Memsz
		if memsz < uint32(len(s.Data)) {
			memsz = uint32(len(s.Data))
		}
		binary.Write(&buf, binary.BigEndian, &elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint32(len(s.Data)),
			Memsz:  memsz,
			Flags:  uint32(s.Flags),
			Align:  vm.PageSize,
		})
		off += uint32(len(s.Data))
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}
