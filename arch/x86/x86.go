// Package x86 relocates 32-bit i386 objects.
package x86

import (
	"debug/elf"
	"encoding/binary"

	"github.com/ZenLiuCN/dynload/reloc"
)

type Relocator struct{}

func New() *Relocator {
	return &Relocator{}
}

func (Relocator) Machine() elf.Machine {
	return elf.EM_386
}

func (Relocator) CheckHeader(h *elf.FileHeader) error {
	return reloc.CheckHeader(h, elf.ELFCLASS32, elf.ELFDATA2LSB, elf.EM_386)
}

func (Relocator) Pseudo(string) reloc.Pseudo {
	return reloc.NotPseudo
}

// Estimate is always empty: i386 modules need neither GOT nor trampolines.
func (Relocator) Estimate(*reloc.Object) (reloc.Estimate, error) {
	return reloc.Estimate{}, nil
}

func (Relocator) Relocate(l *reloc.Layout, rs *reloc.RelSection) (err error) {
	seg, err := l.Segment(rs.Target)
	if err != nil {
		return
	}
	for _, rel := range rs.Entries {
		var (
			v uint64
			b []byte
		)
		if _, v, _, err = l.Symbol(rel.Sym); err != nil {
			return
		}
		if b, err = seg.Bytes(rel.Offset, 4); err != nil {
			return
		}
		a := binary.LittleEndian.Uint32(b)
		if rel.Explicit {
			a = rel.Addend32()
		}
		switch elf.R_386(rel.Type) {
		case elf.R_386_32:
			binary.LittleEndian.PutUint32(b, a+uint32(v))
		case elf.R_386_PC32:
			binary.LittleEndian.PutUint32(b, a+uint32(v)-uint32(seg.At(rel.Offset)))
		default:
			return reloc.NotImplemented(elf.EM_386, rel.Type)
		}
	}
	return
}
