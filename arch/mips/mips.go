// Package mips relocates 32-bit MIPS objects of either byte order.
package mips

import (
	"debug/elf"
	"sort"

	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	// SHTReginfo is the section type of .reginfo.
	SHTReginfo elf.SectionType = 0x70000006
	// MaxGOT is the largest GOT reachable by a signed 16-bit GP offset.
	MaxGOT = 0x8000

	gotLocalGP = "__gnu_local_gp"
	gpDisp     = "_gp_disp"
)

// Relocator implements reloc.Relocator for EM_MIPS.
type Relocator struct {
	data elf.Data
}

// New creates a MIPS relocator for objects encoded in data.
func New(data elf.Data) *Relocator {
	return &Relocator{data: data}
}

func (r *Relocator) Machine() elf.Machine {
	return elf.EM_MIPS
}

func (r *Relocator) CheckHeader(h *elf.FileHeader) error {
	return reloc.CheckHeader(h, elf.ELFCLASS32, r.data, elf.EM_MIPS)
}

func (r *Relocator) Pseudo(name string) reloc.Pseudo {
	switch name {
	case gotLocalGP:
		return reloc.GOTBase
	case gpDisp:
		return reloc.GPDisp
	}
	return reloc.NotPseudo
}

func usesGOT(typ uint32) bool {
	switch elf.R_MIPS(typ) {
	case elf.R_MIPS_GOT16, elf.R_MIPS_CALL16, elf.R_MIPS_GPREL32:
		return true
	}
	return false
}

// Estimate reserves one 4 byte GOT slot per GOT16, CALL16 and GPREL32 record.
func (r *Relocator) Estimate(o *reloc.Object) (e reloc.Estimate, err error) {
	e.GOT = 4 * reloc.Count(o, usesGOT)
	e.GOTAlign = 4
	if e.GOT > MaxGOT {
		err = errors.Wrapf(reloc.ErrOutOfRange, "GOT of %#x bytes exceeds %#x", e.GOT, MaxGOT)
	}
	return
}

// gp0 reads the GP value the object was assembled against, once per layout.
func gp0(l *reloc.Layout) (v uint32, err error) {
	if v, ok := l.Scratch.(uint32); ok {
		return v, nil
	}
	s := l.Object.SectionByType(SHTReginfo)
	if s == nil {
		return 0, errors.Wrap(reloc.ErrBadModule, "no .reginfo found")
	}
	if len(s.Data) < 24 {
		return 0, errors.Wrapf(reloc.ErrBadModule, ".reginfo of %d bytes is truncated", len(s.Data))
	}
	v = l.Object.Order.Uint32(s.Data[20:])
	l.Scratch = v
	return
}

// partners indexes the LO16 records of one section by symbol.
type partners map[uint32][]int

func lo16(rs *reloc.RelSection) partners {
	p := make(partners)
	for i, r := range rs.Entries {
		if elf.R_MIPS(r.Type) == elf.R_MIPS_LO16 {
			p[r.Sym] = append(p[r.Sym], i)
		}
	}
	return p
}

// next is the first LO16 after record i against sym.
func (p partners) next(sym uint32, i int) (int, bool) {
	idx := p[sym]
	j := sort.SearchInts(idx, i+1)
	if j == len(idx) {
		return 0, false
	}
	return idx[j], true
}

func (r *Relocator) Relocate(l *reloc.Layout, rs *reloc.RelSection) (err error) {
	gp, err := gp0(l)
	if err != nil {
		return
	}
	seg, err := l.Segment(rs.Target)
	if err != nil {
		return
	}
	order := l.Object.Order
	pairs := lo16(rs)
	// the partner immediate is read before its own LO16 record patches it
	partner := func(i int, rel reloc.Rel) (int16, error) {
		j, ok := pairs.next(rel.Sym, i)
		if !ok || rel.Explicit {
			return 0, nil
		}
		b, err := seg.Bytes(rs.Entries[j].Offset, 4)
		if err != nil {
			return 0, err
		}
		return int16(order.Uint32(b)), nil
	}
	for i, rel := range rs.Entries {
		var (
			sym reloc.Symbol
			v   uint64
			p   reloc.Pseudo
			b   []byte
		)
		if sym, v, p, err = l.Symbol(rel.Sym); err != nil {
			return
		}
		if b, err = seg.Bytes(rel.Offset, 4); err != nil {
			return
		}
		typ := elf.R_MIPS(rel.Type)
		site := uint32(seg.At(rel.Offset))
		s := uint32(v)
		switch p {
		case reloc.GOTBase:
			s = uint32(l.GOTBase())
		case reloc.GPDisp:
			s = uint32(l.GOTBase()) - site
			if typ == elf.R_MIPS_LO16 {
				s += 4
			}
		}
		word := order.Uint32(b)
		imm := word & 0xffff
		if rel.Explicit {
			imm = rel.Addend32() & 0xffff
		}
		setImm := func(v uint32) {
			order.PutUint32(b, word&0xffff0000|v&0xffff)
		}
		switch typ {
		case elf.R_MIPS_32:
			a := word
			if rel.Explicit {
				a = rel.Addend32()
			}
			order.PutUint32(b, a+s)
		case elf.R_MIPS_26:
			a := (word & 0x3ffffff) << 2
			if rel.Explicit {
				a = rel.Addend32()
			}
			order.PutUint32(b, word&0xfc000000|((a+s)>>2)&0x3ffffff)
		case elf.R_MIPS_HI16:
			value := imm<<16 + s + 0x8000
			if rel.Explicit {
				value = rel.Addend32() + s + 0x8000
			}
			var lo int16
			if lo, err = partner(i, rel); err != nil {
				return
			}
			value += uint32(int32(lo))
			setImm(value >> 16)
		case elf.R_MIPS_LO16:
			setImm(imm + s&0xffff)
		case elf.R_MIPS_GOT16, elf.R_MIPS_CALL16:
			if typ == elf.R_MIPS_GOT16 && sym.Local() {
				a := imm << 16
				if rel.Explicit {
					a = rel.Addend32()
				}
				var lo int16
				if lo, err = partner(i, rel); err != nil {
					return
				}
				s = (s + a + 0x8000 + uint32(int32(lo))) & 0xffff0000
				imm = 0
			}
			var off uint64
			if off, err = l.GOT.Alloc(4); err != nil {
				return
			}
			order.PutUint32(l.GOT.Slot(off, 4), s+imm)
			setImm(uint32(off))
			level.Debug(l.Log()).Log("msg", "GOT slot", "symbol", sym.Name, "offset", off, "value", s+imm)
		case elf.R_MIPS_GPREL32:
			a := word
			if rel.Explicit {
				a = rel.Addend32()
			}
			order.PutUint32(b, s+a+gp-uint32(l.GOTBase()))
		case elf.R_MIPS_JALR:
		default:
			return reloc.NotImplemented(elf.EM_MIPS, rel.Type)
		}
	}
	return
}
