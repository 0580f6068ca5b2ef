// Package arm relocates little-endian 32-bit ARM objects mixing A32 and
// Thumb-2 code.
package arm

import (
	"debug/elf"
	"encoding/binary"

	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Relocation types handled here. debug/elf names some of them after older
// ABI revisions, so they are spelled out.
const (
	rABS32         uint32 = 2
	rREL32         uint32 = 3
	rThmCall       uint32 = 10
	rCall          uint32 = 28
	rJump24        uint32 = 29
	rThmJump24     uint32 = 30
	rV4BX          uint32 = 40
	rMovwAbsNC     uint32 = 43
	rMovtAbs       uint32 = 44
	rThmMovwAbsNC  uint32 = 47
	rThmMovtAbs    uint32 = 48
	rThmJump19     uint32 = 51
	ArmTrampSize          = 12
	ThumbTrampSize        = 20
)

var (
	armTemplate   = [2]uint32{0xe59fc000, 0xe12fff1c} // ldr ip, [pc]; bx ip
	// swaps r1 and ip with the negated target loaded into r1; r1 is preserved
	thumbTemplate = [8]uint16{
		0x468c, // mov ip, r1
		0x4903, // ldr r1, [pc, #12]
		0x4461, // add r1, ip       r1 = r1' - target
		0x4249, // negs r1, r1      r1 = target - r1'
		0x448c, // add ip, r1       ip = target
		0x4249, // negs r1, r1
		0x4461, // add r1, ip       r1 = r1'
		0x4760, // bx ip
	}
)

// Relocator implements reloc.Relocator for EM_ARM. With Trampolines set,
// branches that cannot reach their target go through a stub in the module's
// trampoline area.
type Relocator struct {
	Trampolines bool
}

func New(trampolines bool) *Relocator {
	return &Relocator{Trampolines: trampolines}
}

func (r *Relocator) Machine() elf.Machine {
	return elf.EM_ARM
}

func (r *Relocator) CheckHeader(h *elf.FileHeader) error {
	return reloc.CheckHeader(h, elf.ELFCLASS32, elf.ELFDATA2LSB, elf.EM_ARM)
}

func (r *Relocator) Pseudo(string) reloc.Pseudo {
	return reloc.NotPseudo
}

func (r *Relocator) Estimate(o *reloc.Object) (e reloc.Estimate, err error) {
	if !r.Trampolines {
		return
	}
	e.Tramp = ArmTrampSize * reloc.Count(o, func(t uint32) bool { return t == rCall || t == rJump24 })
	e.Tramp += ThumbTrampSize * reloc.Count(o, func(t uint32) bool { return t == rThmCall || t == rThmJump24 })
	e.TrampAlign = 4
	return
}

func (r *Relocator) Relocate(l *reloc.Layout, rs *reloc.RelSection) (err error) {
	seg, err := l.Segment(rs.Target)
	if err != nil {
		return
	}
	for _, rel := range rs.Entries {
		var (
			sym reloc.Symbol
			v   uint64
			b   []byte
		)
		if sym, v, _, err = l.Symbol(rel.Sym); err != nil {
			return
		}
		if b, err = seg.Bytes(rel.Offset, 4); err != nil {
			return
		}
		s, p := uint32(v), uint32(seg.At(rel.Offset))
		switch rel.Type {
		case rABS32, rREL32:
			a := binary.LittleEndian.Uint32(b)
			if rel.Explicit {
				a = rel.Addend32()
			}
			if rel.Type == rREL32 {
				a -= p
			}
			binary.LittleEndian.PutUint32(b, a+s)
		case rCall, rJump24:
			err = r.jump24(l, sym, b, rel, s, p)
		case rThmCall, rThmJump24:
			err = r.thmCall(l, sym, b, rel, s, p)
		case rThmJump19:
			if s&1 == 0 {
				return errors.Wrapf(reloc.ErrBadModule, "relocation targeting wrong execution state: %s", sym.Name)
			}
			ins := ThumbWord(b)
			a := ThumbJump19Offset(ins)
			if rel.Explicit {
				a = int32(rel.Addend)
			}
			off := a + int32(s-p)
			if !ThumbJump19InRange(off) {
				return errors.Wrapf(reloc.ErrOutOfRange, "THM_JUMP19 to %s: offset %#x", sym.Name, off)
			}
			PutThumbWord(b, SetThumbJump19Offset(ins, off))
		case rThmMovwAbsNC, rThmMovtAbs:
			ins := ThumbWord(b)
			a := uint32(ThumbMovwMovtValue(ins))
			if rel.Explicit {
				a = rel.Addend32()
			}
			val := a + s
			if rel.Type == rThmMovtAbs {
				val >>= 16
			}
			PutThumbWord(b, SetThumbMovwMovtValue(ins, uint16(val)))
		case rMovwAbsNC, rMovtAbs:
			ins := binary.LittleEndian.Uint32(b)
			a := uint32(MovwMovtValue(ins))
			if rel.Explicit {
				a = rel.Addend32()
			}
			val := a + s
			if rel.Type == rMovtAbs {
				val >>= 16
			}
			binary.LittleEndian.PutUint32(b, SetMovwMovtValue(ins, uint16(val)))
		case rV4BX:
		default:
			return reloc.NotImplemented(elf.EM_ARM, rel.Type)
		}
		if err != nil {
			return
		}
	}
	return
}

// jump24 patches A32 B/BL. Thumb targets and far targets need an ARM stub.
func (r *Relocator) jump24(l *reloc.Layout, sym reloc.Symbol, b []byte, rel reloc.Rel, s, p uint32) error {
	ins := binary.LittleEndian.Uint32(b)
	a := Jump24Offset(ins)
	if rel.Explicit {
		a = int32(rel.Addend)
	}
	target := s + uint32(a)
	off := int32(target - p)
	if !Jump24InRange(off) || target&3 != 0 {
		if !r.Trampolines {
			if target&3 != 0 {
				return errors.Wrapf(reloc.ErrBadModule, "branch to Thumb code %s needs a trampoline", sym.Name)
			}
			return errors.Wrapf(reloc.ErrOutOfRange, "branch to %s: offset %#x", sym.Name, off)
		}
		at, err := l.Tramp.Alloc(ArmTrampSize)
		if err != nil {
			return err
		}
		tp := l.Tramp.Slot(at, ArmTrampSize)
		binary.LittleEndian.PutUint32(tp, armTemplate[0])
		binary.LittleEndian.PutUint32(tp[4:], armTemplate[1])
		binary.LittleEndian.PutUint32(tp[8:], target+8)
		off = int32(uint32(l.Tramp.Base+at) - p - 8)
		if !Jump24InRange(off) {
			return errors.Wrapf(reloc.ErrOutOfRange, "trampoline for %s: offset %#x", sym.Name, off)
		}
		level.Debug(l.Log()).Log("msg", "arm trampoline", "symbol", sym.Name, "at", l.Tramp.Base+at)
	}
	binary.LittleEndian.PutUint32(b, SetJump24Offset(ins, off))
	return nil
}

// thmCall patches Thumb BL, BLX and B.W. Far targets go through a Thumb stub.
func (r *Relocator) thmCall(l *reloc.Layout, sym reloc.Symbol, b []byte, rel reloc.Rel, s, p uint32) error {
	ins := ThumbWord(b)
	a := ThumbCallOffset(ins)
	if rel.Explicit {
		a = int32(rel.Addend)
	}
	target := s + uint32(a)
	off := int32(target - p)
	if !ThumbCallInRange(off) {
		if !r.Trampolines {
			return errors.Wrapf(reloc.ErrOutOfRange, "thumb branch to %s: offset %#x", sym.Name, off)
		}
		at, err := l.Tramp.Alloc(ThumbTrampSize)
		if err != nil {
			return err
		}
		tp := l.Tramp.Slot(at, ThumbTrampSize)
		for i, h := range thumbTemplate {
			binary.LittleEndian.PutUint16(tp[2*i:], h)
		}
		binary.LittleEndian.PutUint32(tp[16:], -target)
		off = int32(uint32(l.Tramp.Base+at)-p-4) | 1
		if !ThumbCallInRange(off) {
			return errors.Wrapf(reloc.ErrOutOfRange, "trampoline for %s: offset %#x", sym.Name, off)
		}
		level.Debug(l.Log()).Log("msg", "thumb trampoline", "symbol", sym.Name, "at", l.Tramp.Base+at)
	}
	ins, err := SetThumbCallOffset(ins, off)
	if err != nil {
		return errors.WithMessagef(err, "symbol %s", sym.Name)
	}
	PutThumbWord(b, ins)
	return nil
}
