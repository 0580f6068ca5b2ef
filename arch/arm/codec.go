package arm

import (
	"encoding/binary"

	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/pkg/errors"
)

// Thumb-2 32-bit instructions are handled as one word holding the first
// halfword in the high 16 bits and the second in the low 16 bits.

// ThumbWord reads a 32-bit Thumb instruction from b, which may be 2-byte aligned.
func ThumbWord(b []byte) uint32 {
	return uint32(binary.LittleEndian.Uint16(b))<<16 | uint32(binary.LittleEndian.Uint16(b[2:]))
}

func PutThumbWord(b []byte, ins uint32) {
	binary.LittleEndian.PutUint16(b, uint16(ins>>16))
	binary.LittleEndian.PutUint16(b[2:], uint16(ins))
}

// ThumbCallOffset decodes the 25-bit offset of BL, BLX and B.W.
func ThumbCallOffset(ins uint32) int32 {
	sign := (ins >> 26) & 1
	j1 := (ins >> 13) & 1
	j2 := (ins >> 11) & 1
	off := sign<<24 | (^(j1^sign)&1)<<23 | (^(j2^sign)&1)<<22 |
		(ins&0x03ff0000)>>4 | (ins&0x000007ff)<<1
	if off&(1<<24) != 0 {
		return int32(off) - 1<<25
	}
	return int32(off)
}

// IsBLX reports whether ins is the BLX form, which switches to ARM state.
func IsBLX(ins uint32) bool {
	return (ins>>12)&0xd == 0xc
}

// SetThumbCallOffset encodes off into ins. Bit 0 of off selects the target
// state: a BLX to Thumb code is rewritten to BL, a BL or B.W to ARM code is
// rejected.
func SetThumbCallOffset(ins uint32, off int32) (uint32, error) {
	const insmask = 0xf800d000
	blx := IsBLX(ins)
	if !blx && off&1 == 0 {
		return ins, errors.Wrap(reloc.ErrBadModule, "bl/b.w targetting ARM")
	}
	if blx && off&1 != 0 {
		ins |= 1 << 12
	}
	u := uint32(off)
	sign := (u >> 24) & 1
	j1 := sign ^ (^(u >> 23) & 1)
	j2 := sign ^ (^(u >> 22) & 1)
	return ins&insmask | sign<<26 | j1<<13 | j2<<11 | (u>>1)&0x7ff | ((u>>12)&0x3ff)<<16, nil
}

// ThumbCallInRange checks off, interworking bit ignored, against the BL reach.
func ThumbCallInRange(off int32) bool {
	off &^= 1
	return off >= -0x1000000 && off <= 0xfffffe
}

// ThumbJump19Offset decodes the 21-bit offset of a conditional B.W.
func ThumbJump19Offset(ins uint32) int32 {
	off := ((ins>>26)&1)<<19 | ((ins>>11)&1)<<18 | ((ins>>13)&1)<<17 |
		((ins>>16)&0x3f)<<11 | ins&0x7ff
	off <<= 1
	if off&(1<<20) != 0 {
		return int32(off) - 1<<21
	}
	return int32(off)
}

func SetThumbJump19Offset(ins uint32, off int32) uint32 {
	const insmask = 0xfbc0d000
	u := uint32(off>>1) & 0xfffff
	return ins&insmask | ((u>>19)&1)<<26 | ((u>>18)&1)<<11 | ((u>>17)&1)<<13 |
		((u>>11)&0x3f)<<16 | u&0x7ff
}

func ThumbJump19InRange(off int32) bool {
	off &^= 1
	return off >= -1048576 && off <= 1048574
}

// ThumbMovwMovtValue decodes the imm4:i:imm3:imm8 immediate of Thumb MOVW/MOVT.
func ThumbMovwMovtValue(ins uint32) uint16 {
	return uint16((ins&0xf0000)>>4 | (ins&0x04000000)>>15 | (ins&0x7000)>>4 | ins&0xff)
}

func SetThumbMovwMovtValue(ins uint32, v uint16) uint32 {
	const insmask = 0xfbf08f00
	u := uint32(v)
	return ins&insmask | (u&0xf000)<<4 | (u&0x0800)<<15 | (u&0x0700)<<4 | u&0xff
}

// MovwMovtValue decodes the imm4:imm12 immediate of A32 MOVW/MOVT.
func MovwMovtValue(ins uint32) uint16 {
	return uint16((ins&0xf0000)>>4 | ins&0xfff)
}

func SetMovwMovtValue(ins uint32, v uint16) uint32 {
	const insmask = 0xfff0f000
	u := uint32(v)
	return ins&insmask | (u&0xf000)<<4 | u&0xfff
}

// Jump24Offset decodes the 26-bit offset of A32 B and BL.
func Jump24Offset(ins uint32) int32 {
	off := (ins & 0x00ffffff) << 2
	if off&0x02000000 != 0 {
		return int32(off) - 0x04000000
	}
	return int32(off)
}

func SetJump24Offset(ins uint32, off int32) uint32 {
	return ins&0xff000000 | uint32(off>>2)&0x00ffffff
}

func Jump24InRange(off int32) bool {
	return off >= -0x02000000 && off < 0x02000000
}
