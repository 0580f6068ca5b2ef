// Package elftest writes small ELF32 relocatable objects for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// SHTMIPSReginfo is the MIPS register information section type.
const SHTMIPSReginfo elf.SectionType = 0x70000006

type (
	// Sym describes one symbol. Section is a builder section index, 0 for undefined.
	Sym struct {
		Name    string
		Value   uint32
		Size    uint32
		Section int
		Abs     bool
		Common  bool
		Bind    elf.SymBind
		Type    elf.SymType
	}
	Builder struct {
		Machine elf.Machine
		Data    elf.Data
		Type    elf.Type
		Class   elf.Class
		order   binary.ByteOrder
		secs    []*section
		syms    []Sym
		rels    []*relSection
	}
	section struct {
		name  string
		typ   elf.SectionType
		flags elf.SectionFlag
		align uint32
		data  []byte
		size  uint32
	}
	relSection struct {
		target int
		rela   bool
		ents   []relEntry
	}
	relEntry struct {
		off, sym, typ uint32
		addend        int32
	}
)

func New(machine elf.Machine, data elf.Data) *Builder {
	b := &Builder{Machine: machine, Data: data, Type: elf.ET_REL, Class: elf.ELFCLASS32}
	b.order = Order(data)
	return b
}

// Order maps an ELF data encoding to its byte order.
func Order(data elf.Data) binary.ByteOrder {
	if data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Words encodes 32-bit words in the builder byte order.
func (b *Builder) Words(w ...uint32) []byte {
	out := make([]byte, 4*len(w))
	for i, v := range w {
		b.order.PutUint32(out[4*i:], v)
	}
	return out
}

// Section adds a section and returns its index.
func (b *Builder) Section(name string, typ elf.SectionType, flags elf.SectionFlag, align uint32, data []byte) int {
	b.secs = append(b.secs, &section{name: name, typ: typ, flags: flags, align: align, data: data, size: uint32(len(data))})
	return len(b.secs)
}

// Text adds an executable section.
func (b *Builder) Text(name string, code []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, code)
}

// Data adds a writable data section.
func (b *Builder) DataSection(name string, data []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 4, data)
}

// BSS adds a zero-filled section.
func (b *Builder) BSS(name string, size, align uint32) int {
	b.secs = append(b.secs, &section{name: name, typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, align: align, size: size})
	return len(b.secs)
}

func (b *Builder) ModName(name string) int {
	return b.Section(".modname", elf.SHT_PROGBITS, 0, 1, append([]byte(name), 0))
}

func (b *Builder) ModDeps(names ...string) int {
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(n)
		buf.WriteByte(0)
	}
	return b.Section(".moddeps", elf.SHT_PROGBITS, 0, 1, buf.Bytes())
}

// Reginfo adds a MIPS .reginfo section carrying gp0.
func (b *Builder) Reginfo(gp0 uint32) int {
	return b.Section(".reginfo", SHTMIPSReginfo, elf.SHF_ALLOC, 4, b.Words(0, 0, 0, 0, 0, gp0))
}

// Symbol adds a symbol and returns its index.
func (b *Builder) Symbol(s Sym) uint32 {
	b.syms = append(b.syms, s)
	return uint32(len(b.syms))
}

// Import adds an undefined global symbol.
func (b *Builder) Import(name string) uint32 {
	return b.Symbol(Sym{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_NOTYPE})
}

// Func adds a global function defined at value in section.
func (b *Builder) Func(name string, section int, value uint32) uint32 {
	return b.Symbol(Sym{Name: name, Section: section, Value: value, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
}

// Object adds a global data symbol defined at value in section.
func (b *Builder) Object(name string, section int, value uint32) uint32 {
	return b.Symbol(Sym{Name: name, Section: section, Value: value, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT})
}

// Local adds a local symbol defined at value in section.
func (b *Builder) Local(name string, section int, value uint32) uint32 {
	return b.Symbol(Sym{Name: name, Section: section, Value: value, Bind: elf.STB_LOCAL, Type: elf.STT_NOTYPE})
}

// SectionSymbol adds the local STT_SECTION symbol of section.
func (b *Builder) SectionSymbol(section int) uint32 {
	return b.Symbol(Sym{Section: section, Bind: elf.STB_LOCAL, Type: elf.STT_SECTION})
}

func (b *Builder) relSection(target int, rela bool) *relSection {
	for _, r := range b.rels {
		if r.target == target && r.rela == rela {
			return r
		}
	}
	r := &relSection{target: target, rela: rela}
	b.rels = append(b.rels, r)
	return r
}

// Rel adds an implicit-addend relocation against target section.
func (b *Builder) Rel(target int, off, sym, typ uint32) {
	r := b.relSection(target, false)
	r.ents = append(r.ents, relEntry{off: off, sym: sym, typ: typ})
}

// Rela adds an explicit-addend relocation against target section.
func (b *Builder) Rela(target int, off, sym, typ uint32, addend int32) {
	r := b.relSection(target, true)
	r.ents = append(r.ents, relEntry{off: off, sym: sym, typ: typ, addend: addend})
}

type strtab struct{ bytes.Buffer }

func (s *strtab) add(name string) uint32 {
	if s.Len() == 0 {
		s.WriteByte(0)
	}
	if name == "" {
		return 0
	}
	off := uint32(s.Len())
	s.WriteString(name)
	s.WriteByte(0)
	return off
}

// Bytes lays the object out: header, section contents, section header table.
func (b *Builder) Bytes() []byte {
	const ehsize, shentsize = 52, 40
	var shstr, str strtab
	shstr.add("")
	str.add("")

	nUser := len(b.secs)
	symtabIdx := 1 + nUser + len(b.rels)
	strtabIdx, shstrIdx := symtabIdx+1, symtabIdx+2
	shnum := shstrIdx + 1
	shdrs := make([]elf.Section32, shnum)

	body := bytes.NewBuffer(make([]byte, ehsize))
	place := func(i int, data []byte, align uint32) {
		if align < 4 {
			align = 4
		}
		for uint32(body.Len())%align != 0 {
			body.WriteByte(0)
		}
		shdrs[i].Off = uint32(body.Len())
		shdrs[i].Size = uint32(len(data))
		body.Write(data)
	}

	for i, s := range b.secs {
		idx := i + 1
		shdrs[idx] = elf.Section32{Name: shstr.add(s.name), Type: uint32(s.typ), Flags: uint32(s.flags), Addralign: s.align}
		if s.typ == elf.SHT_NOBITS {
			shdrs[idx].Off = uint32(body.Len())
			shdrs[idx].Size = s.size
			continue
		}
		place(idx, s.data, s.align)
	}

	for i, r := range b.rels {
		idx := 1 + nUser + i
		name, typ, entsize := ".rel", elf.SHT_REL, uint32(8)
		if r.rela {
			name, typ, entsize = ".rela", elf.SHT_RELA, 12
		}
		var buf bytes.Buffer
		for _, e := range r.ents {
			info := elf.R_INFO32(e.sym, e.typ)
			if r.rela {
				_ = binary.Write(&buf, b.order, elf.Rela32{Off: e.off, Info: info, Addend: e.addend})
			} else {
				_ = binary.Write(&buf, b.order, elf.Rel32{Off: e.off, Info: info})
			}
		}
		shdrs[idx] = elf.Section32{
			Name:      shstr.add(name + b.secs[r.target-1].name),
			Type:      uint32(typ),
			Link:      uint32(symtabIdx),
			Info:      uint32(r.target),
			Addralign: 4,
			Entsize:   entsize,
		}
		place(idx, buf.Bytes(), 4)
	}

	var symbuf bytes.Buffer
	_ = binary.Write(&symbuf, b.order, elf.Sym32{})
	firstGlobal := uint32(len(b.syms) + 1)
	for i, s := range b.syms {
		shndx := uint16(s.Section)
		switch {
		case s.Abs:
			shndx = uint16(elf.SHN_ABS)
		case s.Common:
			shndx = uint16(elf.SHN_COMMON)
		}
		if s.Bind != elf.STB_LOCAL && firstGlobal > uint32(i+1) {
			firstGlobal = uint32(i + 1)
		}
		_ = binary.Write(&symbuf, b.order, elf.Sym32{
			Name:  str.add(s.Name),
			Value: s.Value,
			Size:  s.Size,
			Info:  elf.ST_INFO(s.Bind, s.Type),
			Shndx: shndx,
		})
	}
	shdrs[symtabIdx] = elf.Section32{Name: shstr.add(".symtab"), Type: uint32(elf.SHT_SYMTAB), Link: uint32(strtabIdx), Info: firstGlobal, Addralign: 4, Entsize: 16}
	place(symtabIdx, symbuf.Bytes(), 4)
	shdrs[strtabIdx] = elf.Section32{Name: shstr.add(".strtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}
	place(strtabIdx, str.Bytes(), 1)
	shdrs[shstrIdx] = elf.Section32{Name: shstr.add(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}
	place(shstrIdx, shstr.Bytes(), 1)

	for body.Len()%4 != 0 {
		body.WriteByte(0)
	}
	shoff := uint32(body.Len())
	for _, h := range shdrs {
		_ = binary.Write(body, b.order, h)
	}

	out := body.Bytes()
	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(b.Class), byte(b.Data), byte(elf.EV_CURRENT)}
	_ = binary.Write(&hdr, b.order, elf.Header32{
		Ident:     ident,
		Type:      uint16(b.Type),
		Machine:   uint16(b.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: shentsize,
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shstrIdx),
	})
	copy(out, hdr.Bytes())
	return out
}
