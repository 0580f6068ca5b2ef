package reloc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

const (
	// SectionModName holds the module name, NUL terminated.
	SectionModName = ".modname"
	// SectionModDeps holds NUL separated names of modules this one calls into.
	SectionModDeps = ".moddeps"
)

type (
	// Object is a parsed relocatable object blob.
	//
	// Sections and Symbols keep their ELF indices: Sections[0] is the null
	// section and Symbols[0] the null symbol, so relocation records index
	// both directly.
	Object struct {
		elf.FileHeader
		Order    binary.ByteOrder
		Sections []*Section
		Symbols  []Symbol
		Relocs   []*RelSection
		Name     string
		Deps     []string
	}
	Section struct {
		Index   int
		Name    string
		Type    elf.SectionType
		Flags   elf.SectionFlag
		Align   uint64
		Size    uint64
		Link    uint32
		Info    uint32
		EntSize uint64
		Data    []byte // nil for SHT_NOBITS
	}
	Symbol struct {
		Index   int
		Name    string
		Value   uint64
		Size    uint64
		Section elf.SectionIndex
		Bind    elf.SymBind
		Type    elf.SymType
	}
	// RelSection is one SHT_REL or SHT_RELA section applying to section Target.
	RelSection struct {
		Index   int
		Name    string
		Target  int
		Entries []Rel
	}
	// Rel is one relocation record. Explicit is set for RELA records, whose
	// addend is carried in Addend instead of the patched field.
	Rel struct {
		Offset   uint64
		Sym      uint32
		Type     uint32
		Addend   int64
		Explicit bool
	}
)

// Alloc reports whether the section occupies memory at run time.
func (s *Section) Alloc() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

func (s Symbol) Undefined() bool {
	return s.Section == elf.SHN_UNDEF
}

func (s Symbol) Local() bool {
	return s.Bind == elf.STB_LOCAL
}

func (s Symbol) Weak() bool {
	return s.Bind == elf.STB_WEAK
}

// Func reports whether the symbol names code.
func (s Symbol) Func() bool {
	return s.Type == elf.STT_FUNC
}

// Parse decodes a relocatable object. Header and section table problems
// surface as ErrBadFormat, broken symbol or relocation tables as ErrBadModule.
func Parse(blob []byte) (o *Object, err error) {
	f, err := elf.NewFile(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Wrap(ErrBadFormat, err.Error())
	}
	if f.Type != elf.ET_REL {
		return nil, errors.Wrapf(ErrBadFormat, "invalid ELF file type %s", f.Type)
	}
	o = &Object{FileHeader: f.FileHeader, Order: f.ByteOrder}
	for i, s := range f.Sections {
		sec := &Section{
			Index:   i,
			Name:    s.Name,
			Type:    s.Type,
			Flags:   s.Flags,
			Align:   s.Addralign,
			Size:    s.Size,
			Link:    s.Link,
			Info:    s.Info,
			EntSize: s.Entsize,
		}
		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL && s.Size > 0 {
			if sec.Data, err = s.Data(); err != nil {
				return nil, errors.Wrapf(ErrBadFormat, "section %q: %s", s.Name, err)
			}
		}
		o.Sections = append(o.Sections, sec)
	}
	if err = o.readSymbols(f); err != nil {
		return nil, err
	}
	for _, sec := range o.Sections {
		switch sec.Type {
		case elf.SHT_REL, elf.SHT_RELA:
			var rs *RelSection
			if rs, err = o.readRelocs(sec); err != nil {
				return nil, err
			}
			o.Relocs = append(o.Relocs, rs)
		}
		switch sec.Name {
		case SectionModName:
			o.Name = strings.TrimRight(string(sec.Data), "\x00")
		case SectionModDeps:
			for _, d := range strings.Split(string(sec.Data), "\x00") {
				if d != "" {
					o.Deps = append(o.Deps, d)
				}
			}
		}
	}
	return
}

func (o *Object) readSymbols(f *elf.File) error {
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return errors.Wrap(ErrBadModule, "no symbol table")
	} else if err != nil {
		return errors.Wrap(ErrBadModule, err.Error())
	}
	o.Symbols = make([]Symbol, 1, len(syms)+1)
	for i, s := range syms {
		o.Symbols = append(o.Symbols, Symbol{
			Index:   i + 1,
			Name:    s.Name,
			Value:   s.Value,
			Size:    s.Size,
			Section: s.Section,
			Bind:    elf.ST_BIND(s.Info),
			Type:    elf.ST_TYPE(s.Info),
		})
	}
	return nil
}

func (o *Object) readRelocs(sec *Section) (rs *RelSection, err error) {
	rs = &RelSection{Index: sec.Index, Name: sec.Name, Target: int(sec.Info)}
	r := bytes.NewReader(sec.Data)
	rela := sec.Type == elf.SHT_RELA
	switch o.Class {
	case elf.ELFCLASS32:
		if rela {
			ents := make([]elf.Rela32, len(sec.Data)/12)
			err = binary.Read(r, o.Order, ents)
			for _, e := range ents {
				rs.Entries = append(rs.Entries, Rel{Offset: uint64(e.Off), Sym: elf.R_SYM32(e.Info), Type: elf.R_TYPE32(e.Info), Addend: int64(e.Addend), Explicit: true})
			}
		} else {
			ents := make([]elf.Rel32, len(sec.Data)/8)
			err = binary.Read(r, o.Order, ents)
			for _, e := range ents {
				rs.Entries = append(rs.Entries, Rel{Offset: uint64(e.Off), Sym: elf.R_SYM32(e.Info), Type: elf.R_TYPE32(e.Info)})
			}
		}
	case elf.ELFCLASS64:
		if rela {
			ents := make([]elf.Rela64, len(sec.Data)/24)
			err = binary.Read(r, o.Order, ents)
			for _, e := range ents {
				rs.Entries = append(rs.Entries, Rel{Offset: e.Off, Sym: elf.R_SYM64(e.Info), Type: elf.R_TYPE64(e.Info), Addend: e.Addend, Explicit: true})
			}
		} else {
			ents := make([]elf.Rel64, len(sec.Data)/16)
			err = binary.Read(r, o.Order, ents)
			for _, e := range ents {
				rs.Entries = append(rs.Entries, Rel{Offset: e.Off, Sym: elf.R_SYM64(e.Info), Type: elf.R_TYPE64(e.Info)})
			}
		}
	}
	if err != nil {
		return nil, errors.Wrapf(ErrBadModule, "relocation section %q: %s", sec.Name, err)
	}
	for _, e := range rs.Entries {
		if int(e.Sym) >= len(o.Symbols) {
			return nil, errors.Wrapf(ErrBadModule, "relocation section %q: symbol index %d out of table", sec.Name, e.Sym)
		}
	}
	return
}

// Section returns the section at index i, nil when absent.
func (o *Object) Section(i int) *Section {
	if i <= 0 || i >= len(o.Sections) {
		return nil
	}
	return o.Sections[i]
}

// SectionByType returns the first section of type t.
func (o *Object) SectionByType(t elf.SectionType) *Section {
	for _, s := range o.Sections {
		if s.Type == t {
			return s
		}
	}
	return nil
}

// Imports lists named undefined symbols.
func (o *Object) Imports() (names []string) {
	for _, s := range o.Symbols[1:] {
		if s.Undefined() && s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return
}

// Exports lists named non-local symbols defined by the object.
func (o *Object) Exports() (names []string) {
	for _, s := range o.Symbols[1:] {
		if !s.Undefined() && !s.Local() && s.Name != "" && s.Section != elf.SHN_COMMON {
			names = append(names, s.Name)
		}
	}
	return
}
