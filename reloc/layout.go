package reloc

import (
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

// Pseudo tags symbols resolved from the module's own structure instead of
// by name lookup.
type Pseudo uint8

const (
	NotPseudo Pseudo = iota
	// GOTBase resolves to the module's GOT base ("local GOT base").
	GOTBase
	// GPDisp resolves to the GOT base minus the relocated site ("GP displacement base").
	GPDisp
)

func (p Pseudo) String() string {
	switch p {
	case GOTBase:
		return "got_base"
	case GPDisp:
		return "gp_disp"
	default:
		return "none"
	}
}

type (
	// Segment is one loaded section: an owned memory window at Base.
	Segment struct {
		Section int
		Base    uint64
		Size    uint64
		Align   uint64
		Mem     []byte
	}
	// Table is a bump-allocated auxiliary area (GOT or trampolines).
	// Slots handed out are never reused during the module's lifetime.
	Table struct {
		Base uint64
		Mem  []byte
		next uint64
	}
	// Layout is the relocation view of a module under construction.
	Layout struct {
		Object   *Object
		Segments []*Segment
		Values   []uint64 // resolved value per symbol index
		Pseudo   []Pseudo // pseudo tag per symbol index
		GOT      *Table
		Tramp    *Table
		Scratch  any // architecture scratch, e.g. MIPS gp0
		Logger   log.Logger
	}
)

// Bytes returns the width bytes at off after checking them against the segment bounds.
func (s *Segment) Bytes(off, width uint64) ([]byte, error) {
	if off >= s.Size || width > s.Size-off {
		return nil, errors.Wrapf(ErrBadModule, "reloc offset %#x is out of the segment (section %d, size %#x)", off, s.Section, s.Size)
	}
	return s.Mem[off : off+width], nil
}

// At is the run-time address of byte off.
func (s *Segment) At(off uint64) uint64 {
	return s.Base + off
}

// Cap is the capacity in bytes; a nil table has none.
func (t *Table) Cap() uint64 {
	if t == nil {
		return 0
	}
	return uint64(len(t.Mem))
}

func (t *Table) Used() uint64 {
	if t == nil {
		return 0
	}
	return t.next
}

// Alloc hands out the next size bytes and returns their offset from Base.
func (t *Table) Alloc(size uint64) (off uint64, err error) {
	if t == nil || size > t.Cap()-t.next {
		return 0, errors.Wrapf(ErrOutOfRange, "table exhausted: %#x of %#x used, %#x wanted", t.Used(), t.Cap(), size)
	}
	off = t.next
	t.next += size
	return
}

// Slot returns the bytes at off handed out by Alloc.
func (t *Table) Slot(off, size uint64) []byte {
	return t.Mem[off : off+size]
}

// Segment returns the segment loaded for section, BadModule when the section was not loaded.
func (l *Layout) Segment(section int) (*Segment, error) {
	for _, s := range l.Segments {
		if s.Section == section {
			return s, nil
		}
	}
	return nil, errors.Wrapf(ErrBadModule, "relocation segment for section %d not found", section)
}

// Loaded reports whether section has a segment.
func (l *Layout) Loaded(section int) bool {
	_, err := l.Segment(section)
	return err == nil
}

// Symbol returns the object symbol, its resolved value and pseudo tag.
func (l *Layout) Symbol(i uint32) (sym Symbol, value uint64, p Pseudo, err error) {
	if int(i) >= len(l.Values) {
		err = errors.Wrapf(ErrBadModule, "symbol index %d out of table", i)
		return
	}
	sym, value, p = l.Object.Symbols[i], l.Values[i], l.Pseudo[i]
	return
}

// Log is the layout logger, a nop logger when none was given.
func (l *Layout) Log() log.Logger {
	if l.Logger == nil {
		return log.NewNopLogger()
	}
	return l.Logger
}

// GOTBase is the GOT address, 0 when the module has none.
func (l *Layout) GOTBase() uint64 {
	if l.GOT == nil {
		return 0
	}
	return l.GOT.Base
}
