package reloc

import (
	"debug/elf"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type (
	// AllocFunc hands out size bytes aligned to align and returns their run-time base.
	AllocFunc func(size, align uint64) (base uint64, mem []byte, err error)
	// Lookup finds a resident or exported symbol by name.
	Lookup func(name string) (value uint64, ok bool)
	// Export is a defined non-local symbol offered to the global table.
	Export struct {
		Name  string
		Value uint64
		Func  bool
	}
)

func NewLayout(o *Object, logger log.Logger) *Layout {
	return &Layout{Object: o, Logger: logger}
}

// Place allocates one segment per allocated section with non-zero size and
// copies its bytes, then the GOT and trampoline areas sized by est.
// Segments placed before a failure stay in l.Segments for the caller to free.
func (l *Layout) Place(alloc AllocFunc, est Estimate) (err error) {
	for _, s := range l.Object.Sections {
		if !s.Alloc() || s.Size == 0 {
			continue
		}
		align := max(s.Align, 1)
		seg := &Segment{Section: s.Index, Size: s.Size, Align: align}
		if seg.Base, seg.Mem, err = alloc(s.Size, align); err != nil {
			return errors.WithMessagef(err, "section %q", s.Name)
		}
		if s.Type != elf.SHT_NOBITS {
			copy(seg.Mem, s.Data)
		}
		l.Segments = append(l.Segments, seg)
	}
	if est.GOT > 0 {
		l.GOT = new(Table)
		if l.GOT.Base, l.GOT.Mem, err = alloc(est.GOT, max(est.GOTAlign, 1)); err != nil {
			l.GOT = nil
			return errors.WithMessage(err, "GOT")
		}
	}
	if est.Tramp > 0 {
		l.Tramp = new(Table)
		if l.Tramp.Base, l.Tramp.Mem, err = alloc(est.Tramp, max(est.TrampAlign, 1)); err != nil {
			l.Tramp = nil
			return errors.WithMessage(err, "trampolines")
		}
	}
	return
}

func (l *Layout) base(section elf.SectionIndex) uint64 {
	if s, err := l.Segment(int(section)); err == nil {
		return s.Base
	}
	return 0
}

// Bind resolves every symbol of the object into l.Values and returns the
// defined non-local symbols as exports. Undefined names go through pseudo
// first, then lookup. Place must have run.
func (l *Layout) Bind(lookup Lookup, pseudo func(name string) Pseudo) (exports []Export, err error) {
	o := l.Object
	l.Values = make([]uint64, len(o.Symbols))
	l.Pseudo = make([]Pseudo, len(o.Symbols))
	for i, s := range o.Symbols {
		if i == 0 {
			continue
		}
		var v uint64
		switch s.Type {
		case elf.STT_NOTYPE, elf.STT_OBJECT, elf.STT_FUNC:
			switch s.Section {
			case elf.SHN_UNDEF:
				if s.Name == "" {
					break
				}
				if p := pseudo(s.Name); p != NotPseudo {
					l.Pseudo[i] = p
					if p == GOTBase {
						v = l.GOTBase()
					}
					break
				}
				var ok bool
				if v, ok = lookup(s.Name); !ok {
					if !s.Weak() {
						return nil, errors.Wrapf(ErrSymbolNotFound, "symbol %s not found", s.Name)
					}
					level.Warn(l.Log()).Log("msg", "weak symbol unresolved, bound to zero", "symbol", s.Name)
				}
			case elf.SHN_COMMON:
				return nil, errors.Wrapf(ErrBadModule, "symbol %s is a common symbol", s.Name)
			case elf.SHN_ABS:
				v = s.Value
			default:
				v = s.Value + l.base(s.Section)
			}
			if s.Section != elf.SHN_UNDEF && !s.Local() && s.Name != "" {
				exports = append(exports, Export{Name: s.Name, Value: v, Func: s.Func()})
			}
		case elf.STT_SECTION:
			v = l.base(s.Section)
		case elf.STT_FILE:
		default:
			return nil, errors.Wrapf(ErrBadModule, "unknown symbol type %d of %q", s.Type, s.Name)
		}
		l.Values[i] = v
	}
	return
}
