package elftest

import (
	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/go-kit/log"
)

// Bump returns an allocator handing out consecutive aligned blocks from base.
func Bump(base uint64) reloc.AllocFunc {
	next := base
	return func(size, align uint64) (uint64, []byte, error) {
		next = (next + align - 1) &^ (align - 1)
		at := next
		next += size
		return at, make([]byte, size), nil
	}
}

// Symbols is a fixed resident symbol table.
type Symbols map[string]uint64

func (s Symbols) Lookup(name string) (v uint64, ok bool) {
	v, ok = s[name]
	return
}

// Link runs the whole pipeline on blob with a bump allocator at base:
// parse, header check, estimate, place, bind, relocate.
func Link(blob []byte, r reloc.Relocator, base uint64, resident Symbols) (l *reloc.Layout, err error) {
	o, err := reloc.Parse(blob)
	if err != nil {
		return
	}
	if err = r.CheckHeader(&o.FileHeader); err != nil {
		return
	}
	est, err := r.Estimate(o)
	if err != nil {
		return
	}
	l = reloc.NewLayout(o, log.NewNopLogger())
	if err = l.Place(Bump(base), est); err != nil {
		return
	}
	if _, err = l.Bind(resident.Lookup, r.Pseudo); err != nil {
		return
	}
	for _, rs := range o.Relocs {
		if !l.Loaded(rs.Target) {
			continue
		}
		if err = r.Relocate(l, rs); err != nil {
			return
		}
	}
	return
}
