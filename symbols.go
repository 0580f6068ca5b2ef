package dynload

import (
	"maps"
	"sort"

	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"
)

type (
	// Symbol is one entry of the global table. Owner is nil for resident symbols.
	Symbol struct {
		Name  string
		Value uint64
		Func  bool
		Owner *Module
	}
	// Symbols maps names to resident symbols and symbols exported by loaded modules.
	Symbols struct {
		table map[string]Symbol
	}
)

// NewSymbols create a Symbols with the resident symbols of the image.
func NewSymbols(resident ...Symbol) (s *Symbols, err error) {
	s = &Symbols{table: make(map[string]Symbol, len(resident))}
	for _, r := range resident {
		if err = s.Register(r.Name, r.Value, r.Func); err != nil {
			return nil, err
		}
	}
	return
}

// Register adds a resident symbol.
func (s *Symbols) Register(name string, value uint64, isFunc bool) error {
	if _, ok := s.table[name]; ok {
		return errors.Wrapf(ErrBadModule, "symbol %s already defined", name)
	}
	s.table[name] = Symbol{Name: name, Value: value, Func: isFunc}
	return nil
}

func (s *Symbols) Lookup(name string) (sym Symbol, ok bool) {
	sym, ok = s.table[name]
	return
}

// Value is a [reloc.Lookup].
func (s *Symbols) Value(name string) (uint64, bool) {
	sym, ok := s.table[name]
	return sym.Value, ok
}

// Names dump sorted symbol names.
func (s *Symbols) Names() []string {
	k := fn.MapKeys(s.table)
	sort.Strings(k)
	return k
}

func (s *Symbols) Len() int {
	return len(s.table)
}

// Snapshot copies the table.
func (s *Symbols) Snapshot() map[string]Symbol {
	return maps.Clone(s.table)
}

// conflict finds the first staged export whose name is taken, including by
// another export of the same batch.
func (s *Symbols) conflict(exports []reloc.Export) (string, bool) {
	seen := make(map[string]struct{}, len(exports))
	for _, e := range exports {
		if _, ok := s.table[e.Name]; ok {
			return e.Name, true
		}
		if _, ok := seen[e.Name]; ok {
			return e.Name, true
		}
		seen[e.Name] = struct{}{}
	}
	return "", false
}

func (s *Symbols) register(exports []reloc.Export, owner *Module) {
	for _, e := range exports {
		s.table[e.Name] = Symbol{Name: e.Name, Value: e.Value, Func: e.Func, Owner: owner}
	}
}

func (s *Symbols) unregister(owner *Module) {
	for _, e := range owner.exports {
		if x, ok := s.table[e.Name]; ok && x.Owner == owner {
			delete(s.table, e.Name)
		}
	}
}
