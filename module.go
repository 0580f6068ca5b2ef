package dynload

import (
	"debug/elf"
	"fmt"
	"slices"

	"github.com/ZenLiuCN/dynload/memory"
	"github.com/ZenLiuCN/dynload/reloc"
)

// State is the lifecycle stage of a module.
type State uint8

const (
	Validated State = iota
	Sized
	Allocated
	Relocated
	Initialized
	Unloading
	Freed
)

func (s State) String() string {
	switch s {
	case Validated:
		return "validated"
	case Sized:
		return "sized"
	case Allocated:
		return "allocated"
	case Relocated:
		return "relocated"
	case Initialized:
		return "initialized"
	case Unloading:
		return "unloading"
	case Freed:
		return "freed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type (
	// Module is a loaded relocatable object. It is created only by [Manager.Load].
	Module struct {
		name     string
		machine  elf.Machine
		refs     int
		deps     []*Module
		segments []*reloc.Segment
		regions  []memory.Region
		exports  []reloc.Export
		got      *reloc.Table
		tramp    *reloc.Table
		init     entry
		fini     entry
		digest   uint64
		state    State
	}
	entry struct {
		addr uint64
		ok   bool
	}
	// Table describes a GOT or trampoline area.
	Table struct {
		Base uint64
		Used uint64
		Cap  uint64
	}
)

func (m *Module) Name() string {
	return m.name
}

func (m *Module) Machine() elf.Machine {
	return m.machine
}

func (m *Module) RefCount() int {
	return m.refs
}

// Dependencies are the modules this one holds a reference on.
func (m *Module) Dependencies() []*Module {
	return slices.Clone(m.deps)
}

func (m *Module) Segments() []*reloc.Segment {
	return slices.Clone(m.segments)
}

func (m *Module) Exports() []reloc.Export {
	return slices.Clone(m.exports)
}

func (m *Module) GOT() Table {
	return table(m.got)
}

func (m *Module) Trampolines() Table {
	return table(m.tramp)
}

func table(t *reloc.Table) Table {
	if t == nil {
		return Table{}
	}
	return Table{Base: t.Base, Used: t.Used(), Cap: t.Cap()}
}

// InitAddr is the address of the init hook, if the module has one.
func (m *Module) InitAddr() (uint64, bool) {
	return m.init.addr, m.init.ok
}

func (m *Module) FiniAddr() (uint64, bool) {
	return m.fini.addr, m.fini.ok
}

// Digest is the xxhash64 of the loaded blob.
func (m *Module) Digest() uint64 {
	return m.digest
}

func (m *Module) State() State {
	return m.state
}

// Export finds an exported symbol of this module.
func (m *Module) Export(name string) (reloc.Export, bool) {
	for _, e := range m.exports {
		if e.Name == name {
			return e, true
		}
	}
	return reloc.Export{}, false
}

// Contains reports whether addr lies inside one of the module's segments.
func (m *Module) Contains(addr uint64) bool {
	for _, s := range m.segments {
		if addr >= s.Base && addr-s.Base < s.Size {
			return true
		}
	}
	return false
}

func (m *Module) String() string {
	return fmt.Sprintf("%s[%s refs=%d segments=%d exports=%d digest=%016x]", m.name, m.state, m.refs, len(m.segments), len(m.exports), m.digest)
}
