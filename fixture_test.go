package dynload

import (
	"debug/elf"
	"testing"

	"github.com/ZenLiuCN/dynload/arch/x86"
	"github.com/ZenLiuCN/dynload/internal/elftest"
	"github.com/ZenLiuCN/dynload/memory"
	"github.com/ZenLiuCN/fn"
	"github.com/go-kit/log"
)

const (
	arenaBase = 0x80000000
	arenaSize = 0x10000
)

// fixture describes an i386 test module. Every import gets one R_386_32
// slot in .text, every export one word after them.
type fixture struct {
	name      string
	deps      []string
	imports   []string
	weak      []string
	exports   []string
	init      bool
	fini      bool
	relocType elf.R_386
	badOffset bool
	bss       uint32
}

func (f fixture) blob() []byte {
	b := elftest.New(elf.EM_386, elf.ELFDATA2LSB)
	if f.name != "" {
		b.ModName(f.name)
	}
	if len(f.deps) > 0 {
		b.ModDeps(f.deps...)
	}
	n := len(f.imports) + len(f.weak) + len(f.exports) + 2
	text := b.Text(".text", make([]byte, 4*n))
	typ := f.relocType
	if typ == 0 {
		typ = elf.R_386_32
	}
	slot := uint32(0)
	for _, name := range f.imports {
		off := 4 * slot
		if f.badOffset {
			off = uint32(4*n - 2)
		}
		b.Rel(text, off, b.Import(name), uint32(typ))
		slot++
	}
	for _, name := range f.weak {
		b.Rel(text, 4*slot, b.Symbol(elftest.Sym{Name: name, Bind: elf.STB_WEAK}), uint32(elf.R_386_32))
		slot++
	}
	for _, name := range f.exports {
		b.Func(name, text, 4*slot)
		slot++
	}
	if f.init {
		b.Func(DefaultInitSymbol, text, 4*slot)
	}
	if f.fini {
		b.Func(DefaultFiniSymbol, text, 4*slot+4)
	}
	if f.bss > 0 {
		bss := b.BSS(".bss", f.bss, 16)
		b.Object(f.name+"_state", bss, 0)
	}
	return b.Bytes()
}

// hooks records init and fini invocations and runs per-module behaviour.
type hooks struct {
	calls []string
	run   map[string]func(m *Module) error
}

func (h *hooks) Invoke(m *Module, entry uint64) error {
	kind := "fini"
	if a, ok := m.InitAddr(); ok && a == entry {
		kind = "init"
	}
	key := m.Name() + "." + kind
	h.calls = append(h.calls, key)
	if f := h.run[key]; f != nil {
		return f(m)
	}
	return nil
}

func newManager(t testing.TB, logger log.Logger) (*Manager, *memory.Arena, *hooks) {
	t.Helper()
	arena := memory.NewArena(arenaBase, arenaSize)
	h := &hooks{run: map[string]func(*Module) error{}}
	symbols := fn.Panic1(NewSymbols(
		Symbol{Name: "printf", Value: 0x1000, Func: true},
		Symbol{Name: "heap", Value: 0x2000},
	))
	m := fn.Panic1(NewManager(symbols, Options{
		Relocator: x86.New(),
		Allocator: arena,
		Invoker:   h,
		Logger:    logger,
	}))
	return m, arena, h
}
