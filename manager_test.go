package dynload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/ZenLiuCN/dynload/arch/mips"
	"github.com/ZenLiuCN/dynload/internal/elftest"
	"github.com/ZenLiuCN/dynload/memory"
	"github.com/ZenLiuCN/fn"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLoadLifecycle(t *testing.T) {
	m, arena, h := newManager(t, log.NewNopLogger())
	initial := arena.Stats()
	mod, err := m.Load(fixture{name: "disk", imports: []string{"printf", "heap"}, exports: []string{"disk_read"}, init: true, fini: true, bss: 64}.blob())
	require.NoError(t, err)
	require.Equal(t, Initialized, mod.State())
	require.Equal(t, 1, mod.RefCount())
	require.Equal(t, []string{"disk.init"}, h.calls)
	require.Len(t, mod.Segments(), 2)
	require.Equal(t, []*Module{mod}, m.Modules())
	require.Same(t, mod, m.Find("disk"))

	text := mod.Segments()[0]
	require.Equal(t, uint32(0x1000), binary.LittleEndian.Uint32(text.Mem))
	require.Equal(t, uint32(0x2000), binary.LittleEndian.Uint32(text.Mem[4:]))
	v, err := m.Resolve("disk_read")
	require.NoError(t, err)
	require.Equal(t, text.Base+8, v)
	require.True(t, mod.Contains(v))
	sym, ok := m.Symbols().Lookup("disk_read")
	require.True(t, ok)
	require.Same(t, mod, sym.Owner)
	_, ok = m.Symbols().Lookup("disk_state")
	require.True(t, ok)

	require.ErrorIs(t, m.Unload(mod), ErrModuleInUse)
	require.Equal(t, Initialized, mod.State())
	require.Equal(t, 2, m.Ref(mod))
	require.Equal(t, 1, m.Unref(mod))
	require.Equal(t, 0, m.Unref(mod))
	require.NoError(t, m.Unload(mod))
	require.Equal(t, []string{"disk.init", "disk.fini"}, h.calls)
	require.Equal(t, Freed, mod.State())
	require.Empty(t, m.Modules())
	_, err = m.Resolve("disk_read")
	require.ErrorIs(t, err, ErrSymbolNotFound)
	require.Equal(t, initial, arena.Stats())
	require.ErrorIs(t, m.Unload(mod), ErrModuleNotFound)
}

func TestUnrefClamp(t *testing.T) {
	var buf bytes.Buffer
	m, _, _ := newManager(t, log.NewLogfmtLogger(&buf))
	mod := fn.Panic1(m.Load(fixture{name: "a"}.blob()))
	require.Equal(t, 0, m.Unref(mod))
	require.Equal(t, 0, m.Unref(mod))
	require.Contains(t, buf.String(), "unref of unreferenced module")
	require.NoError(t, m.UnloadWithoutFini(mod))
}

type snapshot struct {
	symbols map[string]Symbol
	modules []*Module
	stats   memory.Stats
}

func snap(m *Manager, a *memory.Arena) snapshot {
	return snapshot{symbols: m.Symbols().Snapshot(), modules: m.Modules(), stats: a.Stats()}
}

func TestLoadIsAtomic(t *testing.T) {
	failures := []struct {
		name string
		blob []byte
		want error
	}{
		{"garbage", []byte("not an object"), ErrBadFormat},
		{"missing import", fixture{name: "x", imports: []string{"printf", "nowhere"}, exports: []string{"x_fn"}}.blob(), ErrSymbolNotFound},
		{"unknown relocation", fixture{name: "x", imports: []string{"printf"}, exports: []string{"x_fn"}, relocType: 3}.blob(), ErrNotImplemented},
		{"offset out of segment", fixture{name: "x", imports: []string{"printf"}, exports: []string{"x_fn"}, badOffset: true}.blob(), ErrBadModule},
		{"resident clash", fixture{name: "x", exports: []string{"printf"}}.blob(), ErrBadModule},
		{"exported twice", fixture{name: "x", exports: []string{"x_fn", "x_fn"}}.blob(), ErrBadModule},
		{"module clash", fixture{name: "base"}.blob(), ErrBadModule},
		{"no name", fixture{exports: []string{"x_fn"}}.blob(), ErrBadModule},
		{"missing dependency", fixture{name: "x", deps: []string{"base", "net"}}.blob(), ErrModuleNotFound},
		{"out of memory", fixture{name: "x", exports: []string{"x_fn"}, bss: arenaSize}.blob(), ErrOutOfMemory},
	}
	m, arena, h := newManager(t, log.NewNopLogger())
	base := fn.Panic1(m.Load(fixture{name: "base", exports: []string{"base_fn"}}.blob()))
	for _, f := range failures {
		t.Run(f.name, func(t *testing.T) {
			before := snap(m, arena)
			mod, err := m.Load(f.blob)
			require.ErrorIs(t, err, f.want)
			require.Nil(t, mod)
			require.Equal(t, before, snap(m, arena))
			require.Equal(t, 1, base.RefCount())
		})
	}

	t.Run("init failure", func(t *testing.T) {
		before := snap(m, arena)
		boom := errors.New("device absent")
		h.run["probe.init"] = func(*Module) error { return boom }
		mod, err := m.Load(fixture{name: "probe", deps: []string{"base"}, exports: []string{"probe_fn"}, init: true, fini: true}.blob())
		require.ErrorIs(t, err, boom)
		require.Nil(t, mod)
		require.Equal(t, before, snap(m, arena))
		require.Equal(t, 1, base.RefCount())
		require.Equal(t, []string{"probe.init"}, h.calls)
	})
}

// oversizedGOT calls grub_printf through more CALL16 slots than a 16 bit GOT offset reaches.
func oversizedGOT() []byte {
	b := elftest.New(elf.EM_MIPS, elf.ELFDATA2LSB)
	b.ModName("huge")
	b.Reginfo(0)
	text := b.Text(".text", b.Words(0x8f990000))
	call := b.Import("grub_printf")
	for i := 0; i <= mips.MaxGOT/4; i++ {
		b.Rel(text, 0, call, uint32(elf.R_MIPS_CALL16))
	}
	return b.Bytes()
}

func TestLoadIsAtomicMIPS(t *testing.T) {
	bigEndian := elftest.New(elf.EM_MIPS, elf.ELFDATA2MSB)
	bigEndian.ModName("be")
	bigEndian.Reginfo(0)
	bigEndian.Text(".text", bigEndian.Words(0))
	failures := []struct {
		name string
		blob []byte
		want error
	}{
		{"byte order", bigEndian.Bytes(), ErrBadFormat},
		{"machine", fixture{name: "x86", exports: []string{"x86_fn"}}.blob(), ErrBadFormat},
		{"oversized GOT", oversizedGOT(), ErrOutOfRange},
	}
	arena := memory.NewArena(0x80100000, 0x10000)
	symbols := fn.Panic1(NewSymbols(
		Symbol{Name: "grub_printf", Value: 0x80001000, Func: true},
		Symbol{Name: "grub_errno", Value: 0x80002000},
	))
	m := fn.Panic1(NewManager(symbols, Options{Relocator: mips.New(elf.ELFDATA2LSB), Allocator: arena}))
	base := fn.Panic1(m.Load(mipsModule("base")))
	for _, f := range failures {
		t.Run(f.name, func(t *testing.T) {
			before := snap(m, arena)
			mod, err := m.Load(f.blob)
			require.ErrorIs(t, err, f.want)
			require.Nil(t, mod)
			require.Equal(t, before, snap(m, arena))
			require.Equal(t, 1, base.RefCount())
		})
	}
}

func TestDependencies(t *testing.T) {
	m, arena, _ := newManager(t, log.NewNopLogger())
	initial := arena.Stats()
	fs := fn.Panic1(m.Load(fixture{name: "fs", exports: []string{"fs_open"}}.blob()))
	ext2 := fn.Panic1(m.Load(fixture{name: "ext2", deps: []string{"fs"}, imports: []string{"fs_open"}}.blob()))
	require.Equal(t, 2, fs.RefCount())
	require.Equal(t, []*Module{fs}, ext2.Dependencies())

	text := ext2.Segments()[0]
	v := fn.Panic1(m.Resolve("fs_open"))
	require.Equal(t, uint32(v), binary.LittleEndian.Uint32(text.Mem))

	m.Unref(fs)
	require.ErrorIs(t, m.Unload(fs), ErrModuleInUse)
	m.Unref(ext2)
	require.NoError(t, m.Unload(ext2))
	require.Equal(t, 0, fs.RefCount())
	require.NoError(t, m.Unload(fs))
	require.Equal(t, initial, arena.Stats())
}

func TestLoadFromInit(t *testing.T) {
	m, _, h := newManager(t, log.NewNopLogger())
	inner := fixture{name: "inner", exports: []string{"inner_fn"}}.blob()
	h.run["outer.init"] = func(outer *Module) error {
		dep, err := m.Load(inner)
		if err != nil {
			return err
		}
		if err = m.Depend(outer, dep); err != nil {
			return err
		}
		m.Unref(dep)
		return nil
	}
	outer := fn.Panic1(m.Load(fixture{name: "outer", init: true}.blob()))
	dep := m.Find("inner")
	require.NotNil(t, dep)
	require.Equal(t, 1, dep.RefCount())
	require.Equal(t, []*Module{dep}, outer.Dependencies())
	require.Equal(t, []*Module{outer, dep}, m.Modules())
	require.ErrorIs(t, m.Depend(dep, outer), ErrBadModule)

	m.Unref(outer)
	require.NoError(t, m.Unload(outer))
	require.Equal(t, 0, dep.RefCount())
}

func TestInitFailureHidesModuleFromDependents(t *testing.T) {
	m, arena, h := newManager(t, log.NewNopLogger())
	before := snap(m, arena)
	child := fixture{name: "child", deps: []string{"outer"}, exports: []string{"child_fn"}}.blob()
	boom := errors.New("controller reset")
	var childErr, dependErr error
	h.run["outer.init"] = func(outer *Module) error {
		require.Nil(t, m.Find("outer"))
		_, childErr = m.Load(child)
		inner := fn.Panic1(m.Load(fixture{name: "inner"}.blob()))
		dependErr = m.Depend(inner, outer)
		m.Unref(inner)
		fn.Panic(m.Unload(inner))
		return boom
	}
	_, err := m.Load(fixture{name: "outer", exports: []string{"outer_fn"}, init: true}.blob())
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, childErr, ErrModuleNotFound)
	require.ErrorIs(t, dependErr, ErrModuleNotFound)
	require.Nil(t, m.Find("child"))
	require.Equal(t, before, snap(m, arena))

	delete(h.run, "outer.init")
	outer := fn.Panic1(m.Load(fixture{name: "outer", exports: []string{"outer_fn"}, init: true}.blob()))
	require.Same(t, outer, m.Find("outer"))
	c := fn.Panic1(m.Load(child))
	require.Equal(t, []*Module{outer}, c.Dependencies())
	require.Equal(t, 2, outer.RefCount())
}

func TestFiniHooks(t *testing.T) {
	m, _, h := newManager(t, log.NewNopLogger())
	a := fn.Panic1(m.Load(fixture{name: "a", init: true, fini: true}.blob()))
	b := fn.Panic1(m.Load(fixture{name: "b", fini: true}.blob()))
	h.run["a.fini"] = func(*Module) error { return errors.New("ignored") }
	m.Unref(a)
	m.Unref(b)
	require.NoError(t, m.Unload(a))
	require.NoError(t, m.UnloadWithoutFini(b))
	require.Equal(t, []string{"a.init", "a.fini"}, h.calls)
}

func TestWeakImport(t *testing.T) {
	var buf bytes.Buffer
	m, _, _ := newManager(t, log.NewLogfmtLogger(&buf))
	mod := fn.Panic1(m.Load(fixture{name: "opt", imports: []string{"printf"}, weak: []string{"maybe"}}.blob()))
	text := mod.Segments()[0]
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(text.Mem[4:]))
	require.Contains(t, buf.String(), "maybe")
}

func TestShutdown(t *testing.T) {
	m, arena, h := newManager(t, log.NewNopLogger())
	initial := arena.Stats()
	fn.Panic1(m.Load(fixture{name: "a", exports: []string{"a_fn"}, fini: true}.blob()))
	fn.Panic1(m.Load(fixture{name: "b", deps: []string{"a"}, imports: []string{"a_fn"}, fini: true}.blob()))
	require.NoError(t, m.Shutdown())
	require.Empty(t, m.Modules())
	require.Empty(t, h.calls)
	require.Equal(t, initial, arena.Stats())
	require.Equal(t, 2, m.Symbols().Len())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _, _ := newManager(t, log.NewNopLogger())
	m.opts.Metrics = NewMetrics(reg)
	mod := fn.Panic1(m.Load(fixture{name: "a", imports: []string{"printf"}}.blob()))
	_, err := m.Load([]byte("junk"))
	require.Error(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.opts.Metrics.loads.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.opts.Metrics.loads.WithLabelValues("bad_format")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.opts.Metrics.modules))
	require.Equal(t, 1.0, testutil.ToFloat64(m.opts.Metrics.relocations.WithLabelValues("EM_386")))
	m.Unref(mod)
	require.NoError(t, m.Unload(mod))
	require.Equal(t, 0.0, testutil.ToFloat64(m.opts.Metrics.modules))
}

func TestKind(t *testing.T) {
	require.Equal(t, "ok", Kind(nil))
	require.Equal(t, "out_of_memory", Kind(errors.Wrap(ErrOutOfMemory, "x")))
	require.Equal(t, "module_in_use", Kind(errors.WithMessage(ErrModuleInUse, "y")))
	require.Equal(t, "other", Kind(errors.New("z")))
}

func TestOptions(t *testing.T) {
	_, err := NewManager(nil, Options{})
	require.Error(t, err)
}
