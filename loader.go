package dynload

import (
	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/cespare/xxhash/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Load links blob into the image: validate, size, allocate, resolve,
// relocate, then commit and run the init hook. A failure at any step leaves
// no trace: every region is freed, no symbol stays registered and the module
// list is unchanged. The returned module holds one reference, owned by the caller.
func (m *Manager) Load(blob []byte) (mod *Module, err error) {
	defer func() { m.opts.Metrics.load(err) }()
	r := m.opts.Relocator
	o, err := reloc.Parse(blob)
	if err != nil {
		return nil, err
	}
	if err = r.CheckHeader(&o.FileHeader); err != nil {
		return nil, err
	}
	mod = &Module{name: o.Name, machine: o.Machine, digest: xxhash.Sum64(blob), state: Validated}
	if o.Name == "" {
		return nil, errors.Wrap(ErrBadModule, "no module name")
	}
	if m.find(o.Name) != nil {
		return nil, errors.Wrapf(ErrBadModule, "module %s already loaded", o.Name)
	}
	deps := make([]*Module, 0, len(o.Deps))
	for _, name := range o.Deps {
		// a dependency whose init is still running may yet be torn down
		d := m.Find(name)
		if d == nil {
			return nil, errors.Wrapf(ErrModuleNotFound, "dependency %s of %s", name, o.Name)
		}
		deps = append(deps, d)
	}
	est, err := r.Estimate(o)
	if err != nil {
		return nil, errors.WithMessagef(err, "module %s", o.Name)
	}
	mod.state = Sized

	defer func() {
		if err != nil {
			m.rollback(mod)
			mod = nil
		}
	}()
	l := reloc.NewLayout(o, m.logger)
	if err = l.Place(m.alloc(mod), est); err != nil {
		err = errors.WithMessagef(err, "module %s", o.Name)
		return
	}
	mod.state = Allocated
	exports, err := l.Bind(m.symbols.Value, r.Pseudo)
	if err != nil {
		err = errors.WithMessagef(err, "module %s", o.Name)
		return
	}
	// every module has its own init and fini, they never enter the global table
	exports = lo.Reject(exports, func(e reloc.Export, _ int) bool {
		return e.Name == m.opts.InitSymbol || e.Name == m.opts.FiniSymbol
	})
	if name, dup := m.symbols.conflict(exports); dup {
		err = errors.Wrapf(ErrBadModule, "module %s: symbol %s already defined", o.Name, name)
		return
	}
	n := 0
	for _, rs := range o.Relocs {
		if !l.Loaded(rs.Target) {
			level.Debug(m.logger).Log("msg", "relocations of unloaded section skipped", "module", o.Name, "section", rs.Name)
			continue
		}
		if err = r.Relocate(l, rs); err != nil {
			err = errors.WithMessagef(err, "module %s %s", o.Name, rs.Name)
			return
		}
		n += len(rs.Entries)
	}
	mod.state = Relocated
	mod.segments, mod.got, mod.tramp, mod.exports = l.Segments, l.GOT, l.Tramp, exports
	mod.init = lookupEntry(l, m.opts.InitSymbol)
	mod.fini = lookupEntry(l, m.opts.FiniSymbol)
	m.opts.Metrics.relocated(r.Machine().String(), n, est.GOT)
	if m.opts.Debug {
		level.Debug(m.logger).Log("msg", "layout", "module", o.Name, "dump", spew.Sdump(lo.Map(l.Segments, func(s *reloc.Segment, _ int) segmentView {
			return segmentView{Section: o.Sections[s.Section].Name, Base: s.Base, Size: s.Size, Align: s.Align}
		}), table(l.GOT), table(l.Tramp)))
	}

	m.commit(mod, deps)
	if mod.init.ok {
		if err = m.opts.Invoker.Invoke(mod, mod.init.addr); err != nil {
			m.unlink(mod)
			err = errors.WithMessagef(err, "init of module %s", o.Name)
			return
		}
	}
	mod.state = Initialized
	level.Info(m.logger).Log("msg", "module loaded", "module", o.Name, "segments", len(mod.segments), "exports", len(exports), "relocations", n, "got", est.GOT, "trampolines", est.Tramp)
	return
}

type segmentView struct {
	Section string
	Base    uint64
	Size    uint64
	Align   uint64
}

func lookupEntry(l *reloc.Layout, name string) entry {
	for i, s := range l.Object.Symbols {
		if s.Name == name && !s.Undefined() {
			return entry{addr: l.Values[i], ok: true}
		}
	}
	return entry{}
}

func (m *Manager) alloc(mod *Module) reloc.AllocFunc {
	return func(size, align uint64) (uint64, []byte, error) {
		r, err := m.opts.Allocator.Alloc(size, align)
		if err != nil {
			return 0, nil, err
		}
		mod.regions = append(mod.regions, r)
		return r.Addr, r.Mem, nil
	}
}

// release frees every region of mod, newest first.
func (m *Manager) release(mod *Module) error {
	var errs *multierror.Error
	for i := len(mod.regions) - 1; i >= 0; i-- {
		if err := m.opts.Allocator.Free(mod.regions[i].Addr); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	mod.regions = nil
	mod.state = Freed
	return errs.ErrorOrNil()
}

// rollback frees a module that failed to load. Free errors are logged, the
// load error stays what the caller sees.
func (m *Manager) rollback(mod *Module) {
	if err := m.release(mod); err != nil {
		level.Error(m.logger).Log("msg", "rollback could not free module memory", "module", mod.name, "err", err)
	}
}

// commit publishes exports, links the module and takes the dependency references.
func (m *Manager) commit(mod *Module, deps []*Module) {
	m.symbols.register(mod.exports, mod)
	m.modules = append(m.modules, mod)
	for _, d := range deps {
		d.refs++
		mod.deps = append(mod.deps, d)
	}
	mod.refs = 1
}
