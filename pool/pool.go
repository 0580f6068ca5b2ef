package pool

import (
	"slices"
	"strings"
	"sync"

	"github.com/ZenLiuCN/dynload"
	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/ZenLiuCN/dynload/source"
	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Pool loads modules by name from a Source, pulling in their .moddeps first.
// Modules loaded only to satisfy a dependency are implicit: the pool drops its
// own handle once the dependent is linked and unloads them when the last
// dependent goes away.
//
// Note: init hooks run with the pool locked and must call the Manager, not the Pool.
type Pool struct {
	*dynload.Manager
	source.Source
	Modules  map[string]*dynload.Module
	Loaded   []*dynload.Module
	implicit map[*dynload.Module]bool
	sync.RWMutex
}

var (
	ErrAlreadyLoad = errors.New("module already loaded")
	ErrNotLoad     = errors.New("module not loaded")
	ErrCycle       = errors.New("module dependency cycle")
)

// NewPool create new pool
func NewPool(m *dynload.Manager, src source.Source) *Pool {
	return &Pool{
		Manager:  m,
		Source:   src,
		Modules:  make(map[string]*dynload.Module),
		implicit: make(map[*dynload.Module]bool),
	}
}

// Load links the named module and its dependencies. A module already pulled
// in as a dependency becomes explicit.
func (p *Pool) Load(name string) (mod *dynload.Module, err error) {
	p.Lock()
	defer p.Unlock()
	if mod, ok := p.Modules[name]; ok {
		if !p.implicit[mod] {
			return nil, errors.Wrapf(ErrAlreadyLoad, "%s", name)
		}
		delete(p.implicit, mod)
		p.Ref(mod)
		return mod, nil
	}
	return p.load(name, nil)
}

func (p *Pool) load(name string, stack []string) (mod *dynload.Module, err error) {
	if slices.Contains(stack, name) {
		return nil, errors.Wrapf(ErrCycle, "%s", strings.Join(append(stack, name), " -> "))
	}
	blob, err := p.Open(name)
	if err != nil {
		return
	}
	o, err := reloc.Parse(blob)
	if err != nil {
		return nil, errors.WithMessagef(err, "module %s", name)
	}
	if o.Name != name {
		return nil, errors.Wrapf(dynload.ErrBadModule, "blob %s names module %s", name, o.Name)
	}
	var pulled []*dynload.Module
	defer func() {
		if err != nil {
			for i := len(pulled) - 1; i >= 0; i-- {
				p.drop(pulled[i])
			}
		}
	}()
	for _, dep := range o.Deps {
		if p.Find(dep) != nil {
			continue
		}
		var d *dynload.Module
		if d, err = p.load(dep, append(stack, name)); err != nil {
			return nil, errors.WithMessagef(err, "dependency of %s", name)
		}
		p.implicit[d] = true
		pulled = append(pulled, d)
	}
	if mod, err = p.Manager.Load(blob); err != nil {
		return nil, err
	}
	p.Modules[name] = mod
	p.Loaded = append(p.Loaded, mod)
	// the dependent holds the references now
	for _, d := range pulled {
		p.Unref(d)
	}
	pulled = nil
	return mod, nil
}

// drop releases the pool's handle on mod and unloads it when that was the last one.
func (p *Pool) drop(mod *dynload.Module) {
	if p.Unref(mod) > 0 {
		return
	}
	_ = p.release(mod)
}

// release unloads mod and forgets it once the manager unlinked it, even when
// freeing its memory failed.
func (p *Pool) release(mod *dynload.Module) error {
	deps := mod.Dependencies()
	err := p.Manager.Unload(mod)
	if p.Find(mod.Name()) == mod {
		return err
	}
	p.forget(mod)
	p.collect(deps)
	return err
}

func (p *Pool) forget(mod *dynload.Module) {
	delete(p.Modules, fn.MapKeyOf(p.Modules, mod))
	delete(p.implicit, mod)
	p.Loaded = slices.DeleteFunc(p.Loaded, func(x *dynload.Module) bool { return x == mod })
}

// collect unloads implicit modules nobody references anymore.
func (p *Pool) collect(deps []*dynload.Module) {
	for _, d := range deps {
		if !p.implicit[d] || d.RefCount() > 0 {
			continue
		}
		_ = p.release(d)
	}
}

// Unload releases an explicitly loaded module. It fails with
// dynload.ErrModuleInUse while other modules depend on it.
func (p *Pool) Unload(name string) error {
	p.Lock()
	defer p.Unlock()
	return p.unload(name)
}

func (p *Pool) unload(name string) error {
	mod, ok := p.Modules[name]
	if !ok || p.implicit[mod] {
		return errors.Wrapf(ErrNotLoad, "%s", name)
	}
	if n := mod.RefCount(); n > 1 {
		return errors.Wrapf(dynload.ErrModuleInUse, "%s has %d dependents", name, n-1)
	}
	p.Unref(mod)
	err := p.release(mod)
	if p.Find(name) == mod {
		p.Ref(mod)
	}
	return err
}

// Reload unloads the named module and loads it again from the source.
func (p *Pool) Reload(name string) (*dynload.Module, error) {
	p.Lock()
	defer p.Unlock()
	if err := p.unload(name); err != nil {
		return nil, err
	}
	return p.load(name, nil)
}

// Implicit reports whether mod was loaded only as a dependency.
func (p *Pool) Implicit(mod *dynload.Module) bool {
	p.RLock()
	defer p.RUnlock()
	return p.implicit[mod]
}

// Names lists loaded module names in load order.
func (p *Pool) Names() []string {
	p.RLock()
	defer p.RUnlock()
	return lo.Map(p.Loaded, func(m *dynload.Module, _ int) string { return m.Name() })
}

// Require fetch symbol from module
func (p *Pool) Require(name, symbol string) (reloc.Export, error) {
	p.RLock()
	defer p.RUnlock()
	m, ok := p.Modules[name]
	if !ok {
		return reloc.Export{}, errors.Wrapf(ErrNotLoad, "%s", name)
	}
	if e, ok := m.Export(symbol); ok {
		return e, nil
	}
	return reloc.Export{}, errors.Wrapf(dynload.ErrSymbolNotFound, "%s in %s", symbol, name)
}

// MustRequire is Require that panics.
func (p *Pool) MustRequire(name, symbol string) reloc.Export {
	return fn.Panic1(p.Require(name, symbol))
}
