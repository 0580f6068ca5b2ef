package dynload

import (
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Manager owns the loaded modules of one boot image and the global symbol table.
//
// Use Steps:
//
//  1. NewManager with the resident Symbols and Options naming the relocator and allocator.
//  2. [Manager.Load] a module blob; the returned module holds one reference.
//  3. [Manager.Resolve] its exports, [Manager.Ref] and [Manager.Unref] as handles come and go.
//  4. [Manager.Unload] once the reference count dropped to zero.
//
// Note: a Manager is not safe for concurrent use. Init and fini hooks run on
// the caller's goroutine and may call back into the Manager.
type Manager struct {
	opts    Options
	logger  log.Logger
	symbols *Symbols
	modules []*Module
}

// NewManager creates a manager over symbols, a fresh empty table when nil.
func NewManager(symbols *Symbols, opts Options) (m *Manager, err error) {
	if opts, err = opts.validate(); err != nil {
		return
	}
	if symbols == nil {
		symbols, _ = NewSymbols()
	}
	return &Manager{opts: opts, logger: opts.Logger, symbols: symbols}, nil
}

func (m *Manager) Symbols() *Symbols {
	return m.symbols
}

// Modules lists loaded modules in load order.
func (m *Manager) Modules() []*Module {
	return slices.Clone(m.modules)
}

// Find returns the initialized module named name, nil when none. A module
// whose init hook is still running is not found.
func (m *Manager) Find(name string) *Module {
	if mod := m.find(name); mod != nil && mod.state == Initialized {
		return mod
	}
	return nil
}

// find returns the linked module named name in any state.
func (m *Manager) find(name string) *Module {
	for _, mod := range m.modules {
		if mod.name == name {
			return mod
		}
	}
	return nil
}

func (m *Manager) linked(mod *Module) bool {
	return mod != nil && slices.Contains(m.modules, mod)
}

// Resolve returns the value of a resident or exported symbol.
func (m *Manager) Resolve(name string) (uint64, error) {
	if v, ok := m.symbols.Value(name); ok {
		return v, nil
	}
	return 0, errors.Wrapf(ErrSymbolNotFound, "symbol %s not found", name)
}

func (m *Manager) Ref(mod *Module) int {
	mod.refs++
	return mod.refs
}

// Unref drops one reference; the count never goes below zero.
func (m *Manager) Unref(mod *Module) int {
	if mod.refs == 0 {
		level.Warn(m.logger).Log("msg", "unref of unreferenced module", "module", mod.name)
		return 0
	}
	mod.refs--
	return mod.refs
}

// Depend records that mod calls into dep and takes a reference on dep.
// Init hooks loading their dependencies at run time use it.
func (m *Manager) Depend(mod, dep *Module) error {
	if !m.linked(mod) || !m.linked(dep) {
		return errors.Wrap(ErrModuleNotFound, "depend on unlinked module")
	}
	if dep.state != Initialized {
		return errors.Wrapf(ErrModuleNotFound, "dependency %s is not initialized", dep.name)
	}
	if mod == dep || reaches(dep, mod) {
		return errors.Wrapf(ErrBadModule, "dependency %s -> %s forms a cycle", mod.name, dep.name)
	}
	mod.deps = append(mod.deps, dep)
	dep.refs++
	return nil
}

func reaches(from, to *Module) bool {
	for _, d := range from.deps {
		if d == to || reaches(d, to) {
			return true
		}
	}
	return false
}

// Unload runs the fini hook and frees a module whose reference count is zero.
func (m *Manager) Unload(mod *Module) error {
	return m.unload(mod, true)
}

// UnloadWithoutFini frees a module whose reference count is zero without running its fini hook.
func (m *Manager) UnloadWithoutFini(mod *Module) error {
	return m.unload(mod, false)
}

func (m *Manager) unload(mod *Module, fini bool) error {
	if !m.linked(mod) {
		return errors.Wrap(ErrModuleNotFound, "module is not loaded")
	}
	if mod.refs > 0 {
		return errors.Wrapf(ErrModuleInUse, "module %s holds %d references", mod.name, mod.refs)
	}
	mod.state = Unloading
	if fini && mod.fini.ok {
		if err := m.opts.Invoker.Invoke(mod, mod.fini.addr); err != nil {
			level.Warn(m.logger).Log("msg", "fini failed", "module", mod.name, "err", err)
		}
	}
	m.unlink(mod)
	err := m.release(mod)
	m.opts.Metrics.unload()
	level.Info(m.logger).Log("msg", "module unloaded", "module", mod.name)
	return errors.WithMessagef(err, "unload %s", mod.name)
}

// unlink withdraws exports, removes mod from the module list and drops its dependency references.
func (m *Manager) unlink(mod *Module) {
	m.symbols.unregister(mod)
	m.modules = slices.DeleteFunc(m.modules, func(x *Module) bool { return x == mod })
	for _, d := range mod.deps {
		m.Unref(d)
	}
}

// Shutdown frees every module in reverse load order, ignoring reference
// counts and fini hooks. It is meant for handing the machine over, not for
// orderly unloading.
func (m *Manager) Shutdown() error {
	var errs *multierror.Error
	for i := len(m.modules) - 1; i >= 0; i-- {
		mod := m.modules[i]
		m.symbols.unregister(mod)
		if err := m.release(mod); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "module %s", mod.name))
		}
		mod.refs = 0
		m.opts.Metrics.unload()
	}
	m.modules = nil
	return errs.ErrorOrNil()
}
