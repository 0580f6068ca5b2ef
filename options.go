package dynload

import (
	"github.com/ZenLiuCN/dynload/memory"
	"github.com/ZenLiuCN/dynload/reloc"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	DefaultInitSymbol = "module_init"
	DefaultFiniSymbol = "module_fini"
)

type (
	// Invoker transfers control to a module entry point and reports its result.
	Invoker interface {
		Invoke(m *Module, entry uint64) error
	}
	InvokerFunc func(m *Module, entry uint64) error
	// Options configure a [Manager]. Relocator and Allocator are required.
	Options struct {
		Relocator  reloc.Relocator
		Allocator  memory.Allocator
		Invoker    Invoker    // nil skips init and fini hooks
		Logger     log.Logger // nil discards
		Metrics    *Metrics   // nil disables
		InitSymbol string     // default module_init
		FiniSymbol string     // default module_fini
		Debug      bool       // dump module layouts at debug level
	}
	nopInvoker struct {
		logger log.Logger
	}
)

func (f InvokerFunc) Invoke(m *Module, entry uint64) error {
	return f(m, entry)
}

func (n nopInvoker) Invoke(m *Module, entry uint64) error {
	level.Debug(n.logger).Log("msg", "no invoker, entry skipped", "module", m.Name(), "entry", entry)
	return nil
}

func (o Options) validate() (Options, error) {
	if o.Relocator == nil {
		return o, errors.New("options: relocator required")
	}
	if o.Allocator == nil {
		return o, errors.New("options: allocator required")
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Invoker == nil {
		o.Invoker = nopInvoker{logger: o.Logger}
	}
	if o.InitSymbol == "" {
		o.InitSymbol = DefaultInitSymbol
	}
	if o.FiniSymbol == "" {
		o.FiniSymbol = DefaultFiniSymbol
	}
	return o, nil
}
