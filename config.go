package dynload

import (
	"io"

	"github.com/ZenLiuCN/dynload/arch"
	"github.com/ZenLiuCN/dynload/memory"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

type (
	// Config describes a boot image in YAML:
	//
	//	arch: mipsel
	//	trampolines: false
	//	arena: {base: 0x80100000, size: 0x100000}
	//	modules: ./modules
	//	symbols:
	//	  - {name: printf, value: 0x80001000, func: true}
	Config struct {
		Arch        string      `yaml:"arch"`
		Trampolines bool        `yaml:"trampolines"`
		Arena       ArenaConfig `yaml:"arena"`
		Modules     string      `yaml:"modules"`
		InitSymbol  string      `yaml:"init_symbol"`
		FiniSymbol  string      `yaml:"fini_symbol"`
		Symbols     []Resident  `yaml:"symbols"`
		Debug       bool        `yaml:"debug"`
	}
	ArenaConfig struct {
		Base uint64 `yaml:"base"`
		Size uint64 `yaml:"size"`
	}
	// Resident is a symbol the boot image exports to modules.
	Resident struct {
		Name  string `yaml:"name"`
		Value uint64 `yaml:"value"`
		Func  bool   `yaml:"func"`
	}
)

// LoadConfig decodes a YAML config, rejecting unknown keys.
func LoadConfig(r io.Reader) (c *Config, err error) {
	c = new(Config)
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err = d.Decode(c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if c.Arena.Size == 0 {
		return nil, errors.New("config: arena size required")
	}
	return
}

// Build creates the manager the config describes. reg may be nil to disable metrics.
func (c *Config) Build(logger log.Logger, reg prometheus.Registerer) (m *Manager, err error) {
	r, err := arch.ByName(c.Arch, c.Trampolines)
	if err != nil {
		return
	}
	resident := make([]Symbol, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		resident = append(resident, Symbol{Name: s.Name, Value: s.Value, Func: s.Func})
	}
	symbols, err := NewSymbols(resident...)
	if err != nil {
		return
	}
	opts := Options{
		Relocator:  r,
		Allocator:  memory.NewArena(c.Arena.Base, c.Arena.Size),
		Logger:     logger,
		InitSymbol: c.InitSymbol,
		FiniSymbol: c.FiniSymbol,
		Debug:      c.Debug,
	}
	if reg != nil {
		opts.Metrics = NewMetrics(reg)
	}
	return NewManager(symbols, opts)
}
