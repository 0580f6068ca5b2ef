package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZenLiuCN/dynload"
	"github.com/ZenLiuCN/dynload/pool"
	"github.com/ZenLiuCN/dynload/source"
	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "modtool"
	app.Usage = "relocatable module inspector and linker"
	app.Description = "modtool inspects relocatable ELF modules and links them into a simulated boot image"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
		&cli.BoolFlag{Name: "dump", Usage: "spew dump results"},
	}
	app.Commands = []*cli.Command{
		{Name: "inspect",
			Action: inspect,
			Usage:  "display sections, imports, exports and relocations of module files",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "trampolines", Aliases: []string{"t"}, Usage: "size ARM trampolines"},
			},
			Args: true,
		},
		{Name: "symbols",
			Action: symbols,
			Usage:  "display resident symbols of a config",
			Flags:  []cli.Flag{configFlag},
		},
		{Name: "link",
			Action: link,
			Usage:  "load modules by name with their dependencies",
			Flags:  []cli.Flag{configFlag},
			Args:   true,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "failure %s [%s]\n", err, dynload.Kind(err))
		os.Exit(1)
	}
}

var configFlag = &cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "boot image config", Required: true}

var fs = afero.NewOsFs()

func logger(ctx *cli.Context) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if ctx.Bool("debug") {
		return level.NewFilter(l, level.AllowDebug())
	}
	return level.NewFilter(l, level.AllowInfo())
}

func dump(ctx *cli.Context, v ...any) {
	if ctx.Bool("dump") {
		spew.Fdump(ctx.App.Writer, v...)
	}
}

func inspect(ctx *cli.Context) (err error) {
	files := ctx.Args().Slice()
	if len(files) == 0 {
		return fmt.Errorf("missing module files")
	}
	var infos dynload.Infos
	for _, f := range files {
		var blob []byte
		if blob, err = afero.ReadFile(fs, f); err != nil {
			return
		}
		if blob, err = source.Decompress(blob); err != nil {
			return
		}
		var i *dynload.Info
		if i, err = dynload.Inspect(blob, ctx.Bool("trampolines")); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		infos = append(infos, i)
	}
	fmt.Fprintln(ctx.App.Writer, infos.String())
	dump(ctx, infos)
	return
}

func build(ctx *cli.Context) (c *dynload.Config, m *dynload.Manager, err error) {
	path := ctx.String("config")
	f, err := fs.Open(path)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(f)
	if c, err = dynload.LoadConfig(f); err != nil {
		return
	}
	c.Debug = c.Debug || ctx.Bool("debug")
	if c.Modules != "" && !filepath.IsAbs(c.Modules) {
		c.Modules = filepath.Join(filepath.Dir(path), c.Modules)
	}
	m, err = c.Build(logger(ctx), nil)
	return
}

func symbols(ctx *cli.Context) error {
	_, m, err := build(ctx)
	if err != nil {
		return err
	}
	for _, name := range m.Symbols().Names() {
		s, _ := m.Symbols().Lookup(name)
		kind := "data"
		if s.Func {
			kind = "func"
		}
		fmt.Fprintf(ctx.App.Writer, "%#010x %s %s\n", s.Value, kind, name)
	}
	return nil
}

func link(ctx *cli.Context) (err error) {
	names := ctx.Args().Slice()
	if len(names) == 0 {
		return fmt.Errorf("missing module names")
	}
	c, m, err := build(ctx)
	if err != nil {
		return
	}
	p := pool.NewPool(m, source.NewFS(fs, c.Modules))
	defer func() {
		if e := m.Shutdown(); e != nil && err == nil {
			err = e
		}
	}()
	for _, name := range names {
		if _, err = p.Load(name); err != nil {
			return
		}
	}
	for _, mod := range m.Modules() {
		implicit := ""
		if p.Implicit(mod) {
			implicit = " (dependency)"
		}
		fmt.Fprintf(ctx.App.Writer, "%s%s\n", mod, implicit)
		for _, s := range mod.Segments() {
			fmt.Fprintf(ctx.App.Writer, "\t%#010x %6d\n", s.Base, s.Size)
		}
		if t := mod.GOT(); t.Cap > 0 {
			fmt.Fprintf(ctx.App.Writer, "\tgot   %#010x %d/%d\n", t.Base, t.Used, t.Cap)
		}
		if t := mod.Trampolines(); t.Cap > 0 {
			fmt.Fprintf(ctx.App.Writer, "\ttramp %#010x %d/%d\n", t.Base, t.Used, t.Cap)
		}
		for _, e := range mod.Exports() {
			fmt.Fprintf(ctx.App.Writer, "\t%#010x %s\n", e.Value, e.Name)
		}
	}
	dump(ctx, m.Modules())
	return
}
