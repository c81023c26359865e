package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/carved4/go-dllproxy"
	"github.com/carved4/go-dllproxy/pkg/config"
	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/generate"
	"github.com/carved4/go-dllproxy/pkg/image"
	"github.com/carved4/go-dllproxy/pkg/loader"
	"github.com/carved4/go-dllproxy/pkg/resolve"
)

func main() {
	app := cli.NewApp()
	app.Name = "dllproxy"
	app.Usage = "generate forwarding proxies for Windows libraries"
	app.Description = "reads a library's export table and emits static forwarders (.def, linker args, forwarder DLL) or checks dynamic resolution"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			EnvVars: []string{"DLLPROXY_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "dllproxy.yaml project file",
			EnvVars: []string{"DLLPROXY_CONFIG"},
		},
	}
	app.Before = func(ctx *cli.Context) error {
		return setupLogging(ctx.Bool("debug"))
	}
	app.Commands = []*cli.Command{
		{
			Name:      "exports",
			Action:    listExports,
			Usage:     "display the export table of one or more libraries",
			ArgsUsage: "<library>...",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump the parsed tables"},
			},
		},
		{
			Name:   "spec",
			Action: writeSpec,
			Usage:  "write a project file forwarding every export of the target",
			Flags: append(targetFlags(),
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "dllproxy.yaml"},
			),
		},
		{
			Name:   "def",
			Action: writeDef,
			Usage:  "write a module-definition file of forwarders",
			Flags: append(targetFlags(),
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file, stdout when empty"},
			),
		},
		{
			Name:   "linkargs",
			Action: printLinkArgs,
			Usage:  "print /EXPORT linker switches, one per line",
			Flags:  targetFlags(),
		},
		{
			Name:   "image",
			Action: writeImage,
			Usage:  "write a forwarder-only DLL",
			Flags: append(targetFlags(),
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Required: true},
			),
		},
		{
			Name:      "chain",
			Action:    followChain,
			Usage:     "follow an export's forward chain through libraries on disk",
			ArgsUsage: "<library> <symbol|#ordinal>",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "search", Aliases: []string{"s"}, Usage: "directories searched for forwarded libraries"},
			},
		},
		{
			Name:   "resolve",
			Action: resolveTarget,
			Usage:  "load the runtime target and resolve every forwarded export",
			Flags: append(targetFlags(),
				&cli.BoolFlag{Name: "offline", Usage: "resolve against library files in the search paths instead of the process loader"},
			),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func setupLogging(debug bool) error {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		l, err = cfg.Build()
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	dllproxy.SetLogger(l)
	return nil
}

func targetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Usage: "library read at generation time", EnvVars: []string{"DLLPROXY_TARGET"}},
		&cli.StringFlag{Name: "runtime", Usage: "library path loaded at runtime"},
		&cli.StringFlag{Name: "library", Aliases: []string{"l"}, Usage: "name of the generated library"},
		&cli.StringFlag{Name: "forward-name", Usage: "library name written into forward strings"},
		&cli.BoolFlag{Name: "trim", Usage: "drop .dll from forward strings"},
		&cli.BoolFlag{Name: "no-ordinals", Usage: "leave generated ordinals to the toolchain"},
		&cli.BoolFlag{Name: "named", Usage: "skip ordinal-only exports"},
		&cli.StringFlag{Name: "machine", Aliases: []string{"m"}, Usage: "amd64, 386 or arm64; defaults to the target's"},
		&cli.StringSliceFlag{Name: "search", Aliases: []string{"s"}, Usage: "library search directories"},
	}
}

// loadConfig reads --config when given, then applies command line overrides.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	c := &config.Config{}
	if path := ctx.String("config"); path != "" {
		var err error
		if c, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if ctx.IsSet("target") {
		c.Target = ctx.String("target")
	}
	if ctx.IsSet("runtime") {
		c.RuntimePath = ctx.String("runtime")
	}
	if ctx.IsSet("library") {
		c.Library = ctx.String("library")
	}
	if ctx.IsSet("forward-name") {
		c.ForwardName = ctx.String("forward-name")
	}
	if ctx.IsSet("trim") {
		c.TrimExtension = ctx.Bool("trim")
	}
	if ctx.IsSet("no-ordinals") {
		ordinals := !ctx.Bool("no-ordinals")
		c.Ordinals = &ordinals
	}
	if ctx.IsSet("named") {
		c.NamedOnly = ctx.Bool("named")
	}
	if ctx.IsSet("machine") {
		c.Machine = ctx.String("machine")
	}
	if ctx.IsSet("search") {
		c.SearchPaths = ctx.StringSlice("search")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// declarations runs the reader and the static generator for the configured
// target.
func declarations(ctx *cli.Context) (*config.Config, *exports.Table, []generate.Declaration, error) {
	c, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	table, err := image.ReadFile(c.Target)
	if err != nil {
		return nil, nil, nil, err
	}
	decls, err := generate.Static(table, c.Spec(table), generate.Options{
		TargetPath:    c.Target,
		ForwardName:   c.ForwardName,
		TrimExtension: c.TrimExtension,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return c, table, decls, nil
}

func listExports(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing library argument")
	}
	for _, path := range ctx.Args().Slice() {
		table, err := image.ReadFile(path)
		if err != nil {
			return err
		}
		if ctx.Bool("dump") {
			spew.Fdump(os.Stdout, table)
			continue
		}
		fmt.Printf("%s (%s, %s, base %d, %d slots)\n", path, table.Library, image.MachineName(table.Machine), table.Base, table.Len())
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"Ordinal", "Name", "Target"})
		tw.SetAutoFormatHeaders(false)
		for _, e := range table.Entries() {
			tw.Append([]string{strconv.FormatUint(uint64(e.Ordinal), 10), e.Name, e.Target.String()})
		}
		tw.Render()
	}
	return nil
}

func writeSpec(ctx *cli.Context) error {
	c, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	table, err := image.ReadFile(c.Target)
	if err != nil {
		return err
	}
	c.Exports = c.Spec(table)
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(ctx.String("out"), data, 0o644)
}

func writeDef(ctx *cli.Context) error {
	c, _, decls, err := declarations(ctx)
	if err != nil {
		return err
	}
	out := ctx.String("out")
	if out == "" {
		return generate.WriteDef(os.Stdout, exports.TrimDLL(c.LibraryName()), decls, c.UseOrdinals())
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(f)
	if err = generate.WriteDef(f, exports.TrimDLL(c.LibraryName()), decls, c.UseOrdinals()); err != nil {
		return err
	}
	return f.Sync()
}

func printLinkArgs(ctx *cli.Context) error {
	c, _, decls, err := declarations(ctx)
	if err != nil {
		return err
	}
	for _, arg := range generate.LinkerArgs(decls, c.UseOrdinals()) {
		fmt.Println(arg)
	}
	return nil
}

func writeImage(ctx *cli.Context) error {
	c, table, decls, err := declarations(ctx)
	if err != nil {
		return err
	}
	machine, err := c.MachineFor(table)
	if err != nil {
		return err
	}
	data, err := generate.Image(decls, generate.ImageOptions{Library: c.LibraryName(), Machine: machine})
	if err != nil {
		return err
	}
	return os.WriteFile(ctx.String("out"), data, 0o644)
}

func followChain(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: chain <library> <symbol|#ordinal>")
	}
	hops, err := resolve.Follow(loader.Images(ctx.StringSlice("search")...), ctx.Args().Get(0), ctx.Args().Get(1))
	for _, h := range hops {
		if h.Forward != "" {
			fmt.Printf("%s.%s -> %s\n", h.Library, h.Symbol, h.Forward)
		} else {
			fmt.Printf("%s.%s = 0x%x\n", h.Library, h.Symbol, h.Addr)
		}
	}
	return err
}

func resolveTarget(ctx *cli.Context) error {
	c, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	table, err := image.ReadFile(c.Target)
	if err != nil {
		return err
	}
	var opts []resolve.Option
	if ctx.Bool("offline") {
		opts = append(opts, resolve.WithLoader(loader.Images(c.SearchPaths...)))
	}
	m, err := resolve.NewModule(c.Runtime(), c.Spec(table), opts...)
	if err != nil {
		return err
	}
	if err = m.Initialize(); err != nil {
		return err
	}
	resolved, _ := m.ResolvedTable()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Export", "Address"})
	tw.SetAutoFormatHeaders(false)
	for i, t := range m.Trampolines() {
		tw.Append([]string{t.Label(), fmt.Sprintf("0x%x", resolved.Addr(i))})
	}
	tw.Render()
	return nil
}
