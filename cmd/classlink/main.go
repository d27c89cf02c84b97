package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	_ "github.com/tliron/commonlog/simple"

	"github.com/daimatz/classlink/pkg/config"
	"github.com/daimatz/classlink/pkg/interp"
	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/registry"
	"github.com/daimatz/classlink/pkg/snapshot"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	config  string
	jmod    string
	bootCP  string
	cp      string
	dump    string
	diff    string
	exec    bool
	verbose int
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("classlink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	fs.StringVar(&o.config, "config", "", "Configuration file (default: classlink.toml found upwards from the working directory)")
	fs.StringVar(&o.jmod, "jmod", "", "java.base.jmod for the boot loader")
	fs.StringVar(&o.bootCP, "bootcp", "", "Boot class directories, separated by "+string(filepath.ListSeparator))
	fs.StringVar(&o.cp, "cp", "", "Application class directories, separated by "+string(filepath.ListSeparator))
	fs.StringVar(&o.dump, "dump", "", "Write a CBOR snapshot of all loaded classes to this file")
	fs.StringVar(&o.diff, "diff", "", "Compare the loaded classes with a snapshot written by -dump")
	fs.BoolVar(&o.exec, "run", false, "Run main(String[]) of the first class after loading")
	fs.IntVar(&o.verbose, "v", 0, "Log verbosity (overrides the configuration)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: classlink [options] Class...\n\n")
		fmt.Fprintf(stderr, "Loads and links classes, then prints their dispatch tables.\n")
		fmt.Fprintf(stderr, "A class is a binary name (p/C or p.C) or a path to a .class file.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	verbosity := cfg.Log.Verbosity
	if o.verbose != 0 {
		verbosity = o.verbose
	}
	commonlog.Configure(verbosity, cfg.LogFile())

	names := classNames(cfg, fs.Args())
	if cfg.Boot.Jmod == "" && len(cfg.Boot.Classpath) == 0 {
		fmt.Fprintf(stderr, "Error: could not find java.base.jmod. Set JAVA_HOME or JAVA_BASE_JMOD, or pass -jmod.\n")
		return 1
	}

	hub := registry.New(cfg.HubOptions()...)
	defer hub.Close()
	app := hub.NewLoader("app", hub.Boot(), cfg.AppSource())

	start := time.Now()
	classes, err := loadAll(ctx, hub, app, names)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	elapsed := time.Since(start)

	snap := snapshot.Take(hub)
	for _, cls := range classes {
		if c := snap.Find(cls.Loader().Name() + ":" + cls.Name()); c != nil {
			printClass(stdout, c)
		}
	}
	printSummary(stdout, snap, len(classes), elapsed)

	if o.diff != "" {
		if err := printDiff(stdout, o.diff, snap); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if o.dump != "" {
		data, err := snapshot.Encode(snap)
		if err == nil {
			err = os.WriteFile(o.dump, data, 0o644)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error writing snapshot: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %s (%s)\n", o.dump, humanize.Bytes(uint64(len(data))))
	}

	if o.exec {
		engine := interp.New(hub, append(cfg.EngineOptions(), interp.WithStdout(stdout))...)
		if err := engine.Run(ctx, classes[0]); err != nil {
			fmt.Fprintf(stderr, "Error executing: %v\n", err)
			return 1
		}
	}
	return 0
}

func loadConfig(o options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if o.config != "" {
		cfg, err = config.Load(o.config)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	// Paths given on the command line are relative to the working directory.
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wd, p)
	}
	if o.jmod != "" {
		cfg.Boot.Jmod = abs(o.jmod)
	}
	if o.bootCP != "" {
		cfg.Boot.Classpath = nil
		for _, d := range filepath.SplitList(o.bootCP) {
			cfg.Boot.Classpath = append(cfg.Boot.Classpath, abs(d))
		}
		if o.jmod == "" {
			cfg.Boot.Jmod = ""
		}
	}
	if o.cp != "" {
		cfg.App.Classpath = nil
		for _, d := range filepath.SplitList(o.cp) {
			cfg.App.Classpath = append(cfg.App.Classpath, abs(d))
		}
	}
	return cfg, nil
}

// classNames turns arguments into binary names. A .class path adds its
// directory to the application classpath.
func classNames(cfg *config.Config, args []string) []string {
	names := make([]string, len(args))
	for i, arg := range args {
		if strings.HasSuffix(arg, ".class") {
			dir, err := filepath.Abs(filepath.Dir(arg))
			if err == nil {
				cfg.App.Classpath = append(cfg.App.Classpath, dir)
			}
			names[i] = strings.TrimSuffix(filepath.Base(arg), ".class")
			continue
		}
		names[i] = strings.ReplaceAll(arg, ".", "/")
	}
	return names
}

// loadAll loads every name through app concurrently. Results keep the order
// of names.
func loadAll(ctx context.Context, hub *registry.Hub, app *loader.Loader, names []string) ([]*klass.Class, error) {
	classes := make([]*klass.Class, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range names {
		g.Go(func() error {
			cls, err := hub.LoadClass(ctx, name, app)
			if err != nil {
				return fmt.Errorf("loading %s: %w", name, err)
			}
			classes[i] = cls
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return classes, nil
}

func printClass(w io.Writer, c *snapshot.Class) {
	fmt.Fprintf(w, "%s (%s, version %d)\n", c.Key(), c.Kind, c.Version)
	if c.Super != "" {
		fmt.Fprintf(w, "  super %s\n", c.Super)
	}
	if len(c.Interfaces) > 0 {
		fmt.Fprintf(w, "  implements %s\n", strings.Join(c.Interfaces, ", "))
	}
	printRows(w, "vtable", c.VTable)
	for _, it := range c.ITables {
		printRows(w, "itable "+it.Interface, it.Methods)
	}
	printRows(w, "mirandas", c.Mirandas)
}

func printRows(w io.Writer, title string, rows []string) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s:\n", title)
	for i, r := range rows {
		fmt.Fprintf(w, "    [%d] %s\n", i, r)
	}
}

func printSummary(w io.Writer, s *snapshot.Snapshot, requested int, elapsed time.Duration) {
	var slots, itables, poison int
	for _, c := range s.Classes {
		slots += len(c.VTable)
		itables += len(c.ITables)
		for _, r := range c.VTable {
			if strings.HasSuffix(r, "[poison]") {
				poison++
			}
		}
	}
	fmt.Fprintf(w, "loaded %s classes (%s requested) in %s: %s vtable slots, %s itables, %s conflicts\n",
		humanize.Comma(int64(len(s.Classes))), humanize.Comma(int64(requested)),
		elapsed.Round(time.Microsecond),
		humanize.Comma(int64(slots)), humanize.Comma(int64(itables)), humanize.Comma(int64(poison)))
}

func printDiff(w io.Writer, path string, cur *snapshot.Snapshot) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	old, err := snapshot.Decode(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	deltas := snapshot.Diff(old, cur)
	if len(deltas) == 0 {
		fmt.Fprintf(w, "no differences from %s\n", path)
		return nil
	}
	for _, d := range deltas {
		fmt.Fprintf(w, "%s %s\n", d.Kind, d.Key)
		for _, detail := range d.Details {
			fmt.Fprintf(w, "    %s\n", detail)
		}
	}
	return nil
}
