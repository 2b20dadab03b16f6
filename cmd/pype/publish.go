package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/pype/internal/builtins"
	"github.com/kingrea/pype/internal/config"
	"github.com/kingrea/pype/internal/docstore"
	"github.com/kingrea/pype/internal/environ"
	"github.com/kingrea/pype/internal/host"
	"github.com/kingrea/pype/internal/logbook"
	"github.com/kingrea/pype/internal/logging"
	"github.com/kingrea/pype/internal/publish"
	"github.com/kingrea/pype/internal/registry"
	"github.com/kingrea/pype/internal/storage"
	"github.com/kingrea/pype/internal/tui"
	"github.com/kingrea/pype/plugins"
)

// pipeline bundles everything a publishing command needs.
type pipeline struct {
	cfg     *config.Config
	logger  *logging.Logger
	journal *logbook.Logbook
	store   docstore.Store
	bucket  storage.Bucket
	reg     *registry.Registry
	session environ.Session
}

func openPipeline(ctx context.Context, session environ.Session) (*pipeline, error) {
	cfg, logger, err := project()
	if err != nil {
		return nil, err
	}
	journal, err := logbook.New(filepath.Join(cfg.LogsDir(), "publish.log"))
	if err != nil {
		return nil, err
	}
	store, err := docstore.Open(ctx, cfg.DocStoreURL())
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	bucket, err := storage.Open(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	reg, err := plugins.NewRegistry(cfg, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	return &pipeline{
		cfg:     cfg,
		logger:  logger,
		journal: journal,
		store:   store,
		bucket:  bucket,
		reg:     reg,
		session: session,
	}, nil
}

func (p *pipeline) Close() {
	p.store.Close()
	p.logger.Close()
}

func (p *pipeline) deps(ctx context.Context) builtins.Deps {
	return builtins.Deps{Ctx: ctx, Config: p.cfg, Store: p.store, Bucket: p.bucket}
}

// adapter builds and installs a host adapter around caps with the built-in
// plugins bundled.
func (p *pipeline) adapter(ctx context.Context, caps host.Capabilities, extra ...host.Option) (*host.Adapter, error) {
	opts := []host.Option{
		host.WithSession(p.session),
		host.WithStore(p.store),
		host.WithLogger(p.logger),
		host.WithPlugins(registry.Publish, builtins.All(p.deps(ctx))...),
	}
	adapter, err := host.New(caps, p.reg, p.cfg, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	if err := adapter.Install(); err != nil {
		return nil, err
	}
	return adapter, nil
}

type publishFlags struct {
	hostName string
	workfile string
	targets  string
	gate     string
}

func (f *publishFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.hostName, "host", "", "host name used for plugin folders (defaults to AVALON_APP or headless)")
	fs.StringVar(&f.workfile, "workfile", "", "workfile to publish as the current file")
	fs.StringVar(&f.targets, "targets", "", "comma separated publish targets")
	fs.StringVar(&f.gate, "gate", "", "stop policy: none, validation or any")
}

func (f *publishFlags) headless(session environ.Session, batch bool) *host.Headless {
	name := strings.TrimSpace(f.hostName)
	if name == "" {
		name = session.App
	}
	if name == "" {
		name = "headless"
	}
	caps := host.NewHeadless(name, batch)
	if f.workfile != "" {
		caps.SetCurrentFile(f.workfile)
	}
	return caps
}

func (f *publishFlags) runnerOptions() ([]publish.Option, error) {
	var opts []publish.Option
	if targets := splitList(f.targets); len(targets) > 0 {
		opts = append(opts, publish.WithTargets(targets...))
	}
	if strings.TrimSpace(f.gate) != "" {
		gate, err := publish.ParseGate(f.gate)
		if err != nil {
			return nil, err
		}
		opts = append(opts, publish.WithGate(gate))
	}
	return opts, nil
}

func runPublish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	var flags publishFlags
	flags.register(fs)
	fs.Parse(args)

	session := environ.FromEnv(nil)
	if err := requireSession(session); err != nil {
		return err
	}
	runOpts, err := flags.runnerOptions()
	if err != nil {
		return err
	}
	p, err := openPipeline(ctx, session)
	if err != nil {
		return err
	}
	defer p.Close()
	p.logger.Mirror(os.Stderr)

	adapter, err := p.adapter(ctx, flags.headless(session, true), host.WithRunnerOptions(runOpts...))
	if err != nil {
		return err
	}
	defer adapter.Uninstall()

	pctx := adapter.NewContext()
	if paths := fs.Args(); len(paths) > 0 {
		pctx.Set(builtins.KeyDumpPaths, paths)
	}
	report, err := adapter.Publish(pctx)
	if err != nil {
		return err
	}
	p.journal.RecordReport("publish "+adapter.Name(), report)
	for _, result := range report.Results {
		fmt.Println(result.String())
	}
	for _, skip := range report.Skipped {
		fmt.Printf("skipped %s: %s\n", skip.Plugin, skip.Reason)
	}
	if !report.Success() {
		return fmt.Errorf("%d of %d results failed", len(report.Failed()), len(report.Results))
	}
	return nil
}

func runTray(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tray", flag.ExitOnError)
	var flags publishFlags
	flags.register(fs)
	fs.Parse(args)

	session := environ.FromEnv(nil)
	if err := requireSession(session); err != nil {
		return err
	}
	runOpts, err := flags.runnerOptions()
	if err != nil {
		return err
	}
	p, err := openPipeline(ctx, session)
	if err != nil {
		return err
	}
	defer p.Close()

	// The window's commands run on their own goroutines; host work is
	// serialized onto the session goroutine pumping mt.
	mt := host.NewMainThread(p.logger)
	adapter, err := p.adapter(ctx, flags.headless(session, false), host.WithRunnerOptions(runOpts...), host.WithMainThread(mt))
	if err != nil {
		return err
	}
	defer adapter.Uninstall()
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go mt.Run(pumpCtx)
	adapter.Emit(host.Event{Type: host.EventInit})

	dumpsDir := p.cfg.DumpsDir()
	app := tui.NewApp(adapter,
		tui.WithLogbook(p.journal),
		tui.WithContextHook(func(pctx *publish.Context) {
			if files := dumpFiles(dumpsDir); len(files) > 0 {
				pctx.Set(builtins.KeyDumpPaths, files)
			}
		}),
	)
	program := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
