package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/kingrea/pype/internal/config"
	"github.com/kingrea/pype/internal/docstore"
	"github.com/kingrea/pype/internal/environ"
	"github.com/kingrea/pype/internal/publish"
	"github.com/kingrea/pype/internal/registry"
)

var (
	// ErrAlreadyInstalled is returned by Install on an installed adapter.
	ErrAlreadyInstalled = errors.New("host: adapter already installed")
	// ErrNotInstalled is returned by operations that need an installed adapter.
	ErrNotInstalled = errors.New("host: adapter not installed")
)

// hostCategories get a <root>/<host>/<category> folder on install.
var hostCategories = []registry.Category{registry.Publish, registry.Load, registry.Create, registry.Inventory}

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Adapter connects one host session to the pipeline. Its state machine is
// uninstalled -> installed -> uninstalled.
type Adapter struct {
	caps    Capabilities
	reg     *registry.Registry
	cfg     *config.Config
	store   docstore.Store
	logger  Logger
	main    *MainThread
	setenv  func(string, string) error
	bundle  map[registry.Category][]publish.Plugin
	runOpts []publish.Option

	mu           sync.Mutex
	session      environ.Session
	installation *registry.Installation
	handlers     map[EventType][]*handlerEntry
	builtins     []func()
}

type handlerEntry struct {
	fn Handler
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithStore lets callbacks read asset documents.
func WithStore(store docstore.Store) Option {
	return func(a *Adapter) {
		a.store = store
	}
}

// WithSession sets the starting session (defaults to the process environment).
func WithSession(session environ.Session) Option {
	return func(a *Adapter) {
		a.session = session
	}
}

// WithLogger sets the process logger.
func WithLogger(logger Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithMainThread marshals callbacks and publishes onto mt. Without it they
// run on the calling goroutine.
func WithMainThread(mt *MainThread) Option {
	return func(a *Adapter) {
		a.main = mt
	}
}

// WithSetenv replaces os.Setenv for session updates.
func WithSetenv(setenv func(string, string) error) Option {
	return func(a *Adapter) {
		if setenv != nil {
			a.setenv = setenv
		}
	}
}

// WithPlugins installs in-process plugins together with the plugin folders.
func WithPlugins(cat registry.Category, plugins ...publish.Plugin) Option {
	return func(a *Adapter) {
		a.bundle[cat] = append(a.bundle[cat], plugins...)
	}
}

// WithRunnerOptions appends runner options after the config-derived ones.
func WithRunnerOptions(opts ...publish.Option) Option {
	return func(a *Adapter) {
		a.runOpts = append(a.runOpts, opts...)
	}
}

// New builds an uninstalled adapter.
func New(caps Capabilities, reg *registry.Registry, cfg *config.Config, opts ...Option) (*Adapter, error) {
	if caps == nil {
		return nil, fmt.Errorf("host: capabilities are required")
	}
	if reg == nil {
		return nil, fmt.Errorf("host: registry is required")
	}
	a := &Adapter{
		caps:     caps,
		reg:      reg,
		cfg:      cfg,
		session:  environ.FromEnv(nil),
		bundle:   map[registry.Category][]publish.Plugin{},
		handlers: map[EventType][]*handlerEntry{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the host name.
func (a *Adapter) Name() string {
	return a.caps.Name()
}

// Capabilities returns the host capabilities.
func (a *Adapter) Capabilities() Capabilities {
	return a.caps
}

// Installed reports the adapter state.
func (a *Adapter) Installed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.installation != nil
}

// Session returns the current working context.
func (a *Adapter) Session() environ.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Install registers the host's plugin folders, applies the directory mapping
// and subscribes the lifecycle callbacks.
func (a *Adapter) Install() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.installation != nil {
		return ErrAlreadyInstalled
	}
	bundle := registry.Bundle{
		Paths:   map[registry.Category][]string{},
		Plugins: a.bundle,
	}
	if a.cfg != nil {
		for _, cat := range hostCategories {
			bundle.Paths[cat] = append(bundle.Paths[cat], a.cfg.HostPluginPath(a.caps.Name(), string(cat)))
		}
		for _, cat := range registry.Categories {
			bundle.Paths[cat] = append(bundle.Paths[cat], a.cfg.PluginPaths(string(cat))...)
		}
	}
	installation, err := a.reg.Install(bundle)
	if err != nil {
		return fmt.Errorf("host: install %s: %w", a.caps.Name(), err)
	}
	a.installation = installation
	logf(a.logger, "host: installed %s (publish paths %v)", a.caps.Name(), installation.Paths(registry.Publish))

	if a.cfg != nil {
		ApplyDirmap(a.caps, a.cfg.Project.Dirmap, a.logger)
	}

	a.builtins = append(a.builtins, a.onLocked(EventInit, a.onInit))
	if interactive, ok := a.caps.(Interactive); ok && !interactive.Interactive() {
		logf(a.logger, "host: running in batch mode, skipping save/open/new callbacks")
		return nil
	}
	a.builtins = append(a.builtins,
		a.onLocked(EventSave, a.onSave),
		a.onLocked(EventBeforeSave, a.onBeforeSave),
		a.onLocked(EventOpen, a.onOpen),
		a.onLocked(EventNew, a.onNew),
		a.onLocked(EventTaskChanged, a.onTaskChanged),
	)
	return nil
}

// Uninstall removes everything Install registered.
func (a *Adapter) Uninstall() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.installation == nil {
		return ErrNotInstalled
	}
	for _, off := range a.builtins {
		off()
	}
	a.builtins = nil
	a.installation.Uninstall()
	a.installation = nil
	logf(a.logger, "host: uninstalled %s", a.caps.Name())
	return nil
}

// On subscribes fn to an event and returns a function that unsubscribes it.
func (a *Adapter) On(evt EventType, fn Handler) func() {
	a.mu.Lock()
	off := a.onLocked(evt, fn)
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		off()
	}
}

func (a *Adapter) onLocked(evt EventType, fn Handler) func() {
	entry := &handlerEntry{fn: fn}
	a.handlers[evt] = append(a.handlers[evt], entry)
	return func() {
		a.removeHandler(evt, entry)
	}
}

// removeHandler expects a.mu to be held.
func (a *Adapter) removeHandler(evt EventType, entry *handlerEntry) {
	list := a.handlers[evt]
	for idx, candidate := range list {
		if candidate == entry {
			a.handlers[evt] = append(list[:idx:idx], list[idx+1:]...)
			return
		}
	}
}

// Emit dispatches evt to its handlers on the main thread. Handler errors and
// panics are logged and never reach the host.
func (a *Adapter) Emit(evt Event) {
	a.mu.Lock()
	entries := append([]*handlerEntry(nil), a.handlers[evt.Type]...)
	a.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	dispatch := func() {
		for _, entry := range entries {
			if err := guard(func() error { return entry.fn(evt) }); err != nil {
				logf(a.logger, "host: %s callback failed: %v", evt.Type, err)
			}
		}
	}
	if a.main != nil {
		a.main.Post(dispatch)
		return
	}
	dispatch()
}

func (a *Adapter) onInit(Event) error {
	logf(a.logger, "host: running callback on init")
	return nil
}

func (a *Adapter) onSave(Event) error {
	assigned, err := a.caps.AssignNodeIDs()
	if err != nil {
		return fmt.Errorf("assign node ids: %w", err)
	}
	if assigned > 0 {
		logf(a.logger, "host: assigned ids to %d nodes", assigned)
	}
	return nil
}

func (a *Adapter) onBeforeSave(Event) error {
	_, err := a.ValidateFPS()
	return err
}

func (a *Adapter) onOpen(Event) error {
	if _, err := a.ValidateFPS(); err != nil {
		logf(a.logger, "host: fps check skipped: %v", err)
	}
	return a.ApplyContextSettings()
}

func (a *Adapter) onNew(Event) error {
	return a.ApplyContextSettings()
}

func (a *Adapter) onTaskChanged(evt Event) error {
	a.mu.Lock()
	session := a.session
	if evt.Asset != "" {
		session.Asset = evt.Asset
	}
	if evt.Task != "" {
		session = session.WithTask(evt.Task, evt.Workdir)
	} else if evt.Workdir != "" {
		session.Workdir = evt.Workdir
	}
	a.session = session
	a.mu.Unlock()
	if err := session.Apply(a.setenv); err != nil {
		return err
	}
	logf(a.logger, "host: context changed to %s/%s", session.Asset, session.Task)
	return a.ApplyContextSettings()
}

// AssetDocument loads the current asset document.
func (a *Adapter) AssetDocument(ctx context.Context) (docstore.Document, error) {
	if a.store == nil {
		return docstore.Document{}, fmt.Errorf("host: no document store configured")
	}
	session := a.Session()
	return docstore.FindAsset(ctx, a.store, session.Project, session.Asset)
}

// ContextSettings derives the settings for the current asset.
func (a *Adapter) ContextSettings() (ContextSettings, error) {
	asset, err := a.AssetDocument(context.Background())
	if err != nil {
		return ContextSettings{}, err
	}
	var imageio config.ImageIOConfig
	if a.cfg != nil {
		imageio = a.cfg.Project.ImageIO
	}
	return SettingsFromAsset(asset, imageio), nil
}

// ApplyContextSettings sets frame range, resolution and colorspace from the
// current asset.
func (a *Adapter) ApplyContextSettings() error {
	settings, err := a.ContextSettings()
	if err != nil {
		return err
	}
	return settings.Apply(a.caps, a.logger)
}

// ValidateFPS compares the scene fps with the asset fps and logs a warning
// on mismatch. It reports whether they match.
func (a *Adapter) ValidateFPS() (bool, error) {
	settings, err := a.ContextSettings()
	if err != nil {
		return false, err
	}
	scene, err := a.caps.SceneSettings()
	if err != nil {
		return false, fmt.Errorf("read scene settings: %w", err)
	}
	if settings.FPS == 0 {
		return true, nil
	}
	if !FPSMatches(scene.FPS, settings.FPS) {
		logf(a.logger, "host: scene fps %.3f does not match asset fps %.3f", scene.FPS, settings.FPS)
		return false, nil
	}
	return true, nil
}

// Runner builds a runner configured from the project publish settings.
func (a *Adapter) Runner() *publish.Runner {
	opts := []publish.Option{publish.WithHost(a.caps), publish.WithLogger(a.logger)}
	if a.cfg != nil {
		if gate, err := publish.ParseGate(a.cfg.Project.Publish.Gate); err == nil {
			opts = append(opts, publish.WithGate(gate))
		}
		opts = append(opts, publish.WithTargets(a.cfg.Project.Publish.Targets...))
	}
	return publish.NewRunner(append(opts, a.runOpts...)...)
}

// Discover returns the plugins of cat, logging discovery errors.
func (a *Adapter) Discover(cat registry.Category) []publish.Plugin {
	plugins, errs := a.reg.Discover(cat)
	for _, err := range errs {
		logf(a.logger, "host: skipped plugin: %v", err)
	}
	return plugins
}

// NewContext returns a publish context seeded with the session.
func (a *Adapter) NewContext() *publish.Context {
	session := a.Session()
	pctx := publish.NewContext()
	pctx.Set(publish.KeyProject, session.Project)
	pctx.Set(publish.KeyAsset, session.Asset)
	pctx.Set(publish.KeyTask, session.Task)
	pctx.Set(publish.KeyHost, a.caps.Name())
	if session.Workdir != "" {
		pctx.Set(publish.KeyWorkdir, session.Workdir)
	}
	if session.User != "" {
		pctx.Set(publish.KeyUser, session.User)
	}
	return pctx
}

// Publish discovers the publish category and runs it against pctx on the
// main thread.
func (a *Adapter) Publish(pctx *publish.Context) (publish.Report, error) {
	return a.runCategory(registry.Publish, pctx)
}

// Create adds a new instance of family to pctx and runs the create
// category. A nil pctx starts a fresh context.
func (a *Adapter) Create(pctx *publish.Context, family, subset string) (*publish.Instance, publish.Report, error) {
	if pctx == nil {
		pctx = a.NewContext()
	}
	inst := pctx.CreateInstance(subset, family)
	inst.Subset = subset
	inst.Asset = a.Session().Asset
	report, err := a.runCategory(registry.Create, pctx)
	return inst, report, err
}

// Load runs the load category for a subset, version or representation
// document. Loaders are matched on the subset family.
func (a *Adapter) Load(ctx context.Context, doc docstore.Document) (publish.Report, error) {
	subset, err := a.subsetOf(ctx, doc)
	if err != nil {
		return publish.Report{}, err
	}
	family, _ := subset.Data["family"].(string)
	if family == "" {
		return publish.Report{}, fmt.Errorf("host: subset %s has no family", subset.Name)
	}
	pctx := a.NewContext()
	inst := pctx.CreateInstance(subset.Name, family)
	inst.Subset = subset.Name
	for key, value := range doc.Data {
		inst.Set(key, value)
	}
	inst.Set("documentId", doc.ID.String())
	inst.Set("documentType", string(doc.Type))
	if doc.Type == docstore.TypeRepresentation {
		if path, ok := doc.Data["path"].(string); ok {
			inst.Set("path", filepath.Clean(path))
		}
	}
	return a.runCategory(registry.Load, pctx)
}

func (a *Adapter) subsetOf(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	current := doc
	for current.Type != docstore.TypeSubset {
		switch current.Type {
		case docstore.TypeVersion, docstore.TypeRepresentation:
		default:
			return docstore.Document{}, fmt.Errorf("host: cannot load a %s document", current.Type)
		}
		if a.store == nil {
			return docstore.Document{}, fmt.Errorf("host: no document store configured")
		}
		parent, err := a.store.Get(ctx, current.Parent)
		if err != nil {
			return docstore.Document{}, fmt.Errorf("host: resolve parent of %s: %w", current.Name, err)
		}
		current = parent
	}
	return current, nil
}

func (a *Adapter) runCategory(cat registry.Category, pctx *publish.Context) (publish.Report, error) {
	if !a.Installed() {
		return publish.Report{}, ErrNotInstalled
	}
	if pctx == nil {
		return publish.Report{}, fmt.Errorf("host: context is required")
	}
	var report publish.Report
	err := a.onMain(func() error {
		report = a.Runner().Run(pctx, a.Discover(cat))
		return nil
	})
	return report, err
}

// RunAction invokes an operator action of plugin against pctx on the main
// thread.
func (a *Adapter) RunAction(pctx *publish.Context, plugin publish.Plugin, action publish.Action) (publish.Result, error) {
	if !a.Installed() {
		return publish.Result{}, ErrNotInstalled
	}
	if pctx == nil || plugin == nil || action == nil {
		return publish.Result{}, fmt.Errorf("host: context, plugin and action are required")
	}
	var result publish.Result
	err := a.onMain(func() error {
		result = a.Runner().RunAction(pctx, plugin, action)
		return nil
	})
	return result, err
}

// onMain runs fn on the main thread when one is configured, inline otherwise.
func (a *Adapter) onMain(fn func() error) error {
	if a.main != nil {
		return a.main.Call(fn)
	}
	return guard(fn)
}
