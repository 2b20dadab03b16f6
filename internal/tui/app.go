// internal/tui/app.go
//
// This is the interactive publish window for pype.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: the publish context, the last report and the selection
// 2. Update: key presses and finished runs produce a new model
// 3. View: the result list, the detail pane and the journal tail
//
// Publishes and actions run as commands so the window keeps redrawing.

package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/pype/internal/logbook"
	"github.com/kingrea/pype/internal/publish"
	"github.com/kingrea/pype/internal/registry"
)

// Session is the host side the window drives. *host.Adapter implements it.
type Session interface {
	Name() string
	NewContext() *publish.Context
	Publish(pctx *publish.Context) (publish.Report, error)
	Discover(cat registry.Category) []publish.Plugin
	RunAction(pctx *publish.Context, plugin publish.Plugin, action publish.Action) (publish.Result, error)
}

// ContextHook prepares every fresh publish context, e.g. to add dump paths.
type ContextHook func(pctx *publish.Context)

// AppOption customizes App construction.
type AppOption func(*App)

// WithLogbook records each run in the journal and shows its tail.
func WithLogbook(lb *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = lb
	}
}

// WithContextHook installs hook for every publish.
func WithContextHook(hook ContextHook) AppOption {
	return func(a *App) {
		a.hook = hook
	}
}

type publishFinishedMsg struct {
	pctx   *publish.Context
	report publish.Report
	err    error
}

type actionFinishedMsg struct {
	result publish.Result
	err    error
}

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	session Session
	logbook *logbook.Logbook
	hook    ContextHook
	keys    keyMap
	help    help.Model

	pctx      *publish.Context
	report    publish.Report
	hasReport bool
	running   bool

	selection int
	// actionIdx indexes the actions offered for the selected result.
	actionIdx int
	statusMsg string

	width  int
	height int
}

// NewApp builds the window for session.
func NewApp(session Session, opts ...AppOption) *App {
	app := &App{session: session, keys: defaultKeyMap(), help: help.New()}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app
}

// Report returns the last finished run.
func (a *App) Report() (publish.Report, bool) {
	return a.report, a.hasReport
}

// Init starts the first publish.
func (a *App) Init() tea.Cmd {
	return a.startPublish()
}

func (a *App) startPublish() tea.Cmd {
	a.running = true
	a.statusMsg = "Publishing…"
	session := a.session
	hook := a.hook
	return func() tea.Msg {
		pctx := session.NewContext()
		if hook != nil {
			hook(pctx)
		}
		report, err := session.Publish(pctx)
		return publishFinishedMsg{pctx: pctx, report: report, err: err}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case publishFinishedMsg:
		a.running = false
		a.pctx = msg.pctx
		a.report = msg.report
		a.hasReport = true
		a.selection = 0
		a.actionIdx = 0
		if a.logbook != nil {
			if msg.err != nil {
				a.logbook.Error("publish %s: %v", a.session.Name(), msg.err)
			} else {
				a.logbook.RecordReport("publish "+a.session.Name(), msg.report)
			}
		}
		switch {
		case msg.err != nil:
			a.statusMsg = fmt.Sprintf("Publish error: %v", msg.err)
		case msg.report.Success():
			a.statusMsg = fmt.Sprintf("Published · %d results", len(msg.report.Results))
		default:
			a.statusMsg = fmt.Sprintf("%d of %d results failed", len(msg.report.Failed()), len(msg.report.Results))
		}
		return a, nil

	case actionFinishedMsg:
		a.running = false
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Action error: %v", msg.err)
			if a.logbook != nil {
				a.logbook.Error("action on %s: %v", a.session.Name(), msg.err)
			}
			return a, nil
		}
		a.report.Results = append(a.report.Results, msg.result)
		if a.logbook != nil {
			a.logbook.Info("action %s on %s: success=%t", msg.result.Action, msg.result.Plugin, msg.result.Success)
		}
		if msg.result.Success {
			a.statusMsg = fmt.Sprintf("%s finished · press r to publish again", msg.result.Action)
		} else {
			a.statusMsg = fmt.Sprintf("%s failed: %s", msg.result.Action, msg.result.Message)
		}
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.Quit):
		return a, tea.Quit
	case key.Matches(msg, a.keys.Up):
		if a.selection > 0 {
			a.selection--
			a.actionIdx = 0
		}
	case key.Matches(msg, a.keys.Down):
		if a.selection < len(a.report.Results)-1 {
			a.selection++
			a.actionIdx = 0
		}
	case key.Matches(msg, a.keys.Publish):
		if a.running {
			return a, nil
		}
		return a, a.startPublish()
	case key.Matches(msg, a.keys.Action):
		actions := a.selectedActions()
		if len(actions) == 0 {
			a.statusMsg = "No actions for this result"
			return a, nil
		}
		a.actionIdx = (a.actionIdx + 1) % len(actions)
		a.statusMsg = fmt.Sprintf("Action: %s · enter to run", actions[a.actionIdx].Label())
	case key.Matches(msg, a.keys.Run):
		if a.running {
			return a, nil
		}
		return a, a.runSelectedAction()
	}
	return a, nil
}

func (a *App) selectedResult() (publish.Result, bool) {
	if a.selection < 0 || a.selection >= len(a.report.Results) {
		return publish.Result{}, false
	}
	return a.report.Results[a.selection], true
}

func (a *App) selectedPlugin() (publish.Plugin, bool) {
	result, ok := a.selectedResult()
	if !ok {
		return nil, false
	}
	for _, plugin := range a.session.Discover(registry.Publish) {
		if plugin.Spec().Normalized().Name == result.Plugin {
			return plugin, true
		}
	}
	return nil, false
}

func (a *App) selectedActions() []publish.Action {
	if a.pctx == nil {
		return nil
	}
	plugin, ok := a.selectedPlugin()
	if !ok {
		return nil
	}
	return publish.AvailableActions(a.pctx.Results(), plugin)
}

func (a *App) runSelectedAction() tea.Cmd {
	actions := a.selectedActions()
	if len(actions) == 0 {
		a.statusMsg = "No actions for this result"
		return nil
	}
	plugin, _ := a.selectedPlugin()
	action := actions[a.actionIdx%len(actions)]
	a.running = true
	a.statusMsg = fmt.Sprintf("Running %s…", action.Label())
	session := a.session
	pctx := a.pctx
	return func() tea.Msg {
		result, err := session.RunAction(pctx, plugin, action)
		return actionFinishedMsg{result: result, err: err}
	}
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render(fmt.Sprintf("⬡ PYPE · %s", a.session.Name()))

	var content string
	switch {
	case !a.hasReport:
		content = "Collecting…"
	case len(a.report.Results) == 0:
		content = "Nothing was published."
	default:
		content = a.renderResults()
	}
	main := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width-4)).
		Render(content)

	sections := []string{header, main}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(strings.TrimSpace(a.statusMsg + "\n" + a.help.View(a.keys)))
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, _ := a.logbook.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}
