package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/pype/internal/publish"
)

var (
	labelStyleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleInvalid = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleAction  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	stageStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

func (a *App) renderResults() string {
	var b strings.Builder
	var stage publish.Stage
	for idx, result := range a.report.Results {
		if result.Stage != stage && result.Action == "" {
			stage = result.Stage
			b.WriteString(stageStyle.Render(strings.ToUpper(string(stage))))
			b.WriteString("\n")
		}
		b.WriteString(renderResultLine(result, idx == a.selection))
		b.WriteString("\n")
	}
	for _, skip := range a.report.Skipped {
		b.WriteString(labelStyleSkipped.Render(fmt.Sprintf("  - %s [skipped: %s]", skip.Plugin, skip.Reason)))
		b.WriteString("\n")
	}
	if a.report.Stopped {
		b.WriteString(labelStyleError.Render(fmt.Sprintf("Stopped after %s", a.report.StoppedAt)))
		b.WriteString("\n")
	}
	if result, ok := a.selectedResult(); ok {
		b.WriteString("\n")
		b.WriteString(a.renderDetails(result))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderResultLine(result publish.Result, selected bool) string {
	indicator := "  "
	if selected {
		indicator = "> "
	}
	name := result.Label
	if name == "" {
		name = result.Plugin
	}
	if result.Action != "" {
		name = fmt.Sprintf("%s → %s", name, result.Action)
	}
	target := ""
	if result.Instance != "" {
		target = " · " + result.Instance
	}
	return fmt.Sprintf("%s%s%s %s", indicator, name, target, statusLabel(result))
}

func statusLabel(result publish.Result) string {
	switch {
	case result.Action != "" && result.Success:
		return labelStyleAction.Render("[action ok]")
	case result.Success:
		return labelStyleOK.Render("[ok]")
	case result.Kind == publish.KindValidation:
		return labelStyleInvalid.Render("[invalid]")
	default:
		return labelStyleError.Render("[error]")
	}
}

func (a *App) renderDetails(result publish.Result) string {
	lines := []string{
		fmt.Sprintf("Plugin: %s (order %.2f)", result.Plugin, result.Order),
		fmt.Sprintf("Duration: %s", result.Duration.Round(time.Microsecond)),
	}
	if result.Message != "" {
		lines = append(lines, "Error: "+result.Message)
	}
	if len(result.Nodes) > 0 {
		lines = append(lines, "Nodes: "+strings.Join(result.Nodes, ", "))
	}
	if actions := a.selectedActions(); len(actions) > 0 {
		labels := make([]string, 0, len(actions))
		for idx, action := range actions {
			label := action.Label()
			if idx == a.actionIdx%len(actions) {
				label = "*" + label
			}
			labels = append(labels, label)
		}
		lines = append(lines, "Actions: "+strings.Join(labels, "  "))
	}
	for _, record := range result.Records {
		lines = append(lines, fmt.Sprintf("%s %s", record.Level, record.Message))
	}
	return detailTextStyle.Render(strings.Join(lines, "\n"))
}
