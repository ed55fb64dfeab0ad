// Package ui renders CLI output.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/store"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	labelStyle = lipgloss.NewStyle().Width(10)
	countStyle = lipgloss.NewStyle().Width(6).Align(lipgloss.Right)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// RenderAccent highlights headings and progress markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders failures.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Interactive reports whether both stdin and stdout are terminals.
func Interactive() bool {
	return IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}

// RenderStatus colors a status name by severity.
func RenderStatus(status record.Status) string {
	s := string(status)
	switch status {
	case record.StatusSynced:
		return RenderPass(s)
	case record.StatusError:
		return RenderFail(s)
	case record.StatusConflict:
		return RenderWarn(s)
	case record.StatusSyncing:
		return RenderAccent(s)
	default:
		return s
	}
}

// RenderStats draws the per-status counts in a box.
func RenderStats(stats store.Stats) string {
	var b strings.Builder
	for i, status := range record.AllStatuses {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(labelStyle.Render(RenderStatus(status)))
		b.WriteString(countStyle.Render(fmt.Sprint(stats.Count(status))))
	}
	b.WriteByte('\n')
	b.WriteString(labelStyle.Render("total"))
	b.WriteString(countStyle.Render(fmt.Sprint(stats.Total)))
	return boxStyle.Render(b.String())
}
