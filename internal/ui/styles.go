// Package ui renders CLI output with lipgloss, degrading to plain text when
// stdout is not a color terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	if !IsTerminal(os.Stdout) || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string { return passStyle.Render(s) }
func RenderWarn(s string) string { return warnStyle.Render(s) }
func RenderFail(s string) string { return failStyle.Render(s) }
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderStatus colors a queue or report status word.
func RenderStatus(status string) string {
	switch status {
	case "applied", "ok":
		return RenderPass(status)
	case "pending", "in-flight":
		return RenderAccent(status)
	case "failed", "rejected":
		return RenderFail(status)
	default:
		return status
	}
}

// Table writes rows under headers with columns padded to their widest cell.
// Widths are measured on rendered text so styled cells line up.
func Table(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style func(string) string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := 0
			if i < len(widths) {
				pad = widths[i] - lipgloss.Width(cell)
			}
			parts[i] = style(cell) + strings.Repeat(" ", pad)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(headers, func(s string) string { return headerStyle.Render(s) })
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
}
