// Package theme provides the terminal styles for arctic's CLI output.
package theme

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme holds all the styles used by the CLI.
type Theme struct {
	// Text styles
	Base  lipgloss.Style
	Muted lipgloss.Style
	Faint lipgloss.Style
	Title lipgloss.Style

	// Accent colors
	Primary lipgloss.Style
	Success lipgloss.Style
	Warn    lipgloss.Style
	Danger  lipgloss.Style

	Hint lipgloss.Style
}

var (
	primary = lipgloss.AdaptiveColor{Light: "#0369A1", Dark: "#7DD3FC"} // Ice blue
	success = lipgloss.AdaptiveColor{Light: "#0F7B0F", Dark: "#9ECE6A"}
	warn    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	danger  = lipgloss.AdaptiveColor{Light: "#B00020", Dark: "#F7768E"}
	border  = lipgloss.AdaptiveColor{Light: "#D0D7DE", Dark: "#3B4261"}
	muted   = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A9B1D6"}
	faint   = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#565F89"}
)

// New creates the default theme.
func New() Theme {
	return Theme{
		Base:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#111827", Dark: "#C0CAF5"}),
		Muted: lipgloss.NewStyle().Foreground(muted),
		Faint: lipgloss.NewStyle().Foreground(faint),
		Title: lipgloss.NewStyle().Bold(true),

		Primary: lipgloss.NewStyle().Foreground(primary),
		Success: lipgloss.NewStyle().Foreground(success),
		Warn:    lipgloss.NewStyle().Foreground(warn),
		Danger:  lipgloss.NewStyle().Foreground(danger),

		Hint: lipgloss.NewStyle().Foreground(muted).Italic(true),
	}
}

// StateGlyph renders the glyph and label for a tool-server state.
func (t Theme) StateGlyph(state, label string) string {
	switch state {
	case "connected":
		return t.Success.Render("✓ " + label)
	case "connecting":
		return t.Primary.Render("◐ " + label)
	case "needs_auth", "needs_client_registration":
		return t.Warn.Render("⚠ " + label)
	case "failed":
		return t.Danger.Render("✗ " + label)
	case "disabled":
		return t.Faint.Render("○ " + label)
	default:
		return t.Muted.Render("○ " + label)
	}
}

// StatusPill renders a state as a pill with a background color.
func (t Theme) StatusPill(state string) string {
	pill := lipgloss.NewStyle().Padding(0, 1).Bold(true)
	switch state {
	case "connected", "success":
		return pill.Background(lipgloss.Color("#14532D")).
			Foreground(lipgloss.Color("#DCFCE7")).Render("● OK")
	case "pending", "slow_down", "connecting":
		return pill.Background(lipgloss.Color("#713F12")).
			Foreground(lipgloss.Color("#FEF3C7")).Render("◐ ...")
	case "failed", "expired", "denied":
		return pill.Background(lipgloss.Color("#7F1D1D")).
			Foreground(lipgloss.Color("#FEE2E2")).Render("✖ ERR")
	default:
		return pill.Background(lipgloss.Color("#374151")).
			Foreground(lipgloss.Color("#E5E7EB")).Render("○ " + strings.ToUpper(state))
	}
}

// RenderPane renders content in a pane with the title embedded in the
// top border:
//
//	╭─┤ Multi-Account ├────────────────────────╮
//	│ content here                             │
//	╰──────────────────────────────────────────╯
func (t Theme) RenderPane(title, content string, width int) string {
	if width < 10 {
		width = 10
	}

	borderStyle := lipgloss.NewStyle().Foreground(border)
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(primary)

	// 2 for borders, 2 for padding
	contentWidth := width - 4

	titleText := titleStyle.Render(title)
	titleWidth := lipgloss.Width(titleText)
	// "╭─┤ " + title + " ├" + rest + "╮"
	restWidth := width - titleWidth - 7
	if restWidth < 0 {
		restWidth = 0
	}

	header := borderStyle.Render("╭─┤ ") + titleText + borderStyle.Render(" ├"+strings.Repeat("─", restWidth)+"╮")

	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		padding := contentWidth - lipgloss.Width(line)
		if padding < 0 {
			padding = 0
		}
		body.WriteString(borderStyle.Render("│ "))
		body.WriteString(line)
		body.WriteString(strings.Repeat(" ", padding))
		body.WriteString(borderStyle.Render(" │"))
		body.WriteString("\n")
	}

	footer := borderStyle.Render("╰" + strings.Repeat("─", width-2) + "╯")
	return header + "\n" + body.String() + footer
}
