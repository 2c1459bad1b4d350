package testutil

import "github.com/charmbracelet/x/ansi"

// StripANSI removes lipgloss styling so rendered output can be compared as
// plain text.
func StripANSI(s string) string {
	return ansi.Strip(s)
}
