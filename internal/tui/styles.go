package tui

import "github.com/charmbracelet/lipgloss"

// Row statuses shown in the STATUS column.
const (
	StatusPending      = "pending"
	StatusProvisioning = "provisioning"
	StatusInstalled    = "installed"
	StatusReused       = "reused"
	StatusFallback     = "fallback"
	StatusError        = "error"
)

var (
	// HeaderStyle styles the column header row.
	HeaderStyle = lipgloss.NewStyle().Bold(true)

	// TitleStyle styles the table title.
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))

	statusStyles = map[string]lipgloss.Style{
		StatusInstalled: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		StatusReused:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),

		StatusProvisioning: lipgloss.NewStyle().Foreground(lipgloss.Color("4")),

		// Installed, but by a system package manager rather than the store.
		StatusFallback: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),

		StatusError: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),

		StatusPending: lipgloss.NewStyle().Faint(true),
	}
)

// StatusStyle returns the lipgloss style for the given status string.
func StatusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// Terminal reports whether status marks a finished row.
func Terminal(status string) bool {
	switch status {
	case StatusInstalled, StatusReused, StatusFallback, StatusError:
		return true
	}
	return false
}
