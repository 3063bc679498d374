package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/herd/internal/replication"
)

var (
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle        = lipgloss.NewStyle().Foreground(successColor)
	warnStyle      = lipgloss.NewStyle().Foreground(warningColor)
	errStyle       = lipgloss.NewStyle().Foreground(errorColor)

	phaseStyles = map[replication.Phase]lipgloss.Style{
		replication.PhaseIdle:    okStyle,
		replication.PhasePulling: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		replication.PhasePushing: lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		replication.PhaseError:   errStyle,
		replication.PhaseStopped: subtleStyle,
	}
)
