package logview

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/camkit/camkit/api"
)

var (
	styleSevere  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleRoutine = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleDebug   = lipgloss.NewStyle().Faint(true)
)

// severityStyle maps a severity to its display style. Nil means the
// line renders plain, which is what repetition markers and unparsed
// lines get.
func severityStyle(s api.Severity) *lipgloss.Style {
	switch s {
	case api.SeverityEmergency, api.SeverityAlert, api.SeverityCritical, api.SeverityError:
		return &styleSevere
	case api.SeverityWarning:
		return &styleWarning
	case api.SeverityNotice, api.SeverityInfo:
		return &styleRoutine
	case api.SeverityDebug:
		return &styleDebug
	default:
		return nil
	}
}

// renderLine produces the display form of one entry. Entries that never
// parsed keep their raw text; everything else re-renders in the wire
// format so output is uniform no matter which fields were present.
func renderLine(e api.SyslogEntry, color bool) string {
	var line string
	if e.Timestamp == "" {
		line = e.Message
	} else {
		line = api.FormatSyslogLine(e)
	}

	if !color {
		return line
	}
	style := severityStyle(e.Severity)
	if style == nil {
		return line
	}
	return style.Render(line)
}
