package common

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/fedhub/domain"
	"github.com/muesli/termenv"
)

const (
	COLOR_GREY      = "241"
	COLOR_MAGENTA   = "170"
	COLOR_LIGHTBLUE = "69"
	COLOR_PURPLE    = "#7D56F4"
	COLOR_GREEN     = "35"
	COLOR_RED       = "160"
)

var (
	HelpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREY)).Padding(0, 2)
	CaptionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_MAGENTA)).Bold(true)
	HeaderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_PURPLE)).Bold(true).Padding(0, 1)
	CellStyle    = lipgloss.NewStyle().Padding(0, 1)
	OkStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREEN))
	FailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_RED))
	PendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_LIGHTBLUE))
)

// UseOutput picks the color profile of w, plain text when it is not a terminal.
func UseOutput(w io.Writer) {
	lipgloss.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
}

// Table renders rows under headers with rounded borders.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREY))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			return CellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.Render()
}

// Status colors a delivery report status by outcome.
func Status(s domain.ReportStatus) string {
	switch {
	case s == domain.StatusPosted || s == domain.StatusDelivered || s == domain.StatusUpdated || s == domain.StatusDeleted:
		return OkStyle.Render(string(s))
	case !s.Terminal():
		return PendingStyle.Render(string(s))
	}
	return FailStyle.Render(string(s))
}

func Caption(s string) string {
	return CaptionStyle.Render(strings.ToUpper(s))
}
