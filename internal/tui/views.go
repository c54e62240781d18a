package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/screen"
)

func (a *App) View() string {
	switch a.view {
	case ViewSessionList:
		return a.viewSessionList()
	case ViewNewSession:
		return a.viewNewSession()
	case ViewSession:
		return a.viewSession()
	case ViewTranscript:
		return a.viewTranscript()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusConnected = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	summaryStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("46")).
			Padding(0, 1)

	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
)

func (a *App) viewSessionList() string {
	s := titleStyle.Render("Journey") + "\n\n"

	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.sessions) == 0 {
		s += "No sessions yet. Press 'n' to start one.\n"
	} else {
		s += "Recent Sessions\n"
		s += "───────────────\n"

		for i, sess := range a.sessions {
			line := a.formatSessionLine(sess)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if sess.EndedAt != nil {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[n] new  [enter] transcript  [d] delete  [r] refresh  [q] quit")
	return s
}

func (a *App) formatSessionLine(sess *models.Session) string {
	status := formatStatus(sess.Status)
	age := formatAge(sess.CreatedAt)
	duration := ""
	if sess.EndedAt != nil {
		duration = formatDuration(sess.EndedAt.Sub(sess.CreatedAt))
	}
	return fmt.Sprintf("%-8s %-16s %s  %-4s %-7s %s",
		truncate(sess.ID, 8), truncate(sess.JourneyID, 16), status, age, duration, sess.CurrentAgent)
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatStatus(status models.SessionStatus) string {
	switch status {
	case models.SessionStatusConnected:
		return statusConnected.Render("● connected   ")
	case models.SessionStatusComplete:
		return statusComplete.Render("✓ complete    ")
	case models.SessionStatusFailed:
		return statusFailed.Render("✗ failed      ")
	case models.SessionStatusDisconnected:
		return statusPending.Render("○ disconnected")
	default:
		return statusPending.Render("○ " + fmt.Sprintf("%-12s", status))
	}
}

func (a *App) viewNewSession() string {
	s := titleStyle.Render("New Session") + "\n\n"

	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	if len(a.journeys) == 0 {
		s += "  (no journeys found)\n"
	}
	for i, j := range a.journeys {
		line := fmt.Sprintf("%-20s %s", j.ID, dimStyle.Render(truncate(j.Description, 50)))
		if i == a.journeyIdx {
			line = selectedStyle.Render("▶ " + fmt.Sprintf("%-20s %s", j.ID, truncate(j.Description, 50)))
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}

	s += "\n" + helpStyle.Render("[enter] screens only  [v] with voice  [esc] cancel")
	return s
}

func (a *App) viewSession() string {
	if a.live == nil {
		return "No session"
	}
	snap := a.live.session.Snapshot()

	header := fmt.Sprintf("%s · %s", snap.Session.JourneyID, snap.Agent)
	s := titleStyle.Render(header) + "  " + formatStatus(snap.Session.Status) +
		"  " + labelStyle.Render("voice: ") + snap.Voice + "\n\n"

	s += renderScreen(snap.View, a.width)
	if len(snap.State) > 0 {
		s += labelStyle.Render("State: ") + dimStyle.Render(formatState(snap.State)) + "\n"
	}
	s += "\n"

	s += labelStyle.Render("Transcript") + "\n"
	s += a.transcript.View() + "\n"

	if len(a.live.activity) > 0 {
		s += labelStyle.Render("Activity") + "\n"
		for _, line := range a.live.activity {
			s += dimStyle.Render("  "+line) + "\n"
		}
	}

	if a.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	} else if a.notice != "" {
		s += dimStyle.Render(a.notice) + "\n"
	}

	s += a.input.View() + "\n"
	s += helpStyle.Render("[enter] send  [pgup/pgdown] scroll  [esc] end session  /help commands")
	return s
}

func (a *App) viewTranscript() string {
	s := titleStyle.Render("Transcript") + "\n\n"
	s += a.transcript.View() + "\n"
	s += "\n" + helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")
	return s
}

// renderScreen draws the current screen's sections as boxes of element
// lines.
func renderScreen(v *screen.View, width int) string {
	if v == nil {
		return dimStyle.Render("(no screen)") + "\n"
	}

	title := v.Title
	if title == "" {
		title = v.ScreenID
	}
	nav := ""
	if v.CanGoBack {
		nav = dimStyle.Render("‹ back  ")
	}
	s := nav + lipgloss.NewStyle().Bold(true).Render(title) + dimStyle.Render(fmt.Sprintf("  [%s · depth %d]", v.ScreenID, v.Depth)) + "\n"

	boxWidth := 0
	if width > 8 {
		boxWidth = width - 4
	}
	for _, section := range v.Sections {
		if len(section.Elements) == 0 {
			continue
		}
		lines := make([]string, 0, len(section.Elements))
		for _, el := range section.Elements {
			lines = append(lines, formatElement(el))
		}
		style := sectionStyle
		if boxWidth > 0 {
			style = style.Width(boxWidth)
		}
		s += style.Render(strings.Join(lines, "\n")) + "\n"
	}

	if v.Summary != nil {
		body := lipgloss.NewStyle().Bold(true).Render(v.Summary.Title) + "\n" + v.Summary.Summary
		s += summaryStyle.Render(body) + "\n"
	}
	return s
}

func formatElement(el screen.ElementView) string {
	text := ""
	for _, key := range []string{"text", "title", "label", "question", "value"} {
		if v, ok := el.State[key]; ok {
			text = fmt.Sprint(v)
			break
		}
	}
	id := el.ID
	if id != "" {
		id = dimStyle.Render(" #" + id)
	}
	return fmt.Sprintf("%s %s%s", labelStyle.Render("["+el.Type+"]"), text, id)
}

func formatState(state map[string]any) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, state[k]))
	}
	return truncate(strings.Join(parts, " "), 120)
}

func formatTurn(e events.Event) string {
	ts := e.Time.Format("15:04:05")
	if e.String("role") == "user" {
		return dimStyle.Render(ts) + " " + userStyle.Render("you") + ": " + e.String("text")
	}
	return dimStyle.Render(ts) + " " + assistantStyle.Render(e.String("agent")) + ": " + e.String("text")
}

func formatActivity(e events.Event) string {
	ts := e.Time.Format("15:04:05")
	switch e.Type {
	case events.ScreenChanged:
		return fmt.Sprintf("%s screen → %s", ts, e.String("screen"))
	case events.AgentHandoff:
		return fmt.Sprintf("%s handoff %s → %s", ts, e.String("from"), e.String("to"))
	case events.ToolCall:
		return fmt.Sprintf("%s tool %s (%s)", ts, e.String("tool"), e.String("source"))
	case events.ConnectionState:
		return fmt.Sprintf("%s voice %s", ts, e.String("state"))
	case events.ConversationComplete:
		return fmt.Sprintf("%s conversation complete", ts)
	case events.NavigationFailed:
		return fmt.Sprintf("%s navigation failed: %s", ts, e.String("screen"))
	}
	return fmt.Sprintf("%s %s", ts, e.Type)
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
