// Package replay renders session transcripts for review, either as plain
// text or in an interactive pager that can follow a live session file.
package replay

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/robun/robun/internal/session"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	metaStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Render formats a session transcript, one block per message.
func Render(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", metaStyle.Render(fmt.Sprintf(
		"session %s · %d messages · updated %s",
		sess.Key, len(sess.Messages), sess.UpdatedAt.Format("2006-01-02 15:04:05"))))
	b.WriteString("\n")

	for i, msg := range sess.Messages {
		b.WriteString(renderMessage(i+1, msg))
		b.WriteString("\n")
	}
	return b.String()
}

// renderMessage formats one transcript entry with its role header.
func renderMessage(seq int, msg session.Message) string {
	ts := msg.Timestamp
	if len(ts) > 19 {
		ts = ts[:19]
	}
	header := fmt.Sprintf("[%d] %s %s", seq, strings.ToUpper(msg.Role), metaStyle.Render(ts))

	var style lipgloss.Style
	switch msg.Role {
	case session.RoleUser:
		style = userStyle
	case session.RoleAssistant:
		style = assistantStyle
	case session.RoleTool:
		style = toolStyle
	default:
		style = systemStyle
	}

	var b strings.Builder
	b.WriteString(style.Render(header))
	b.WriteString("\n")

	if len(msg.ToolCalls) > 0 {
		for _, tc := range msg.ToolCalls {
			b.WriteString(toolStyle.Render(fmt.Sprintf("  → %s(%s) [%s]", tc.Name, truncate(tc.Arguments, 120), tc.ID)))
			b.WriteString("\n")
		}
	}
	if msg.ToolCallID != "" {
		b.WriteString(metaStyle.Render("  answers " + msg.ToolCallID))
		b.WriteString("\n")
	}
	if msg.Content != "" {
		for _, line := range strings.Split(strings.TrimRight(msg.Content, "\n"), "\n") {
			b.WriteString("  " + line + "\n")
		}
	}
	if len(msg.ToolsUsed) > 0 {
		b.WriteString(metaStyle.Render("  tools: " + strings.Join(msg.ToolsUsed, ", ")))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
