package replay

import (
	"strings"
	"testing"

	"github.com/robun/robun/internal/session"
)

func TestRenderTranscript(t *testing.T) {
	sess := session.NewSession("cli:u1")
	sess.Append(session.Message{Role: session.RoleUser, Content: "hello", Timestamp: "2026-08-06T10:00:00Z"})
	sess.Append(session.Message{
		Role: session.RoleAssistant,
		ToolCalls: []session.ToolCall{
			{ID: "t1", Name: "read_file", Arguments: `{"path":"a.txt"}`},
		},
		Timestamp: "2026-08-06T10:00:01Z",
	})
	sess.Append(session.Message{Role: session.RoleTool, Content: "contents", ToolCallID: "t1", Timestamp: "2026-08-06T10:00:02Z"})
	sess.Append(session.Message{Role: session.RoleAssistant, Content: "done", ToolsUsed: []string{"read_file"}, Timestamp: "2026-08-06T10:00:03Z"})

	out := Render(sess)

	if !strings.Contains(out, "session cli:u1 · 4 messages") {
		t.Errorf("header missing:\n%s", out)
	}
	if !strings.Contains(out, "[1] USER") || !strings.Contains(out, "  hello") {
		t.Errorf("user block missing:\n%s", out)
	}
	if !strings.Contains(out, `→ read_file({"path":"a.txt"}) [t1]`) {
		t.Errorf("tool call line missing:\n%s", out)
	}
	if !strings.Contains(out, "answers t1") {
		t.Errorf("tool result linkage missing:\n%s", out)
	}
	if !strings.Contains(out, "tools: read_file") {
		t.Errorf("toolsUsed annotation missing:\n%s", out)
	}
}

func TestRenderTruncatesLongArguments(t *testing.T) {
	sess := session.NewSession("cli:u1")
	sess.Append(session.Message{
		Role: session.RoleAssistant,
		ToolCalls: []session.ToolCall{
			{ID: "t1", Name: "exec", Arguments: strings.Repeat("x", 500)},
		},
	})
	out := Render(sess)
	if !strings.Contains(out, "…") {
		t.Error("long arguments not truncated")
	}
}
