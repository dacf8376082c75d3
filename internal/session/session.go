// Package session provides conversation transcripts and their JSONL
// persistence.
package session

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ToolCall is one function call recorded on an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a conversation transcript. A tool-role message
// carries the ToolCallID it answers; an assistant message that requested
// tools carries the ToolCalls it issued.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Timestamp  string     `json:"timestamp"`
	ToolsUsed  []string   `json:"tools_used,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Session is the ordered transcript of one conversation under one
// channel:chatID key.
type Session struct {
	Key              string         `json:"key"`
	Messages         []Message      `json:"messages"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastConsolidated int            `json:"last_consolidated"`
}

// NewSession creates an empty session for the given key.
func NewSession(key string) *Session {
	now := time.Now().UTC()
	return &Session{
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// Append adds a message and bumps the update time. A zero timestamp is
// filled in.
func (s *Session) Append(msg Message) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// Clear drops the transcript and resets the consolidation pointer.
func (s *Session) Clear() {
	s.Messages = nil
	s.LastConsolidated = 0
	s.UpdatedAt = time.Now().UTC()
}

// Window returns the last n messages (all of them when n <= 0 or the
// transcript is shorter).
func (s *Session) Window(n int) []Message {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}
