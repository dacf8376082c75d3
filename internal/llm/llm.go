// Package llm provides the LLM provider abstraction and the
// function-calling message shapes used by the agent loop.
package llm

import (
	"context"
)

// Finish reasons reported on a ChatResponse.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// ContentPart is one element of a multimodal user message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image as a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// Message is one transcript entry in provider-neutral form.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ToolDef is an LLM-facing tool definition. Parameters is a JSON-Schema
// object compatible with OpenAI function calling.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is one call to a provider.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Tools       []ToolDef `json:"tools,omitempty"`
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the provider's answer: textual content, tool calls, or
// an error surface (FinishError with a human-readable Content).
type ChatResponse struct {
	Content      string     `json:"content"`
	Thinking     string     `json:"thinking,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// HasToolCalls reports whether the model requested any function calls.
func (r *ChatResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Provider is the capability interface for a chat-completion backend. A
// transport-layer failure must be returned as a ChatResponse with
// FinishReason "error" rather than an error, so the agent loop can surface
// it conversationally; the error return is reserved for context
// cancellation.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
