package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/google"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openaicompat"

	"github.com/robun/robun/internal/config"
)

// Retry configuration defaults.
const (
	defaultMaxRetries  = 3
	defaultInitBackoff = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	backoffFactor      = 2.0
)

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable")
}

func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// FantasyProvider wraps a fantasy.LanguageModel behind the Provider
// interface, adding transient-error retry with exponential backoff and the
// error-shaped response contract.
type FantasyProvider struct {
	model     fantasy.LanguageModel
	maxTokens int
}

// NewFantasyProvider wraps a fantasy LanguageModel.
func NewFantasyProvider(model fantasy.LanguageModel, maxTokens int) *FantasyProvider {
	return &FantasyProvider{model: model, maxTokens: maxTokens}
}

// Chat implements Provider. Transport failures become a ChatResponse with
// FinishReason "error" and a human-readable Content; only context
// cancellation is returned as a Go error.
func (p *FantasyProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	call := fantasy.Call{
		Prompt: toPrompt(req.Messages),
		Tools:  toTools(req.Tools),
	}
	maxTokens := int64(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	if maxTokens > 0 {
		call.MaxOutputTokens = &maxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		call.Temperature = &temp
	}

	var resp *fantasy.Response
	var err error
	backoff := defaultInitBackoff
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		resp, err = p.model.Generate(ctx, call)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryableError(err) || attempt == defaultMaxRetries {
			return &ChatResponse{
				Content:      fmt.Sprintf("LLM request failed: %v", err),
				FinishReason: FinishError,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > defaultMaxBackoff {
			backoff = defaultMaxBackoff
		}
	}

	return fromResponse(resp), nil
}

// toPrompt converts provider-neutral messages to a fantasy Prompt.
func toPrompt(messages []Message) fantasy.Prompt {
	var prompt fantasy.Prompt
	for _, m := range messages {
		switch m.Role {
		case "system":
			prompt = append(prompt, fantasy.NewSystemMessage(m.Content))
		case "user":
			if len(m.Parts) > 0 {
				prompt = append(prompt, fantasy.Message{
					Role:    fantasy.MessageRoleUser,
					Content: toUserParts(m.Parts),
				})
			} else {
				prompt = append(prompt, fantasy.NewUserMessage(m.Content))
			}
		case "assistant":
			var parts []fantasy.MessagePart
			if m.Content != "" {
				parts = append(parts, fantasy.TextPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				parts = append(parts, fantasy.ToolCallPart{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Input:      string(argsJSON),
				})
			}
			prompt = append(prompt, fantasy.Message{
				Role:    fantasy.MessageRoleAssistant,
				Content: parts,
			})
		case "tool":
			prompt = append(prompt, fantasy.Message{
				Role: fantasy.MessageRoleTool,
				Content: []fantasy.MessagePart{
					fantasy.ToolResultPart{
						ToolCallID: m.ToolCallID,
						Output:     fantasy.ToolResultOutputContentText{Text: m.Content},
					},
				},
			})
		}
	}
	return prompt
}

func toUserParts(parts []ContentPart) []fantasy.MessagePart {
	var out []fantasy.MessagePart
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, fantasy.TextPart{Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, fantasy.FilePart{
					MediaType: mediaTypeFromDataURI(p.ImageURL.URL),
					Data:      dataFromDataURI(p.ImageURL.URL),
				})
			}
		}
	}
	return out
}

func toTools(defs []ToolDef) []fantasy.Tool {
	var tools []fantasy.Tool
	for _, d := range defs {
		tools = append(tools, fantasy.FunctionTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Parameters,
		})
	}
	return tools
}

// fromResponse extracts text, reasoning and tool calls from a fantasy
// response, repairing malformed tool-argument JSON on the way.
func fromResponse(resp *fantasy.Response) *ChatResponse {
	out := &ChatResponse{
		FinishReason: mapFinishReason(string(resp.FinishReason)),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for _, content := range resp.Content {
		switch c := content.(type) {
		case *fantasy.TextContent:
			out.Content += c.Text
		case fantasy.TextContent:
			out.Content += c.Text
		case *fantasy.ReasoningContent:
			out.Thinking += c.Text
		case fantasy.ReasoningContent:
			out.Thinking += c.Text
		case *fantasy.ToolCallContent:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   c.ToolCallID,
				Name: c.ToolName,
				Args: ParseToolArguments(c.Input),
			})
		case fantasy.ToolCallContent:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   c.ToolCallID,
				Name: c.ToolName,
				Args: ParseToolArguments(c.Input),
			})
		}
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == FinishStop {
		out.FinishReason = FinishToolCalls
	}
	return out
}

func mapFinishReason(reason string) string {
	switch strings.ToLower(reason) {
	case "tool_calls", "tool-calls", "tool_use":
		return FinishToolCalls
	case "length", "max_tokens", "max-tokens":
		return FinishLength
	case "error":
		return FinishError
	default:
		return FinishStop
	}
}

func mediaTypeFromDataURI(uri string) string {
	if rest, ok := strings.CutPrefix(uri, "data:"); ok {
		if i := strings.Index(rest, ";"); i > 0 {
			return rest[:i]
		}
	}
	return "image/png"
}

func dataFromDataURI(uri string) []byte {
	if i := strings.Index(uri, ","); i >= 0 {
		return []byte(uri[i+1:])
	}
	return []byte(uri)
}

// InferProviderFromModel returns the provider name based on model name
// patterns, so users can specify just a model.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "chatgpt"):
		return "openai"
	case strings.HasPrefix(model, "gemini"), strings.HasPrefix(model, "gemma"):
		return "google"
	case strings.Contains(model, "/"):
		return "openrouter"
	default:
		return ""
	}
}

// NewProvider builds a Provider from configuration. Provider selection
// falls back to model-name inference when cfg.Agent.Provider is unset.
func NewProvider(cfg *config.Config) (Provider, error) {
	name := cfg.Agent.Provider
	if name == "" {
		name = InferProviderFromModel(cfg.Agent.Model)
	}
	if name == "" {
		return nil, fmt.Errorf("cannot determine provider for model %q; set agent.provider", cfg.Agent.Model)
	}

	creds := cfg.ProviderFor(name)
	fp, err := createFantasyProvider(name, creds.APIKey, creds.APIBase)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", name, err)
	}
	model, err := fp.LanguageModel(context.Background(), cfg.Agent.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to get model %s: %w", cfg.Agent.Model, err)
	}
	return NewFantasyProvider(model, cfg.Agent.MaxTokens), nil
}

// createFantasyProvider creates the vendor backend for a provider name.
func createFantasyProvider(name, apiKey, baseURL string) (fantasy.Provider, error) {
	switch name {
	case "anthropic":
		if baseURL != "" {
			return openaicompat.New(
				openaicompat.WithBaseURL(baseURL),
				openaicompat.WithAPIKey(apiKey),
				openaicompat.WithName("anthropic"),
			)
		}
		return anthropic.New(anthropic.WithAPIKey(apiKey))
	case "openai":
		if baseURL != "" {
			return openaicompat.New(
				openaicompat.WithBaseURL(baseURL),
				openaicompat.WithAPIKey(apiKey),
				openaicompat.WithName("openai"),
			)
		}
		return openai.New(openai.WithAPIKey(apiKey))
	case "google":
		return google.New(google.WithGeminiAPIKey(apiKey))
	case "openrouter":
		url := baseURL
		if url == "" {
			url = "https://openrouter.ai/api/v1"
		}
		return openaicompat.New(
			openaicompat.WithBaseURL(url),
			openaicompat.WithAPIKey(apiKey),
			openaicompat.WithName("openrouter"),
		)
	case "openai-compat", "litellm", "ollama", "lmstudio", "groq", "deepseek":
		if baseURL == "" {
			return nil, fmt.Errorf("api_base is required for provider %s", name)
		}
		return openaicompat.New(
			openaicompat.WithBaseURL(baseURL),
			openaicompat.WithAPIKey(apiKey),
			openaicompat.WithName(name),
		)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
