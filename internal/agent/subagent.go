package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robun/robun/internal/bus"
	"github.com/robun/robun/internal/config"
	"github.com/robun/robun/internal/llm"
	"github.com/robun/robun/internal/tools"
)

const (
	subagentMaxIterations = 15
	subagentSender        = "subagent"
)

// SubagentManager runs isolated single-task agents in the background.
// Results re-enter the bus as synthetic system-channel events addressed to
// the origin conversation.
type SubagentManager struct {
	provider  llm.Provider
	cfg       config.AgentConfig
	registry  *tools.Registry // isolated: file, shell, web, memory only
	bus       *bus.MessageBus
	workspace string
	log       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSubagentManager creates a subagent manager. registry must be the
// isolated tool set: no message, no spawn, no cron, so a subagent can
// neither fan out further nor talk to channels directly.
func NewSubagentManager(provider llm.Provider, cfg config.AgentConfig, registry *tools.Registry, b *bus.MessageBus, log *slog.Logger) *SubagentManager {
	return &SubagentManager{
		provider:  provider,
		cfg:       cfg,
		registry:  registry,
		bus:       b,
		workspace: cfg.Workspace,
		log:       log.With("component", "subagent"),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Spawn starts a background task and returns an acknowledgement
// immediately. The announcement is published when the task finishes.
func (m *SubagentManager) Spawn(task, label, originChannel, originChatID string) (string, error) {
	id := uuid.NewString()[:8]

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.cancels, id)
			m.mu.Unlock()
			cancel()
		}()
		m.run(ctx, id, task, label, originChannel, originChatID)
	}()

	m.log.Info("spawned subagent", "id", id, "label", label, "origin", originChannel+":"+originChatID)
	return fmt.Sprintf("Spawned subagent '%s' (id: %s). The result will be delivered to this conversation when it completes.", label, id), nil
}

// run executes the task with the isolated registry and a lower iteration
// ceiling, then announces the outcome. A failure becomes an error-status
// announcement, never an uncaught crash.
func (m *SubagentManager) run(ctx context.Context, id, task, label, originChannel, originChatID string) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("subagent panicked", "id", id, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			m.announce(id, task, label, originChannel, originChatID, "error", fmt.Sprintf("Error: subagent panicked: %v", rec))
		}
	}()

	result, err := m.execute(ctx, task)
	if err != nil {
		m.announce(id, task, label, originChannel, originChatID, "error", "Error: "+err.Error())
		return
	}
	if result == "" {
		result = "(subagent finished without producing output)"
	}
	m.announce(id, task, label, originChannel, originChatID, "success", result)
}

// execute drives the tool loop for the isolated task.
func (m *SubagentManager) execute(ctx context.Context, task string) (string, error) {
	system := fmt.Sprintf(`You are a subagent: an isolated background worker spawned by the main agent for one self-contained task.
You can use files, the shell, and the web, but you cannot message users, spawn further subagents, or schedule jobs.
Workspace: %s

Complete the task and reply with your result as plain text.`, m.workspace)

	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: task},
	}
	turn := tools.Turn{} // no delivery context inside a subagent

	for i := 0; i < subagentMaxIterations; i++ {
		resp, err := m.provider.Chat(ctx, llm.ChatRequest{
			Messages:    messages,
			Tools:       m.registry.Definitions(),
			Model:       m.model(),
			MaxTokens:   m.cfg.MaxTokens,
			Temperature: m.cfg.Temperature,
		})
		if err != nil {
			return "", err
		}
		if resp.FinishReason == llm.FinishError {
			return "", fmt.Errorf("%s", resp.Content)
		}
		if !resp.HasToolCalls() {
			return resp.Content, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := m.registry.Execute(ctx, turn, call.Name, call.Args)
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
		messages = append(messages, llm.Message{Role: "user", Content: reflectionPrompt})
	}
	return "", fmt.Errorf("subagent hit the iteration ceiling (%d) without finishing", subagentMaxIterations)
}

// announce publishes the outcome on the system channel; the agent loop
// relays a summary to the origin conversation.
func (m *SubagentManager) announce(id, task, label, originChannel, originChatID, status, result string) {
	content := fmt.Sprintf(`Subagent '%s' (id: %s) finished.
Status: %s
Task: %s
Result:
%s

Summarize this result briefly for the user.`, label, id, status, task, result)

	m.bus.PublishInbound(bus.InboundMessage{
		Channel:   systemChannel,
		SenderID:  subagentSender,
		ChatID:    originChannel + ":" + originChatID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

func (m *SubagentManager) model() string {
	if m.cfg.SubagentModel != "" {
		return m.cfg.SubagentModel
	}
	return m.cfg.Model
}

// ActiveCount reports in-flight subagents.
func (m *SubagentManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

// Shutdown cancels in-flight subagents and waits up to timeout for them
// to publish their announcements or give up.
func (m *SubagentManager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.log.Warn("shutdown timed out waiting for subagents", "active", m.ActiveCount())
	}
}
