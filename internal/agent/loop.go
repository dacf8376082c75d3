package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/robun/robun/internal/bus"
	"github.com/robun/robun/internal/config"
	"github.com/robun/robun/internal/llm"
	"github.com/robun/robun/internal/memory"
	"github.com/robun/robun/internal/session"
	"github.com/robun/robun/internal/telemetry"
	"github.com/robun/robun/internal/tools"
)

const (
	// systemChannel is reserved for subagent result injection; its chat
	// id encodes the origin session key.
	systemChannel = "system"

	reflectionPrompt = "Reflect on the results and decide next steps."
	fallbackReply    = "I've completed processing but have no response to give."
	newSessionReply  = "New session started. The previous conversation will be summarized into memory."

	helpReply = `Commands:
/new  - start a fresh session (the old one is archived and summarized)
/help - show this help

Anything else is sent to the agent.`

	consumeTimeout = 1 * time.Second
)

// Loop processes inbound events one at a time: it builds context, drives
// the LLM function-calling dialogue, executes tools, and persists the
// transcript.
type Loop struct {
	cfg          config.AgentConfig
	bus          *bus.MessageBus
	provider     llm.Provider
	registry     *tools.Registry
	sessions     *session.Store
	consolidator *memory.Consolidator
	contextB     *ContextBuilder
	log          *slog.Logger

	running atomic.Bool
}

// NewLoop wires the agent loop.
func NewLoop(
	cfg config.AgentConfig,
	b *bus.MessageBus,
	provider llm.Provider,
	registry *tools.Registry,
	sessions *session.Store,
	consolidator *memory.Consolidator,
	contextB *ContextBuilder,
	log *slog.Logger,
) *Loop {
	return &Loop{
		cfg:          cfg,
		bus:          b,
		provider:     provider,
		registry:     registry,
		sessions:     sessions,
		consolidator: consolidator,
		contextB:     contextB,
		log:          log.With("component", "agent"),
	}
}

// Run consumes the inbound queue until Stop. A failing message never
// crashes the loop: the error is sent back as an apology and consumption
// continues.
func (l *Loop) Run(ctx context.Context) {
	l.running.Store(true)
	for l.running.Load() {
		msg, err := l.bus.ConsumeInbound(ctx, consumeTimeout)
		if err != nil {
			if err == bus.ErrTimeout {
				continue
			}
			return // stopped or context cancelled
		}

		reply, target, err := l.handle(ctx, msg)
		if err != nil {
			l.log.Error("message processing failed", "session", msg.SessionKey(), "error", err)
			l.bus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: fmt.Sprintf("Sorry, something went wrong while processing your message: %v", err),
			})
			continue
		}
		if reply != "" {
			l.bus.PublishOutbound(bus.OutboundMessage{
				Channel:  target.Channel,
				ChatID:   target.ChatID,
				Content:  reply,
				Metadata: msg.Metadata,
			})
		}
	}
}

// Stop makes Run exit after its next timed-out receive.
func (l *Loop) Stop() { l.running.Store(false) }

// handle routes one inbound event and reports where the reply should go
// (system messages answer to their origin conversation, not to "system").
func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage) (string, tools.Turn, error) {
	if msg.Channel == systemChannel {
		return l.processSystemMessage(ctx, msg)
	}
	target := tools.Turn{Channel: msg.Channel, ChatID: msg.ChatID}
	reply, err := l.ProcessMessage(ctx, msg, "")
	return reply, target, err
}

// ProcessMessage runs one inbound event end-to-end and returns the final
// reply text. sessionKeyOverride substitutes the session identity (used by
// cron and the gateway).
func (l *Loop) ProcessMessage(ctx context.Context, msg bus.InboundMessage, sessionKeyOverride string) (string, error) {
	sessionKey := sessionKeyOverride
	if sessionKey == "" {
		sessionKey = msg.SessionKey()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "agent.turn")
	span.SetAttributes(
		attribute.String("session.key", sessionKey),
		attribute.String("channel", msg.Channel),
	)
	defer span.End()

	sess := l.sessions.GetOrCreate(sessionKey)

	// Slash commands short-circuit the LLM entirely.
	switch strings.ToLower(strings.TrimSpace(msg.Content)) {
	case "/new":
		return l.handleNew(sess)
	case "/help":
		return helpReply, nil
	}

	if len(sess.Messages) > l.memoryWindow() {
		keep := l.memoryWindow() / 2
		go l.consolidator.ConsolidateIncremental(context.Background(), sess, keep)
	}

	turn := tools.Turn{Channel: msg.Channel, ChatID: msg.ChatID}
	messages := l.contextB.BuildMessages(sess.Messages, l.memoryWindow(), msg.Content, msg.Media)

	sess.Append(session.Message{Role: session.RoleUser, Content: msg.Content})

	reply, toolsUsed, err := l.runToolLoop(ctx, turn, sess, messages)
	if err != nil {
		return "", err
	}
	if reply == "" {
		reply = fallbackReply
	}

	assistant := session.Message{Role: session.RoleAssistant, Content: reply}
	if len(toolsUsed) > 0 {
		assistant.ToolsUsed = toolsUsed
	}
	sess.Append(assistant)
	if err := l.sessions.Save(sess); err != nil {
		l.log.Error("failed to persist session", "key", sess.Key, "error", err)
	}

	l.log.Info("processed message",
		"session", sessionKey, "tools", len(toolsUsed), "reply_chars", len(reply))
	return reply, nil
}

// processSystemMessage handles subagent announcements: the chat id is the
// origin session key, and the reply goes back to that conversation.
func (l *Loop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (string, tools.Turn, error) {
	originChannel, originChatID, ok := strings.Cut(msg.ChatID, ":")
	if !ok {
		return "", tools.Turn{}, fmt.Errorf("malformed system chat id %q", msg.ChatID)
	}
	target := tools.Turn{Channel: originChannel, ChatID: originChatID}

	injected := bus.InboundMessage{
		Channel:   originChannel,
		SenderID:  msg.SenderID,
		ChatID:    originChatID,
		Content:   fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content),
		Timestamp: msg.Timestamp,
	}
	reply, err := l.ProcessMessage(ctx, injected, "")
	return reply, target, err
}

// handleNew archives and clears the session, then consolidates the old
// transcript in the background.
func (l *Loop) handleNew(sess *session.Session) (string, error) {
	snapshot := make([]session.Message, len(sess.Messages))
	copy(snapshot, sess.Messages)

	if _, err := l.sessions.Archive(sess); err != nil {
		l.log.Warn("failed to archive session", "key", sess.Key, "error", err)
	}
	sess.Clear()
	if err := l.sessions.Save(sess); err != nil {
		return "", fmt.Errorf("persisting cleared session: %w", err)
	}
	l.sessions.Invalidate(sess.Key)

	go l.consolidator.ConsolidateArchive(context.Background(), sess.Key, snapshot)
	return newSessionReply, nil
}

// runToolLoop drives the function-calling dialogue: call the model,
// execute every requested tool, feed results back, and repeat until the
// model answers in text or the iteration ceiling is hit (empty reply).
// Intermediate assistant/tool/reflection entries are recorded on the
// session as they happen.
func (l *Loop) runToolLoop(ctx context.Context, turn tools.Turn, sess *session.Session, messages []llm.Message) (string, []string, error) {
	var toolsUsed []string
	maxIterations := l.cfg.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}

	for i := 0; i < maxIterations; i++ {
		resp, err := l.provider.Chat(ctx, llm.ChatRequest{
			Messages:    messages,
			Tools:       l.registry.Definitions(),
			Model:       l.cfg.Model,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		})
		if err != nil {
			return "", toolsUsed, fmt.Errorf("LLM call failed: %w", err)
		}
		if resp.FinishReason == llm.FinishError {
			return resp.Content, toolsUsed, nil
		}
		if !resp.HasToolCalls() {
			return resp.Content, toolsUsed, nil
		}

		// One assistant message carrying the tool calls, both in the
		// in-flight list and on the transcript.
		assistant := llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		sess.Append(sessionAssistantWithCalls(resp))

		for _, call := range resp.ToolCalls {
			toolsUsed = append(toolsUsed, call.Name)

			_, toolSpan := telemetry.Tracer().Start(ctx, "tool."+call.Name)
			result := l.registry.Execute(ctx, turn, call.Name, call.Args)
			toolSpan.SetAttributes(attribute.Int("result.chars", len(result)))
			toolSpan.End()

			l.log.Info("tool call", "tool", call.Name, "session", sess.Key)

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
			sess.Append(session.Message{
				Role:       session.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}

		// The reflection nudge follows the whole batch of results.
		messages = append(messages, llm.Message{Role: "user", Content: reflectionPrompt})
		sess.Append(session.Message{Role: session.RoleUser, Content: reflectionPrompt})
	}

	l.log.Warn("tool loop hit iteration ceiling", "session", sess.Key, "max", maxIterations)
	return "", toolsUsed, nil
}

// sessionAssistantWithCalls projects a tool-call response onto a session
// entry, serializing the arguments.
func sessionAssistantWithCalls(resp *llm.ChatResponse) session.Message {
	msg := session.Message{Role: session.RoleAssistant, Content: resp.Content}
	for _, call := range resp.ToolCalls {
		args, _ := json.Marshal(call.Args)
		msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: string(args),
		})
	}
	return msg
}

// ProcessDirect runs a turn outside the bus (cron jobs, heartbeat, the
// HTTP gateway). channel/chatID become the turn's delivery context.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	return l.ProcessMessage(ctx, bus.InboundMessage{
		Channel:   channel,
		SenderID:  "direct",
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}, sessionKey)
}

func (l *Loop) memoryWindow() int {
	if l.cfg.MemoryWindow <= 0 {
		return 50
	}
	return l.cfg.MemoryWindow
}
