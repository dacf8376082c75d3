package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robun/robun/internal/bus"
	"github.com/robun/robun/internal/config"
	"github.com/robun/robun/internal/llm"
	"github.com/robun/robun/internal/memory"
	"github.com/robun/robun/internal/session"
	"github.com/robun/robun/internal/tools"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns queued responses in order and keeps repeating
// the last one; with no responses queued it returns an empty reply.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	requests  []llm.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &llm.ChatResponse{Content: "", FinishReason: llm.FinishStop}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

type fixture struct {
	loop     *Loop
	bus      *bus.MessageBus
	sessions *session.Store
	registry *tools.Registry
	provider *scriptedProvider
	ws       string
}

func newFixture(t *testing.T, responses ...*llm.ChatResponse) *fixture {
	t.Helper()
	ws := t.TempDir()

	b := bus.New(discard())
	sessions, err := session.NewStore(filepath.Join(ws, "sessions"), discard())
	if err != nil {
		t.Fatal(err)
	}
	memStore, err := memory.NewStore(ws)
	if err != nil {
		t.Fatal(err)
	}

	provider := &scriptedProvider{responses: responses}
	consolidator := memory.NewConsolidator(provider, "test-model", memStore, nil, sessions, discard())

	registry := tools.NewRegistry(discard())
	registry.Register(tools.NewReadFileTool(ws, true))
	registry.Register(tools.NewExecTool(ws, true, 5))

	cfg := config.AgentConfig{
		Workspace:         ws,
		Model:             "test-model",
		MaxTokens:         1024,
		MaxToolIterations: 4,
		MemoryWindow:      50,
	}
	loop := NewLoop(cfg, b, provider, registry, sessions, consolidator, NewContextBuilder(ws, memStore), discard())
	return &fixture{loop: loop, bus: b, sessions: sessions, registry: registry, provider: provider, ws: ws}
}

func TestEchoWithoutTools(t *testing.T) {
	f := newFixture(t, &llm.ChatResponse{Content: "hi", FinishReason: llm.FinishStop})

	msg := bus.InboundMessage{Channel: "cli", SenderID: "u", ChatID: "u1", Content: "hello"}
	reply, err := f.loop.ProcessMessage(context.Background(), msg, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply != "hi" {
		t.Errorf("reply: %q", reply)
	}

	sess := f.sessions.GetOrCreate("cli:u1")
	if len(sess.Messages) != 2 {
		t.Fatalf("transcript should grow by exactly 2, got %d entries", len(sess.Messages))
	}
	if sess.Messages[0].Role != session.RoleUser || sess.Messages[0].Content != "hello" {
		t.Errorf("user entry: %+v", sess.Messages[0])
	}
	if sess.Messages[1].Role != session.RoleAssistant || sess.Messages[1].Content != "hi" {
		t.Errorf("assistant entry: %+v", sess.Messages[1])
	}
	if sess.Messages[1].ToolsUsed != nil {
		t.Error("toolsUsed should be omitted when no tools ran")
	}
}

func TestSingleToolCall(t *testing.T) {
	f := newFixture(t,
		&llm.ChatResponse{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []llm.ToolCall{
				{ID: "t1", Name: "read_file", Args: map[string]any{"path": "AGENTS.md"}},
			},
		},
		&llm.ChatResponse{Content: "file says Hi", FinishReason: llm.FinishStop},
	)
	if err := os.WriteFile(filepath.Join(f.ws, "AGENTS.md"), []byte("Hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	msg := bus.InboundMessage{Channel: "cli", ChatID: "u1", Content: "what does AGENTS.md say?"}
	reply, err := f.loop.ProcessMessage(context.Background(), msg, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply != "file says Hi" {
		t.Errorf("reply: %q", reply)
	}

	sess := f.sessions.GetOrCreate("cli:u1")
	// user, assistant(tool_calls), tool, reflection user, final assistant
	if len(sess.Messages) != 5 {
		t.Fatalf("expected 5 transcript entries, got %d: %+v", len(sess.Messages), sess.Messages)
	}
	assistant := sess.Messages[1]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "t1" || assistant.ToolCalls[0].Name != "read_file" {
		t.Errorf("assistant tool calls: %+v", assistant.ToolCalls)
	}
	toolMsg := sess.Messages[2]
	if toolMsg.Role != session.RoleTool || toolMsg.ToolCallID != "t1" || toolMsg.Content != "Hi" {
		t.Errorf("tool entry: %+v", toolMsg)
	}
	if sess.Messages[3].Content != reflectionPrompt {
		t.Errorf("reflection entry: %+v", sess.Messages[3])
	}
	final := sess.Messages[4]
	if len(final.ToolsUsed) != 1 || final.ToolsUsed[0] != "read_file" {
		t.Errorf("toolsUsed: %v", final.ToolsUsed)
	}
}

func TestPolicyBlockedExec(t *testing.T) {
	f := newFixture(t,
		&llm.ChatResponse{
			FinishReason: llm.FinishToolCalls,
			ToolCalls: []llm.ToolCall{
				{ID: "t1", Name: "exec", Args: map[string]any{"command": "rm -rf /"}},
			},
		},
		&llm.ChatResponse{Content: "I cannot do that.", FinishReason: llm.FinishStop},
	)

	msg := bus.InboundMessage{Channel: "cli", ChatID: "u1", Content: "wipe the disk"}
	reply, err := f.loop.ProcessMessage(context.Background(), msg, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply != "I cannot do that." {
		t.Errorf("reply: %q", reply)
	}

	sess := f.sessions.GetOrCreate("cli:u1")
	toolMsg := sess.Messages[2]
	if !strings.Contains(toolMsg.Content, "blocked") {
		t.Errorf("tool result should mention the block: %q", toolMsg.Content)
	}
}

func TestNewCommand(t *testing.T) {
	f := newFixture(t, &llm.ChatResponse{
		Content:      `{"history_entry":"[ts] archived chat","memory_update":""}`,
		FinishReason: llm.FinishStop,
	})

	sess := f.sessions.GetOrCreate("cli:u1")
	for i := 0; i < 6; i++ {
		sess.Append(session.Message{Role: session.RoleUser, Content: "old"})
	}
	if err := f.sessions.Save(sess); err != nil {
		t.Fatal(err)
	}

	msg := bus.InboundMessage{Channel: "cli", ChatID: "u1", Content: "/new"}
	reply, err := f.loop.ProcessMessage(context.Background(), msg, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.HasPrefix(reply, "New session started") {
		t.Errorf("reply: %q", reply)
	}

	// The on-disk file holds only the metadata line.
	data, err := os.ReadFile(f.sessions.Path("cli:u1"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"_type":"metadata"`) {
		t.Errorf("session file not cleared:\n%s", data)
	}

	// No LLM call happened synchronously for the slash command itself.
	// (The archive consolidation runs in the background.)
	deadline := time.After(time.Second)
	for {
		f.provider.mu.Lock()
		n := len(f.provider.requests)
		f.provider.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("background consolidation never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHelpLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	msg := bus.InboundMessage{Channel: "cli", ChatID: "u1", Content: "/help"}

	for i := 0; i < 2; i++ {
		reply, err := f.loop.ProcessMessage(context.Background(), msg, "")
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !strings.Contains(reply, "/new") {
			t.Errorf("help text: %q", reply)
		}
	}
	if n := len(f.sessions.GetOrCreate("cli:u1").Messages); n != 0 {
		t.Errorf("help mutated the session: %d entries", n)
	}
	if len(f.provider.requests) != 0 {
		t.Error("help should not call the LLM")
	}
}

func TestIterationCeiling(t *testing.T) {
	f := newFixture(t, &llm.ChatResponse{
		FinishReason: llm.FinishToolCalls,
		ToolCalls: []llm.ToolCall{
			{ID: "t1", Name: "read_file", Args: map[string]any{"path": "AGENTS.md"}},
		},
	})

	msg := bus.InboundMessage{Channel: "cli", ChatID: "u1", Content: "loop forever"}
	reply, err := f.loop.ProcessMessage(context.Background(), msg, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if reply != fallbackReply {
		t.Errorf("ceiling reply: %q", reply)
	}
	// Exactly maxToolIterations LLM calls.
	if len(f.provider.requests) != 4 {
		t.Errorf("expected 4 LLM calls, got %d", len(f.provider.requests))
	}
}

func TestSystemMessageRoutesToOrigin(t *testing.T) {
	f := newFixture(t, &llm.ChatResponse{Content: "summary for the user", FinishReason: llm.FinishStop})

	msg := bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent",
		ChatID:   "telegram:42",
		Content:  "Subagent 'x' finished.\nStatus: success\nResult:\ndone",
	}
	reply, target, err := f.loop.handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if target.Channel != "telegram" || target.ChatID != "42" {
		t.Errorf("reply target: %+v", target)
	}
	if reply != "summary for the user" {
		t.Errorf("reply: %q", reply)
	}

	sess := f.sessions.GetOrCreate("telegram:42")
	if len(sess.Messages) == 0 || !strings.HasPrefix(sess.Messages[0].Content, "[System: subagent] ") {
		t.Errorf("system origin not audited: %+v", sess.Messages)
	}
}

func TestRunPublishesApologyOnFailure(t *testing.T) {
	f := newFixture(t)
	// A system message with a malformed chat id makes handle fail.
	f.bus.PublishInbound(bus.InboundMessage{Channel: "system", SenderID: "subagent", ChatID: "no-colon", Content: "x"})

	out := make(chan bus.OutboundMessage, 1)
	f.bus.SubscribeOutbound("system", func(msg bus.OutboundMessage) { out <- msg })
	go f.bus.DispatchOutbound(context.Background())

	go f.loop.Run(context.Background())
	defer f.loop.Stop()
	defer f.bus.Stop()

	select {
	case msg := <-out:
		if !strings.Contains(msg.Content, "something went wrong") {
			t.Errorf("apology: %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no apology published")
	}
}

func TestProcessDirectUsesOverrideKey(t *testing.T) {
	f := newFixture(t, &llm.ChatResponse{Content: "done", FinishReason: llm.FinishStop})

	reply, err := f.loop.ProcessDirect(context.Background(), "check the queue", "cron:abc12345", "telegram", "42")
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if reply != "done" {
		t.Errorf("reply: %q", reply)
	}
	if n := len(f.sessions.GetOrCreate("cron:abc12345").Messages); n != 2 {
		t.Errorf("override session entries: %d", n)
	}
	if n := len(f.sessions.GetOrCreate("telegram:42").Messages); n != 0 {
		t.Errorf("origin session should be untouched, got %d entries", n)
	}
}
