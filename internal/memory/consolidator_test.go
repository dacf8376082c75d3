package memory

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robun/robun/internal/llm"
	"github.com/robun/robun/internal/session"
)

// scriptedProvider returns queued responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	requests  []llm.ChatRequest
	block     chan struct{} // when non-nil, Chat waits on it
}

func (p *scriptedProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &llm.ChatResponse{Content: "", FinishReason: llm.FinishStop}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFixture(t *testing.T) (*Store, *session.Store) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := session.NewStore(t.TempDir(), discard())
	if err != nil {
		t.Fatal(err)
	}
	return store, sessions
}

func fillSession(sessions *session.Store, key string, n int) *session.Session {
	s := sessions.GetOrCreate(key)
	for i := 0; i < n; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		s.Append(session.Message{Role: role, Content: "message", Timestamp: "2026-01-02T03:04:05Z"})
	}
	return s
}

func TestStoreArtifacts(t *testing.T) {
	store, _ := testFixture(t)

	if got := store.ReadMemory(); got != "" {
		t.Errorf("fresh memory should be empty, got %q", got)
	}
	if err := store.WriteMemory("facts"); err != nil {
		t.Fatal(err)
	}
	if got := store.ReadMemory(); got != "facts" {
		t.Errorf("memory round trip failed: %q", got)
	}

	if err := store.AppendHistory("[2026-01-02] first"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendHistory("[2026-01-03] second"); err != nil {
		t.Fatal(err)
	}
	history := store.ReadHistory()
	if !strings.Contains(history, "first\n\n[2026-01-03] second\n\n") {
		t.Errorf("history entries not separated by blank lines:\n%q", history)
	}
}

func TestRenderTranscript(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleUser, Content: "hi", Timestamp: "2026-01-02T03:04:05Z"},
		{Role: session.RoleAssistant, Content: "hello", Timestamp: "2026-01-02T03:04:06Z", ToolsUsed: []string{"exec", "read_file"}},
	}
	out := RenderTranscript(msgs)
	if !strings.Contains(out, "[2026-01-02T03:04] USER: hi") {
		t.Errorf("user line wrong:\n%s", out)
	}
	if !strings.Contains(out, "ASSISTANT [tools: exec, read_file]: hello") {
		t.Errorf("tools annotation wrong:\n%s", out)
	}
}

func TestConsolidateIncremental(t *testing.T) {
	store, sessions := testFixture(t)
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		{Content: `{"history_entry":"[2026-01-02] talked about things","memory_update":"user likes things"}`, FinishReason: llm.FinishStop},
	}}
	c := NewConsolidator(provider, "test-model", store, nil, sessions, discard())

	s := fillSession(sessions, "cli:u1", 12)
	c.ConsolidateIncremental(context.Background(), s, 4)

	if s.LastConsolidated != 8 {
		t.Errorf("pointer should advance to 8, got %d", s.LastConsolidated)
	}
	if !strings.Contains(store.ReadHistory(), "talked about things") {
		t.Error("history entry not appended")
	}
	if store.ReadMemory() != "user likes things" {
		t.Errorf("memory not updated: %q", store.ReadMemory())
	}

	// Pointer survives a reload.
	sessions.Invalidate("cli:u1")
	if got := sessions.GetOrCreate("cli:u1").LastConsolidated; got != 8 {
		t.Errorf("pointer not persisted: %d", got)
	}
}

func TestConsolidateIncremental_NothingToDo(t *testing.T) {
	store, sessions := testFixture(t)
	provider := &scriptedProvider{}
	c := NewConsolidator(provider, "m", store, nil, sessions, discard())

	s := fillSession(sessions, "cli:u2", 4)
	c.ConsolidateIncremental(context.Background(), s, 10)

	if len(provider.requests) != 0 {
		t.Error("no LLM call expected when the window covers the transcript")
	}
	if s.LastConsolidated != 0 {
		t.Errorf("pointer moved without consolidation: %d", s.LastConsolidated)
	}
}

func TestConsolidateBadJSONLeavesStateUnchanged(t *testing.T) {
	store, sessions := testFixture(t)
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		{Content: "this is not json", FinishReason: llm.FinishStop},
	}}
	c := NewConsolidator(provider, "m", store, nil, sessions, discard())

	s := fillSession(sessions, "cli:u3", 10)
	c.ConsolidateIncremental(context.Background(), s, 2)

	if s.LastConsolidated != 0 {
		t.Errorf("pointer advanced despite parse failure: %d", s.LastConsolidated)
	}
	if store.ReadHistory() != "" || store.ReadMemory() != "" {
		t.Error("artifacts changed despite parse failure")
	}
}

func TestConsolidateFencedJSON(t *testing.T) {
	store, sessions := testFixture(t)
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		{Content: "```json\n{\"history_entry\":\"[ts] entry\",\"memory_update\":\"\"}\n```", FinishReason: llm.FinishStop},
	}}
	c := NewConsolidator(provider, "m", store, nil, sessions, discard())

	s := fillSession(sessions, "cli:u4", 10)
	c.ConsolidateIncremental(context.Background(), s, 2)

	if !strings.Contains(store.ReadHistory(), "[ts] entry") {
		t.Error("fenced JSON reply not repaired")
	}
}

func TestConsolidateArchive(t *testing.T) {
	store, sessions := testFixture(t)
	provider := &scriptedProvider{responses: []*llm.ChatResponse{
		{Content: `{"history_entry":"[ts] archived","memory_update":"kept facts"}`, FinishReason: llm.FinishStop},
	}}
	c := NewConsolidator(provider, "m", store, nil, sessions, discard())

	snapshot := []session.Message{
		{Role: session.RoleUser, Content: "old", Timestamp: "2026-01-01T00:00:00Z"},
		{Role: session.RoleAssistant, Content: "older", Timestamp: "2026-01-01T00:00:01Z"},
	}
	c.ConsolidateArchive(context.Background(), "cli:u5", snapshot)

	if !strings.Contains(store.ReadHistory(), "archived") {
		t.Error("archive consolidation did not append history")
	}
	if store.ReadMemory() != "kept facts" {
		t.Error("archive consolidation did not update memory")
	}
}

func TestConsolidateOverlapAbortsEarly(t *testing.T) {
	store, sessions := testFixture(t)
	block := make(chan struct{})
	provider := &scriptedProvider{
		block: block,
		responses: []*llm.ChatResponse{
			{Content: `{"history_entry":"[ts] one","memory_update":""}`, FinishReason: llm.FinishStop},
			{Content: `{"history_entry":"[ts] two","memory_update":""}`, FinishReason: llm.FinishStop},
		},
	}
	c := NewConsolidator(provider, "m", store, nil, sessions, discard())

	s := fillSession(sessions, "cli:u6", 10)

	done := make(chan struct{})
	go func() {
		c.ConsolidateIncremental(context.Background(), s, 2)
		close(done)
	}()

	// Wait until the first invocation holds the session's in-flight slot.
	for {
		if _, busy := c.inFlight.Load(s.Key); busy {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// The second invocation must return before the first completes.
	c.ConsolidateIncremental(context.Background(), s, 2)

	close(block)
	<-done

	history := store.ReadHistory()
	if strings.Count(history, "[ts]") != 1 {
		t.Errorf("expected exactly one history entry, got:\n%s", history)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	store, _ := testFixture(t)
	ix, err := OpenIndex(store.Dir())
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer ix.Close()

	if err := ix.Add("cli:u1", "the user prefers dark roast coffee"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ix.Add("cli:u1", "deployment runs on fridays"); err != nil {
		t.Fatalf("add: %v", err)
	}

	hits, err := ix.Search("coffee", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if !strings.Contains(hits[0].Content, "coffee") {
		t.Errorf("unexpected hit: %+v", hits[0])
	}
}
