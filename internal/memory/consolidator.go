package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robun/robun/internal/llm"
	"github.com/robun/robun/internal/session"
)

const consolidationSystemPrompt = "You are a memory consolidation agent. Respond only with valid JSON."

const consolidationTimeout = 2 * time.Minute

// consolidationResult is the JSON object the model must return.
type consolidationResult struct {
	HistoryEntry string `json:"history_entry"`
	MemoryUpdate string `json:"memory_update"`
}

// Consolidator folds older transcript messages into the memory artifacts.
// Failures are logged and swallowed: the transcript keeps growing and the
// next threshold crossing retries.
type Consolidator struct {
	provider llm.Provider
	model    string
	store    *Store
	index    *Index // may be nil
	sessions *session.Store
	log      *slog.Logger

	inFlight sync.Map // session key -> struct{}
}

// NewConsolidator creates a consolidator. index may be nil to skip
// history indexing.
func NewConsolidator(provider llm.Provider, model string, store *Store, index *Index, sessions *session.Store, log *slog.Logger) *Consolidator {
	return &Consolidator{
		provider: provider,
		model:    model,
		store:    store,
		index:    index,
		sessions: sessions,
		log:      log.With("component", "memory"),
	}
}

// ConsolidateIncremental consolidates the slice between the session's
// consolidation pointer and the keep window, then advances the pointer.
// Overlapping invocations for the same session abort early.
func (c *Consolidator) ConsolidateIncremental(ctx context.Context, sess *session.Session, keep int) {
	if _, loaded := c.inFlight.LoadOrStore(sess.Key, struct{}{}); loaded {
		c.log.Info("consolidation already running, skipping", "key", sess.Key)
		return
	}
	defer c.inFlight.Delete(sess.Key)

	start := sess.LastConsolidated
	end := len(sess.Messages) - keep
	if end <= start {
		return
	}
	slice := make([]session.Message, end-start)
	copy(slice, sess.Messages[start:end])

	if !c.consolidate(ctx, sess.Key, slice) {
		return
	}

	// The pointer may only move forward, and only if nothing else moved
	// it while the LLM call was in flight.
	if sess.LastConsolidated != start {
		c.log.Warn("consolidation pointer moved concurrently, discarding advance", "key", sess.Key)
		return
	}
	sess.LastConsolidated = end
	if err := c.sessions.Save(sess); err != nil {
		c.log.Error("failed to persist consolidation pointer", "key", sess.Key, "error", err)
	}
}

// ConsolidateArchive consolidates an entire snapshot (used by /new after
// the live session has been cleared).
func (c *Consolidator) ConsolidateArchive(ctx context.Context, key string, snapshot []session.Message) {
	if len(snapshot) == 0 {
		return
	}
	if _, loaded := c.inFlight.LoadOrStore(key, struct{}{}); loaded {
		c.log.Info("consolidation already running, skipping archive", "key", key)
		return
	}
	defer c.inFlight.Delete(key)

	c.consolidate(ctx, key, snapshot)
}

// consolidate runs the LLM call and applies the result. Returns true only
// when state was updated.
func (c *Consolidator) consolidate(ctx context.Context, key string, msgs []session.Message) bool {
	ctx, cancel := context.WithTimeout(ctx, consolidationTimeout)
	defer cancel()

	rendered := RenderTranscript(msgs)
	currentMemory := c.store.ReadMemory()

	prompt := fmt.Sprintf(`Consolidate the following conversation into memory.

Current long-term memory:
%s

Conversation:
%s

Respond with a JSON object with exactly these keys:
- "history_entry": one paragraph summarizing the conversation, prefixed with the current timestamp
- "memory_update": the complete new long-term memory content (carry forward everything still relevant)`,
		orEmptyMarker(currentMemory), rendered)

	resp, err := c.provider.Chat(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: "system", Content: consolidationSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		c.log.Error("consolidation LLM call failed", "key", key, "error", err)
		return false
	}
	if resp.FinishReason == llm.FinishError {
		c.log.Error("consolidation LLM call failed", "key", key, "error", resp.Content)
		return false
	}

	result, ok := parseConsolidation(resp.Content)
	if !ok {
		c.log.Error("consolidation returned unparseable JSON, state unchanged", "key", key)
		return false
	}

	if result.HistoryEntry != "" {
		if err := c.store.AppendHistory(result.HistoryEntry); err != nil {
			c.log.Error("failed to append history", "key", key, "error", err)
			return false
		}
		if c.index != nil {
			if err := c.index.Add(key, result.HistoryEntry); err != nil {
				c.log.Warn("failed to index history entry", "key", key, "error", err)
			}
		}
	}
	if result.MemoryUpdate != "" && result.MemoryUpdate != currentMemory {
		if err := c.store.WriteMemory(result.MemoryUpdate); err != nil {
			c.log.Error("failed to write memory", "key", key, "error", err)
			return false
		}
	}
	c.log.Info("consolidated transcript slice", "key", key, "messages", len(msgs))
	return true
}

// parseConsolidation parses the model reply: strict parse of the cleaned
// content first, lenient repair second.
func parseConsolidation(content string) (consolidationResult, bool) {
	cleaned := llm.StripJSONResponse(content)
	var result consolidationResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		if result.HistoryEntry != "" || result.MemoryUpdate != "" {
			return result, true
		}
	}
	args := llm.ParseToolArguments(cleaned)
	entry, _ := args["history_entry"].(string)
	update, _ := args["memory_update"].(string)
	if entry == "" && update == "" {
		return consolidationResult{}, false
	}
	return consolidationResult{HistoryEntry: entry, MemoryUpdate: update}, true
}

// RenderTranscript formats messages as dated lines for the consolidation
// prompt.
func RenderTranscript(msgs []session.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		ts := m.Timestamp
		if len(ts) > 16 {
			ts = ts[:16]
		}
		b.WriteString("[")
		b.WriteString(ts)
		b.WriteString("] ")
		b.WriteString(strings.ToUpper(m.Role))
		if len(m.ToolsUsed) > 0 {
			b.WriteString(" [tools: ")
			b.WriteString(strings.Join(m.ToolsUsed, ", "))
			b.WriteString("]")
		}
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func orEmptyMarker(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}
