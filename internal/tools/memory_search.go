package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/robun/robun/internal/memory"
)

// MemorySearchTool queries the full-text index over consolidated history
// entries.
type MemorySearchTool struct {
	index *memory.Index
}

// NewMemorySearchTool creates the memory_search tool.
func NewMemorySearchTool(index *memory.Index) *MemorySearchTool {
	return &MemorySearchTool{index: index}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search consolidated conversation memory for past facts and events."
}

func (t *MemorySearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	query := stringArg(args, "query")
	limit := intArg(args, "limit", 5)

	hits, err := t.index.Search(query, limit)
	if err != nil {
		return "Error: memory search failed: " + err.Error(), nil
	}
	if len(hits) == 0 {
		return "No memory entries match: " + query, nil
	}
	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, hit.SessionKey, hit.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
