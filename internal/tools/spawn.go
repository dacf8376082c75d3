package tools

import (
	"context"
)

// Spawner starts a background task and returns an acknowledgement string.
// Implemented by the subagent manager.
type Spawner interface {
	Spawn(task, label, originChannel, originChatID string) (string, error)
}

// SpawnTool delegates a self-contained task to an isolated background
// agent whose result re-enters the conversation later.
type SpawnTool struct {
	spawner Spawner
}

// NewSpawnTool creates the spawn tool.
func NewSpawnTool(spawner Spawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on a self-contained task. Returns immediately; the result is delivered to this conversation when the subagent finishes."
}

func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Complete description of the task, including any needed context",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Short label for the task",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	task := stringArg(args, "task")
	label := stringArg(args, "label")
	if label == "" {
		label = "subagent task"
	}
	ack, err := t.spawner.Spawn(task, label, turn.Channel, turn.ChatID)
	if err != nil {
		return "Error: failed to spawn subagent: " + err.Error(), nil
	}
	return ack, nil
}
