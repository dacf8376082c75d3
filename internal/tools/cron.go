package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robun/robun/internal/cron"
)

// CronTool is a thin adapter over the cron service, letting the agent
// manage its own scheduled jobs.
type CronTool struct {
	service *cron.Service
}

// NewCronTool creates the cron tool.
func NewCronTool(service *cron.Service) *CronTool {
	return &CronTool{service: service}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs. action \"add\" schedules a message to yourself (one of at_ms, every_ms, or expr), \"list\" shows jobs, \"remove\" deletes one by id."
}

func (t *CronTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "One of: add, list, remove",
			},
			"name": map[string]any{
				"type":        "string",
				"description": "Job name (add)",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Message delivered to the agent when the job fires (add)",
			},
			"at_ms": map[string]any{
				"type":        "integer",
				"description": "One-shot fire time in epoch milliseconds (add)",
			},
			"every_ms": map[string]any{
				"type":        "integer",
				"description": "Interval in milliseconds (add)",
			},
			"expr": map[string]any{
				"type":        "string",
				"description": "5-field cron expression (add)",
			},
			"tz": map[string]any{
				"type":        "string",
				"description": "Timezone for expr, e.g. Europe/Berlin (add)",
			},
			"delete_after_run": map[string]any{
				"type":        "boolean",
				"description": "Remove a one-shot job after it fires (add, at_ms only)",
			},
			"id": map[string]any{
				"type":        "string",
				"description": "Job id (remove)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, turn Turn, args map[string]any) (string, error) {
	switch stringArg(args, "action") {
	case "add":
		return t.add(turn, args)
	case "list":
		return t.list()
	case "remove":
		return t.remove(args)
	default:
		return "Error: action must be one of: add, list, remove", nil
	}
}

func (t *CronTool) add(turn Turn, args map[string]any) (string, error) {
	message := stringArg(args, "message")
	if message == "" {
		return "Error: message is required for add", nil
	}

	var schedule cron.Schedule
	switch {
	case args["at_ms"] != nil:
		schedule = cron.Schedule{Kind: cron.ScheduleAt, AtMs: int64(intArg(args, "at_ms", 0))}
	case args["every_ms"] != nil:
		schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: int64(intArg(args, "every_ms", 0))}
	case stringArg(args, "expr") != "":
		schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: stringArg(args, "expr"), TZ: stringArg(args, "tz")}
	default:
		return "Error: add requires one of at_ms, every_ms, or expr", nil
	}

	name := stringArg(args, "name")
	if name == "" {
		name = message
		if len(name) > 40 {
			name = name[:40]
		}
	}
	deleteAfterRun, _ := args["delete_after_run"].(bool)

	job, err := t.service.AddJob(name, schedule, cron.Payload{
		Message: message,
		Deliver: true,
		Channel: turn.Channel,
		To:      turn.ChatID,
		Kind:    cron.KindAgentTurn,
	}, deleteAfterRun)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	return fmt.Sprintf("Scheduled job %s (%s)", job.ID, job.Name), nil
}

func (t *CronTool) list() (string, error) {
	jobs := t.service.ListJobs(true)
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}
	var b strings.Builder
	for _, j := range jobs {
		next := "never"
		if j.State.NextRunAtMs != nil {
			next = time.UnixMilli(*j.State.NextRunAtMs).UTC().Format(time.RFC3339)
		}
		state := "enabled"
		if !j.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s  %-8s %-9s next=%s  %s\n", j.ID, j.Schedule.Kind, state, next, j.Name)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (t *CronTool) remove(args map[string]any) (string, error) {
	id := stringArg(args, "id")
	if id == "" {
		return "Error: id is required for remove", nil
	}
	removed, err := t.service.RemoveJob(id)
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	if !removed {
		return fmt.Sprintf("Error: job %s not found", id), nil
	}
	return fmt.Sprintf("Removed job %s", id), nil
}
