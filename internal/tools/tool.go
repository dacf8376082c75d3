// Package tools provides the tool registry and built-in tools.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/robun/robun/internal/llm"
)

// Turn carries the per-inbound-event defaults handed to side-effecting
// tools. It is passed explicitly on every Execute call instead of being
// mutated onto tool instances.
type Turn struct {
	Channel string
	ChatID  string
}

// Tool is an executable tool. Parameters returns a JSON-Schema object
// compatible with OpenAI function calling. Execute returns the result
// string handed back to the LLM; policy and user-level failures are
// returned as "Error: …" strings, the error return is reserved for
// unexpected internal failures.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, turn Turn, args map[string]any) (string, error)
}

// Registry holds named tools and dispatches LLM function calls. All
// outcomes collapse into a single result string: the registry never
// raises to the caller.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		log:   log.With("component", "tools"),
	}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns LLM-facing definitions in name order, so the
// system prompt is stable across runs.
func (r *Registry) Definitions() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute validates and runs one tool call, collapsing every failure into
// the result string.
func (r *Registry) Execute(ctx context.Context, turn Turn, name string, args map[string]any) string {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found.", name)
	}

	if problems := validateArgs(t.Parameters(), args); len(problems) > 0 {
		return "Invalid parameters: " + strings.Join(problems, ", ")
	}

	result, err := r.invoke(ctx, t, turn, args)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %s", name, err.Error())
	}
	return result
}

// invoke runs the tool, converting a panic into an error.
func (r *Registry) invoke(ctx context.Context, t Tool, turn Turn, args map[string]any) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", "tool", t.Name(), "panic", fmt.Sprint(rec))
			err = fmt.Errorf("%v", rec)
		}
	}()
	return t.Execute(ctx, turn, args)
}

// validateArgs checks args against a JSON-Schema-shaped parameter object:
// required properties must be present and declared property types must
// match. Each problem is rendered as "{path}: {message}".
func validateArgs(schema map[string]any, args map[string]any) []string {
	var problems []string

	props, _ := schema["properties"].(map[string]any)
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				problems = append(problems, name+": required parameter missing")
			}
		}
	} else if required, ok := schema["required"].([]any); ok {
		for _, nameAny := range required {
			name, _ := nameAny.(string)
			if _, present := args[name]; name != "" && !present {
				problems = append(problems, name+": required parameter missing")
			}
		}
	}

	for name, value := range args {
		propAny, ok := props[name]
		if !ok {
			continue
		}
		prop, _ := propAny.(map[string]any)
		declared, _ := prop["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if msg := checkType(declared, value); msg != "" {
			problems = append(problems, name+": "+msg)
		}
	}

	sort.Strings(problems)
	return problems
}

func checkType(declared string, value any) string {
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
	case "integer", "number":
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Sprintf("expected %s, got %T", declared, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("expected array, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("expected object, got %T", value)
		}
	}
	return ""
}

// stringArg extracts a string argument, empty when absent.
func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// intArg extracts a numeric argument with a default.
func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
