// Package agent contains the execution kernel: the per-message agent
// loop, the context builder, and the subagent manager.
package agent

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/robun/robun/internal/llm"
	"github.com/robun/robun/internal/memory"
	"github.com/robun/robun/internal/session"
	"github.com/robun/robun/internal/skills"
)

const sectionSeparator = "\n\n---\n\n"

// bootstrapFiles are rendered into the system prompt when present in the
// workspace root, in this order.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

// ContextBuilder composes the system prompt and the per-turn message list.
type ContextBuilder struct {
	workspace string
	memory    *memory.Store
}

// NewContextBuilder creates a context builder over the workspace.
func NewContextBuilder(workspace string, mem *memory.Store) *ContextBuilder {
	return &ContextBuilder{workspace: workspace, memory: mem}
}

// BuildSystemPrompt assembles the system prompt: identity, bootstrap
// files, long-term memory, always-on and requested skills, and the skill
// summary listing.
func (cb *ContextBuilder) BuildSystemPrompt(requested []string) string {
	var sections []string

	sections = append(sections, fmt.Sprintf(
		"You are robun, an AI assistant.\nCurrent time: %s\nOS: %s\nWorkspace: %s",
		time.Now().UTC().Format(time.RFC3339), runtime.GOOS, cb.workspace))

	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(cb.workspace, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", name, content))
	}

	if cb.memory != nil {
		if mem := strings.TrimSpace(cb.memory.ReadMemory()); mem != "" {
			sections = append(sections, "## Long-term Memory\n\n"+mem)
		}
	}

	refs, _ := skills.Discover(filepath.Join(cb.workspace, "skills"))
	if active := cb.renderActiveSkills(refs, requested); active != "" {
		sections = append(sections, active)
	}
	if summary := renderSkillSummary(refs); summary != "" {
		sections = append(sections, summary)
	}

	return strings.Join(sections, sectionSeparator)
}

// renderActiveSkills loads the union of always-flagged and explicitly
// requested skills.
func (cb *ContextBuilder) renderActiveSkills(refs []skills.Ref, requested []string) string {
	wanted := make(map[string]bool, len(requested))
	for _, name := range requested {
		wanted[name] = true
	}

	var parts []string
	for _, ref := range refs {
		if !ref.Always && !wanted[ref.Name] {
			continue
		}
		skill, err := skills.Load(ref.Path)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("### Skill: %s\n\n%s", skill.Name, skill.Instructions))
	}
	return strings.Join(parts, "\n\n")
}

// renderSkillSummary lists every discovered skill as XML so the model can
// request one by name.
func renderSkillSummary(refs []skills.Ref) string {
	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available Skills\n\n<skills>\n")
	for _, ref := range refs {
		fmt.Fprintf(&b, "  <skill available=\"true\"><name>%s</name><description>%s</description><location>%s</location></skill>\n",
			ref.Name, ref.Description, ref.Path)
	}
	b.WriteString("</skills>")
	return b.String()
}

// BuildMessages produces the LLM message list for one turn: system prompt,
// the history window projected to role/content pairs, and the current user
// content (with image parts when media is attached).
func (cb *ContextBuilder) BuildMessages(history []session.Message, window int, content string, media []string) []llm.Message {
	messages := []llm.Message{
		{Role: "system", Content: cb.BuildSystemPrompt(nil)},
	}
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	user := llm.Message{Role: "user", Content: content}
	if len(media) > 0 {
		user.Parts = buildUserParts(content, media)
	}
	messages = append(messages, user)
	return messages
}

// buildUserParts renders text plus inline images. Unreadable files are
// silently skipped.
func buildUserParts(content string, media []string) []llm.ContentPart {
	parts := []llm.ContentPart{{Type: "text", Text: content}}
	for _, path := range media {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		uri := fmt.Sprintf("data:%s;base64,%s", mimeFromExtension(path), base64.StdEncoding.EncodeToString(data))
		parts = append(parts, llm.ContentPart{Type: "image_url", ImageURL: &llm.ImageURL{URL: uri}})
	}
	return parts
}

// mimeFromExtension infers the image MIME type from the file extension.
func mimeFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
