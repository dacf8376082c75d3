package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	content := `---
name: summarizer
description: Summarizes long text
always: true
---

Summarize in three bullet points.
`
	skill, err := Parse(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if skill.Name != "summarizer" {
		t.Errorf("name: %s", skill.Name)
	}
	if !skill.Always {
		t.Error("always flag not parsed")
	}
	if skill.Instructions != "Summarize in three bullet points." {
		t.Errorf("instructions: %q", skill.Instructions)
	}
}

func TestParseMissingFields(t *testing.T) {
	if _, err := Parse("---\ndescription: no name\n---\nbody"); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := Parse("no frontmatter here"); err == nil {
		t.Error("expected error for missing frontmatter")
	}
	if _, err := Parse("---\nname: x\ndescription: y"); err == nil {
		t.Error("expected error for unclosed frontmatter")
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "zeta", "---\nname: zeta\ndescription: last\n---\nz")
	writeSkill(t, dir, "alpha", "---\nname: alpha\ndescription: first\nalways: true\n---\na")
	writeSkill(t, dir, "broken", "not a skill")
	// A bare directory without SKILL.md is ignored.
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	refs, err := Discover(dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 skills, got %d", len(refs))
	}
	if refs[0].Name != "alpha" || refs[1].Name != "zeta" {
		t.Errorf("not sorted by name: %v", refs)
	}
	if !refs[0].Always {
		t.Error("always flag lost in discovery")
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	refs, err := Discover(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if refs != nil {
		t.Errorf("expected nil refs, got %v", refs)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "helper", "---\nname: helper\ndescription: helps\n---\nbody text")
	skill, err := Load(filepath.Join(dir, "helper"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if skill.Path != filepath.Join(dir, "helper") {
		t.Errorf("path not recorded: %s", skill.Path)
	}
}
