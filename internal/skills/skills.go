// Package skills loads agent skills: folders containing a SKILL.md with
// YAML frontmatter and instruction text.
package skills

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is a fully loaded skill.
type Skill struct {
	// From frontmatter
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Always      bool              `yaml:"always"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`

	// From content
	Instructions string `yaml:"-"`

	// Location
	Path string `yaml:"-"`
}

// Ref is a minimal reference for discovery listings.
type Ref struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Always      bool   `yaml:"always" json:"always"`
	Path        string `yaml:"-" json:"path"`
}

// Load loads a skill from its directory.
func Load(skillDir string) (*Skill, error) {
	content, err := os.ReadFile(filepath.Join(skillDir, "SKILL.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to read SKILL.md: %w", err)
	}
	skill, err := Parse(string(content))
	if err != nil {
		return nil, err
	}
	skill.Path = skillDir
	return skill, nil
}

// Parse parses SKILL.md content.
func Parse(content string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}
	skill := &Skill{}
	if err := yaml.Unmarshal([]byte(frontmatter), skill); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("missing required field: description")
	}
	skill.Instructions = strings.TrimSpace(body)
	return skill, nil
}

// splitFrontmatter extracts YAML frontmatter from markdown.
func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}

	var fmLines []string
	bodyStart := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			bodyStart = i + 1
			break
		}
		fmLines = append(fmLines, lines[i])
	}
	if bodyStart < 0 {
		return "", "", fmt.Errorf("unclosed frontmatter")
	}

	frontmatter = strings.Join(fmLines, "\n")
	if bodyStart < len(lines) {
		body = strings.Join(lines[bodyStart:], "\n")
	}
	return frontmatter, body, nil
}

// Discover finds all skills under a directory, sorted by name. A missing
// directory yields an empty list; invalid skills are skipped.
func Discover(skillsDir string) ([]Ref, error) {
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var refs []Ref
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillPath := filepath.Join(skillsDir, entry.Name(), "SKILL.md")
		if _, err := os.Stat(skillPath); os.IsNotExist(err) {
			continue
		}
		ref, err := parseRef(skillPath)
		if err != nil {
			continue
		}
		ref.Path = filepath.Join(skillsDir, entry.Name())
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// parseRef parses just the frontmatter for discovery.
func parseRef(path string) (Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return Ref{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var inFrontmatter bool
	var fmLines []string
	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if !inFrontmatter {
			if trimmed == "---" {
				inFrontmatter = true
			}
			continue
		}
		if trimmed == "---" {
			break
		}
		fmLines = append(fmLines, scanner.Text())
	}

	var ref Ref
	if err := yaml.Unmarshal([]byte(strings.Join(fmLines, "\n")), &ref); err != nil {
		return Ref{}, err
	}
	if ref.Name == "" {
		return Ref{}, fmt.Errorf("skill at %s has no name", path)
	}
	return ref, nil
}
