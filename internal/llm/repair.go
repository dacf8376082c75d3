package llm

import (
	"encoding/json"
	"strings"
)

// ParseToolArguments turns a raw tool-argument string from a model into a
// map. Models routinely emit JSON wrapped in code fences, with trailing
// commas, or with single quotes; the lenient repair pass runs first, a
// strict parse of the raw string second, and the empty object is the final
// fallback.
func ParseToolArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}

	if args, ok := tryParse(repairJSON(raw)); ok {
		return args
	}
	if args, ok := tryParse(raw); ok {
		return args
	}
	return map[string]any{}
}

func tryParse(s string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}

// repairJSON applies the cheap fixes that cover the common model
// malformations: code fences, stray prose around the object, trailing
// commas, and single-quoted strings.
func repairJSON(s string) string {
	s = stripFences(s)

	// Cut to the outermost object if the model wrapped it in prose.
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}

	s = removeTrailingCommas(s)

	// Only swap quote style when the text carries no double quotes at
	// all; mixed quoting is left for the strict pass to reject.
	if !strings.Contains(s, `"`) && strings.Contains(s, "'") {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	return s
}

// stripFences removes a leading ```json (or bare ```) fence and its
// closing fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// removeTrailingCommas drops commas that directly precede a closing
// bracket, outside of string literals.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case ',':
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// StripJSONResponse cleans a model reply that is expected to be a bare
// JSON object (used by memory consolidation): fences and surrounding prose
// are removed, content is returned as-is otherwise.
func StripJSONResponse(s string) string {
	s = stripFences(s)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}
