package llm

import (
	"strings"
)

// Model output rarely arrives clean: answers come fenced, prefixed with
// prose, or with JSON buried mid-paragraph. These helpers are the boundary
// where that mess is contained; callers past this point see plain text or a
// decoded object.

// StripCodeFence removes a single surrounding Markdown code fence, with or
// without a language tag. Text without a fence is returned trimmed.
func StripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = t[3:]
	// Drop the language tag up to the first newline.
	if idx := strings.IndexByte(t, '\n'); idx >= 0 {
		first := strings.TrimSpace(t[:idx])
		if first == "" || isFenceTag(first) {
			t = t[idx+1:]
		}
	}
	if idx := strings.LastIndex(t, "```"); idx >= 0 {
		t = t[:idx]
	}
	return strings.TrimSpace(t)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '+' {
			continue
		}
		return false
	}
	return true
}

// ExtractJSONObject returns the first balanced top-level JSON object embedded
// in s, honoring string literals and escapes. Reports false when none exists.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
