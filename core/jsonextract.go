package core

import (
	"encoding/json"
	"strings"
)

// ExtractJSON finds the first balanced JSON object in a blob of model
// output and returns the parsed value. Model responses are frequently
// wrapped in markdown fences or surrounded by prose; this extractor
// tolerates both. It returns nil when no parseable object is present -
// it never returns an error, the caller decides what a nil means.
func ExtractJSON(text string) map[string]interface{} {
	text = stripCodeFences(text)

	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end := matchBrace(text, start); end > start {
			var out map[string]interface{}
			if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil {
				return out
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start = start + 1 + next
	}
	return nil
}

// stripCodeFences removes ```json ... ``` style wrapping if present.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		// Skip a language tag like "json" on the fence line
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			firstLine := strings.TrimSpace(rest[:nl])
			if firstLine == "" || isFenceTag(firstLine) {
				rest = rest[nl+1:]
			}
		}
		if closing := strings.Index(rest, "```"); closing >= 0 {
			return rest[:closing]
		}
		return rest
	}
	return trimmed
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// matchBrace returns the index of the brace closing the object opened at
// start, honoring JSON string literals and escapes. Returns -1 when the
// object never closes.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
