// Package jsonrepair recovers JSON objects from model output that is
// almost, but not quite, valid JSON. Responses arrive wrapped in markdown
// fences, preceded by prose, or truncated mid-object, and each of those
// failure shapes has a targeted repair.
package jsonrepair

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Repair strategy names, recorded in round traces when applied.
const (
	RepairStripFences       = "strip_markdown_fences"
	RepairExtractObject     = "extract_balanced_object"
	RepairTrailingCommas    = "remove_trailing_commas"
	RepairCloseBrackets     = "close_unbalanced_brackets"
)

// Decode returns text cleaned into parseable JSON along with the names of
// the repairs that were needed. Strategies are applied in a fixed order,
// each only when the text still fails to parse, so well-formed input passes
// through untouched with an empty repair list.
func Decode(text string) ([]byte, []string, error) {
	var repairs []string
	cur := strings.TrimSpace(text)

	if parses(cur) {
		return []byte(cur), nil, nil
	}

	for _, step := range []struct {
		name  string
		apply func(string) string
	}{
		{RepairStripFences, stripFences},
		{RepairExtractObject, extractObject},
		{RepairTrailingCommas, removeTrailingCommas},
		{RepairCloseBrackets, closeBrackets},
	} {
		next := step.apply(cur)
		if next != cur {
			repairs = append(repairs, step.name)
			cur = next
		}
		if parses(cur) {
			return []byte(cur), repairs, nil
		}
	}

	return nil, repairs, eris.Errorf("jsonrepair: unrecoverable response (%d bytes)", len(text))
}

func parses(s string) bool {
	return json.Valid([]byte(s))
}

// stripFences removes a leading ```json (or bare ```) fence and its
// closing fence, tolerating prose on either side of the fenced block.
func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && isFenceTag(body[:nl]) {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isFenceTag(s string) bool {
	tag := strings.TrimSpace(s)
	return tag == "" || strings.EqualFold(tag, "json")
}

// extractObject slices from the first '{' to its matching '}' when one
// exists, or to the last '}' otherwise. Handles models that narrate before
// or after the object.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
				return s[start : i+1]
			}
		}
	}
	if end := strings.LastIndexByte(s, '}'); end > start {
		return s[start : end+1]
	}
	return s[start:]
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
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// closeBrackets appends the closers a truncated response is missing. An
// unterminated string literal is closed first.
func closeBrackets(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if !inString && len(stack) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(s, ", \t\r\n"))
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
