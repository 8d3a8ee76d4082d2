// Package parser implements the Response Parser (SPEC_FULL.md §4.A): it
// extracts a JSON object or array out of whatever text the LLM returned,
// which may be wrapped in a markdown fence, surrounded by prose, or bare.
//
// The three-stage strategy -- fenced code block, then a balanced-bracket
// scan for {...} or [...], then the whole trimmed input -- is grounded in
// original_source/app/utils/utils.py's response_parser, stopping at the
// first stage that produces valid JSON. Decoding uses bytedance/sonic
// (SPEC_FULL.md §11) since this is the one hot JSON-decode path in the
// service: exactly one decode per LLM response.
package parser

import (
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// Parse extracts and decodes the first valid JSON value found in output,
// returning nil if none of the three strategies yields valid JSON (which
// includes the case of empty or whitespace-only input).
func Parse(output string) (interface{}, bool) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, false
	}

	if m := fencedBlockPattern.FindStringSubmatch(trimmed); m != nil {
		if v, ok := decode(strings.TrimSpace(m[1])); ok {
			return v, true
		}
	}

	if v, ok := decode(extractBalanced(trimmed, '{', '}')); ok {
		return v, true
	}
	if v, ok := decode(extractBalanced(trimmed, '[', ']')); ok {
		return v, true
	}

	return decode(trimmed)
}

// extractBalanced returns the substring spanning the first open byte to its
// matching close byte (bracket-depth balanced), or "" if no balanced span
// exists.
func extractBalanced(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func decode(s string) (interface{}, bool) {
	if s == "" {
		return nil, false
	}
	var v interface{}
	if err := sonic.UnmarshalString(s, &v); err != nil {
		return nil, false
	}
	return v, true
}
