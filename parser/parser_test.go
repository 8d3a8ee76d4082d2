package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expectOK bool
		check    func(t *testing.T, v interface{})
	}{
		{
			name:     "fenced json block",
			input:    "here you go:\n```json\n{\"Remarks\": [\"bad phrase\"]}\n```",
			expectOK: true,
			check: func(t *testing.T, v interface{}) {
				m := v.(map[string]interface{})
				assert.Contains(t, m, "Remarks")
			},
		},
		{
			name:     "fenced block without json hint",
			input:    "```\n{\"a\": 1}\n```",
			expectOK: true,
		},
		{
			name:     "bare object surrounded by prose",
			input:    "sure, the result is {\"a\": 1} as requested",
			expectOK: true,
		},
		{
			name:     "bare array surrounded by prose",
			input:    "result: [1, 2, 3] done",
			expectOK: true,
		},
		{
			name:     "whole trimmed input is valid json",
			input:    `{"a": 1}`,
			expectOK: true,
		},
		{
			name:     "empty input",
			input:    "",
			expectOK: false,
		},
		{
			name:     "whitespace only",
			input:    "   \n\t ",
			expectOK: false,
		},
		{
			name:     "no json anywhere",
			input:    "I cannot comply with this request.",
			expectOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := Parse(tt.input)
			assert.Equal(t, tt.expectOK, ok)
			if tt.expectOK && tt.check != nil {
				tt.check(t, v)
			}
		})
	}
}

func TestExtractBalanced(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		open     byte
		close    byte
		expected string
	}{
		{name: "simple object", input: "prefix {\"a\":1} suffix", open: '{', close: '}', expected: `{"a":1}`},
		{name: "nested object", input: "x {\"a\":{\"b\":1}} y", open: '{', close: '}', expected: `{"a":{"b":1}}`},
		{name: "no opener", input: "no braces here", open: '{', close: '}', expected: ""},
		{name: "unbalanced never closes", input: "{\"a\":1", open: '{', close: '}', expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractBalanced(tt.input, tt.open, tt.close))
		})
	}
}
