package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"preamble", "Here is the result:\n{\"a\": 1}\nDone.", `{"a": 1}`},
		{"no braces", "no json here", "no json here"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cleanJSON(tc.input))
		})
	}
}

func TestCleanJSONArray(t *testing.T) {
	assert.Equal(t, `[{"a": 1}]`, cleanJSONArray("```json\n[{\"a\": 1}]\n```"))
	assert.Equal(t, `[1, 2]`, cleanJSONArray("The criteria:\n[1, 2]"))
}
