package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractJSONBlockBareObject(t *testing.T) {
	require.Equal(t, `{"a":1}`, extractJSONBlock(`{"a":1}`))
}

func TestExtractJSONBlockWithMarkdownFence(t *testing.T) {
	in := "```json\n{\"kind\":\"retry\",\"new_selector\":\"#x\"}\n```"
	require.JSONEq(t, `{"kind":"retry","new_selector":"#x"}`, extractJSONBlock(in))
}

func TestExtractJSONBlockWithSurroundingProse(t *testing.T) {
	in := `Here is my analysis:\n{"steps": [{"action":"fill"}]}\nLet me know if you need more.`
	got := extractJSONBlock(in)
	require.Contains(t, got, `"steps"`)
}

func TestExtractJSONBlockNoJSONReturnsEmpty(t *testing.T) {
	require.Equal(t, "", extractJSONBlock("no json here at all"))
}

func TestExtractJSONBlockIgnoresBracesInsideStrings(t *testing.T) {
	in := `{"message": "contains a } brace", "ok": true}`
	require.Equal(t, in, extractJSONBlock(in))
}

func TestUnmarshalJSONBlockDecodesIntoTarget(t *testing.T) {
	var out struct {
		Kind string `json:"kind"`
	}
	err := unmarshalJSONBlock(`prefix {"kind":"click"} suffix`, &out)
	require.NoError(t, err)
	require.Equal(t, "click", out.Kind)
}

func TestUnmarshalJSONBlockErrorsWhenNoBlockFound(t *testing.T) {
	var out map[string]any
	err := unmarshalJSONBlock("not json", &out)
	require.Error(t, err)
}
