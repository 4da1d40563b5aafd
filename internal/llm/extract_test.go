package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineDecision struct {
	Engine     string  `json:"engine"`
	Confidence float64 `json:"confidence"`
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want engineDecision
	}{
		{
			name: "bare object",
			text: `{"engine":"headless","confidence":0.9}`,
			want: engineDecision{"headless", 0.9},
		},
		{
			name: "fenced with language tag",
			text: "```json\n{\"engine\":\"http\",\"confidence\":0.7}\n```",
			want: engineDecision{"http", 0.7},
		},
		{
			name: "fenced without tag",
			text: "```\n{\"engine\":\"managed\",\"confidence\":0.6}\n```",
			want: engineDecision{"managed", 0.6},
		},
		{
			name: "surrounded by prose",
			text: "The best choice here is:\n{\"engine\":\"headless\",\"confidence\":0.8}\nLet me know if you need more.",
			want: engineDecision{"headless", 0.8},
		},
		{
			name: "trailing comma",
			text: `{"engine":"http","confidence":0.5,}`,
			want: engineDecision{"http", 0.5},
		},
		{
			name: "conversational prefix",
			text: "Sure, here is the JSON you asked for:\n{\n  \"engine\": \"headless\",\n  \"confidence\": 1\n}",
			want: engineDecision{"headless", 1},
		},
		{
			name: "two objects takes the first",
			text: `{"engine":"http","confidence":0.4} or maybe {"engine":"headless","confidence":0.3}`,
			want: engineDecision{"http", 0.4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got engineDecision
			require.NoError(t, ExtractJSON(tt.text, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONNestedObject(t *testing.T) {
	// The non-greedy match alone would cut this at the first closing brace;
	// the outermost brace slice recovers the whole object.
	text := `Result: {"metadata": {"lang": "en"}, "title": "T"} done`
	var got map[string]any
	require.NoError(t, ExtractJSON(text, &got))
	assert.Equal(t, "T", got["title"])
	assert.Equal(t, map[string]any{"lang": "en"}, got["metadata"])
}

func TestExtractJSONArray(t *testing.T) {
	text := "Here are the results:\n[{\"engine\":\"http\",\"confidence\":0.2},{\"engine\":\"headless\",\"confidence\":0.9}]"
	var got []engineDecision
	require.NoError(t, ExtractJSON(text, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "headless", got[1].Engine)
}

func TestExtractJSONNoJSON(t *testing.T) {
	var got engineDecision
	err := ExtractJSON("no structured data here at all", &got)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtractJSONMap(t *testing.T) {
	m, err := ExtractJSONMap("```json\n{\"action\": \"extract\", \"confidence\": 0.5}\n```")
	require.NoError(t, err)
	assert.Equal(t, "extract", m["action"])
	assert.Equal(t, 0.5, m["confidence"])
}
