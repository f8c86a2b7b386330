package util

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherArgs struct {
	City  string `json:"city" description:"city name"`
	Unit  string `json:"unit,omitempty" enum:"celsius|fahrenheit"`
	Days  int    `json:"days,omitempty"`
	Extra *bool  `json:"extra"`
}

func TestCreateSchemaAndValidate(t *testing.T) {
	schema := CreateSchema(weatherArgs{})
	assert.Equal(t, []string{"city"}, schema["required"])

	props := schema["properties"].(map[string]any)
	unit := props["unit"].(map[string]any)
	assert.Equal(t, []any{"celsius", "fahrenheit"}, unit["enum"])

	require.NoError(t, ValidateParameters(map[string]any{"city": "Berlin", "days": float64(3)}, schema))

	err := ValidateParameters(map[string]any{}, schema)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "city", ve.Field)

	err = ValidateParameters(map[string]any{"city": "Berlin", "days": 1.5}, schema)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "days", ve.Field)

	err = ValidateParameters(map[string]any{"city": "Berlin", "unit": "kelvin"}, schema)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "unit", ve.Field)
}

func TestValidateParameters_DecodedRequiredList(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"required":   []any{"q"},
		"properties": map[string]any{"q": map[string]any{"type": "string"}},
	}
	assert.Error(t, ValidateParameters(map[string]any{}, schema))
	assert.NoError(t, ValidateParameters(map[string]any{"q": "x"}, schema))
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = RenderTemplate(`{{.Name | upper}} {{json .Args}} {{default "none" .Missing}}`, map[string]any{
		"Name": "hub",
		"Args": map[string]any{"q": "a<b"},
	})
	require.NoError(t, err)
	assert.Equal(t, `HUB {"q":"a<b"} none`, out)

	_, err = RenderTemplate("{{.Broken", nil)
	assert.ErrorContains(t, err, "parse template")
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "Sure:\n```json\n{\"a\":{\"b\":\"}\"}}\n```\nDone", `{"a":{"b":"}"}}`, true},
		{"array", `result: [1,2]`, `[1,2]`, true},
		{"escaped quote", `{"s":"x\"}"}`, `{"s":"x\"}"}`, true},
		{"none", `no json here`, "", false},
		{"unterminated", `{"a":1`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"ascii", "hello world", 5, "hello..."},
		{"rune boundary", "héllo", 2, "h..."},
		{"multi byte", "日本語テキスト", 7, "日本..."},
		{"zero", "abc", 0, "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
