package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscope/enrich-cli/internal/resilience"
)

func TestParseInference_Valid(t *testing.T) {
	raw := `{
		"markets": [
			{"name": "Flexible Packaging", "segment": "Food", "players": ["Amcor"], "trend_summary": "growing"}
		],
		"products": [
			{"name": "Stand-up pouches", "description": "laminated"}
		]
	}`
	inf, err := parseInference(raw)
	require.NoError(t, err)
	require.Len(t, inf.Markets, 1)
	assert.Equal(t, "Flexible Packaging", inf.Markets[0].Name)
	assert.Equal(t, []string{"Amcor"}, inf.Markets[0].Players)
	require.Len(t, inf.Products, 1)
	assert.Equal(t, "Stand-up pouches", inf.Products[0].Name)
}

func TestParseInference_FencedJSON(t *testing.T) {
	raw := "```json\n{\"markets\": [], \"products\": []}\n```"
	inf, err := parseInference(raw)
	require.NoError(t, err)
	assert.Empty(t, inf.Markets)
	assert.Empty(t, inf.Products)
}

func TestParseInference_MalformedIsAdapterError(t *testing.T) {
	_, err := parseInference("the company operates in packaging")
	require.Error(t, err)
	assert.True(t, resilience.IsAdapter(err))
}

func TestParseInference_UnknownFieldsRejected(t *testing.T) {
	_, err := parseInference(`{"markets": [], "products": [], "extra": true}`)
	require.Error(t, err)
	assert.True(t, resilience.IsAdapter(err))
}

func TestParseInference_MarketWithoutName(t *testing.T) {
	_, err := parseInference(`{"markets": [{"name": "  ", "segment": "x"}], "products": []}`)
	require.Error(t, err)
	assert.True(t, resilience.IsAdapter(err))
}

func TestParseInference_Empty(t *testing.T) {
	_, err := parseInference("")
	require.Error(t, err)
	assert.True(t, resilience.IsAdapter(err))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}
