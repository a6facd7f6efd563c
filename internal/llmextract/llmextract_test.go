package llmextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatten_JoinsNestedKeysWithUnderscore(t *testing.T) {
	in := map[string]interface{}{
		"borrower": map[string]interface{}{
			"name": "Jane Doe",
			"ssn":  "123-45-6789",
		},
		"loan_amount": "250000",
	}
	out := flatten("", in)
	assert.Equal(t, "Jane Doe", out["borrower_name"])
	assert.Equal(t, "123-45-6789", out["borrower_ssn"])
	assert.Equal(t, "250000", out["loan_amount"])
}

func TestParsePageExtraction_ComputesOverallConfidence(t *testing.T) {
	fields := map[string]interface{}{
		"field_a": map[string]interface{}{"value": "x", "confidence": 80.0},
		"field_b": map[string]interface{}{"value": "y", "confidence": 60.0},
	}
	pe, err := parsePageExtraction(fields, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", pe.PromptVersion)
	assert.Equal(t, 70.0, pe.OverallConfidence)
	assert.Equal(t, 80, pe.Data["field_a"].Confidence)
}

func TestExtractBatch_RejectsOversizedBatch(t *testing.T) {
	a := New("", "")
	_, err := a.ExtractBatch(nil, "doc1", []string{"a", "b", "c"}, LoanPrompt)
	assert.Error(t, err)
}
