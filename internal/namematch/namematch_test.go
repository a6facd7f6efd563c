package namematch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexusidp/document-processor/internal/model"
)

func TestMatchHolder_ExactName(t *testing.T) {
	holder := model.Holder{FullName: "Jane Q Doe"}
	r := MatchHolder("Jane Q Doe", holder, "")
	assert.True(t, r.Matched)
	assert.Equal(t, 100, r.Confidence)
}

func TestMatchHolder_AbbreviationMatch(t *testing.T) {
	holder := model.Holder{FullName: "Rahmah Abdul Gooba"}
	r := MatchHolder("R A Gooba", holder, "")
	assert.True(t, r.Matched)
	assert.Equal(t, 90, r.Confidence)
}

func TestMatchHolder_ReversedOrder(t *testing.T) {
	holder := model.Holder{FullName: "John Smith"}
	r := MatchHolder("Smith John", holder, "")
	assert.True(t, r.Matched)
	assert.Equal(t, 90, r.Confidence)
}

func TestMatchHolder_SpellingVariation(t *testing.T) {
	holder := model.Holder{FullName: "Katherine Johnson"}
	r := MatchHolder("Katherin Jonson", holder, "")
	assert.True(t, r.Matched)
	assert.GreaterOrEqual(t, r.Confidence, MinAcceptanceThreshold)
}

func TestMatchHolder_LastNameOnlyFallback(t *testing.T) {
	holder := model.Holder{FullName: "Maria Lopez"}
	r := MatchHolder("Lopez", holder, "")
	assert.True(t, r.Matched)
	assert.Equal(t, 90, r.Confidence)
}

func TestMatchHolder_NoMatchBelowThreshold(t *testing.T) {
	holder := model.Holder{FullName: "Completely Different Person"}
	r := MatchHolder("Totally Unrelated Name", holder, "")
	assert.False(t, r.Matched)
}

func TestMatchAccountNumber_SeparatorNormalized(t *testing.T) {
	r := MatchAccountNumber("1O2-345", "102345")
	assert.True(t, r.Matched)
	assert.Equal(t, 100, r.Confidence)
}

func TestMatchSSN_StripsNonDigits(t *testing.T) {
	r := MatchSSN("123-45-6789", "123456789")
	assert.True(t, r.Matched)
}

func TestMatchRole_VitalRecord(t *testing.T) {
	holder := model.Holder{FullName: "Robert James Carter"}
	r := MatchRole("Robert J Carter", holder)
	assert.True(t, r.Matched)
}

func TestMatchRole_FallsBackToLastNameOnly(t *testing.T) {
	holder := model.Holder{FullName: "Maria Lopez"}
	r := MatchRole("Lopez", holder)
	assert.True(t, r.Matched)
	assert.Equal(t, 90, r.Confidence)
}

func TestMatchRole_FallsBackToFirstNameOnly(t *testing.T) {
	holder := model.Holder{FullName: "Robert James Carter"}
	r := MatchRole("Robert", holder)
	assert.True(t, r.Matched)
}

func TestMatchRole_NoMatch(t *testing.T) {
	holder := model.Holder{FullName: "Completely Different Person"}
	r := MatchRole("Totally Unrelated Name", holder)
	assert.False(t, r.Matched)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("SAME", "SAME"))
	assert.Equal(t, 1, levenshtein("CAT", "CATS"))
	assert.Equal(t, 3, levenshtein("KITTEN", "SITTING"))
}
