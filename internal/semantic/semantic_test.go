package semantic

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractKeyPhrasesRanksByFrequency(t *testing.T) {
	text := "vector search engine. vector search is fast. the engine indexes documents."
	phrases := ExtractKeyPhrases(text, 8)
	require.NotEmpty(t, phrases)

	assert.Equal(t, "vector search", phrases[0].Text)
	assert.Equal(t, 1.0, phrases[0].Score)

	for i := 1; i < len(phrases); i++ {
		assert.LessOrEqual(t, phrases[i].Score, phrases[i-1].Score, "scores ordered desc")
	}
}

func TestExtractKeyPhrasesSkipsStopWords(t *testing.T) {
	phrases := ExtractKeyPhrases("the cat and the hat", 8)
	for _, p := range phrases {
		assert.NotEqual(t, "the", p.Text)
		assert.NotEqual(t, "and", p.Text)
	}
}

func TestExtractKeyPhrasesNeverEmpty(t *testing.T) {
	phrases := ExtractKeyPhrases("   \n\t ", 8)
	require.Len(t, phrases, 1)
	assert.Equal(t, "untitled", phrases[0].Text)
}

func TestExtractKeyPhrasesRespectsLimit(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta iota kappa ", 3)
	phrases := ExtractKeyPhrases(text, 4)
	assert.Len(t, phrases, 4)
}

func TestReadabilityBounds(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"simple", "The cat sat. The dog ran. It was fun."},
		{"complex", "Notwithstanding considerable organizational interdependencies, the infrastructural heterogeneity necessitates comprehensive reconciliation methodologies."},
		{"single word", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Readability(tt.text)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 100.0)
		})
	}
}

func TestReadabilitySimpleBeatsComplex(t *testing.T) {
	simple := Readability("The cat sat. The dog ran. It was fun.")
	complex := Readability("Notwithstanding considerable organizational interdependencies, infrastructural heterogeneity necessitates comprehensive reconciliation methodologies.")
	assert.Greater(t, simple, complex)
}

func TestLocalEnricher(t *testing.T) {
	e := NewLocalEnricher()
	enr, err := e.Enrich(context.Background(), "hello world. hello again.")
	require.NoError(t, err)
	assert.NotEmpty(t, enr.KeyPhrases)
	assert.GreaterOrEqual(t, enr.Readability, 0.0)
	assert.LessOrEqual(t, enr.Readability, 100.0)
}

func TestPoolKeywords(t *testing.T) {
	pooled := PoolKeywords([][]KeyPhrase{
		{{Text: "search", Score: 1.0}, {Text: "vector", Score: 0.5}},
		{{Text: "search", Score: 0.8}, {Text: "index", Score: 0.4}},
	}, 10)

	require.NotEmpty(t, pooled)
	assert.Equal(t, "search", pooled[0].Text)
	assert.Equal(t, 1.0, pooled[0].Score)
	for i := 1; i < len(pooled); i++ {
		assert.LessOrEqual(t, pooled[i].Score, pooled[i-1].Score)
	}
}

func TestPoolKeywordsEmpty(t *testing.T) {
	assert.Nil(t, PoolKeywords(nil, 10))
}
