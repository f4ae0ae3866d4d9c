package ranking

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// scriptedEmbedder maps exact texts to vectors and fails on anything else.
type scriptedEmbedder struct {
	vectors map[string][]float32
	fail    map[string]bool
	calls   int
}

func (s *scriptedEmbedder) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		if s.fail[t] {
			return nil, fmt.Errorf("embedding unavailable for %q", t)
		}
		vec, ok := s.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no scripted vector for %q", t)
		}
		out = append(out, vec)
	}
	return out, nil
}

// vecForScore builds a unit vector whose cosine similarity against [1,0]
// is exactly score.
func vecForScore(score float64) []float32 {
	return []float32{float32(score), float32(math.Sqrt(1 - score*score))}
}

func TestRankPrimaryFiltersAndOrders(t *testing.T) {
	query := "market sentiment"
	docs := []Document{
		{Title: "a", URL: "u1", Content: "low relevance piece"},
		{Title: "b", URL: "u2", Content: "highly relevant piece"},
		{Title: "c", URL: "u3", Content: "borderline piece"},
		{Title: "d", URL: "u4", Content: "medium piece"},
	}
	emb := &scriptedEmbedder{vectors: map[string][]float32{
		query:           {1, 0},
		docs[0].Content: vecForScore(0.2),
		docs[1].Content: vecForScore(0.9),
		docs[2].Content: vecForScore(0.35),
		docs[3].Content: vecForScore(0.5),
	}}

	ranked := NewEngine(emb, nil).Rank(context.Background(), query, docs)

	require.Len(t, ranked, 3)
	require.Equal(t, []string{"u2", "u4", "u3"}, []string{ranked[0].URL, ranked[1].URL, ranked[2].URL})
	require.InDelta(t, 0.9, ranked[0].RelevanceScore, 1e-6)
	require.InDelta(t, 0.5, ranked[1].RelevanceScore, 1e-6)
	require.InDelta(t, 0.35, ranked[2].RelevanceScore, 1e-6)
}

func TestRankSkipsEmptyContentOnBothPaths(t *testing.T) {
	docs := []Document{
		{Title: "empty", URL: "u1", Content: "   \n\t"},
		// Title hits push the keyword score to (0.4+0.4)/2 = 0.4.
		{Title: "nvidia sentiment watch", URL: "u2", Content: "nvidia sentiment is strong"},
		// Exactly (0.1+0.1)/2 = 0.1: on the boundary, excluded by the strict >.
		{Title: "boundary", URL: "u3", Content: "nvidia sentiment coverage"},
	}

	emb := &scriptedEmbedder{vectors: map[string][]float32{
		"nvidia sentiment": {1, 0},
		docs[1].Content:    vecForScore(0.8),
		docs[2].Content:    vecForScore(0.2),
	}}
	primary := NewEngine(emb, nil).Rank(context.Background(), "nvidia sentiment", docs)
	require.Len(t, primary, 1)
	require.Equal(t, "u2", primary[0].URL)

	fallback := NewEngine(nil, nil).Rank(context.Background(), "nvidia sentiment", docs)
	require.Len(t, fallback, 1)
	require.Equal(t, "u2", fallback[0].URL)
	require.InDelta(t, 0.4, fallback[0].RelevanceScore, 1e-9)
}

func TestRankSkipsDocWhoseEmbeddingFails(t *testing.T) {
	query := "chips"
	docs := []Document{
		{Title: "good", URL: "u1", Content: "chip coverage"},
		{Title: "bad", URL: "u2", Content: "broken embedding"},
	}
	emb := &scriptedEmbedder{
		vectors: map[string][]float32{
			query:           {1, 0},
			docs[0].Content: vecForScore(0.7),
		},
		fail: map[string]bool{docs[1].Content: true},
	}

	ranked := NewEngine(emb, nil).Rank(context.Background(), query, docs)
	require.Len(t, ranked, 1)
	require.Equal(t, "u1", ranked[0].URL)
}

func TestRankFallbackScoringFormula(t *testing.T) {
	docs := []Document{
		{Title: "gpu", URL: "u1", Content: "gpu gpu market"},
	}
	ranked := NewEngine(nil, nil).Rank(context.Background(), "gpu market", docs)

	// gpu: 2 content hits (0.1 each) + 1 title hit (0.3); market: 1 content hit.
	// (0.5 + 0.1) / 2 words = 0.3
	require.Len(t, ranked, 1)
	require.InDelta(t, 0.3, ranked[0].RelevanceScore, 1e-9)
}

func TestRankFallbackThresholdExcludesWeakMatches(t *testing.T) {
	docs := []Document{
		{Title: "unrelated", URL: "u1", Content: "cooking recipes and gardening"},
		{Title: "nvidia outlook", URL: "u2", Content: "nvidia nvidia earnings"},
	}
	ranked := NewEngine(nil, nil).Rank(context.Background(), "nvidia earnings", docs)

	require.Len(t, ranked, 1)
	require.Equal(t, "u2", ranked[0].URL)
	require.Greater(t, ranked[0].RelevanceScore, 0.1)
}

func TestRankFallsBackWhenQueryEmbeddingFails(t *testing.T) {
	docs := []Document{
		{Title: "nvidia", URL: "u1", Content: "nvidia stock analysis"},
	}
	emb := &scriptedEmbedder{fail: map[string]bool{"nvidia stock": true}}

	ranked := NewEngine(emb, nil).Rank(context.Background(), "nvidia stock", docs)
	require.Len(t, ranked, 1)
	// Keyword formula, not an embedding score.
	require.InDelta(t, (0.1+0.3+0.1)/2, ranked[0].RelevanceScore, 1e-9)
}

func TestRankNeutralWhenNoPathUsable(t *testing.T) {
	docs := []Document{
		{Title: "a", URL: "u1", Content: "alpha"},
		{Title: "b", URL: "u2", Content: "beta"},
	}
	// No embedder and a query with no tokens leaves only the neutral path.
	ranked := NewEngine(nil, nil).Rank(context.Background(), "   ", docs)

	require.Len(t, ranked, 2)
	require.Equal(t, "u1", ranked[0].URL)
	require.Equal(t, "u2", ranked[1].URL)
	for _, d := range ranked {
		require.Equal(t, 0.5, d.RelevanceScore)
	}
}

func TestRankClampsFallbackScores(t *testing.T) {
	content := ""
	for i := 0; i < 30; i++ {
		content += "nvidia "
	}
	docs := []Document{{Title: "nvidia nvidia nvidia", URL: "u1", Content: content}}

	ranked := NewEngine(nil, nil).Rank(context.Background(), "nvidia", docs)
	require.Len(t, ranked, 1)
	require.Equal(t, 1.0, ranked[0].RelevanceScore)
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	require.Equal(t, 0.0, cosineSimilarity(nil, nil))
	require.Equal(t, 0.0, cosineSimilarity([]float32{1, 2}, []float32{1}))
	require.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	require.InDelta(t, 1.0, cosineSimilarity([]float32{2, 0}, []float32{5, 0}), 1e-9)
}

func TestTruncateRunes(t *testing.T) {
	require.Equal(t, "abc", truncateRunes("abc", 5))
	require.Equal(t, "ab", truncateRunes("abc", 2))
	require.Equal(t, "", truncateRunes("abc", 0))
}
