package ranking

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Document is one retrieved piece of external content. Documents are
// ephemeral: created per search call and discarded at session end.
type Document struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Embedder produces fixed-size vectors for the given texts. Implementations
// are fallible; the engine treats failures as a signal to fall back to
// keyword scoring.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

const (
	maxEmbedRunes     = 1000
	primaryThreshold  = 0.3
	fallbackThreshold = 0.1
	neutralScore      = 0.5

	contentWeight = 0.1
	titleWeight   = 0.3
)

// Engine scores candidate documents against a query. The primary path uses
// embedding cosine similarity; when the embedding collaborator is down or
// its circuit breaker is open, keyword scoring takes over with an
// intentionally lower inclusion threshold.
type Engine struct {
	embedder Embedder
	breaker  *gobreaker.CircuitBreaker
	logger   *log.Logger
}

func NewEngine(embedder Embedder, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[RANK] ", log.LstdFlags)
	}
	st := gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Engine{
		embedder: embedder,
		breaker:  gobreaker.NewCircuitBreaker(st),
		logger:   logger,
	}
}

// Rank returns the documents relevant to query, descending by score.
// It never returns an error: embedding trouble degrades to keyword scoring,
// and if that is impossible too every original document comes back with a
// fixed neutral score in its original order.
func (e *Engine) Rank(ctx context.Context, query string, docs []Document) []Document {
	scorable := make([]Document, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		scorable = append(scorable, d)
	}
	if len(scorable) == 0 {
		return nil
	}

	if e.embedder != nil {
		ranked, err := e.rankByEmbedding(ctx, query, scorable)
		if err == nil {
			return ranked
		}
		e.logger.Printf("embedding path unavailable, falling back to keyword scoring: %v", err)
	}

	ranked, err := rankByKeywords(query, scorable)
	if err != nil {
		e.logger.Printf("keyword path failed (%v), returning neutral scores", err)
		return neutral(docs)
	}
	return ranked
}

func (e *Engine) rankByEmbedding(ctx context.Context, query string, docs []Document) ([]Document, error) {
	queryVec, err := e.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	ranked := make([]Document, 0, len(docs))
	for _, d := range docs {
		vec, err := e.embed(ctx, truncateRunes(d.Content, maxEmbedRunes))
		if err != nil {
			// A single document failing to embed is skipped, not fatal.
			e.logger.Printf("embedding failed for %q, skipping: %v", d.URL, err)
			continue
		}
		d.RelevanceScore = cosineSimilarity(queryVec, vec)
		if d.RelevanceScore > primaryThreshold {
			ranked = append(ranked, d)
		}
	}
	sortByScore(ranked)
	return ranked, nil
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.breaker.Execute(func() (interface{}, error) {
		vecs, err := e.embedder.CreateEmbedding(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, errEmptyEmbedding
		}
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

func rankByKeywords(query string, docs []Document) ([]Document, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, errNoQueryTokens
	}

	ranked := make([]Document, 0, len(docs))
	for _, d := range docs {
		content := strings.ToLower(d.Content)
		title := strings.ToLower(d.Title)
		var sum float64
		for _, w := range words {
			sum += float64(strings.Count(content, w))*contentWeight +
				float64(strings.Count(title, w))*titleWeight
		}
		d.RelevanceScore = clamp(sum/float64(len(words)), 0, 1)
		if d.RelevanceScore > fallbackThreshold {
			ranked = append(ranked, d)
		}
	}
	sortByScore(ranked)
	return ranked, nil
}

func neutral(docs []Document) []Document {
	out := make([]Document, len(docs))
	copy(out, docs)
	for i := range out {
		out[i].RelevanceScore = neutralScore
	}
	return out
}

func sortByScore(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].RelevanceScore > docs[j].RelevanceScore
	})
}
