// Package search is the content-acquisition collaborator boundary. Raw
// fetching and text cleanup live behind the interface; the pipeline only
// sees titled documents.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/finsight-labs/finsight/internal/ranking"
)

// Searcher finds candidate documents for a derived phrase.
type Searcher interface {
	Search(ctx context.Context, phrase string) ([]ranking.Document, error)
}

const defaultSerperEndpoint = "https://google.serper.dev/search"

// Serper queries serper.dev for organic web results.
type Serper struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	HTTPClient *http.Client
}

func NewSerper(apiKey, endpoint string, maxResults int) *Serper {
	if endpoint == "" {
		endpoint = defaultSerperEndpoint
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	return &Serper{
		APIKey:     apiKey,
		Endpoint:   endpoint,
		MaxResults: maxResults,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *Serper) Search(ctx context.Context, phrase string) ([]ranking.Document, error) {
	payload, _ := json.Marshal(map[string]any{"q": phrase, "num": s.MaxResults})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	var docs []ranking.Document
	for i, item := range raw.Organic {
		if i >= s.MaxResults {
			break
		}
		docs = append(docs, ranking.Document{
			Title:   item.Title,
			URL:     item.Link,
			Content: item.Snippet,
		})
	}
	return docs, nil
}
