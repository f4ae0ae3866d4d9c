package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSerperSearchMapsOrganicResults(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "k" {
			t.Errorf("missing api key header")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotQuery, _ = body["q"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"organic": []map[string]string{
				{"title": "NVDA surges", "link": "https://a.example", "snippet": "nvidia climbed"},
				{"title": "Chip outlook", "link": "https://b.example", "snippet": "sector view"},
			},
		})
	}))
	defer srv.Close()

	s := NewSerper("k", srv.URL, 10)
	docs, err := s.Search(context.Background(), "NVDA stock financial analysis investor information")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotQuery != "NVDA stock financial analysis investor information" {
		t.Fatalf("unexpected query sent: %q", gotQuery)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	if docs[0].Title != "NVDA surges" || docs[0].URL != "https://a.example" || docs[0].Content != "nvidia climbed" {
		t.Fatalf("unexpected mapping: %+v", docs[0])
	}
}

func TestSerperSearchTruncatesToMaxResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		items := make([]map[string]string, 8)
		for i := range items {
			items[i] = map[string]string{"title": "t", "link": "u", "snippet": "s"}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"organic": items})
	}))
	defer srv.Close()

	s := NewSerper("k", srv.URL, 3)
	docs, err := s.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
}

func TestSerperSearchSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSerper("k", srv.URL, 3)
	if _, err := s.Search(context.Background(), "q"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
