package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finsight-labs/finsight/config"
	"github.com/finsight-labs/finsight/internal/provider"
	"github.com/finsight-labs/finsight/internal/ranking"
	"github.com/finsight-labs/finsight/internal/ratelimit"
	"github.com/finsight-labs/finsight/internal/session"
)

var quiet = log.New(io.Discard, "", 0)

type stubSearcher struct {
	docs []ranking.Document
}

func (s stubSearcher) Search(ctx context.Context, phrase string) ([]ranking.Document, error) {
	return s.docs, nil
}

type stubStream struct {
	fragments []string
	i         int
}

func (s *stubStream) Recv() (string, error) {
	if s.i >= len(s.fragments) {
		return "", io.EOF
	}
	s.i++
	return s.fragments[s.i-1], nil
}

func (s *stubStream) Close() error { return nil }

type stubGenerator struct {
	fragments  []string
	completion string
}

func (g stubGenerator) Generate(ctx context.Context, prompt string) (provider.Completion, error) {
	return provider.Completion{Text: g.completion, Provider: "alpha"}, nil
}

func (g stubGenerator) GenerateStream(ctx context.Context, prompt string) (*provider.FragmentStream, error) {
	return provider.NewFragmentStream("alpha", &stubStream{fragments: g.fragments}), nil
}

type overCounter struct{}

func (overCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	return redis.NewIntResult(9999, nil)
}

func (overCounter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func testServer(t *testing.T, limiter *ratelimit.Limiter) *Server {
	t.Helper()
	searcher := stubSearcher{docs: []ranking.Document{
		{Title: "Tesla deliveries beat outlook", URL: "https://a", Content: "tesla deliveries beat the tesla deliveries outlook"},
	}}
	gen := stubGenerator{
		fragments:  []string{"Strong ", "quarter."},
		completion: `{"recommendation":"Buy"}`,
	}
	orch := session.NewOrchestrator(
		searcher,
		ranking.NewEngine(nil, quiet),
		nil,
		nil,
		gen,
		nil,
		session.Config{TopSources: 5, ReplayWords: 12, MetricsTimeout: time.Second},
		quiet,
	)
	if limiter == nil {
		limiter = ratelimit.New(nil, quiet)
	}
	return New(config.ServerConfig{Address: ":0"}, Deps{
		Orchestrator: orch,
		Limiter:      limiter,
		RateLimits: config.RateLimitConfig{
			Default: config.RateProfileConfig{Limit: 100, Window: 15 * time.Minute},
			Upload:  config.RateProfileConfig{Limit: 5, Window: 5 * time.Minute},
		},
		Logger: quiet,
	})
}

func doJSON(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echoContentType, "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealthz(t *testing.T) {
	srv := testServer(t, nil)
	rec := doJSON(srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestQueryEndpointReturnsResult(t *testing.T) {
	srv := testServer(t, nil)
	rec := doJSON(srv, http.MethodPost, "/api/query", `{"query":"tesla deliveries outlook"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var res session.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Text != "Strong quarter." {
		t.Fatalf("text %q", res.Text)
	}
	if len(res.Sources) != 1 {
		t.Fatalf("sources %d", len(res.Sources))
	}
	if res.Cached {
		t.Fatal("fresh result reported cached")
	}
}

func TestAnalysisEndpointReturnsMetrics(t *testing.T) {
	srv := testServer(t, nil)
	rec := doJSON(srv, http.MethodPost, "/api/analysis/TSLA", `{"time_horizon":"1 year"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var res session.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Recommendation != "Buy" {
		t.Fatalf("recommendation %q", res.Recommendation)
	}
	if res.Metrics["recommendation"] != "Buy" {
		t.Fatalf("metrics %v", res.Metrics)
	}
}

func TestQueryStreamEmitsOrderedEvents(t *testing.T) {
	srv := testServer(t, nil)
	rec := doJSON(srv, http.MethodPost, "/api/query/stream", `{"query":"tesla deliveries outlook"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echoContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	body := rec.Body.String()
	sources := strings.Index(body, "event: sources\n")
	content := strings.Index(body, "event: content\n")
	done := strings.Index(body, "event: done\n")
	if sources < 0 || content < 0 || done < 0 {
		t.Fatalf("missing events in stream:\n%s", body)
	}
	if !(sources < content && content < done) {
		t.Fatalf("events out of order:\n%s", body)
	}
	if !strings.Contains(body, `data: {"text":"Strong "}`) {
		t.Fatalf("fragment payload missing:\n%s", body)
	}
}

func TestEmptyQueryMapsToBadRequest(t *testing.T) {
	srv := testServer(t, nil)
	rec := doJSON(srv, http.MethodPost, "/api/query", `{"query":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] == "" {
		t.Fatalf("no error message in %s", rec.Body.String())
	}
}

func TestDocumentsRequireDocuments(t *testing.T) {
	srv := testServer(t, nil)
	rec := doJSON(srv, http.MethodPost, "/api/documents", `{"query":"q","documents":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDocumentsBypassSearch(t *testing.T) {
	srv := testServer(t, nil)
	body := `{"query":"uploaded filings","documents":[{"title":"10-K","url":"upload://1","content":"uploaded filings with uploaded filings detail"}]}`
	rec := doJSON(srv, http.MethodPost, "/api/documents", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var res session.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Sources) != 1 || res.Sources[0].URL != "upload://1" {
		t.Fatalf("sources %+v", res.Sources)
	}
}

func TestDefaultProfileRejectsOverLimit(t *testing.T) {
	srv := testServer(t, ratelimit.New(overCounter{}, quiet))
	rec := doJSON(srv, http.MethodPost, "/api/query", `{"query":"anything"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatal("no reset header")
	}
}
