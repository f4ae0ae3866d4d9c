package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/finsight-labs/finsight/internal/cache"
	"github.com/finsight-labs/finsight/internal/provider"
	"github.com/finsight-labs/finsight/internal/ranking"
	"github.com/finsight-labs/finsight/internal/ratelimit"
	"github.com/finsight-labs/finsight/internal/search"
	"github.com/finsight-labs/finsight/internal/telemetry"
)

var tracer = otel.Tracer("finsight/session")

// Generator is the slice of the provider manager the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (provider.Completion, error)
	GenerateStream(ctx context.Context, prompt string) (*provider.FragmentStream, error)
}

// Config carries the orchestrator's pacing and sizing knobs.
type Config struct {
	TopSources      int
	FragmentDelay   time.Duration
	ReplayDelay     time.Duration
	ReplayWords     int
	MetricsTimeout  time.Duration
	QueryTTL        time.Duration
	AnalysisTTL     time.Duration
	ProviderProfile ratelimit.Profile
}

func (c Config) withDefaults() Config {
	if c.TopSources <= 0 {
		c.TopSources = 5
	}
	if c.ReplayWords <= 0 {
		c.ReplayWords = 12
	}
	if c.MetricsTimeout <= 0 {
		c.MetricsTimeout = 20 * time.Second
	}
	if c.QueryTTL <= 0 {
		c.QueryTTL = 30 * time.Minute
	}
	if c.AnalysisTTL <= 0 {
		c.AnalysisTTL = time.Hour
	}
	return c
}

// Request describes one session. Either Query or Symbol must be set;
// Symbol selects an analysis session. Documents, when supplied, bypass
// the search collaborator.
type Request struct {
	Query       string
	Symbol      string
	TimeHorizon string
	Identity    string
	Documents   []ranking.Document
}

// Validate rejects empty subjects before any collaborator runs.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Query) == "" && strings.TrimSpace(r.Symbol) == "" {
		return &ValidationError{Message: "query or symbol is required"}
	}
	return nil
}

func (r Request) analysis() bool {
	return strings.TrimSpace(r.Symbol) != ""
}

func (r Request) kind() string {
	if r.analysis() {
		return "analysis"
	}
	return "query"
}

// phrase is what the search collaborator is asked for. Analysis
// sessions derive a fixed retrieval phrase from the symbol.
func (r Request) phrase() string {
	if r.analysis() {
		return fmt.Sprintf("%s stock financial analysis investor information", strings.ToUpper(strings.TrimSpace(r.Symbol)))
	}
	return r.Query
}

// rankQuery is the relevance anchor for ranking, which for analysis
// sessions is the symbol phrase rather than the (empty) query.
func (r Request) rankQuery() string {
	return r.phrase()
}

// Result is the accumulated outcome of a completed session.
type Result struct {
	Sources        []ranking.Document `json:"sources"`
	Text           string             `json:"text"`
	Metrics        map[string]string  `json:"metrics,omitempty"`
	Recommendation string             `json:"recommendation,omitempty"`
	Cached         bool               `json:"cached"`
	CacheAge       float64            `json:"cache_age_seconds,omitempty"`
}

// cachedPayload is the envelope persisted for completed sessions.
type cachedPayload struct {
	Sources []ranking.Document `json:"sources"`
	Text    string             `json:"text"`
	Metrics map[string]string  `json:"metrics,omitempty"`
}

// Orchestrator wires the pipeline collaborators together. The store,
// limiter, and telemetry fields tolerate nil, degrading the matching
// stage rather than failing the session.
type Orchestrator struct {
	searcher  search.Searcher
	ranker    *ranking.Engine
	store     *cache.Store
	limiter   *ratelimit.Limiter
	generator Generator
	telemetry *telemetry.Telemetry
	cfg       Config
	logger    *log.Logger
}

func NewOrchestrator(searcher search.Searcher, ranker *ranking.Engine, store *cache.Store, limiter *ratelimit.Limiter, generator Generator, tel *telemetry.Telemetry, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[SESSION] ", log.LstdFlags)
	}
	return &Orchestrator{
		searcher:  searcher,
		ranker:    ranker,
		store:     store,
		limiter:   limiter,
		generator: generator,
		telemetry: tel,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Session is a single in-flight request with its ordered event stream.
type Session struct {
	ID        string
	StartedAt time.Time

	req  Request
	orch *Orchestrator

	mu    sync.Mutex
	state State

	events chan Event
}

// Open validates the request and prepares a session. The pipeline does
// not run until Stream is called.
func (o *Orchestrator) Open(req Request) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		req:       req,
		orch:      o,
		events:    make(chan Event, 16),
	}, nil
}

// Events is the session's ordered event stream. It is closed when the
// session reaches a terminal state or the context is cancelled.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State reports the session's current lifecycle state. Safe to call
// while Stream runs on another goroutine.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the pipeline synchronously and returns the accumulated
// result instead of a stream.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	sess, err := o.Open(req)
	if err != nil {
		return nil, err
	}
	go sess.Stream(ctx)

	res := &Result{}
	var text strings.Builder
	for ev := range sess.Events() {
		switch ev.Type {
		case EventSources:
			res.Sources = ev.Sources
		case EventContent:
			text.WriteString(ev.Fragment)
		case EventMetrics:
			res.Metrics = ev.Metrics
			res.Recommendation = ev.Metrics["recommendation"]
		case EventDone:
			res.Cached = ev.Cached
			res.CacheAge = ev.CacheAge.Seconds()
		case EventError:
			if ev.err != nil {
				return nil, ev.err
			}
			return nil, &CollaboratorError{Stage: "session", Err: fmt.Errorf("%s", ev.Message)}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Text = text.String()
	return res, nil
}

// Stream drives the session to a terminal state, emitting events on the
// session channel. It owns and closes the channel; caller cancellation
// stops the pipeline silently.
func (s *Session) Stream(ctx context.Context) {
	defer close(s.events)

	o := s.orch
	ctx, span := tracer.Start(ctx, "session.stream")
	span.SetAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.kind", s.req.kind()),
	)
	defer span.End()

	success, cached := false, false
	defer func() {
		o.record(s, success, cached)
	}()

	key := s.cacheKey()

	// Cache first: a replayed session must not touch the embedding or
	// generation collaborators at all.
	s.setState(StateCacheCheck)
	if entry, ok := o.store.Get(ctx, key); ok {
		var payload cachedPayload
		if err := json.Unmarshal(entry.Payload, &payload); err == nil {
			s.setState(StateCacheHitReplay)
			if o.telemetry != nil {
				o.telemetry.RecordCacheHit(s.req.kind())
			}
			success = s.replay(ctx, payload, entry.Age())
			cached = true
			return
		}
		o.logger.Printf("session %s: discarding undecodable cache entry %s: re-running pipeline", s.ID, key)
	}

	// The provider-call budget is charged only on the miss path, before
	// any collaborator is invoked.
	if o.limiter != nil && o.cfg.ProviderProfile.Limit > 0 {
		res := o.limiter.Increment(ctx, s.req.Identity, o.cfg.ProviderProfile)
		if res.Limited {
			if o.telemetry != nil {
				o.telemetry.RecordRateLimited(o.cfg.ProviderProfile.Name)
			}
			s.fail(ctx, &RateLimitedError{ResetAt: res.ResetAt})
			return
		}
	}

	docs := s.req.Documents
	if len(docs) == 0 {
		s.setState(StateSearching)
		found, err := o.searcher.Search(ctx, s.req.phrase())
		if err != nil {
			s.fail(ctx, &CollaboratorError{Stage: "search", Err: err})
			return
		}
		docs = found
	}

	s.setState(StateRanking)
	ranked := o.ranker.Rank(ctx, s.req.rankQuery(), docs)
	top := ranked
	if len(top) > o.cfg.TopSources {
		top = top[:o.cfg.TopSources]
	}
	if !s.emit(ctx, Event{Type: EventSources, Sources: top}) {
		return
	}

	if s.req.analysis() {
		status := fmt.Sprintf("Analyzing %s", strings.ToUpper(strings.TrimSpace(s.req.Symbol)))
		if s.req.TimeHorizon != "" {
			status = fmt.Sprintf("%s (%s)", status, s.req.TimeHorizon)
		}
		if !s.emit(ctx, Event{Type: EventProcessing, Status: status}) {
			return
		}
	}

	// Metrics extraction runs alongside content generation so a slow
	// extraction never stalls the fragment stream.
	var metrics map[string]string
	g, gctx := errgroup.WithContext(ctx)
	if s.req.analysis() {
		g.Go(func() error {
			metrics = o.extractMetrics(gctx, s.req.Symbol, top)
			return nil
		})
	}

	s.setState(StateGenerating)
	text, err := s.generate(ctx, buildPrompt(s.req, top))
	if err != nil {
		s.fail(ctx, err)
		_ = g.Wait()
		return
	}
	_ = g.Wait()

	if s.req.analysis() {
		s.setState(StateMetrics)
		if !s.emit(ctx, Event{Type: EventMetrics, Metrics: metrics}) {
			return
		}
	}

	o.persist(ctx, key, cachedPayload{Sources: top, Text: text, Metrics: metrics}, s.req.analysis())

	s.setState(StateDone)
	if s.emit(ctx, Event{Type: EventDone}) {
		success = true
	}
}

// generate streams content fragments from the provider, pacing each
// emission, and returns the accumulated text.
func (s *Session) generate(ctx context.Context, prompt string) (string, error) {
	o := s.orch
	stream, err := o.generator.GenerateStream(ctx, prompt)
	if err != nil {
		s.recordProvider("", err)
		return "", &CollaboratorError{Stage: "generate", Err: err}
	}
	defer stream.Close()

	var text strings.Builder
	for {
		fragment, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			s.recordProvider(stream.Provider, err)
			return "", &CollaboratorError{Stage: "generate", Err: err}
		}
		text.WriteString(fragment)
		if !s.emit(ctx, Event{Type: EventContent, Fragment: fragment}) {
			return "", ctx.Err()
		}
		if !pace(ctx, o.cfg.FragmentDelay) {
			return "", ctx.Err()
		}
	}
	s.recordProvider(stream.Provider, nil)
	return text.String(), nil
}

// replay re-emits a cached session: the cached sources, the text in
// word groups at replay pacing, then cached metrics if present.
func (s *Session) replay(ctx context.Context, payload cachedPayload, age time.Duration) bool {
	if !s.emit(ctx, Event{Type: EventSources, Sources: payload.Sources}) {
		return false
	}
	for _, group := range wordGroups(payload.Text, s.orch.cfg.ReplayWords) {
		if !s.emit(ctx, Event{Type: EventContent, Fragment: group}) {
			return false
		}
		if !pace(ctx, s.orch.cfg.ReplayDelay) {
			return false
		}
	}
	if len(payload.Metrics) > 0 {
		if !s.emit(ctx, Event{Type: EventMetrics, Metrics: payload.Metrics}) {
			return false
		}
	}
	s.setState(StateDone)
	return s.emit(ctx, Event{Type: EventDone, Cached: true, CacheAge: age})
}

func (s *Session) cacheKey() string {
	if s.req.analysis() {
		return cache.DeriveKey(cache.CategoryAnalysis, s.req.TimeHorizon, s.req.Symbol, documentURLs(s.req.Documents))
	}
	return cache.DeriveKey(cache.CategoryQuery, s.req.Query, "", documentURLs(s.req.Documents))
}

func (s *Session) fail(ctx context.Context, err error) {
	s.setState(StateError)
	s.orch.logger.Printf("session %s failed: %v", s.ID, err)
	s.emit(ctx, Event{Type: EventError, Message: err.Error(), err: err})
}

// emit delivers an event unless the caller has gone away, in which case
// it reports false and the pipeline unwinds silently.
func (s *Session) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) recordProvider(name string, err error) {
	if s.orch.telemetry == nil {
		return
	}
	if name == "" {
		name = "unknown"
	}
	s.orch.telemetry.RecordProviderRequest(name, err == nil)
}

func (o *Orchestrator) persist(ctx context.Context, key string, payload cachedPayload, analysis bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.Printf("persist %s: encode: %v", key, err)
		return
	}
	ttl := o.cfg.QueryTTL
	if analysis {
		ttl = o.cfg.AnalysisTTL
	}
	o.store.Set(ctx, key, raw, ttl)
}

func (o *Orchestrator) record(s *Session, success, cached bool) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.RecordSession(telemetry.SessionEvent{
		ID:       s.ID,
		Kind:     s.req.kind(),
		Duration: time.Since(s.StartedAt),
		Success:  success,
		Cached:   cached,
	})
}

func buildPrompt(req Request, docs []ranking.Document) string {
	var b strings.Builder
	if req.analysis() {
		fmt.Fprintf(&b, "Provide a financial analysis of %s for investors.", strings.ToUpper(strings.TrimSpace(req.Symbol)))
		if req.TimeHorizon != "" {
			fmt.Fprintf(&b, " Focus on the %s outlook.", req.TimeHorizon)
		}
	} else {
		fmt.Fprintf(&b, "Answer the following financial question: %s", strings.TrimSpace(req.Query))
	}
	if len(docs) > 0 {
		b.WriteString("\n\nRecent coverage:\n")
		for _, d := range docs {
			fmt.Fprintf(&b, "- %s: %s\n", d.Title, d.Content)
		}
	}
	return b.String()
}

// pace sleeps for d or until cancellation, reporting whether the
// pipeline should continue.
func pace(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// wordGroups splits text into fragments of at most n words, preserving
// the original text when rejoined.
func wordGroups(text string, n int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	groups := make([]string, 0, len(words)/n+1)
	for i := 0; i < len(words); i += n {
		end := i + n
		if end > len(words) {
			end = len(words)
		}
		group := strings.Join(words[i:end], " ")
		if end < len(words) {
			group += " "
		}
		groups = append(groups, group)
	}
	return groups
}

func documentURLs(docs []ranking.Document) []string {
	if len(docs) == 0 {
		return nil
	}
	urls := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	return urls
}
