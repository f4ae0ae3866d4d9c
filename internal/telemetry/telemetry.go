// Package telemetry provides monitoring for the analysis pipeline: an
// in-process event recorder plus Prometheus collectors served on /metrics.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/finsight-labs/finsight/config"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_sessions_total",
		Help: "Completed sessions by kind and outcome.",
	}, []string{"kind", "outcome"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finsight_session_duration_seconds",
		Help:    "End-to-end session duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_cache_hits_total",
		Help: "Cache hits by category.",
	}, []string{"category"})

	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_provider_requests_total",
		Help: "Generative provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_rate_limited_total",
		Help: "Requests rejected by a rate limit profile.",
	}, []string{"profile"})
)

// SessionEvent is one finished session.
type SessionEvent struct {
	ID       string
	Kind     string // query or analysis
	Duration time.Duration
	Success  bool
	Cached   bool
	Provider string
	Error    string
}

// Telemetry aggregates session events and feeds the Prometheus collectors.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	mu              sync.RWMutex
	totalSessions   int64
	successSessions int64
	cacheHits       int64
	averageDuration time.Duration
}

func New(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
	}
}

// RecordSession records a finished session.
func (t *Telemetry) RecordSession(event SessionEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	outcome := "error"
	if event.Success {
		outcome = "ok"
	}
	sessionsTotal.WithLabelValues(event.Kind, outcome).Inc()
	sessionDuration.WithLabelValues(event.Kind).Observe(event.Duration.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalSessions++
	if event.Success {
		t.successSessions++
	}
	if event.Cached {
		t.cacheHits++
	}
	if t.totalSessions == 1 {
		t.averageDuration = event.Duration
	} else {
		total := t.averageDuration * time.Duration(t.totalSessions-1)
		t.averageDuration = (total + event.Duration) / time.Duration(t.totalSessions)
	}

	if t.config.PeriodicLogs {
		t.logger.Printf("Session: ID=%s Kind=%s Success=%t Cached=%t Duration=%v",
			event.ID, event.Kind, event.Success, event.Cached, event.Duration)
	}
}

// RecordCacheHit counts a cache hit for the category.
func (t *Telemetry) RecordCacheHit(category string) {
	if t == nil || !t.config.Enabled {
		return
	}
	cacheHitsTotal.WithLabelValues(category).Inc()
}

// RecordProviderRequest counts a provider call outcome.
func (t *Telemetry) RecordProviderRequest(provider string, success bool) {
	if t == nil || !t.config.Enabled {
		return
	}
	outcome := "error"
	if success {
		outcome = "ok"
	}
	providerRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordRateLimited counts a rejection under a limiter profile.
func (t *Telemetry) RecordRateLimited(profile string) {
	if t == nil || !t.config.Enabled {
		return
	}
	rateLimitedTotal.WithLabelValues(profile).Inc()
}

// Snapshot is a point-in-time view of aggregate counters.
type Snapshot struct {
	TotalSessions   int64
	SuccessSessions int64
	CacheHits       int64
	AverageDuration time.Duration
}

func (t *Telemetry) GetSnapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		TotalSessions:   t.totalSessions,
		SuccessSessions: t.successSessions,
		CacheHits:       t.cacheHits,
		AverageDuration: t.averageDuration,
	}
}
