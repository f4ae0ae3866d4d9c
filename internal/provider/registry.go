package provider

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Registry holds the registered providers and their daily usage counters.
// It is an explicit value injected wherever selection happens; there is no
// package-level singleton, which keeps tests deterministic.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	logger  *log.Logger
}

type entry struct {
	desc    Descriptor
	client  Client
	limiter *rate.Limiter
	usage   int64
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags)
	}
	return &Registry{logger: logger}
}

// Register adds a provider. requestsPerSecond bounds outbound call pacing;
// zero means unpaced.
func (r *Registry) Register(desc Descriptor, client Client, requestsPerSecond float64) {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &entry{desc: desc, client: client, limiter: limiter})
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].desc.Priority < r.entries[j].desc.Priority
	})
}

// pick returns the eligible provider with the lowest priority number,
// excluding the named one. Eligible means registered with a client and
// under daily quota.
func (r *Registry) pick(exclude string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.desc.Name == exclude || e.client == nil {
			continue
		}
		if e.usage >= e.desc.DailyQuota {
			continue
		}
		return e, true
	}
	return nil, false
}

// recordSuccess counts one successful call against the provider's quota.
// Usage is monotonic within a day and only moves on success.
func (r *Registry) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.desc.Name == name {
			e.usage++
			return
		}
	}
}

// Usage reports the current daily usage counter for a provider.
func (r *Registry) Usage(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.desc.Name == name {
			return e.usage
		}
	}
	return 0
}

// ResetDaily zeroes every usage counter. Driven by the midnight schedule,
// callable directly from tests and operational tooling.
func (r *Registry) ResetDaily() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.usage = 0
	}
	r.logger.Printf("daily usage counters reset for %d providers", len(r.entries))
}

// StartDailyReset resets usage counters at every UTC midnight until ctx is
// cancelled.
func (r *Registry) StartDailyReset(ctx context.Context) {
	go func() {
		for {
			now := time.Now().UTC()
			next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			select {
			case <-ctx.Done():
				return
			case <-time.After(next.Sub(now)):
				r.ResetDaily()
			}
		}
	}()
}
