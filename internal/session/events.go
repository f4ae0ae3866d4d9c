package session

import (
	"time"

	"github.com/finsight-labs/finsight/internal/ranking"
)

// EventType is the fixed per-session event vocabulary.
type EventType string

const (
	EventSources    EventType = "sources"
	EventProcessing EventType = "processing"
	EventContent    EventType = "content"
	EventMetrics    EventType = "metrics"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one entry in a session's ordered event sequence. Exactly one
// sources event precedes any content; metrics (analysis sessions only)
// follows the last content fragment; done and error are terminal.
type Event struct {
	Type     EventType
	Sources  []ranking.Document
	Fragment string
	Status   string
	Metrics  map[string]string
	Cached   bool
	CacheAge time.Duration
	Message  string

	// err carries the typed error for in-process consumers. The wire
	// format only sees Message.
	err error
}

// Err returns the typed error behind an error event, if any.
func (e Event) Err() error {
	return e.err
}

// State tracks a session through its lifecycle.
type State int

const (
	StateInit State = iota
	StateSearching
	StateRanking
	StateCacheCheck
	StateCacheHitReplay
	StateGenerating
	StateMetrics
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSearching:
		return "searching"
	case StateRanking:
		return "ranking"
	case StateCacheCheck:
		return "cache_check"
	case StateCacheHitReplay:
		return "cache_hit_replay"
	case StateGenerating:
		return "generating"
	case StateMetrics:
		return "metrics"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
