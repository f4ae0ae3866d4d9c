package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/finsight-labs/finsight/internal/ranking"
	"github.com/finsight-labs/finsight/internal/session"
)

type sourcesPayload struct {
	Sources []ranking.Document `json:"sources"`
}

type processingPayload struct {
	Status string `json:"status"`
}

type contentPayload struct {
	Text string `json:"text"`
}

type metricsPayload struct {
	Metrics        map[string]string `json:"metrics"`
	Recommendation string            `json:"recommendation,omitempty"`
}

type donePayload struct {
	Cached          bool    `json:"cached"`
	CacheAgeSeconds float64 `json:"cache_age_seconds,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// writeEvents relays the session's event stream as Server-Sent Events,
// flushing after each one so delivery stays progressive.
func writeEvents(c echo.Context, sess *session.Session) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	for ev := range sess.Events() {
		data, err := json.Marshal(eventBody(ev))
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + string(ev.Type) + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
	}
	return nil
}

func eventBody(ev session.Event) interface{} {
	switch ev.Type {
	case session.EventSources:
		return sourcesPayload{Sources: ev.Sources}
	case session.EventProcessing:
		return processingPayload{Status: ev.Status}
	case session.EventContent:
		return contentPayload{Text: ev.Fragment}
	case session.EventMetrics:
		return metricsPayload{Metrics: ev.Metrics, Recommendation: ev.Metrics["recommendation"]}
	case session.EventDone:
		return donePayload{Cached: ev.Cached, CacheAgeSeconds: ev.CacheAge.Seconds()}
	case session.EventError:
		return errorPayload{Error: ev.Message}
	default:
		return struct{}{}
	}
}
