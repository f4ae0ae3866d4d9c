// Package provider selects among generative-text backends under daily
// quota and priority, with a single-retry fallback on failure.
package provider

import (
	"context"
	"errors"
	"io"
)

// ErrNoProviders is returned when no credentialed provider has quota left.
var ErrNoProviders = errors.New("no providers available")

// Descriptor identifies one generative backend and its selection inputs.
// Lower Priority numbers are preferred. A provider stops being selectable
// once its daily usage reaches DailyQuota.
type Descriptor struct {
	Name       string
	Endpoint   string
	Model      string
	DailyQuota int64
	Priority   int
}

// Client is one generative backend implementation.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStream(ctx context.Context, prompt string) (Stream, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Stream is a lazy, finite, non-restartable sequence of text fragments.
// Recv returns io.EOF after the last fragment.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Completion is a finished non-streaming generation.
type Completion struct {
	Text     string
	Provider string
}

// FragmentStream attributes a Stream to the provider that produced it.
type FragmentStream struct {
	Provider string
	inner    Stream
}

// NewFragmentStream wraps s with its provider attribution.
func NewFragmentStream(name string, s Stream) *FragmentStream {
	return &FragmentStream{Provider: name, inner: s}
}

func (f *FragmentStream) Recv() (string, error) {
	if f == nil || f.inner == nil {
		return "", io.EOF
	}
	return f.inner.Recv()
}

func (f *FragmentStream) Close() error {
	if f == nil || f.inner == nil {
		return nil
	}
	return f.inner.Close()
}
