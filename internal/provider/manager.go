package provider

import (
	"context"
	"fmt"
	"log"
)

// Manager routes generation and embedding requests to the best eligible
// provider. On failure it attempts exactly one fallback to the next
// eligible provider excluding the failed one; a second failure propagates.
// No unbounded retry chain, to bound latency.
type Manager struct {
	registry *Registry
	logger   *log.Logger
}

func NewManager(registry *Registry, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags)
	}
	return &Manager{registry: registry, logger: logger}
}

// Generate produces a complete text for prompt, attributed to the provider
// that served it.
func (m *Manager) Generate(ctx context.Context, prompt string) (Completion, error) {
	e, ok := m.registry.pick("")
	if !ok {
		return Completion{}, ErrNoProviders
	}

	text, err := m.generateWith(ctx, e, prompt)
	if err == nil {
		return Completion{Text: text, Provider: e.desc.Name}, nil
	}
	m.logger.Printf("provider %s failed, trying fallback: %v", e.desc.Name, err)

	fb, ok := m.registry.pick(e.desc.Name)
	if !ok {
		return Completion{}, fmt.Errorf("provider %s failed with no fallback: %w", e.desc.Name, err)
	}
	text, fbErr := m.generateWith(ctx, fb, prompt)
	if fbErr != nil {
		return Completion{}, fmt.Errorf("fallback provider %s failed after %s: %w", fb.desc.Name, e.desc.Name, fbErr)
	}
	return Completion{Text: text, Provider: fb.desc.Name}, nil
}

// GenerateStream opens a streaming generation. Usage is charged when the
// stream opens successfully; a fragment-level error mid-stream is the
// caller's to surface, not retried here.
func (m *Manager) GenerateStream(ctx context.Context, prompt string) (*FragmentStream, error) {
	e, ok := m.registry.pick("")
	if !ok {
		return nil, ErrNoProviders
	}

	s, err := m.openStreamWith(ctx, e, prompt)
	if err == nil {
		return NewFragmentStream(e.desc.Name, s), nil
	}
	m.logger.Printf("provider %s stream failed, trying fallback: %v", e.desc.Name, err)

	fb, ok := m.registry.pick(e.desc.Name)
	if !ok {
		return nil, fmt.Errorf("provider %s failed with no fallback: %w", e.desc.Name, err)
	}
	s, fbErr := m.openStreamWith(ctx, fb, prompt)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback provider %s failed after %s: %w", fb.desc.Name, e.desc.Name, fbErr)
	}
	return NewFragmentStream(fb.desc.Name, s), nil
}

// CreateEmbedding embeds texts through the same selection and fallback
// discipline; embedding calls share the provider's daily quota.
func (m *Manager) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	e, ok := m.registry.pick("")
	if !ok {
		return nil, ErrNoProviders
	}

	vecs, err := m.embedWith(ctx, e, texts)
	if err == nil {
		return vecs, nil
	}

	fb, ok := m.registry.pick(e.desc.Name)
	if !ok {
		return nil, fmt.Errorf("provider %s failed with no fallback: %w", e.desc.Name, err)
	}
	vecs, fbErr := m.embedWith(ctx, fb, texts)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback provider %s failed after %s: %w", fb.desc.Name, e.desc.Name, fbErr)
	}
	return vecs, nil
}

func (m *Manager) generateWith(ctx context.Context, e *entry, prompt string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	text, err := e.client.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	m.registry.recordSuccess(e.desc.Name)
	return text, nil
}

func (m *Manager) openStreamWith(ctx context.Context, e *entry, prompt string) (Stream, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	s, err := e.client.GenerateStream(ctx, prompt)
	if err != nil {
		return nil, err
	}
	m.registry.recordSuccess(e.desc.Name)
	return s, nil
}

func (m *Manager) embedWith(ctx context.Context, e *entry, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	vecs, err := e.client.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, err
	}
	m.registry.recordSuccess(e.desc.Name)
	return vecs, nil
}
