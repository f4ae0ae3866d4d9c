// Package openai implements the provider.Client interface for OpenAI and
// OpenAI-compatible endpoints.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/finsight-labs/finsight/internal/provider"
)

type Client struct {
	api            *sdk.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
}

// New builds a client. baseURL may point at any OpenAI-compatible endpoint;
// empty means the public API.
func New(apiKey, baseURL, model, embeddingModel string, temperature float32, maxTokens int, timeout time.Duration) *Client {
	cfg := sdk.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		api:            sdk.NewClientWithConfig(cfg),
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
	}
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(prompt))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) GenerateStream(ctx context.Context, prompt string) (provider.Stream, error) {
	s, err := c.api.CreateChatCompletionStream(ctx, c.request(prompt))
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}
	return &stream{inner: s}, nil
}

func (c *Client) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.api.CreateEmbeddings(ctx, sdk.EmbeddingRequest{
		Input: texts,
		Model: sdk.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (c *Client) request(prompt string) sdk.ChatCompletionRequest {
	return sdk.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages: []sdk.ChatCompletionMessage{
			{Role: sdk.ChatMessageRoleUser, Content: prompt},
		},
	}
}

// stream adapts the SDK delta stream to provider.Stream, skipping keepalive
// chunks that carry no content.
type stream struct {
	inner *sdk.ChatCompletionStream
}

func (s *stream) Recv() (string, error) {
	for {
		resp, err := s.inner.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *stream) Close() error {
	return s.inner.Close()
}
