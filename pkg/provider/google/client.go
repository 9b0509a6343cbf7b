// Package google provides the Google Imagen adapter built on the GenAI Go SDK.
package google

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"imageforge/pkg/config"
	"imageforge/pkg/provider"
)

// Client wraps the Google GenAI client to implement provider.Adapter.
type Client struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewClient creates a new Imagen adapter with a specific model (raw client, resilience applied at the dispatch level).
func NewClient(apiKey, model string) *Client {
	// Client creation requires context, so defer it to Generate().
	return &Client{
		client: nil,
		apiKey: apiKey,
		model:  model,
	}
}

// Name implements the provider.Adapter interface.
func (c *Client) Name() string {
	return config.ProviderGoogle
}

// ensureClient initializes the GenAI client on first use. Concurrent workers
// share one adapter, so the lazy init is guarded; a failed init is retried on
// the next call.
func (c *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, provider.NewErrorWithCause(provider.ErrorTypeTransient, err, "failed to create GenAI client")
	}
	c.client = client
	return client, nil
}

// Generate implements the provider.Adapter interface using the Imagen API.
func (c *Client) Generate(ctx context.Context, req provider.GenerationRequest) (provider.ImageRef, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return provider.ImageRef{}, err
	}

	cfg := &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	}
	if ratio, ok := req.Guidance["aspect_ratio"]; ok {
		cfg.AspectRatio = ratio
	}
	if negative, ok := req.Guidance["negative_prompt"]; ok {
		cfg.NegativePrompt = negative
	}

	result, err := client.Models.GenerateImages(ctx, c.model, req.Prompt, cfg)
	if err != nil {
		return provider.ImageRef{}, classify(err)
	}
	if result == nil || len(result.GeneratedImages) == 0 {
		// Imagen silently drops images that trip its safety filters.
		return provider.ImageRef{}, provider.NewError(provider.ErrorTypeContentPolicy, "Imagen returned no images for prompt")
	}

	img := result.GeneratedImages[0]
	if img.Image == nil || len(img.Image.ImageBytes) == 0 {
		return provider.ImageRef{}, provider.NewError(provider.ErrorTypeTransient, "empty image payload from Imagen API")
	}

	return provider.ImageRef{
		Provider: config.ProviderGoogle,
		Model:    c.model,
		B64Data:  base64.StdEncoding.EncodeToString(img.Image.ImageBytes),
	}, nil
}

// classify maps GenAI API errors onto classified provider errors.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.NewErrorWithCause(
			provider.ClassifyStatus(apiErr.Code),
			err,
			fmt.Sprintf("Imagen API failed with status %d", apiErr.Code),
		)
	}
	return provider.NewErrorWithCause(provider.ErrorTypeUnknown, err, "Imagen API failed")
}
