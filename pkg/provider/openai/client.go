// Package openai provides the OpenAI image generation adapter using the official OpenAI Go package.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"imageforge/pkg/config"
	"imageforge/pkg/provider"
)

// Client wraps the official OpenAI Go client to implement provider.Adapter.
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates a new OpenAI image adapter (raw client, resilience applied at the dispatch level).
func NewClient(apiKey, model string) *Client {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client: client,
		model:  model,
	}
}

// Name implements the provider.Adapter interface.
func (c *Client) Name() string {
	return config.ProviderOpenAI
}

// Generate implements the provider.Adapter interface using the Images API.
func (c *Client) Generate(ctx context.Context, req provider.GenerationRequest) (provider.ImageRef, error) {
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(c.model),
		N:      openai.Int(1),
	}
	if size, ok := req.Guidance["size"]; ok {
		params.Size = openai.ImageGenerateParamsSize(size)
	}
	if quality, ok := req.Guidance["quality"]; ok {
		params.Quality = openai.ImageGenerateParamsQuality(quality)
	}
	if req.UserID != "" {
		params.User = openai.String(req.UserID)
	}

	resp, err := c.client.Images.Generate(ctx, params)
	if err != nil {
		return provider.ImageRef{}, classify(err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return provider.ImageRef{}, provider.NewError(provider.ErrorTypeTransient, "empty response from OpenAI Images API")
	}

	img := resp.Data[0]
	return provider.ImageRef{
		Provider: config.ProviderOpenAI,
		Model:    c.model,
		URL:      img.URL,
		B64Data:  img.B64JSON,
	}, nil
}

// classify maps OpenAI API errors onto classified provider errors.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.NewErrorWithCause(
			provider.ClassifyStatus(apiErr.StatusCode),
			err,
			fmt.Sprintf("OpenAI Images API failed with status %d", apiErr.StatusCode),
		)
	}
	return provider.NewErrorWithCause(provider.ErrorTypeUnknown, err, "OpenAI Images API failed")
}
