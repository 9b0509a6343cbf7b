// Package provider defines the adapter abstraction over external image
// generation services, plus structured error classification for dispatch
// retry decisions.
package provider

import (
	"context"
)

// GenerationRequest is the provider-agnostic payload for one image generation.
type GenerationRequest struct {
	Prompt    string            `json:"prompt"`
	Guidance  map[string]string `json:"guidance,omitempty"` // size, style, quality, negative prompt, ...
	UserID    string            `json:"user_id"`
	RequestID string            `json:"request_id"`
}

// ImageRef points at a generated image. Providers return either a hosted URL
// or inline base64 data; the surrounding system decides where it ends up.
type ImageRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	URL      string `json:"url,omitempty"`
	B64Data  string `json:"b64_data,omitempty"`
}

// Adapter is implemented once per external provider. The dispatcher treats
// it as an opaque call bounded by the context deadline; classification of
// failures happens through the *Error type in this package.
type Adapter interface {
	// Name returns the provider name used in config and budgets.
	Name() string

	// Generate produces one image for the request, or a classified error.
	Generate(ctx context.Context, req GenerationRequest) (ImageRef, error)
}
