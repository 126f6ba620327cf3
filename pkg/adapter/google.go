package adapter

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GoogleAdapter implements the Adapter interface for Gemini models.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a new Google Gemini adapter.
func NewGoogleAdapter(apiKey string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{
		client: client,
	}, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Models returns the list of supported Gemini models.
func (a *GoogleAdapter) Models() []string {
	return []string{
		"gemini-2.0-pro",
	}
}

func (a *GoogleAdapter) genConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return cfg
}

// Generate sends a request to Gemini and returns the response.
func (a *GoogleAdapter) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	resp, err := a.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), a.genConfig(req))
	if err != nil {
		return nil, wrapGoogleErr(err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("google returned no candidates")
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}

	out := &Response{
		Content:  content,
		Provider: a.Name(),
		Model:    model,
	}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// GenerateStream streams a Gemini response, forwarding text deltas to onDelta.
func (a *GoogleAdapter) GenerateStream(ctx context.Context, model string, req Request, onDelta func(string) error) (*Response, error) {
	var content string
	var usage *Usage
	for resp, err := range a.client.Models.GenerateContentStream(ctx, model, genai.Text(req.Prompt), a.genConfig(req)) {
		if err != nil {
			return nil, wrapGoogleErr(err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			content += part.Text
			if err := onDelta(part.Text); err != nil {
				return nil, err
			}
		}
		if resp.UsageMetadata != nil {
			usage = &Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}

	return &Response{
		Content:  content,
		Provider: a.Name(),
		Model:    model,
		Usage:    usage,
	}, nil
}

func wrapGoogleErr(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return &AdapterError{Status: apierr.Code, Err: fmt.Errorf("google API error: %w", err)}
	}
	return fmt.Errorf("google API error: %w", err)
}
