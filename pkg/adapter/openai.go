package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements the Adapter interface for OpenAI models.
type OpenAIAdapter struct {
	client openai.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Models returns the list of supported OpenAI models.
func (a *OpenAIAdapter) Models() []string {
	return []string{
		"gpt-5.2-instant",
		"gpt-5.2-thinking",
		"gpt-5.2-codex",
		"gpt-5.2-pro",
	}
}

func (a *OpenAIAdapter) params(model string, req Request) openai.ChatCompletionNewParams {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(req.maxTokens())),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

// Generate sends a request to OpenAI and returns the response.
func (a *OpenAIAdapter) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.params(model, req))
	if err != nil {
		return nil, wrapOpenAIErr(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &Response{
		Content:  resp.Choices[0].Message.Content,
		Provider: a.Name(),
		Model:    model,
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// GenerateStream streams an OpenAI response, forwarding content deltas to onDelta.
func (a *OpenAIAdapter) GenerateStream(ctx context.Context, model string, req Request, onDelta func(string) error) (*Response, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, a.params(model, req))

	acc := openai.ChatCompletionAccumulator{}
	var content string
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			delta := chunk.Choices[0].Delta.Content
			content += delta
			if err := onDelta(delta); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapOpenAIErr(err)
	}

	return &Response{
		Content:  content,
		Provider: a.Name(),
		Model:    model,
		Usage: &Usage{
			PromptTokens:     int(acc.Usage.PromptTokens),
			CompletionTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:      int(acc.Usage.TotalTokens),
		},
	}, nil
}

func wrapOpenAIErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &AdapterError{Status: apierr.StatusCode, Err: fmt.Errorf("openai API error: %w", err)}
	}
	return fmt.Errorf("openai API error: %w", err)
}
