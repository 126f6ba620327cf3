package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter returns deterministic responses for local runs and tests.
// Behavior can be scripted per call: canned responses, failures, and
// artificial latency.
type MockAdapter struct {
	mu              sync.Mutex
	name            string
	responses       map[string]string
	defaultResponse string
	script          []MockCall
	calls           int
	endpoints       []string
}

// MockCall scripts the behavior of one Generate/GenerateStream invocation.
type MockCall struct {
	Err     error
	Latency time.Duration
	// Deltas is the chunk sequence a streaming call forwards before
	// completing. FailAfter marks the number of deltas delivered before
	// Err is returned mid-stream.
	Deltas    []string
	FailAfter int
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		name:            "mock",
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	return &MockAdapter{name: "mock", responses: responses, defaultResponse: defaultResponse}
}

// WithName overrides the adapter identifier, so tests can register several
// mocks as distinct providers.
func (a *MockAdapter) WithName(name string) *MockAdapter {
	a.name = name
	return a
}

// Script appends scripted call behaviors, consumed in order. Calls beyond
// the script succeed with the default response.
func (a *MockAdapter) Script(calls ...MockCall) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, calls...)
	return a
}

// Calls reports how many generate calls the adapter has served.
func (a *MockAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Endpoints reports the Request.Endpoint value seen by each call, in order.
func (a *MockAdapter) Endpoints() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.endpoints))
	copy(out, a.endpoints)
	return out
}

func (a *MockAdapter) nextCall(req Request) MockCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.calls
	a.calls++
	a.endpoints = append(a.endpoints, req.Endpoint)
	if idx < len(a.script) {
		return a.script[idx]
	}
	return MockCall{}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Generate returns a deterministic response for the request.
func (a *MockAdapter) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	call := a.nextCall(req)
	if call.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(call.Latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call.Err != nil {
		return nil, call.Err
	}

	if model == "" {
		model = "mock-1"
	}
	content, ok := a.responses[req.Prompt]
	if !ok {
		content = fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)
	}
	return &Response{Content: content, Provider: a.name, Model: model}, nil
}

// GenerateStream forwards scripted deltas, optionally failing mid-stream.
func (a *MockAdapter) GenerateStream(ctx context.Context, model string, req Request, onDelta func(string) error) (*Response, error) {
	call := a.nextCall(req)
	if call.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(call.Latency):
		}
	}
	if len(call.Deltas) == 0 && call.Err != nil {
		return nil, call.Err
	}

	if model == "" {
		model = "mock-1"
	}
	var content string
	for i, delta := range call.Deltas {
		if call.Err != nil && i == call.FailAfter {
			return nil, call.Err
		}
		content += delta
		if err := onDelta(delta); err != nil {
			return nil, err
		}
	}
	if call.Err != nil && call.FailAfter >= len(call.Deltas) {
		return nil, call.Err
	}
	if content == "" {
		if c, ok := a.responses[req.Prompt]; ok {
			content = c
		} else {
			content = fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)
		}
		if err := onDelta(content); err != nil {
			return nil, err
		}
	}
	return &Response{Content: content, Provider: a.name, Model: model}, nil
}
