package adapter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func deepseekStub(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		resp := deepseekResponse{Model: "deepseek-chat"}
		resp.Choices = append(resp.Choices, struct {
			Index   int `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		}{})
		resp.Choices[0].Message.Content = content
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestDeepSeekGenerateUsesDefaultBaseURL(t *testing.T) {
	srv := deepseekStub(t, "hello")
	defer srv.Close()

	a, err := NewDeepSeekAdapter("key")
	if err != nil {
		t.Fatalf("NewDeepSeekAdapter: %v", err)
	}
	a.baseURL = srv.URL

	resp, err := a.Generate(t.Context(), "deepseek-chat", Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestDeepSeekEndpointOverridesBaseURL(t *testing.T) {
	node := deepseekStub(t, "from node")
	defer node.Close()

	a, err := NewDeepSeekAdapter("key")
	if err != nil {
		t.Fatalf("NewDeepSeekAdapter: %v", err)
	}
	// Default base URL stays unreachable; only the override may be hit.
	a.baseURL = "http://127.0.0.1:0"

	resp, err := a.Generate(t.Context(), "deepseek-chat", Request{Prompt: "hi", Endpoint: node.URL})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "from node" {
		t.Errorf("content = %q, want the override endpoint's response", resp.Content)
	}
}
