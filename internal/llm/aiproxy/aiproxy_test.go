package aiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/articlegen/internal/config"
	"github.com/jo-hoe/articlegen/internal/llm"
)

func chatRequest() llm.ChatRequest {
	return llm.ChatRequest{
		Tag:   "draft",
		Model: "gpt-4o",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "System X"},
			{Role: llm.RoleUser, Content: "Write about 朝ヨガ"},
		},
		MaxTokens:   16000,
		Temperature: 0.7,
	}
}

func TestAIProxy_Complete_Success(t *testing.T) {
	var seenAuth string
	var seenBody map[string]any

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&seenBody); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := chatCompletionResponse{
			ID:      "id-123",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Choices: []chatCompletionChoice{
				{Message: chatMessage{Role: "assistant", Content: `{"html":"<p>x</p>"}`}, FinishReason: "stop"},
			},
			Usage: &chatCompletionUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL + "/", APIKey: "k123"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := c.Complete(ctx, chatRequest())
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if out.Content != `{"html":"<p>x</p>"}` {
		t.Fatalf("unexpected content: %q", out.Content)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 120 {
		t.Fatalf("usage not mapped: %+v", out.Usage)
	}
	if seenAuth != "Bearer k123" {
		t.Fatalf("missing/incorrect auth header, got %q", seenAuth)
	}
	if seenBody["model"] != "gpt-4o" || seenBody["max_tokens"] != float64(16000) {
		t.Fatalf("profile not sent: %#v", seenBody)
	}
	if _, ok := seenBody["tag"]; ok {
		t.Fatalf("tag must not be sent to the endpoint")
	}
	msgs, ok := seenBody["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %#v", seenBody["messages"])
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "System X" {
		t.Fatalf("system prompt not set correctly: %#v", first)
	}
}

func TestAIProxy_Complete_SendsZeroTemperature(t *testing.T) {
	var seenBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&seenBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []chatCompletionChoice{{Message: chatMessage{Role: "assistant", Content: `{}`}}},
		})
	}))
	defer ts.Close()

	req := chatRequest()
	req.Temperature = 0
	if _, err := New(config.AIProxySettings{BaseURL: ts.URL}).Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	temp, ok := seenBody["temperature"]
	if !ok || temp != float64(0) {
		t.Fatalf("temperature 0 must be sent explicitly, body = %#v", seenBody)
	}
}

func TestAIProxy_Complete_Non200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL})
	_, err := c.Complete(context.Background(), chatRequest())

	var se *llm.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusTooManyRequests || se.Body != "rate limited\n" {
		t.Fatalf("unexpected status error: %+v", se)
	}
}

func TestAIProxy_Complete_NoMessages(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be called without messages")
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL})
	if _, err := c.Complete(context.Background(), llm.ChatRequest{Model: "m"}); err == nil {
		t.Fatalf("expected error for empty messages")
	}
}

func TestAIProxy_Complete_ContextCancel(t *testing.T) {
	var started int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&started, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c := New(config.AIProxySettings{BaseURL: ts.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, chatRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
	if atomic.LoadInt32(&started) == 0 {
		t.Fatalf("server was not invoked; test invalid")
	}
}
