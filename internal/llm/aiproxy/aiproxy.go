package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/articlegen/internal/common"
	"github.com/jo-hoe/articlegen/internal/config"
	"github.com/jo-hoe/articlegen/internal/llm"
)

var _ llm.Completer = (*Client)(nil)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	authSchemeBearer    = "Bearer"

	endpointChatCompletions = "v1/chat/completions"

	defaultTimeout = 5 * time.Minute
	// Upper bound on a completion body; long-form HTML articles stay well below it.
	maxResponseBytes = 8 << 20
)

// Client implements llm.Completer against an OpenAI-compatible chat completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New creates a new AI Proxy client.
func New(cfg config.AIProxySettings) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}
}

// Complete posts the chat turns and returns choices[0].message.content.
// A non-2xx answer is returned as *llm.StatusError carrying the raw body.
func (c *Client) Complete(ctx context.Context, in llm.ChatRequest) (llm.Completion, error) {
	if len(in.Messages) == 0 {
		return llm.Completion{}, errors.New("no messages")
	}

	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return llm.Completion{}, fmt.Errorf("join url: %w", err)
	}
	bodyBytes, err := json.Marshal(buildRequestBody(in))
	if err != nil {
		return llm.Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bodyBytes))
	if err != nil {
		return llm.Completion{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Completion{}, ctx.Err()
		}
		return llm.Completion{}, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return llm.Completion{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return llm.Completion{}, &llm.StatusError{StatusCode: resp.StatusCode, Body: string(respBytes)}
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return llm.Completion{}, fmt.Errorf("parse response: %w", err)
	}
	if len(comp.Choices) == 0 {
		return llm.Completion{}, errors.New("empty completion")
	}
	out := llm.Completion{Content: comp.Choices[0].Message.Content}
	if comp.Usage != nil {
		out.Usage = &llm.Usage{
			PromptTokens:     comp.Usage.PromptTokens,
			CompletionTokens: comp.Usage.CompletionTokens,
			TotalTokens:      comp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func buildRequestBody(in llm.ChatRequest) chatCompletionRequest {
	msgs := make([]chatMessage, 0, len(in.Messages))
	for _, m := range in.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	req := chatCompletionRequest{
		Model:       in.Model,
		Messages:    msgs,
		Temperature: in.Temperature,
	}
	if in.MaxTokens > 0 {
		n := in.MaxTokens
		req.MaxTokens = &n
	}
	return req
}

// OpenAI-compatible Chat Completions request/response types

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *chatCompletionUsage   `json:"usage,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
