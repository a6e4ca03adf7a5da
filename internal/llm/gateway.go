package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jo-hoe/articlegen/internal/common"
)

// Request is one system/user prompt pair plus the model profile to use.
type Request struct {
	Tag          string
	SystemPrompt string
	UserPrompt   string
	Model        string
	MaxTokens    int
	Temperature  float32
}

// Result is a successfully parsed model answer.
type Result struct {
	JSON  json.RawMessage // fence-stripped, valid JSON
	Raw   string          // completion text as returned
	Usage Usage
}

// Gateway turns a prompt pair into parsed JSON. It holds no per-call state and is safe for concurrent use.
type Gateway struct {
	completer Completer
	log       *slog.Logger
}

func NewGateway(c Completer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{completer: c, log: logger}
}

// Call sends the prompts and parses the completion as JSON. Every error is a *common.CodedError
// tagged GATEWAY_ERROR or PARSE_ERROR. It never retries.
func (g *Gateway) Call(ctx context.Context, req Request) (Result, error) {
	reqID := uuid.NewString()
	log := g.log.With("req_id", reqID, "stage", req.Tag, "model", req.Model)
	start := time.Now()

	comp, err := g.completer.Complete(ctx, ChatRequest{
		Tag:   req.Tag,
		Model: req.Model,
		Messages: []Message{
			{Role: RoleSystem, Content: req.SystemPrompt},
			{Role: RoleUser, Content: req.UserPrompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		ce := common.NewCodedError(common.CodeGateway, "model call failed", err)
		var se *StatusError
		if errors.As(err, &se) {
			ce.StatusCode = se.StatusCode
			ce.Raw = common.Truncate(se.Body, common.RawSnippetLimit)
		}
		log.Warn("model call failed", "code", ce.Code, "status", ce.StatusCode, "elapsed_ms", elapsed, "err", err)
		return Result{}, ce
	}

	res := Result{Raw: comp.Content}
	if comp.Usage != nil {
		res.Usage = *comp.Usage
	}

	body := StripCodeFence(comp.Content)
	if body == "" {
		ce := common.NewCodedError(common.CodeParse, "empty completion", nil)
		log.Warn("model returned empty content", "code", ce.Code, "elapsed_ms", elapsed)
		return res, ce
	}
	if err := validateJSON(body); err != nil {
		ce := common.NewCodedError(common.CodeParse, "completion is not valid JSON", err)
		ce.Raw = common.Truncate(comp.Content, common.RawSnippetLimit)
		log.Warn("model returned invalid json", "code", ce.Code, "elapsed_ms", elapsed, "err", err)
		return res, ce
	}
	res.JSON = json.RawMessage(body)

	log.Debug("model call ok", "elapsed_ms", elapsed, "tokens", res.Usage.TotalTokens)
	return res, nil
}

// StripCodeFence removes a single leading ``` or ```lang line and the matching trailing fence.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	firstNL := strings.IndexByte(s, '\n')
	if firstNL == -1 {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	s = s[firstNL+1:]
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func validateJSON(s string) error {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
