package images

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jo-hoe/articlegen/internal/common"
	"github.com/jo-hoe/articlegen/internal/config"
)

// Request is the follow-up event for the image generation subsystem.
type Request struct {
	ArticleID         string        `json:"articleId"`
	JobID             string        `json:"jobId"`
	ImagePlaceholders []Placeholder `json:"imagePlaceholders"`
	ArticleTitle      string        `json:"articleTitle"`
}

// Emitter hands a Request to the image generation subsystem. It does not wait for images.
type Emitter interface {
	Emit(ctx context.Context, req Request) error
}

// NewEmitter returns a webhook emitter when a URL is configured, a log emitter otherwise.
func NewEmitter(cfg config.ImagesConfig, logger *slog.Logger) Emitter {
	if cfg.WebhookURL == "" {
		return &LogEmitter{Log: logger}
	}
	return NewWebhookEmitter(cfg, logger)
}

// LogEmitter only logs the request.
type LogEmitter struct {
	Log *slog.Logger
}

func (e *LogEmitter) Emit(ctx context.Context, req Request) error {
	e.Log.Info("image generation requested",
		"job_id", req.JobID, "article_id", req.ArticleID, "placeholders", len(req.ImagePlaceholders))
	return nil
}

// WebhookEmitter POSTs the request as JSON, retrying with linear backoff.
type WebhookEmitter struct {
	log     *slog.Logger
	client  *http.Client
	url     string
	retries int
	backoff time.Duration
}

func NewWebhookEmitter(cfg config.ImagesConfig, logger *slog.Logger) *WebhookEmitter {
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookEmitter{
		log:     logger,
		client:  &http.Client{Timeout: timeout},
		url:     cfg.WebhookURL,
		retries: retries,
		backoff: backoff,
	}
}

func (e *WebhookEmitter) Emit(ctx context.Context, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal image request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= e.retries; attempt++ {
		if err := e.post(ctx, b); err != nil {
			lastErr = err
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			e.log.Debug("image webhook attempt failed", "job_id", req.JobID, "attempt", attempt, "err", err)
			if attempt == e.retries {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * e.backoff):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("image webhook failed after %d attempts: %w", e.retries, lastErr)
}

func (e *WebhookEmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
