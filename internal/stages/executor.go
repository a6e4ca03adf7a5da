// Package stages runs the individual steps of the article pipeline: prompt
// assembly, one model call, shape validation and HTML post-processing.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/articlegen/internal/config"
	"github.com/jo-hoe/articlegen/internal/jobs"
	"github.com/jo-hoe/articlegen/internal/llm"
	"github.com/jo-hoe/articlegen/internal/quality"
	"github.com/jo-hoe/articlegen/internal/repair"
)

// Caller is the model call gateway as seen by the executor.
type Caller interface {
	Call(ctx context.Context, req llm.Request) (llm.Result, error)
}

// Result is an accepted stage output.
type Result struct {
	Name   string
	Output Output
	// JSON is the output as persisted, after repair.
	JSON  json.RawMessage
	Usage llm.Usage
	// Quality is set for stages that produce article HTML.
	Quality *quality.Report
	// HeaderRepaired is set when the model emitted a stray <th> table header that was rewritten.
	HeaderRepaired bool
	// UnresolvedTables counts tables the repair engine could not fix.
	UnresolvedTables int
}

type Executor struct {
	gateway Caller
	cfg     *config.Config
	log     *slog.Logger
}

func NewExecutor(g Caller, cfg *config.Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{gateway: g, cfg: cfg, log: logger}
}

// Run executes stage name for a job. Errors are *common.CodedError for model, parse
// and shape failures.
func (e *Executor) Run(ctx context.Context, name string, jc jobs.Context, prior Outputs) (Result, error) {
	system, user, err := BuildPrompts(name, jc, prior)
	if err != nil {
		return Result{}, err
	}
	profile := e.cfg.Profile(name)

	res, err := e.gateway.Call(ctx, llm.Request{
		Tag:          name,
		SystemPrompt: system,
		UserPrompt:   user,
		Model:        profile.Model,
		MaxTokens:    profile.MaxTokens,
		Temperature:  profile.Temperature,
	})
	if err != nil {
		return Result{Name: name, Usage: res.Usage}, err
	}

	out, err := Decode(name, res.JSON)
	if err != nil {
		return Result{Name: name, Usage: res.Usage}, err
	}

	result := Result{Name: name, Output: out, Usage: res.Usage}
	if h, ok := out.(HTMLOutput); ok {
		e.postProcess(h, prior, &result)
	}

	b, err := encodeOutput(out)
	if err != nil {
		return result, fmt.Errorf("encode %s output: %w", name, err)
	}
	result.JSON = b
	return result, nil
}

// postProcess repairs the article HTML in place and scores it.
func (e *Executor) postProcess(h HTMLOutput, prior Outputs, result *Result) {
	body := h.ArticleHTML()
	if body == "" {
		// SEO may leave the body untouched.
		body = prior.LatestHTML()
	}
	result.HeaderRepaired = repair.DetectBrokenHeader(body)
	body = repair.Tables(body)
	h.setArticleHTML(body)
	result.UnresolvedTables = repair.Unresolved(body)

	var meta quality.Meta
	switch o := h.(type) {
	case *SEOOutput:
		meta = quality.Meta{MetaTitle: o.MetaTitle, MetaDescription: o.MetaDescription}
	default:
		if seo, ok := Lookup[SEOOutput](prior, SEO); ok {
			meta = quality.Meta{MetaTitle: seo.MetaTitle, MetaDescription: seo.MetaDescription}
		}
	}
	report := quality.Score(body, meta)
	result.Quality = &report

	e.log.Debug("stage html scored", "stage", result.Name, "score", report.Clamped(),
		"issues", len(report.Issues), "header_repaired", result.HeaderRepaired, "unresolved_tables", result.UnresolvedTables)
}

func encodeOutput(out Output) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
