package stages

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jo-hoe/articlegen/internal/common"
	"github.com/jo-hoe/articlegen/internal/config"
	"github.com/jo-hoe/articlegen/internal/jobs"
	"github.com/jo-hoe/articlegen/internal/llm"
	"github.com/jo-hoe/articlegen/internal/repair"
)

type fakeCaller struct {
	answers map[string]string
	err     error
	seen    []llm.Request
}

func (f *fakeCaller) Call(ctx context.Context, req llm.Request) (llm.Result, error) {
	f.seen = append(f.seen, req)
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{JSON: json.RawMessage(f.answers[req.Tag]), Usage: llm.Usage{TotalTokens: 7}}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("server:\n  storageDir: \"" + strings.ReplaceAll(t.TempDir(), `\`, `\\`) + "\"\nstages:\n  draft:\n    model: draft-model\n    maxTokens: 9000\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newExecutor(t *testing.T, f *fakeCaller) *Executor {
	return NewExecutor(f, testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var jobCtx = jobs.Context{Keyword: "朝ヨガ 効果", CategoryName: "ヨガ", AuthorName: "山田", BrandName: "YogaLife", Knowledge: []string{"5分で完了"}}

func TestDecode_ShapeValidation(t *testing.T) {
	cases := []struct {
		stage string
		json  string
		code  common.ErrorCode
	}{
		{KeywordAnalysis, `{"mainKeyword":"朝ヨガ","searchIntent":"効果を知りたい"}`, ""},
		{KeywordAnalysis, `{"mainKeyword":"朝ヨガ"}`, common.CodeShape},
		{Structure, `{"title":"t","sections":[]}`, common.CodeShape},
		{Structure, `{"title":"t","sections":[{"heading":"h"}]}`, ""},
		{Draft, `{"html":"   "}`, common.CodeShape},
		{Draft, `{"html":42}`, common.CodeShape},
		{SEO, `{"metaTitle":"t","metaDescription":"d"}`, ""},
		{SEO, `{"metaTitle":"t"}`, common.CodeShape},
		{Proofreading, `{"html":"<p>x</p>"}`, common.CodeShape},
		{Proofreading, `{"html":"<p>x</p>","changes":[]}`, ""},
		{Draft, `{"html":`, common.CodeParse},
	}
	for _, c := range cases {
		out, err := Decode(c.stage, json.RawMessage(c.json))
		if common.CodeOf(err) != c.code {
			t.Fatalf("%s %s: code %q, want %q (err %v)", c.stage, c.json, common.CodeOf(err), c.code, err)
		}
		if c.code == "" && out.StageName() != c.stage {
			t.Fatalf("%s: typed output for %s", c.stage, out.StageName())
		}
	}
	if _, err := Decode("outline", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("unknown stage should fail")
	}
}

func TestBuildPrompts_IncludesContextAndEarlierOutputsOnly(t *testing.T) {
	prior := Outputs{
		KeywordAnalysis: json.RawMessage(`{"mainKeyword":"朝ヨガ"}`),
		Structure:       json.RawMessage(`{"title":"朝ヨガの効果"}`),
		SEO:             json.RawMessage(`{"metaTitle":"later stage"}`),
	}
	system, user, err := BuildPrompts(Draft, jobCtx, prior)
	if err != nil {
		t.Fatalf("BuildPrompts: %v", err)
	}
	if system == "" {
		t.Fatalf("system prompt empty")
	}
	for _, want := range []string{"Keyword: 朝ヨガ 効果", "Category: ヨガ", "Brand: YogaLife", "- 5分で完了", "## keyword_analysis", "## structure", "IMAGE_PLACEHOLDER", `{"html": string}`} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
	if strings.Contains(user, "later stage") {
		t.Fatalf("later stage output leaked into prompt")
	}
	if strings.Index(user, "## keyword_analysis") > strings.Index(user, "## structure") {
		t.Fatalf("earlier outputs out of order")
	}

	_, kw, _ := BuildPrompts(KeywordAnalysis, jobs.Context{Keyword: "k"}, nil)
	if strings.Contains(kw, "previous steps") || strings.Contains(kw, "Category:") {
		t.Fatalf("first stage prompt should only carry the keyword:\n%s", kw)
	}
}

func TestBuildPrompts_PlaceholderExampleFollowsKeyword(t *testing.T) {
	_, user, err := BuildPrompts(Draft, jobs.Context{Keyword: "確定申告 やり方"}, nil)
	if err != nil {
		t.Fatalf("BuildPrompts: %v", err)
	}
	if !strings.Contains(user, `context="確定申告 やり方を表す場面"`) {
		t.Fatalf("placeholder example should use the keyword:\n%s", user)
	}
	if strings.Contains(user, "ストレッチ") || strings.Contains(user, "朝") {
		t.Fatalf("placeholder example leaked an unrelated topic:\n%s", user)
	}
}

func TestExecutor_UsesStageProfile(t *testing.T) {
	f := &fakeCaller{answers: map[string]string{Draft: `{"html":"<h2>a</h2>"}`}}
	res, err := newExecutor(t, f).Run(context.Background(), Draft, jobCtx, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.HeaderRepaired {
		t.Fatalf("clean draft reported a header repair")
	}
	if len(f.seen) != 1 || f.seen[0].Model != "draft-model" || f.seen[0].MaxTokens != 9000 || f.seen[0].Tag != Draft {
		t.Fatalf("profile not applied: %+v", f.seen)
	}
	if f.seen[0].Temperature == 0 {
		t.Fatalf("default temperature not applied")
	}
}

func TestExecutor_DraftIsRepairedAndScored(t *testing.T) {
	broken := `<h2>効果</h2><table style="x"><th style="y"><tr><th>H1</th></tr></th><tr><td>d1</td></tr></table>`
	b, _ := json.Marshal(map[string]string{"html": broken})
	f := &fakeCaller{answers: map[string]string{Draft: string(b)}}

	res, err := newExecutor(t, f).Run(context.Background(), Draft, jobCtx, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	draft := res.Output.(*DraftOutput)
	if draft.HTML != repair.Tables(broken) {
		t.Fatalf("draft html not repaired: %s", draft.HTML)
	}
	if !strings.Contains(string(res.JSON), "<tbody>") {
		t.Fatalf("persisted json should carry repaired html: %s", res.JSON)
	}
	if res.Quality == nil || res.Quality.Score >= 100 {
		t.Fatalf("quality report missing or implausible: %+v", res.Quality)
	}
	if !res.HeaderRepaired || res.UnresolvedTables != 0 || res.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecutor_FlagsUnresolvedTables(t *testing.T) {
	f := &fakeCaller{answers: map[string]string{Draft: `{"html":"<table><th>A</th><tr><td>1</td></tr></table>"}`}}
	res, err := newExecutor(t, f).Run(context.Background(), Draft, jobCtx, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.UnresolvedTables != 1 {
		t.Fatalf("UnresolvedTables = %d", res.UnresolvedTables)
	}
}

func TestExecutor_SEOKeepsDraftBodyWhenNotRevised(t *testing.T) {
	f := &fakeCaller{answers: map[string]string{SEO: `{"metaTitle":"朝ヨガ","metaDescription":"朝ヨガの効果"}`}}
	prior := Outputs{Draft: json.RawMessage(`{"html":"<h2>本文</h2>"}`)}

	res, err := newExecutor(t, f).Run(context.Background(), SEO, jobCtx, prior)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	seo := res.Output.(*SEOOutput)
	if seo.HTML != "<h2>本文</h2>" {
		t.Fatalf("seo html = %q", seo.HTML)
	}
	for _, is := range res.Quality.Issues {
		if strings.Contains(is, "meta") {
			t.Fatalf("seo stage should score with its own meta: %v", res.Quality.Issues)
		}
	}
}

func TestExecutor_ProofreadingScoresWithSEOMeta(t *testing.T) {
	f := &fakeCaller{answers: map[string]string{Proofreading: `{"html":"<h2>本文</h2>","changes":["typo"]}`}}
	prior := Outputs{SEO: json.RawMessage(`{"metaTitle":"t","metaDescription":"d"}`)}
	res, err := newExecutor(t, f).Run(context.Background(), Proofreading, jobCtx, prior)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, is := range res.Quality.Issues {
		if strings.Contains(is, "meta") {
			t.Fatalf("meta from seo stage not used: %v", res.Quality.Issues)
		}
	}
}

func TestExecutor_PropagatesCodedErrors(t *testing.T) {
	gw := common.NewCodedError(common.CodeGateway, "model call failed", errors.New("503"))
	if _, err := newExecutor(t, &fakeCaller{err: gw}).Run(context.Background(), Structure, jobCtx, nil); common.CodeOf(err) != common.CodeGateway {
		t.Fatalf("expected GATEWAY_ERROR, got %v", err)
	}

	f := &fakeCaller{answers: map[string]string{Structure: `{"title":"only a title"}`}}
	if _, err := newExecutor(t, f).Run(context.Background(), Structure, jobCtx, nil); common.CodeOf(err) != common.CodeShape {
		t.Fatalf("expected SHAPE_ERROR, got %v", err)
	}
}

func TestOutputs_LatestHTML(t *testing.T) {
	o := Outputs{
		Draft: json.RawMessage(`{"html":"draft"}`),
		SEO:   json.RawMessage(`{"metaTitle":"t","metaDescription":"d"}`),
	}
	if got := o.LatestHTML(); got != "draft" {
		t.Fatalf("LatestHTML = %q", got)
	}
	o[Proofreading] = json.RawMessage(`{"html":"final","changes":[]}`)
	if got := o.LatestHTML(); got != "final" {
		t.Fatalf("LatestHTML = %q", got)
	}
	if Ordinal(SEO) != 3 || Ordinal("outline") != -1 {
		t.Fatalf("ordinals wrong")
	}
}
