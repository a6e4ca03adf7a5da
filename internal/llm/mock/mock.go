package mock

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jo-hoe/articlegen/internal/config"
	"github.com/jo-hoe/articlegen/internal/llm"
)

var _ llm.Completer = (*Client)(nil)

// Client is a local completer that answers each pipeline stage with canned JSON.
type Client struct {
	delay time.Duration
}

func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay}
}

func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (llm.Completion, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return llm.Completion{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return llm.Completion{}, err
	}

	body, ok := cannedResponses[req.Tag]
	if !ok {
		return llm.Completion{}, &llm.StatusError{StatusCode: 400, Body: fmt.Sprintf("mock: no canned response for %q", req.Tag)}
	}
	prompt := 0
	for _, m := range req.Messages {
		prompt += utf8.RuneCountInString(m.Content)
	}
	completion := utf8.RuneCountInString(body)
	return llm.Completion{
		Content: "```json\n" + body + "\n```",
		Usage:   &llm.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}, nil
}

const mockArticleHTML = `<h2>朝ヨガとは</h2><p>朝ヨガは起床後に行う短いヨガです。</p>` +
	`<!-- IMAGE_PLACEHOLDER: position="after_intro" context="朝日の中でヨガをする女性" alt_hint="朝ヨガのポーズ" -->` +
	`<h2>朝ヨガの効果</h2><p>代謝が上がり、気分が整います。</p>` +
	`<table style="border:0"><th style="color:red"><tr><th>効果</th><th>目安</th></tr></th><tr><td>代謝アップ</td><td>2週間</td></tr></table>` +
	`<h2>おすすめのポーズ</h2><p>猫のポーズから始めましょう。</p>` +
	`<!-- IMAGE_PLACEHOLDER: position="poses" context="猫のポーズの手順" alt_hint="猫のポーズ" -->` +
	`<h2>続けるコツ</h2><p>5分から始めるのが大切です。</p>` +
	`<h2>よくある質問</h2><p>Q. 食後でもいいですか？ A. 食前がおすすめです。</p>` +
	`<div class="cta">無料体験レッスンはこちら</div>`

var cannedResponses = map[string]string{
	config.StageKeywordAnalysis: `{"mainKeyword":"朝ヨガ","relatedKeywords":["朝ヨガ 効果","朝ヨガ 初心者","朝ヨガ ポーズ"],"searchIntent":"朝ヨガの効果と始め方を知りたい","targetReader":"運動習慣のない社会人"}`,
	config.StageStructure:       `{"title":"朝ヨガの効果とは？初心者向けのポーズと続けるコツ","sections":[{"heading":"朝ヨガとは","summary":"定義"},{"heading":"朝ヨガの効果","summary":"効果一覧"},{"heading":"おすすめのポーズ"},{"heading":"続けるコツ"},{"heading":"よくある質問"}]}`,
	config.StageDraft:           `{"html":` + quote(mockArticleHTML) + `}`,
	config.StageSEO:             `{"metaTitle":"朝ヨガの効果｜初心者向けポーズ","metaDescription":"朝ヨガの効果と初心者でも続けられるポーズを紹介します。"}`,
	config.StageProofreading:    `{"html":` + quote(strings.Replace(mockArticleHTML, "大切です", "大切です。無理は禁物です", 1)) + `,"changes":["注意書きを追記"]}`,
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
