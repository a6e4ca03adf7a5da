package stages

import (
	"encoding/json"

	"github.com/jo-hoe/articlegen/internal/config"
)

// Stage names, in execution order.
const (
	KeywordAnalysis = config.StageKeywordAnalysis
	Structure       = config.StageStructure
	Draft           = config.StageDraft
	SEO             = config.StageSEO
	Proofreading    = config.StageProofreading
)

// Sequence is the fixed stage order. A stage's ordinal is its index here.
var Sequence = []string{KeywordAnalysis, Structure, Draft, SEO, Proofreading}

// Ordinal returns the index of name in Sequence, or -1.
func Ordinal(name string) int {
	for i, s := range Sequence {
		if s == name {
			return i
		}
	}
	return -1
}

// Output is the typed payload of one stage. The concrete type is fixed by the stage name.
type Output interface {
	StageName() string
}

// HTMLOutput is implemented by stages that carry the article body.
type HTMLOutput interface {
	Output
	ArticleHTML() string
	setArticleHTML(string)
}

type KeywordAnalysisOutput struct {
	MainKeyword     string   `json:"mainKeyword"`
	RelatedKeywords []string `json:"relatedKeywords,omitempty"`
	SearchIntent    string   `json:"searchIntent"`
	TargetReader    string   `json:"targetReader,omitempty"`
}

type Section struct {
	Heading     string   `json:"heading"`
	Summary     string   `json:"summary,omitempty"`
	Subheadings []string `json:"subheadings,omitempty"`
}

type StructureOutput struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

type DraftOutput struct {
	HTML string `json:"html"`
}

// SEOOutput carries meta data and, when the model revised it, the article body.
// A missing body is filled from the draft before acceptance.
type SEOOutput struct {
	MetaTitle       string `json:"metaTitle"`
	MetaDescription string `json:"metaDescription"`
	HTML            string `json:"html,omitempty"`
}

type ProofreadingOutput struct {
	HTML    string   `json:"html"`
	Changes []string `json:"changes"`
}

func (*KeywordAnalysisOutput) StageName() string { return KeywordAnalysis }
func (*StructureOutput) StageName() string { return Structure }
func (*DraftOutput) StageName() string { return Draft }
func (*SEOOutput) StageName() string { return SEO }
func (*ProofreadingOutput) StageName() string { return Proofreading }

func (o *DraftOutput) ArticleHTML() string { return o.HTML }
func (o *DraftOutput) setArticleHTML(s string) { o.HTML = s }
func (o *SEOOutput) ArticleHTML() string { return o.HTML }
func (o *SEOOutput) setArticleHTML(s string) { o.HTML = s }
func (o *ProofreadingOutput) ArticleHTML() string { return o.HTML }
func (o *ProofreadingOutput) setArticleHTML(s string) { o.HTML = s }

// Outputs are the persisted payloads of earlier stages keyed by stage name.
type Outputs map[string]json.RawMessage

// Lookup decodes the persisted output of a stage into T.
func Lookup[T any](o Outputs, name string) (T, bool) {
	var v T
	raw, ok := o[name]
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// LatestHTML returns the article body of the last HTML stage present in o.
func (o Outputs) LatestHTML() string {
	for i := len(Sequence) - 1; i >= 0; i-- {
		var body struct {
			HTML string `json:"html"`
		}
		raw, ok := o[Sequence[i]]
		if !ok || json.Unmarshal(raw, &body) != nil {
			continue
		}
		if body.HTML != "" {
			return body.HTML
		}
	}
	return ""
}
