package stages

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/jo-hoe/articlegen/internal/images"
	"github.com/jo-hoe/articlegen/internal/jobs"
)

const jsonOnly = "Respond with a single JSON object and nothing else."

var systemPrompts = map[string]string{
	KeywordAnalysis: "You are an SEO strategist for a Japanese media site. Analyse the search keyword: " +
		"identify the main keyword, closely related search terms, the searcher's intent and the reader who searches it. " + jsonOnly,
	Structure: "You are an editor planning a long-form Japanese web article. Design a title and an ordered outline " +
		"of H2 sections that fully answers the search intent, ending with an FAQ section. " + jsonOnly,
	Draft: "You are a professional Japanese web writer. Write the complete article body as HTML following the outline. " +
		"Use <h2>/<h3> headings, short paragraphs, <table> with <thead> and <tbody> for comparisons, " +
		"and a call-to-action block with class \"cta\". Do not include <html>, <head> or <body>. " + jsonOnly,
	SEO: "You are an SEO editor. Write a meta title (about 32 characters) and a meta description (about 120 characters) " +
		"for the article. Only return a revised \"html\" if the body needs SEO changes. " + jsonOnly,
	Proofreading: "You are a meticulous Japanese proofreader. Fix typos, inconsistent wording and factual hedging in the article " +
		"without changing its structure, tables or image placeholders. List every change you made. " + jsonOnly,
}

var outputShapes = map[string]string{
	KeywordAnalysis: `{"mainKeyword": string, "relatedKeywords": [string], "searchIntent": string, "targetReader": string}`,
	Structure:       `{"title": string, "sections": [{"heading": string, "summary": string, "subheadings": [string]}]}`,
	Draft:           `{"html": string}`,
	SEO:             `{"metaTitle": string, "metaDescription": string, "html": string (optional)}`,
	Proofreading:    `{"html": string, "changes": [string]}`,
}

var userTemplate = template.Must(template.New("user").Parse(`Keyword: {{.Job.Keyword}}
{{- with .Job.CategoryName}}
Category: {{.}}{{end}}
{{- with .Job.AuthorName}}
Author: {{.}}{{end}}
{{- with .Job.BrandName}}
Brand: {{.}}{{end}}
{{- with .Job.TargetReaders}}
Target readers: {{.}}{{end}}
{{- if .Job.Knowledge}}

Reference knowledge:
{{- range .Job.Knowledge}}
- {{.}}{{end}}{{end}}
{{- if .Prior}}

Results of the previous steps:
{{- range .Prior}}

## {{.Name}}
{{.JSON}}{{end}}{{end}}

Task: {{.Task}}
{{- if .Placeholder}}
Mark every spot that needs an image with an HTML comment exactly like:
{{.Placeholder}}
Include at least three such placeholders.{{end}}

Output format:
{{.Shape}}
`))

var tasks = map[string]string{
	KeywordAnalysis: "Analyse the keyword.",
	Structure:       "Create the article title and outline.",
	Draft:           "Write the full article HTML following the outline. Aim for 8000 or more characters and at least five H2 sections.",
	SEO:             "Write the SEO meta title and meta description for the latest article HTML.",
	Proofreading:    "Proofread the latest article HTML and return the corrected full HTML.",
}

type priorOutput struct {
	Name string
	JSON string
}

type promptData struct {
	Job         jobs.Context
	Prior       []priorOutput
	Task        string
	Shape       string
	Placeholder string
}

// BuildPrompts returns the system and user prompt for stage name. All earlier
// stage outputs present in prior are included in stage order.
func BuildPrompts(name string, jc jobs.Context, prior Outputs) (system, user string, err error) {
	system, ok := systemPrompts[name]
	if !ok {
		return "", "", fmt.Errorf("unknown stage %q", name)
	}
	data := promptData{
		Job:   jc,
		Task:  tasks[name],
		Shape: outputShapes[name],
	}
	for _, s := range Sequence[:Ordinal(name)] {
		if raw, ok := prior[s]; ok {
			data.Prior = append(data.Prior, priorOutput{Name: s, JSON: string(raw)})
		}
	}
	if name == Draft {
		data.Placeholder = examplePlaceholder(jc.Keyword).String()
	}

	var buf bytes.Buffer
	if err := userTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return system, strings.TrimSpace(buf.String()), nil
}

// examplePlaceholder shows the marker format with values derived from the job's own keyword.
func examplePlaceholder(keyword string) images.Placeholder {
	topic := strings.TrimSpace(keyword)
	if topic == "" {
		topic = "記事のテーマ"
	}
	return images.Placeholder{
		Position: "after_intro",
		Context:  topic + "を表す場面",
		AltHint:  topic + "のイメージ",
	}
}
