package stages

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jo-hoe/articlegen/internal/common"
)

// Required string fields must contain something other than whitespace.
var schemaSources = map[string]string{
	KeywordAnalysis: `{
		"type": "object",
		"required": ["mainKeyword", "searchIntent"],
		"properties": {
			"mainKeyword": {"type": "string", "pattern": "\\S"},
			"relatedKeywords": {"type": "array", "items": {"type": "string"}},
			"searchIntent": {"type": "string", "pattern": "\\S"},
			"targetReader": {"type": "string"}
		}
	}`,
	Structure: `{
		"type": "object",
		"required": ["title", "sections"],
		"properties": {
			"title": {"type": "string", "pattern": "\\S"},
			"sections": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["heading"],
					"properties": {
						"heading": {"type": "string", "pattern": "\\S"},
						"summary": {"type": "string"},
						"subheadings": {"type": "array", "items": {"type": "string"}}
					}
				}
			}
		}
	}`,
	Draft: `{
		"type": "object",
		"required": ["html"],
		"properties": {
			"html": {"type": "string", "pattern": "\\S"}
		}
	}`,
	SEO: `{
		"type": "object",
		"required": ["metaTitle", "metaDescription"],
		"properties": {
			"metaTitle": {"type": "string", "pattern": "\\S"},
			"metaDescription": {"type": "string", "pattern": "\\S"},
			"html": {"type": "string"}
		}
	}`,
	Proofreading: `{
		"type": "object",
		"required": ["html", "changes"],
		"properties": {
			"html": {"type": "string", "pattern": "\\S"},
			"changes": {"type": "array", "items": {"type": "string"}}
		}
	}`,
}

var compiledSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(schemaSources))
	for name, src := range schemaSources {
		url := name + ".schema.json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		s, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
})

// Decode validates raw against the shape of stage name and returns its typed Output.
// Missing or blank required fields yield a SHAPE_ERROR.
func Decode(name string, raw json.RawMessage) (Output, error) {
	schemas, err := compiledSchemas()
	if err != nil {
		return nil, err
	}
	schema, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", name)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		ce := common.NewCodedError(common.CodeParse, "stage output is not valid JSON", err)
		ce.Raw = common.Truncate(string(raw), common.RawSnippetLimit)
		return nil, ce
	}
	if err := schema.Validate(v); err != nil {
		ce := common.NewCodedError(common.CodeShape, fmt.Sprintf("%s output does not match its shape", name), err)
		ce.Raw = common.Truncate(string(raw), common.RawSnippetLimit)
		return nil, ce
	}

	var out Output
	switch name {
	case KeywordAnalysis:
		out = &KeywordAnalysisOutput{}
	case Structure:
		out = &StructureOutput{}
	case Draft:
		out = &DraftOutput{}
	case SEO:
		out = &SEOOutput{}
	case Proofreading:
		out = &ProofreadingOutput{}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, common.NewCodedError(common.CodeShape, fmt.Sprintf("decode %s output", name), err)
	}
	return out, nil
}
