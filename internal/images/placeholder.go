// Package images extracts image placeholders from article HTML and hands the
// follow-up image generation request to an external consumer.
package images

import (
	"fmt"
	"html"
	"regexp"
)

// Placeholder marks a spot in the article where an image should be generated.
type Placeholder struct {
	Position string `json:"position"`
	Context  string `json:"context"`
	AltHint  string `json:"altHint"`
}

var placeholderRe = regexp.MustCompile(`<!--\s*IMAGE_PLACEHOLDER:\s*position="([^"]*)"\s+context="([^"]*)"\s+alt_hint="([^"]*)"\s*-->`)

// String renders the placeholder in its HTML comment wire format.
// Values are HTML-escaped so any text survives ExtractPlaceholders unchanged.
func (p Placeholder) String() string {
	return fmt.Sprintf(`<!-- IMAGE_PLACEHOLDER: position="%s" context="%s" alt_hint="%s" -->`,
		escape(p.Position), escape(p.Context), escape(p.AltHint))
}

// ExtractPlaceholders returns the placeholders of doc in document order.
func ExtractPlaceholders(doc string) []Placeholder {
	matches := placeholderRe.FindAllStringSubmatch(doc, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		out = append(out, Placeholder{
			Position: html.UnescapeString(m[1]),
			Context:  html.UnescapeString(m[2]),
			AltHint:  html.UnescapeString(m[3]),
		})
	}
	return out
}

func escape(s string) string {
	return html.EscapeString(s)
}
