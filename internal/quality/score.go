// Package quality computes an advisory score for generated article HTML.
package quality

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/width"
)

// Penalties subtracted from 100 per failed check.
const (
	PenaltyShortText     = 15
	PenaltyMediumText    = 5
	PenaltyFewHeadings   = 10
	PenaltySomeHeadings  = 5
	PenaltyColors        = 5
	PenaltyTableHeader   = 5
	PenaltyNoCTA         = 5
	PenaltyMissingSEO    = 10
	LongTextChars        = 8000
	MediumTextChars      = 5000
	TargetH2Count        = 5
	MinH2Count           = 3
	RecommendedImageRefs = 3
)

// Meta is the SEO metadata scored alongside the HTML.
type Meta struct {
	MetaTitle       string
	MetaDescription string
}

// Metrics are the raw measurements behind a Report.
type Metrics struct {
	TextLength      int      `json:"textLength"`
	H2Count         int      `json:"h2Count"`
	TableCount      int      `json:"tableCount"`
	TablesNoHeader  int      `json:"tablesNoHeader"`
	ImageCount      int      `json:"imageCount"` // <img> tags plus image placeholders
	HasCTA          bool     `json:"hasCta"`
	HasFAQ          bool     `json:"hasFaq"`
	ColorViolations []string `json:"colorViolations,omitempty"`
}

// Report is the result of Score. Score is raw and may be negative; use Clamped.
type Report struct {
	Score   int      `json:"score"`
	Issues  []string `json:"issues"`
	Metrics Metrics  `json:"metrics"`
}

// Clamped returns the score limited to 0..100.
func (r Report) Clamped() int {
	return min(max(r.Score, 0), 100)
}

var (
	ctaKeywords = []string{"お問い合わせ", "今すぐ", "無料", "申し込", "詳しくはこちら", "contact us", "sign up", "get started"}
	faqHeadings = []string{"faq", "よくある質問"}

	hexColorRe = regexp.MustCompile(`#([0-9a-fA-F]{6}|[0-9a-fA-F]{3})\b`)
	rgbRe      = regexp.MustCompile(`(?i)^rgba?\(\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)`)
)

var neutralColors = map[string]bool{
	"black": true, "white": true, "gray": true, "grey": true,
	"inherit": true, "transparent": true, "currentcolor": true, "initial": true, "unset": true,
}

// Score evaluates html and meta. Issues are ordered by check.
func Score(doc string, meta Meta) Report {
	m := measure(doc)
	r := Report{Score: 100, Metrics: m}

	switch {
	case m.TextLength >= LongTextChars:
	case m.TextLength >= MediumTextChars:
		r.penalize(PenaltyMediumText, fmt.Sprintf("body text is somewhat short: %d characters (%d+ recommended)", m.TextLength, LongTextChars))
	default:
		r.penalize(PenaltyShortText, fmt.Sprintf("body text is too short: %d characters (%d+ recommended)", m.TextLength, LongTextChars))
	}

	switch {
	case m.H2Count >= TargetH2Count:
	case m.H2Count >= MinH2Count:
		r.penalize(PenaltySomeHeadings, fmt.Sprintf("few <h2> headings: %d (%d+ recommended)", m.H2Count, TargetH2Count))
	default:
		r.penalize(PenaltyFewHeadings, fmt.Sprintf("too few <h2> headings: %d (%d+ recommended)", m.H2Count, TargetH2Count))
	}

	if len(m.ColorViolations) > 0 {
		r.penalize(PenaltyColors, "colors outside the monotone palette: "+strings.Join(m.ColorViolations, ", "))
	}

	if m.TablesNoHeader > 0 {
		r.penalize(PenaltyTableHeader, fmt.Sprintf("%d of %d tables have no <thead> or <th>", m.TablesNoHeader, m.TableCount))
	}

	if !m.HasCTA {
		r.penalize(PenaltyNoCTA, "no call-to-action found")
	}

	if !m.HasFAQ {
		r.Issues = append(r.Issues, "no FAQ section found")
	}

	switch {
	case m.ImageCount >= RecommendedImageRefs:
	case m.ImageCount > 0:
		r.Issues = append(r.Issues, fmt.Sprintf("images are sparse: %d (%d+ recommended)", m.ImageCount, RecommendedImageRefs))
	default:
		r.Issues = append(r.Issues, "no images or image placeholders")
	}

	missingSEO := false
	if strings.TrimSpace(meta.MetaTitle) == "" {
		r.Issues = append(r.Issues, "SEO meta title is missing")
		missingSEO = true
	}
	if strings.TrimSpace(meta.MetaDescription) == "" {
		r.Issues = append(r.Issues, "SEO meta description is missing")
		missingSEO = true
	}
	if missingSEO {
		r.Score -= PenaltyMissingSEO
	}
	return r
}

func (r *Report) penalize(points int, issue string) {
	r.Score -= points
	r.Issues = append(r.Issues, issue)
}

func measure(doc string) Metrics {
	var m Metrics
	var text strings.Builder
	var heading strings.Builder

	inHeading := false
	skipDepth := 0 // inside <script>/<style>
	tableDepth := 0
	tableHasHeader := false
	seenColors := map[string]bool{}

	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF or malformed input; score what was read so far.
			break
		}
		tok := z.Token()
		switch tt {
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text.WriteString(tok.Data)
			text.WriteByte(' ')
			if inHeading {
				heading.WriteString(tok.Data)
			}
		case html.CommentToken:
			if strings.Contains(tok.Data, "IMAGE_PLACEHOLDER") {
				m.ImageCount++
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			for _, a := range tok.Attr {
				switch a.Key {
				case "style":
					for _, v := range colorViolations(a.Val) {
						if !seenColors[v] {
							seenColors[v] = true
							m.ColorViolations = append(m.ColorViolations, v)
						}
					}
				case "class":
					if isCTAClass(a.Val) {
						m.HasCTA = true
					}
				}
			}
			switch tok.DataAtom {
			case atom.Script, atom.Style:
				if tt == html.StartTagToken {
					skipDepth++
				}
			case atom.H2, atom.H3:
				if tok.DataAtom == atom.H2 {
					m.H2Count++
				}
				inHeading = true
				heading.Reset()
			case atom.Table:
				if tableDepth == 0 {
					m.TableCount++
					tableHasHeader = false
				}
				tableDepth++
			case atom.Th, atom.Thead:
				tableHasHeader = true
			case atom.Img:
				m.ImageCount++
			}
		case html.EndTagToken:
			switch tok.DataAtom {
			case atom.Script, atom.Style:
				if skipDepth > 0 {
					skipDepth--
				}
			case atom.H2, atom.H3:
				if inHeading && isFAQHeading(heading.String()) {
					m.HasFAQ = true
				}
				inHeading = false
			case atom.Table:
				if tableDepth > 0 {
					tableDepth--
					if tableDepth == 0 && !tableHasHeader {
						m.TablesNoHeader++
					}
				}
			}
		}
	}

	body := strings.Join(strings.Fields(text.String()), " ")
	m.TextLength = utf8.RuneCountInString(body)
	if !m.HasCTA && containsAny(normalize(body), ctaKeywords) {
		m.HasCTA = true
	}
	return m
}

// colorViolations returns every color in a style attribute value that is not a neutral gray.
func colorViolations(style string) []string {
	var out []string
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "!important"))
		if prop == "color" || strings.HasSuffix(prop, "-color") {
			if !isNeutral(val) {
				out = append(out, prop+":"+val)
			}
			continue
		}
		for _, hex := range hexColorRe.FindAllString(val, -1) {
			if !isNeutral(hex) {
				out = append(out, prop+":"+hex)
			}
		}
	}
	return out
}

func isNeutral(val string) bool {
	v := strings.ToLower(strings.TrimSpace(val))
	if neutralColors[v] {
		return true
	}
	if m := hexColorRe.FindStringSubmatch(v); m != nil && m[0] == v {
		h := m[1]
		if len(h) == 3 {
			return h[0] == h[1] && h[1] == h[2]
		}
		return h[0:2] == h[2:4] && h[2:4] == h[4:6]
	}
	if m := rgbRe.FindStringSubmatch(v); m != nil {
		r, _ := strconv.Atoi(m[1])
		g, _ := strconv.Atoi(m[2])
		b, _ := strconv.Atoi(m[3])
		return r == g && g == b
	}
	return false
}

func isCTAClass(class string) bool {
	for _, c := range strings.Fields(strings.ToLower(class)) {
		if c == "cta" || strings.HasPrefix(c, "cta-") || strings.HasSuffix(c, "-cta") {
			return true
		}
	}
	return false
}

func isFAQHeading(text string) bool {
	return containsAny(normalize(text), faqHeadings)
}

// normalize folds full-width ASCII to half-width and lower-cases.
func normalize(s string) string {
	return strings.ToLower(width.Fold.String(s))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
