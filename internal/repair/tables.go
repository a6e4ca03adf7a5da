// Package repair normalizes the table markup produced by the drafting model.
//
// The rewrite is a narrow set of regular expressions applied to each
// <table>...</table> span independently. Well-formed tables only get their
// inline styles normalized. Tables() is pure and idempotent.
package repair

import (
	"regexp"
	"strings"
)

// Canonical inline styles applied to every table, header cell and data cell.
const (
	TableStyle  = "width:100%;border-collapse:collapse;margin:1.5em 0;"
	HeaderStyle = "background-color:#f5f5f5;border:1px solid #ddd;padding:12px;text-align:left;font-weight:bold;"
	CellStyle   = "border:1px solid #ddd;padding:12px;"
)

var (
	tableSpanRe = regexp.MustCompile(`(?is)<table\b[^>]*>.*?</table>`)

	// <table ...> <th ...> <tr>...</tr>... </th>
	// <th is followed by whitespace or '>' so <thead> never matches.
	brokenHeaderRe = regexp.MustCompile(`(?is)^(<table\b[^>]*>)\s*<th(?:\s[^>]*)?>((?:\s*<tr\b[^>]*>.*?</tr>)+)\s*</th>`)

	// A <th> directly after the table open tag, whatever follows it.
	strayHeaderRe = regexp.MustCompile(`(?is)^<table\b[^>]*>\s*<th(?:\s[^>]*)?>`)

	// Rows between </thead> and </table>, with nothing else in between.
	bodyRowsRe = regexp.MustCompile(`(?is)</thead>\s*((?:<tr\b[^>]*>.*?</tr>\s*)+)</table>$`)

	tableTagRe  = regexp.MustCompile(`(?i)<table\b([^>]*)>`)
	headerTagRe = regexp.MustCompile(`(?i)<th(\s[^>]*)?>`)
	cellTagRe   = regexp.MustCompile(`(?i)<td(\s[^>]*)?>`)
	// One attribute with its leading whitespace. Quoted values are consumed whole,
	// so "style=" inside another attribute's value is never taken for an attribute.
	attrRe = regexp.MustCompile(`\s+([^\s=>"'/]+)(?:\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>"']+))?`)

	bareTagRe = regexp.MustCompile(`(?i)<(tr|thead|tbody)\b[^>]*>`)
)

// Tables repairs every table in html. Content outside tables is returned unchanged.
func Tables(html string) string {
	return tableSpanRe.ReplaceAllStringFunc(html, repairTable)
}

func repairTable(table string) string {
	lower := strings.ToLower(table)

	if !strings.Contains(lower, "<thead") {
		table = brokenHeaderRe.ReplaceAllString(table, "${1}<thead>${2}</thead>")
		lower = strings.ToLower(table)
	}

	if strings.Contains(lower, "</thead>") && !strings.Contains(lower, "<tbody") {
		if m := bodyRowsRe.FindStringSubmatchIndex(table); m != nil {
			rows := strings.TrimSpace(table[m[2]:m[3]])
			table = table[:m[0]] + "</thead><tbody>" + rows + "</tbody></table>"
		}
	}

	table = restyle(table, tableTagRe, "table", TableStyle)
	table = restyle(table, headerTagRe, "th", HeaderStyle)
	table = restyle(table, cellTagRe, "td", CellStyle)

	return bareTagRe.ReplaceAllString(table, "<${1}>")
}

// restyle rewrites each tag matched by re to carry exactly the given style, keeping other attributes.
func restyle(s string, re *regexp.Regexp, name, style string) string {
	return re.ReplaceAllStringFunc(s, func(tag string) string {
		m := re.FindStringSubmatch(tag)
		attrs := ""
		if len(m) > 1 {
			attrs = withoutStyle(m[1])
		}
		return "<" + name + ` style="` + style + `"` + attrs + ">"
	})
}

// withoutStyle keeps every attribute in attrs except style, in order.
func withoutStyle(attrs string) string {
	var b strings.Builder
	for _, m := range attrRe.FindAllStringSubmatch(attrs, -1) {
		if strings.EqualFold(m[1], "style") {
			continue
		}
		b.WriteString(m[0])
	}
	return b.String()
}

// DetectBrokenHeader reports whether any table without a <thead> still opens with a stray
// <th> wrapping one or more rows.
func DetectBrokenHeader(html string) bool {
	for _, table := range tableSpanRe.FindAllString(html, -1) {
		if strings.Contains(strings.ToLower(table), "<thead") {
			continue
		}
		if brokenHeaderRe.MatchString(table) {
			return true
		}
	}
	return false
}

// Unresolved counts tables that still open with a stray <th>. Run it on repaired HTML:
// anything it finds was too malformed for Tables and needs manual review.
func Unresolved(html string) int {
	n := 0
	for _, table := range tableSpanRe.FindAllString(html, -1) {
		if strayHeaderRe.MatchString(table) {
			n++
		}
	}
	return n
}
