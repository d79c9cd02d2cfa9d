package services

import (
	"fmt"
	"html"
	"strings"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
)

// concatenateResults joins successful segment outputs under their segment
// names. It is both the draft body and the degraded fallback when
// unification cannot run.
func concatenateResults(results []entities.ResolverResult) string {
	var b strings.Builder
	for _, result := range results {
		if result.Status != entities.ResultOK {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(result.SegmentName)
		b.WriteString("\n\n")
		b.WriteString(result.Rendered)
	}
	return b.String()
}

// renderFinalHTML produces the deterministic HTML view: a heading per
// segment, paragraphs split on blank lines, whitespace preserved through
// escaping only.
func renderFinalHTML(acta *entities.Acta, results []entities.ResolverResult) string {
	var b strings.Builder
	b.WriteString("<article class=\"acta\">\n")
	b.WriteString(fmt.Sprintf("<header><h1>%s</h1><p class=\"numero\">%s</p></header>\n",
		html.EscapeString(acta.Title), html.EscapeString(acta.Number)))

	for _, result := range results {
		if result.Status != entities.ResultOK {
			continue
		}
		b.WriteString(fmt.Sprintf("<section data-segment=\"%s\">\n<h2>%s</h2>\n",
			html.EscapeString(result.SegmentCode), html.EscapeString(result.SegmentName)))
		for _, paragraph := range strings.Split(result.Rendered, "\n\n") {
			paragraph = strings.TrimRight(paragraph, "\n")
			if paragraph == "" {
				continue
			}
			escaped := html.EscapeString(paragraph)
			escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
			b.WriteString("<p>")
			b.WriteString(escaped)
			b.WriteString("</p>\n")
		}
		b.WriteString("</section>\n")
	}
	b.WriteString("</article>\n")
	return b.String()
}
