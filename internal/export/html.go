package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/survey-planner/internal/survey"
)

const pageCSS = "body{font-family:-apple-system,'Segoe UI',Helvetica,Arial,sans-serif;color:#1c1917;background:#fff;margin:0;padding:1rem;} " +
	".survey{max-width:860px;margin:0 auto;} " +
	".survey h1{font-size:1.6rem;border-bottom:2px solid #92400e;padding-bottom:0.4rem;} " +
	".survey h2{font-size:1.2rem;margin-top:1.8rem;color:#78350f;} " +
	".survey ul{list-style:none;padding-left:0.6rem;} " +
	".survey em{color:#57534e;} " +
	`h2[data-page-break-before="true"]{break-before:page;page-break-before:always;} ` +
	"@media print{ @page{size:auto;margin:12mm;} body{padding:0;} .survey{max-width:none;} }"

var sectionHeading = regexp.MustCompile(`<h2([^>]*)>`)

// HTML renders Markdown output as a standalone printable document.
func HTML(name string, st survey.Structure) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(Markdown(name, st)), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	title := strings.TrimSpace(name)
	if title == "" {
		title = st.SuggestedName
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + html.EscapeString(title) + "</title>" +
		"<style>" + pageCSS + "</style></head><body>" +
		"<div class='survey'>" + applyPageBreaks(content.String()) + "</div>" +
		"</body></html>", nil
}

// applyPageBreaks starts every section after the first on a new printed page.
func applyPageBreaks(contentHTML string) string {
	seen := 0
	return sectionHeading.ReplaceAllStringFunc(contentHTML, func(tag string) string {
		seen++
		if seen == 1 {
			return tag
		}
		m := sectionHeading.FindStringSubmatch(tag)
		return `<h2` + m[1] + ` data-page-break-before="true">`
	})
}
