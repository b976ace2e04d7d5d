// Package export renders a survey structure for preview and print.
package export

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joelkehle/survey-planner/internal/survey"
)

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`,
	"<", `\<`, ">", `\>`, "#", `\#`, "|", `\|`,
)

func escape(s string) string {
	return mdEscaper.Replace(strings.TrimSpace(s))
}

// Markdown lays the structure out one section per level-two heading with
// numbered questions. Choice options render as task list items.
func Markdown(name string, st survey.Structure) string {
	if strings.TrimSpace(name) == "" {
		name = st.SuggestedName
	}
	if strings.TrimSpace(name) == "" {
		name = "Untitled survey"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", escape(name))
	fmt.Fprintf(&b, "%d pages, %d questions\n", len(st.Sections), st.QuestionCount())

	for si, sec := range st.Sections {
		title := sec.Title
		if strings.TrimSpace(title) == "" {
			title = "Page " + strconv.Itoa(si+1)
		}
		fmt.Fprintf(&b, "\n## %d. %s\n", si+1, escape(title))
		for qi, q := range sec.Questions {
			writeQuestion(&b, fmt.Sprintf("%d.%d", si+1, qi+1), q)
		}
	}
	return b.String()
}

func writeQuestion(b *strings.Builder, number string, q survey.Question) {
	fmt.Fprintf(b, "\n**%s** %s", number, escape(q.Text))
	if q.Required != nil && *q.Required {
		b.WriteString(" *(required)*")
	}
	fmt.Fprintf(b, "\n\n_%s_\n", strings.ReplaceAll(q.Type, "_", " "))

	if sc, ok := q.ScaleRange(); ok {
		line := fmt.Sprintf("Scale %s to %s", formatNumber(sc.Min), formatNumber(sc.Max))
		if sc.Labels != nil && (sc.Labels.Min != "" || sc.Labels.Max != "") {
			line += fmt.Sprintf(" (%s / %s)", escape(sc.Labels.Min), escape(sc.Labels.Max))
		}
		b.WriteString("\n" + line + "\n")
	}
	if len(q.Options) > 0 {
		b.WriteString("\n")
		for _, opt := range q.Options {
			fmt.Fprintf(b, "- [ ] %s\n", escape(opt))
		}
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
