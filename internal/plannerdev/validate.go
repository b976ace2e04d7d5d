package plannerdev

import (
	"fmt"
	"strings"

	"github.com/joelkehle/survey-planner/internal/survey"
)

type Issue struct {
	Page     int    `json:"page"`
	Question int    `json:"question"`
	SpecID   string `json:"spec_id,omitempty"`
	Problem  string `json:"problem"`
}

var fallbackOptions = []string{"Yes", "No"}

// Validate reports rendered questions the builder cannot show: blank text,
// and choice questions with fewer than two options.
func Validate(pages []RenderedPage) []Issue {
	var issues []Issue
	for pi, pg := range pages {
		if len(pg.Questions) == 0 {
			issues = append(issues, Issue{Page: pi + 1, Problem: "page has no questions"})
		}
		for qi, q := range pg.Questions {
			at := Issue{Page: pi + 1, Question: qi + 1, SpecID: q.SpecID}
			if strings.TrimSpace(q.QuestionText) == "" {
				at.Problem = "question text is empty"
				issues = append(issues, at)
			}
			if survey.IsChoiceType(survey.CanonicalType(q.QuestionType)) && countOptions(q.Options) < 2 {
				at.Problem = fmt.Sprintf("%s question needs at least 2 options", q.QuestionType)
				issues = append(issues, at)
			}
		}
	}
	return issues
}

// Fix repairs what Validate reports. Blank questions and pages left empty
// are dropped; short option lists are padded.
func Fix(pages []RenderedPage) []RenderedPage {
	out := make([]RenderedPage, 0, len(pages))
	for _, pg := range pages {
		fixed := RenderedPage{Name: pg.Name}
		for _, q := range pg.Questions {
			if strings.TrimSpace(q.QuestionText) == "" {
				continue
			}
			q.QuestionType = survey.CanonicalType(q.QuestionType)
			if survey.IsChoiceType(q.QuestionType) && countOptions(q.Options) < 2 {
				q.Options = padOptions(q.Options)
			}
			fixed.Questions = append(fixed.Questions, q)
		}
		if len(fixed.Questions) > 0 {
			out = append(out, fixed)
		}
	}
	return out
}

func countOptions(opts []string) int {
	n := 0
	for _, o := range opts {
		if strings.TrimSpace(o) != "" {
			n++
		}
	}
	return n
}

func padOptions(opts []string) []string {
	var out []string
	for _, o := range opts {
		if strings.TrimSpace(o) != "" {
			out = append(out, o)
		}
	}
	for _, f := range fallbackOptions {
		if len(out) >= 2 {
			break
		}
		dup := false
		for _, o := range out {
			if strings.EqualFold(o, f) {
				dup = true
			}
		}
		if !dup {
			out = append(out, f)
		}
	}
	return out
}
