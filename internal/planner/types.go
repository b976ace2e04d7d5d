package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PlanRequest is the body of a create or fast-generate call.
type PlanRequest struct {
	Prompt       string `json:"prompt"`
	Title        string `json:"title"`
	Type         string `json:"type"`
	Language     string `json:"language"`
	NumQuestions int    `json:"numQuestions,omitempty"`
	NumPages     int    `json:"numPages,omitempty"`
}

type CreatePlanResult struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message,omitempty"`
}

type ApprovalStatus string

const (
	StatusAwaitingApproval ApprovalStatus = "awaiting_approval"
	StatusApproved         ApprovalStatus = "approved"
	StatusRejected         ApprovalStatus = "rejected"
)

// QuestionSpec describes a question before rendering.
type QuestionSpec struct {
	SpecID       string   `json:"spec_id"`
	QuestionType string   `json:"question_type"`
	Language     string   `json:"language,omitempty"`
	Intent       string   `json:"intent"`
	Required     bool     `json:"required"`
	OptionsHint  []string `json:"options_hint,omitempty"`
}

type Page struct {
	Name          string         `json:"name"`
	QuestionSpecs []QuestionSpec `json:"question_specs"`
}

// Plan is the planner's proposed outline. Raw keeps the document as
// received so unknown metadata survives a round trip.
type Plan struct {
	Title                  string          `json:"title"`
	Type                   string          `json:"type"`
	Language               string          `json:"language"`
	Pages                  []Page          `json:"pages"`
	EstimatedQuestionCount int             `json:"estimated_question_count,omitempty"`
	SuggestedPageCount     int             `json:"suggested_page_count,omitempty"`
	SuggestedQuestionCount int             `json:"suggested_question_count,omitempty"`
	FinalPageCount         int             `json:"final_page_count,omitempty"`
	FinalQuestionCount     int             `json:"final_question_count,omitempty"`
	Notes                  json.RawMessage `json:"notes,omitempty"`
	Limits                 json.RawMessage `json:"limits,omitempty"`
	Distribution           json.RawMessage `json:"distribution,omitempty"`
	PlanRationale          json.RawMessage `json:"plan_rationale,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts any JSON object. Typed fields are filled best
// effort; a value of the wrong type leaves its field zero instead of
// failing the plan, and Raw always holds the document as received.
func (p *Plan) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return fmt.Errorf("plan is not a JSON object")
	}
	*p = Plan{
		Title:                  looseString(fields["title"]),
		Type:                   looseString(fields["type"]),
		Language:               looseString(fields["language"]),
		Pages:                  loosePages(fields["pages"]),
		EstimatedQuestionCount: looseInt(fields["estimated_question_count"]),
		SuggestedPageCount:     looseInt(fields["suggested_page_count"]),
		SuggestedQuestionCount: looseInt(fields["suggested_question_count"]),
		FinalPageCount:         looseInt(fields["final_page_count"]),
		FinalQuestionCount:     looseInt(fields["final_question_count"]),
		Notes:                  fields["notes"],
		Limits:                 fields["limits"],
		Distribution:           fields["distribution"],
		PlanRationale:          fields["plan_rationale"],
		Raw:                    append(json.RawMessage(nil), bytes.TrimSpace(b)...),
	}
	return nil
}

func loosePages(raw json.RawMessage) []Page {
	var items []map[string]json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	pages := make([]Page, 0, len(items))
	for _, item := range items {
		pg := Page{Name: looseString(item["name"])}
		var specs []map[string]json.RawMessage
		_ = json.Unmarshal(item["question_specs"], &specs)
		for _, sp := range specs {
			pg.QuestionSpecs = append(pg.QuestionSpecs, QuestionSpec{
				SpecID:       looseString(sp["spec_id"]),
				QuestionType: looseString(sp["question_type"]),
				Language:     looseString(sp["language"]),
				Intent:       looseString(sp["intent"]),
				Required:     looseBool(sp["required"]),
				OptionsHint:  looseOptions(sp["options_hint"]),
			})
		}
		pages = append(pages, pg)
	}
	return pages
}

// looseString reads a string or a number as text.
func looseString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

func looseInt(raw json.RawMessage) int {
	var n int
	if json.Unmarshal(raw, &n) == nil {
		return n
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return int(f)
	}
	if n, err := strconv.Atoi(strings.TrimSpace(looseString(raw))); err == nil {
		return n
	}
	return 0
}

func looseBool(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	b, _ = strconv.ParseBool(strings.TrimSpace(looseString(raw)))
	return b
}

// looseOptions keeps strings and numbers, and the text, label or value of
// objects. Blank entries are dropped.
func looseOptions(raw json.RawMessage) []string {
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	var out []string
	for _, item := range items {
		s := looseString(item)
		if s == "" {
			var o map[string]json.RawMessage
			if json.Unmarshal(item, &o) == nil {
				for _, k := range []string{"text", "label", "value"} {
					if s = looseString(o[k]); strings.TrimSpace(s) != "" {
						break
					}
				}
			}
		}
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p Plan) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	type plain Plan
	return json.Marshal(plain(p))
}

// PagesJSON returns the pages array as received, for shape normalization.
func (p Plan) PagesJSON() json.RawMessage {
	if len(p.Raw) > 0 {
		var v struct {
			Pages json.RawMessage `json:"pages"`
		}
		if err := json.Unmarshal(p.Raw, &v); err == nil && len(v.Pages) > 0 {
			return v.Pages
		}
	}
	out, err := json.Marshal(p.Pages)
	if err != nil {
		return nil
	}
	return out
}

func (p Plan) QuestionCount() int {
	n := 0
	for _, pg := range p.Pages {
		n += len(pg.QuestionSpecs)
	}
	return n
}

// PlanThread is the server-owned plan lifecycle resource.
type PlanThread struct {
	ThreadID           string          `json:"thread_id"`
	Plan               Plan            `json:"plan"`
	ApprovalStatus     ApprovalStatus  `json:"approval_status"`
	Attempt            int             `json:"attempt"`
	MaxAttempts        int             `json:"max_attempts,omitempty"`
	Version            int             `json:"version"`
	GeneratedQuestions json.RawMessage `json:"generated_questions,omitempty"`
	Message            string          `json:"message,omitempty"`
}

type Validation struct {
	Passed     bool            `json:"passed"`
	IssueCount int             `json:"issue_count"`
	Issues     json.RawMessage `json:"issues,omitempty"`
}

// GVFResult is the generate-validate-fix response.
type GVFResult struct {
	ThreadID      string          `json:"thread_id"`
	RenderedPages json.RawMessage `json:"rendered_pages,omitempty"`
	Validation    *Validation     `json:"validation,omitempty"`
	Saved         *bool           `json:"saved,omitempty"`
	Error         string          `json:"error,omitempty"`
}
