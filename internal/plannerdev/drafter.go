package plannerdev

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joelkehle/survey-planner/internal/planner"
	"github.com/joelkehle/survey-planner/internal/survey"
)

// Drafter produces plans and renders approved plans into questions.
type Drafter interface {
	Draft(ctx context.Context, req planner.PlanRequest, feedback []string) (planner.Plan, error)
	Render(ctx context.Context, plan planner.Plan) ([]RenderedPage, error)
}

type RenderedPage struct {
	Name      string             `json:"name"`
	Questions []RenderedQuestion `json:"questions"`
}

type RenderedQuestion struct {
	SpecID       string          `json:"spec_id,omitempty"`
	QuestionText string          `json:"question_text"`
	QuestionType string          `json:"question_type"`
	Options      []string        `json:"options,omitempty"`
	Required     bool            `json:"required"`
	Scale        json.RawMessage `json:"scale,omitempty"`
	Validation   json.RawMessage `json:"validation,omitempty"`
}

const (
	defaultQuestions = 6
	defaultPages     = 2
	maxQuestions     = 40
)

type questionTemplate struct {
	kind   string
	intent string
	hints  []string
}

var templates = []questionTemplate{
	{survey.TypeRadio, "How satisfied are you with %s overall?", []string{"Very satisfied", "Satisfied", "Neutral", "Dissatisfied", "Very dissatisfied"}},
	{survey.TypeScale, "On a scale of 1 to 5, how likely are you to recommend %s?", nil},
	{survey.TypeCheckboxList, "Which aspects of %s matter most to you?", []string{"Quality", "Price", "Support", "Speed"}},
	{survey.TypeTextArea, "What would you change about %s?", nil},
	{survey.TypeDropdownList, "How often do you use %s?", []string{"Daily", "Weekly", "Monthly", "Rarely"}},
	{survey.TypeStarRating, "How would you rate %s?", nil},
	{survey.TypeTextField, "What is your role in relation to %s?", nil},
	{survey.TypeNumber, "How many years have you been involved with %s?", nil},
	{survey.TypeRank, "Rank these %s priorities from most to least important.", []string{"Cost", "Reliability", "Ease of use"}},
	{survey.TypeEmail, "Which email address can we use to follow up about %s?", nil},
}

// TemplateDrafter builds plans from fixed question templates. Output depends
// only on the request and feedback.
type TemplateDrafter struct{}

func (TemplateDrafter) Draft(_ context.Context, req planner.PlanRequest, feedback []string) (planner.Plan, error) {
	nq := req.NumQuestions
	if nq <= 0 {
		nq = defaultQuestions
	}
	nq = min(nq, maxQuestions)
	np := req.NumPages
	if np <= 0 {
		np = defaultPages
	}
	np = min(np, nq)

	topic := topicOf(req)
	pages := make([]planner.Page, np)
	for i := range pages {
		pages[i].Name = fmt.Sprintf("Page %d", i+1)
	}
	for i := 0; i < nq; i++ {
		tpl := templates[i%len(templates)]
		page := i * np / nq
		spec := planner.QuestionSpec{
			SpecID:       fmt.Sprintf("p%dq%d", page+1, len(pages[page].QuestionSpecs)+1),
			QuestionType: tpl.kind,
			Language:     req.Language,
			Intent:       fmt.Sprintf(tpl.intent, topic),
			Required:     i == 0,
			OptionsHint:  tpl.hints,
		}
		pages[page].QuestionSpecs = append(pages[page].QuestionSpecs, spec)
	}
	last := &pages[len(pages)-1]
	for _, fb := range feedback {
		last.QuestionSpecs = append(last.QuestionSpecs, planner.QuestionSpec{
			SpecID:       fmt.Sprintf("p%dq%d", len(pages), len(last.QuestionSpecs)+1),
			QuestionType: survey.TypeTextArea,
			Language:     req.Language,
			Intent:       "Reviewer request: " + strings.TrimSpace(fb),
		})
	}

	plan := planner.Plan{
		Title:                  planTitle(req),
		Type:                   req.Type,
		Language:               req.Language,
		Pages:                  pages,
		SuggestedPageCount:     np,
		SuggestedQuestionCount: nq,
	}
	plan.EstimatedQuestionCount = plan.QuestionCount()
	plan.FinalPageCount = len(pages)
	plan.FinalQuestionCount = plan.QuestionCount()
	if len(feedback) > 0 {
		notes, err := json.Marshal(feedback)
		if err != nil {
			return planner.Plan{}, err
		}
		plan.Notes = notes
	}
	rationale, err := json.Marshal(fmt.Sprintf("%d questions across %d pages about %s", plan.FinalQuestionCount, len(pages), topic))
	if err != nil {
		return planner.Plan{}, err
	}
	plan.PlanRationale = rationale
	return plan, nil
}

func (TemplateDrafter) Render(_ context.Context, plan planner.Plan) ([]RenderedPage, error) {
	return renderSpecs(plan), nil
}

// renderSpecs turns each spec into a question without any model help.
func renderSpecs(plan planner.Plan) []RenderedPage {
	out := make([]RenderedPage, 0, len(plan.Pages))
	for _, pg := range plan.Pages {
		rp := RenderedPage{Name: pg.Name}
		for _, spec := range pg.QuestionSpecs {
			q := RenderedQuestion{
				SpecID:       spec.SpecID,
				QuestionText: spec.Intent,
				QuestionType: survey.CanonicalType(spec.QuestionType),
				Options:      append([]string(nil), spec.OptionsHint...),
				Required:     spec.Required,
			}
			switch q.QuestionType {
			case survey.TypeScale:
				q.Scale = json.RawMessage(`{"min":1,"max":5,"labels":{"min":"Not at all likely","max":"Extremely likely"}}`)
			case survey.TypeStarRating:
				q.Scale = json.RawMessage(`{"min":1,"max":5}`)
			case survey.TypeTextArea:
				q.Validation = json.RawMessage(`{"max_length":1000}`)
			}
			rp.Questions = append(rp.Questions, q)
		}
		out = append(out, rp)
	}
	return out
}

func topicOf(req planner.PlanRequest) string {
	if t := strings.TrimSpace(req.Title); t != "" {
		return t
	}
	words := strings.Fields(req.Prompt)
	if len(words) > 6 {
		words = words[:6]
	}
	if len(words) == 0 {
		return "this topic"
	}
	return strings.Join(words, " ")
}

func planTitle(req planner.PlanRequest) string {
	if t := strings.TrimSpace(req.Title); t != "" {
		return t
	}
	return "Survey: " + topicOf(req)
}
