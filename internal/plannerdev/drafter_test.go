package plannerdev

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/survey-planner/internal/planner"
	"github.com/joelkehle/survey-planner/internal/survey"
)

func TestTemplateDrafterDistributesQuestions(t *testing.T) {
	plan, err := TemplateDrafter{}.Draft(context.Background(), planner.PlanRequest{Prompt: "Gym members", NumQuestions: 7, NumPages: 3}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Pages, 3)
	assert.Equal(t, 7, plan.QuestionCount())
	for _, pg := range plan.Pages {
		assert.NotEmpty(t, pg.QuestionSpecs, pg.Name)
	}
	assert.Equal(t, "p1q1", plan.Pages[0].QuestionSpecs[0].SpecID)
	assert.True(t, plan.Pages[0].QuestionSpecs[0].Required)
	assert.Equal(t, 7, plan.FinalQuestionCount)
}

func TestTemplateDrafterDefaultsAndClamps(t *testing.T) {
	plan, err := TemplateDrafter{}.Draft(context.Background(), planner.PlanRequest{Prompt: "x", NumQuestions: 2, NumPages: 5}, nil)
	require.NoError(t, err)
	assert.Len(t, plan.Pages, 2, "never more pages than questions")

	plan, err = TemplateDrafter{}.Draft(context.Background(), planner.PlanRequest{Prompt: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultQuestions, plan.QuestionCount())
	assert.Len(t, plan.Pages, defaultPages)
}

func TestTemplateDrafterIsDeterministic(t *testing.T) {
	req := planner.PlanRequest{Prompt: "Hotel stay", Title: "Stay"}
	a, err := TemplateDrafter{}.Draft(context.Background(), req, []string{"add breakfast"})
	require.NoError(t, err)
	b, err := TemplateDrafter{}.Draft(context.Background(), req, []string{"add breakfast"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.JSONEq(t, `["add breakfast"]`, string(a.Notes))
	assert.Equal(t, defaultQuestions+1, a.QuestionCount())
}

func TestRenderCarriesOpaqueFields(t *testing.T) {
	plan, err := TemplateDrafter{}.Draft(context.Background(), planner.PlanRequest{Prompt: "Park", NumQuestions: 4, NumPages: 1}, nil)
	require.NoError(t, err)
	pages, err := TemplateDrafter{}.Render(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	qs := pages[0].Questions
	require.Len(t, qs, 4)
	assert.Equal(t, survey.TypeScale, qs[1].QuestionType)
	assert.JSONEq(t, `{"min":1,"max":5,"labels":{"min":"Not at all likely","max":"Extremely likely"}}`, string(qs[1].Scale))
	assert.Equal(t, survey.TypeTextArea, qs[3].QuestionType)
	assert.NotEmpty(t, qs[3].Validation)
	assert.Empty(t, Validate(pages))
}

func TestValidateAndFix(t *testing.T) {
	pages := []RenderedPage{
		{Name: "A", Questions: []RenderedQuestion{
			{QuestionText: "Pick", QuestionType: "dropdown_list", Options: []string{" ", "No"}},
			{QuestionText: "", QuestionType: "text_field"},
		}},
		{Name: "B", Questions: []RenderedQuestion{{QuestionText: "  ", QuestionType: "radio"}}},
		{Name: "C"},
	}
	issues := Validate(pages)
	assert.Len(t, issues, 5)

	fixed := Fix(pages)
	require.Len(t, fixed, 1)
	require.Len(t, fixed[0].Questions, 1)
	assert.Equal(t, []string{"No", "Yes"}, fixed[0].Questions[0].Options)
	assert.Empty(t, Validate(fixed))
}
