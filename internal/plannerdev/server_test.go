package plannerdev

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/survey-planner/internal/normalize"
	"github.com/joelkehle/survey-planner/internal/planner"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "thread-" + string(rune('0'+n))
	}
}

func createThread(t *testing.T, h http.Handler) string {
	t.Helper()
	rr, out := doJSON(t, h, http.MethodPost, "/api/survey-plan", planner.PlanRequest{Prompt: "Customer feedback for the cafe", Title: "Cafe", NumQuestions: 4, NumPages: 2})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	id, _ := out["thread_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestCreateGetApprove(t *testing.T) {
	h := NewServer(Options{Prefix: "/api", NewID: sequentialIDs()})
	id := createThread(t, h)
	assert.Equal(t, "thread-1", id)

	rr, out := doJSON(t, h, http.MethodGet, "/api/survey-plan/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := out["data"].(map[string]any)
	assert.Equal(t, "awaiting_approval", data["approval_status"])
	assert.EqualValues(t, 1, data["attempt"])
	assert.EqualValues(t, 3, data["max_attempts"])
	assert.EqualValues(t, 1, data["version"])
	plan := data["plan"].(map[string]any)
	assert.Equal(t, "Cafe", plan["title"])
	assert.Len(t, plan["pages"], 2)

	rr, out = doJSON(t, h, http.MethodPost, "/api/survey-plan/"+id+"/approve", map[string]any{})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	data = out["data"].(map[string]any)
	assert.Equal(t, "approved", data["approval_status"])
	assert.EqualValues(t, 2, data["version"])
	generated, err := json.Marshal(data["generated_questions"])
	require.NoError(t, err)
	st, err := normalize.Normalize(generated)
	require.NoError(t, err)
	assert.Equal(t, 4, st.QuestionCount())

	rr, _ = doJSON(t, h, http.MethodPost, "/api/survey-plan/"+id+"/approve", map[string]any{})
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr, _ = doJSON(t, h, http.MethodPost, "/api/survey-plan/"+id+"/reject", map[string]any{"feedback": "more"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestUnknownThreadIsNotFound(t *testing.T) {
	h := NewServer(Options{Prefix: "/api"})
	rr, out := doJSON(t, h, http.MethodGet, "/api/survey-plan/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "thread not found", out["detail"])
}

func TestUnmountedPathIsNotFound(t *testing.T) {
	h := NewServer(Options{Prefix: "/api"})
	req := httptest.NewRequest(http.MethodPost, "/survey-plan", strings.NewReader(`{"prompt":"x"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRejectRedraftsUntilLimit(t *testing.T) {
	h := NewServer(Options{Prefix: "/api", NewID: sequentialIDs()})
	id := createThread(t, h)

	for attempt := 2; attempt <= 3; attempt++ {
		rr, out := doJSON(t, h, http.MethodPost, "/api/survey-plan/"+id+"/reject", map[string]any{"feedback": "ask about parking"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		data := out["data"].(map[string]any)
		assert.EqualValues(t, attempt, data["attempt"])
		assert.Equal(t, "awaiting_approval", data["approval_status"])
	}

	rr, out := doJSON(t, h, http.MethodPost, "/api/survey-plan/"+id+"/reject", map[string]any{"feedback": "again"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	detail := out["detail"].(map[string]any)
	assert.Equal(t, planner.MaxAttemptsCode, detail["error_code"])
	assert.Equal(t, id, detail["thread_id"])
	assert.EqualValues(t, 3, detail["current_attempt"])
	assert.EqualValues(t, 3, detail["max_attempts"])
	assert.NotEmpty(t, detail["message"])

	// The thread is untouched by the refused reject.
	_, out = doJSON(t, h, http.MethodGet, "/api/survey-plan/"+id, nil)
	assert.EqualValues(t, 3, out["data"].(map[string]any)["attempt"])
}

func TestRejectFeedbackShapesNextDraft(t *testing.T) {
	h := NewServer(Options{Prefix: "/api"})
	id := createThread(t, h)
	_, out := doJSON(t, h, http.MethodPost, "/api/survey-plan/"+id+"/reject", map[string]any{"feedback": "ask about parking"})
	plan := out["data"].(map[string]any)["plan"].(map[string]any)
	pages := plan["pages"].([]any)
	last := pages[len(pages)-1].(map[string]any)["question_specs"].([]any)
	assert.Equal(t, "Reviewer request: ask about parking", last[len(last)-1].(map[string]any)["intent"])
}

func TestRejectRequiresFeedback(t *testing.T) {
	h := NewServer(Options{Prefix: "/api"})
	id := createThread(t, h)
	rr, out := doJSON(t, h, http.MethodPost, "/api/survey-plan/"+id+"/reject", map[string]any{"feedback": "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "feedback is required", out["detail"])
}

func TestCreateRequiresPrompt(t *testing.T) {
	h := NewServer(Options{})
	rr, _ := doJSON(t, h, http.MethodPost, "/survey-plan", planner.PlanRequest{Title: "x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type stubDrafter struct {
	plan     planner.Plan
	rendered []RenderedPage
	err      error
}

func (s stubDrafter) Draft(context.Context, planner.PlanRequest, []string) (planner.Plan, error) {
	return s.plan, s.err
}

func (s stubDrafter) Render(context.Context, planner.Plan) ([]RenderedPage, error) {
	return s.rendered, s.err
}

func TestGenerateValidateFix(t *testing.T) {
	d := stubDrafter{
		plan: planner.Plan{Title: "Gym", Pages: []planner.Page{{Name: "One", QuestionSpecs: []planner.QuestionSpec{{SpecID: "a", QuestionType: "radio", Intent: "Member?"}}}}},
		rendered: []RenderedPage{{Name: "One", Questions: []RenderedQuestion{
			{SpecID: "a", QuestionText: "Are you a member?", QuestionType: "radio", Options: []string{"Yes"}},
			{SpecID: "b", QuestionText: " ", QuestionType: "text_field"},
		}}},
	}
	h := NewServer(Options{Drafter: d})
	rr, out := doJSON(t, h, http.MethodPost, "/survey-plan", planner.PlanRequest{Prompt: "gym"})
	require.Equal(t, http.StatusOK, rr.Code)
	id := out["thread_id"].(string)

	rr, _ = doJSON(t, h, http.MethodPost, "/survey-plan/"+id+"/generate-validate-fix?auto_fix=true", nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "validation requires an approved plan")

	rr, _ = doJSON(t, h, http.MethodPost, "/survey-plan/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, out = doJSON(t, h, http.MethodPost, "/survey-plan/"+id+"/generate-validate-fix?auto_fix=false", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validation := out["validation"].(map[string]any)
	assert.Equal(t, false, validation["passed"])
	assert.EqualValues(t, 2, validation["issue_count"])
	assert.Equal(t, false, out["saved"])

	rr, out = doJSON(t, h, http.MethodPost, "/survey-plan/"+id+"/generate-validate-fix?auto_fix=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validation = out["validation"].(map[string]any)
	assert.Equal(t, true, validation["passed"])
	assert.EqualValues(t, 0, validation["issue_count"])
	assert.Equal(t, true, out["saved"])

	var gvf planner.GVFResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &gvf))
	st, err := normalize.FromRenderedPages(gvf.RenderedPages)
	require.NoError(t, err)
	require.Len(t, st.Sections, 1)
	require.Len(t, st.Sections[0].Questions, 1)
	assert.Equal(t, []string{"Yes", "No"}, st.Sections[0].Questions[0].Options)

	_, out = doJSON(t, h, http.MethodGet, "/survey-plan/"+id, nil)
	assert.EqualValues(t, 3, out["data"].(map[string]any)["version"])
}

func TestDrafterFailureIsBadGateway(t *testing.T) {
	h := NewServer(Options{Drafter: stubDrafter{err: errors.New("model offline")}})
	rr, out := doJSON(t, h, http.MethodPost, "/survey-plan", planner.PlanRequest{Prompt: "x"})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, out["detail"], "model offline")
}

func TestFastReturnsRenderedPages(t *testing.T) {
	h := NewServer(Options{Prefix: "api"})
	rr, _ := doJSON(t, h, http.MethodPost, "/api/survey-plan/fast", planner.PlanRequest{Prompt: "Evaluate the library opening hours", NumQuestions: 3, NumPages: 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	st, rule, err := normalize.NormalizeRule(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "rendered_pages", rule)
	assert.Equal(t, "Survey: Evaluate the library opening hours", st.SuggestedName)
	require.Len(t, st.Sections, 1)
	assert.Len(t, st.Sections[0].Questions, 3)
}
