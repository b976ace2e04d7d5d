package plannerdev

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/joelkehle/survey-planner/internal/planner"
)

// Options configures the development planner service.
type Options struct {
	// Prefix is the mount point, for example "/api". Empty mounts at root.
	Prefix      string
	MaxAttempts int
	Drafter     Drafter
	Logger      *slog.Logger
	NewID       func() string
}

type Server struct {
	drafter Drafter
	threads *threadStore
	logger  *slog.Logger
}

func NewServer(opts Options) http.Handler {
	s := &Server{
		drafter: opts.Drafter,
		threads: newThreadStore(opts.MaxAttempts, opts.NewID),
		logger:  opts.Logger,
	}
	if s.drafter == nil {
		s.drafter = TemplateDrafter{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	p := "/" + strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if p == "/" {
		p = ""
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+p+"/survey-plan", s.handleCreate)
	mux.HandleFunc("POST "+p+"/survey-plan/fast", s.handleFast)
	mux.HandleFunc("GET "+p+"/survey-plan/{id}", s.handleGet)
	mux.HandleFunc("POST "+p+"/survey-plan/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST "+p+"/survey-plan/{id}/reject", s.handleReject)
	mux.HandleFunc("POST "+p+"/survey-plan/{id}/generate-validate-fix", s.handleGVF)
	mux.HandleFunc("GET "+p+"/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return mux
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	plan, err := s.drafter.Draft(r.Context(), req, nil)
	if err != nil {
		s.writeDraftError(w, "draft", err)
		return
	}
	t := s.threads.create(req, plan)
	s.logger.Info("plan thread created", "thread_id", t.ThreadID, "questions", plan.QuestionCount())
	writeJSON(w, http.StatusOK, planner.CreatePlanResult{ThreadID: t.ThreadID, Message: "plan created"})
}

func (s *Server) handleFast(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	plan, err := s.drafter.Draft(r.Context(), req, nil)
	if err != nil {
		s.writeDraftError(w, "draft", err)
		return
	}
	rendered, err := s.drafter.Render(r.Context(), plan)
	if err != nil {
		s.writeDraftError(w, "render", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rendered_pages": Fix(rendered),
		"suggestedName":  plan.Title,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.threads.get(r.PathValue("id"))
	if err != nil {
		writeThreadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": t})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	plan, status, err := s.threads.plan(id)
	if err != nil {
		writeThreadError(w, err)
		return
	}
	if status == planner.StatusApproved {
		writeThreadError(w, ErrAlreadyApproved)
		return
	}
	rendered, err := s.drafter.Render(r.Context(), plan)
	if err != nil {
		s.writeDraftError(w, "render", err)
		return
	}
	t, err := s.threads.approve(id, rendered)
	if err != nil {
		writeThreadError(w, err)
		return
	}
	s.logger.Info("plan approved", "thread_id", id, "attempt", t.Attempt)
	writeJSON(w, http.StatusOK, map[string]any{"data": t})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	blob, err := readBody(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var body struct {
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal(blob, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	feedback := strings.TrimSpace(body.Feedback)
	if feedback == "" {
		writeDetail(w, http.StatusBadRequest, "feedback is required")
		return
	}

	req, all, err := s.threads.beginReject(id, feedback)
	if err != nil {
		writeThreadError(w, err)
		return
	}
	plan, err := s.drafter.Draft(r.Context(), req, all)
	if err != nil {
		s.writeDraftError(w, "draft", err)
		return
	}
	t, err := s.threads.finishReject(id, feedback, plan)
	if err != nil {
		writeThreadError(w, err)
		return
	}
	s.logger.Info("plan rejected and redrafted", "thread_id", id, "attempt", t.Attempt, "max_attempts", t.MaxAttempts)
	writeJSON(w, http.StatusOK, map[string]any{"data": t})
}

func (s *Server) handleGVF(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	autoFix, _ := strconv.ParseBool(r.URL.Query().Get("auto_fix"))

	rendered, err := s.threads.rendered(id)
	if err != nil {
		writeThreadError(w, err)
		return
	}
	issues := Validate(rendered)
	saved := false
	if autoFix && len(issues) > 0 {
		rendered = Fix(rendered)
		issues = Validate(rendered)
		if err := s.threads.saveRendered(id, rendered); err != nil {
			writeThreadError(w, err)
			return
		}
		saved = true
	}

	pages, err := json.Marshal(rendered)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	issueJSON, err := json.Marshal(issuesOrEmpty(issues))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, planner.GVFResult{
		ThreadID:      id,
		RenderedPages: pages,
		Validation: &planner.Validation{
			Passed:     len(issues) == 0,
			IssueCount: len(issues),
			Issues:     issueJSON,
		},
		Saved: &saved,
	})
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (planner.PlanRequest, bool) {
	var req planner.PlanRequest
	blob, err := readBody(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeDetail(w, http.StatusBadRequest, "prompt is required")
		return req, false
	}
	return req, true
}

func (s *Server) writeDraftError(w http.ResponseWriter, stage string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("drafter failed", "stage", stage, "error", err)
	writeDetail(w, http.StatusBadGateway, stage+" failed: "+err.Error())
}

func writeThreadError(w http.ResponseWriter, err error) {
	var exhausted *AttemptsExhaustedError
	switch {
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail": map[string]any{
				"error_code":      planner.MaxAttemptsCode,
				"thread_id":       exhausted.ThreadID,
				"current_attempt": exhausted.CurrentAttempt,
				"max_attempts":    exhausted.MaxAttempts,
				"message":         "Maximum plan attempts reached. Start a new plan to continue.",
			},
		})
	case errors.Is(err, ErrThreadNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyApproved), errors.Is(err, ErrNotApproved):
		writeDetail(w, http.StatusConflict, err.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func issuesOrEmpty(issues []Issue) []Issue {
	if issues == nil {
		return []Issue{}
	}
	return issues
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}
