package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joelkehle/survey-planner/internal/export"
	"github.com/joelkehle/survey-planner/internal/normalize"
	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/store"
	"github.com/joelkehle/survey-planner/internal/survey"
	"github.com/joelkehle/survey-planner/internal/workflow"
)

// Workflow is the part of workflow.Engine the API serves.
type Workflow interface {
	CreateSurvey(ctx context.Context, in survey.NewSurvey) (survey.Survey, error)
	List(ctx context.Context) ([]survey.Survey, bool, error)
	Load(ctx context.Context, surveyID string) (workflow.Loaded, error)
	UpdateStructure(ctx context.Context, surveyID string, st survey.Structure) (workflow.Loaded, bool, error)
	DeletePage(ctx context.Context, surveyID string, index int) (workflow.Loaded, bool, error)
	Generate(ctx context.Context, surveyID string, in workflow.GenerateInput) (workflow.Snapshot, error)
	Approve(ctx context.Context, surveyID string) (workflow.Snapshot, error)
	Reject(ctx context.Context, surveyID, feedback string) (workflow.Snapshot, error)
	Reset(surveyID string) (workflow.Snapshot, error)
	Snapshot(surveyID string) (workflow.Snapshot, error)
}

type PDFRenderer interface {
	Render(ctx context.Context, name string, st survey.Structure) ([]byte, error)
}

type Options struct {
	Logger *slog.Logger
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	// PDF renders format=pdf exports; nil answers 501.
	PDF PDFRenderer
}

type Server struct {
	flow   Workflow
	logger *slog.Logger
	pdf    PDFRenderer
}

func NewServer(flow Workflow, opts Options) http.Handler {
	s := &Server{flow: flow, logger: opts.Logger, pdf: opts.PDF}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/surveys", s.handleListSurveys)
	mux.HandleFunc("POST /v1/surveys", s.handleCreateSurvey)
	mux.HandleFunc("GET /v1/surveys/{id}", s.handleGetSurvey)
	mux.HandleFunc("PUT /v1/surveys/{id}/structure", s.handleUpdateStructure)
	mux.HandleFunc("DELETE /v1/surveys/{id}/pages/{index}", s.handleDeletePage)
	mux.HandleFunc("GET /v1/surveys/{id}/plan", s.handleGetPlan)
	mux.HandleFunc("POST /v1/surveys/{id}/plan", s.handleGeneratePlan)
	mux.HandleFunc("POST /v1/surveys/{id}/plan/approve", s.handleApprovePlan)
	mux.HandleFunc("POST /v1/surveys/{id}/plan/reject", s.handleRejectPlan)
	mux.HandleFunc("POST /v1/surveys/{id}/plan/reset", s.handleResetPlan)
	mux.HandleFunc("GET /v1/surveys/{id}/export", s.handleExport)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListSurveys(w http.ResponseWriter, r *http.Request) {
	surveys, degraded, err := s.flow.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if surveys == nil {
		surveys = []survey.Survey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"surveys": surveys, "degraded": degraded})
}

func (s *Server) handleCreateSurvey(w http.ResponseWriter, r *http.Request) {
	var in survey.NewSurvey
	if !decodeBody(w, r, &in) {
		return
	}
	rec, err := s.flow.CreateSurvey(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":     true,
		"survey": rec,
		"local":  workflow.IsLocal(rec.ID),
	})
}

func (s *Server) handleGetSurvey(w http.ResponseWriter, r *http.Request) {
	loaded, err := s.flow.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loaded)
}

// handleUpdateStructure accepts any structure shape the normalizer knows.
func (s *Server) handleUpdateStructure(w http.ResponseWriter, r *http.Request) {
	blob, err := readBody(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "could not read body", false)
		return
	}
	st, err := normalize.Normalize(blob)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_structure", "structure is not in a recognized shape", false)
		return
	}
	loaded, persisted, err := s.flow.UpdateStructure(r.Context(), r.PathValue("id"), st)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "persisted": persisted, "survey": loaded.Survey, "source": loaded.Source})
}

func (s *Server) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "page index must be an integer", false)
		return
	}
	loaded, persisted, err := s.flow.DeletePage(r.Context(), r.PathValue("id"), index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "persisted": persisted, "survey": loaded.Survey, "source": loaded.Source})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	snap, err := s.flow.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGeneratePlan(w http.ResponseWriter, r *http.Request) {
	var in workflow.GenerateInput
	if !decodeBody(w, r, &in) {
		return
	}
	s.respondSnapshot(w, r, func(ctx context.Context, id string) (workflow.Snapshot, error) {
		return s.flow.Generate(ctx, id, in)
	})
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, s.flow.Approve)
}

func (s *Server) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feedback string `json:"feedback"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.respondSnapshot(w, r, func(ctx context.Context, id string) (workflow.Snapshot, error) {
		return s.flow.Reject(ctx, id, body.Feedback)
	})
}

func (s *Server) handleResetPlan(w http.ResponseWriter, r *http.Request) {
	s.respondSnapshot(w, r, func(_ context.Context, id string) (workflow.Snapshot, error) {
		return s.flow.Reset(id)
	})
}

// respondSnapshot runs a plan operation. A failed operation still reports
// the session so the caller sees the last good plan next to the error.
func (s *Server) respondSnapshot(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (workflow.Snapshot, error)) {
	id := r.PathValue("id")
	snap, err := op(r.Context(), id)
	if err != nil {
		status, payload := s.errorResponse(err)
		if current, serr := s.flow.Snapshot(id); serr == nil {
			payload["session"] = current
		}
		writeJSON(w, status, payload)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	loaded, err := s.flow.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec := loaded.Survey
	if rec.Structure == nil {
		writeErrorBody(w, http.StatusNotFound, "not_found", "survey has no structure yet", false)
		return
	}

	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case "", "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, export.Markdown(rec.Name, *rec.Structure))
	case "html":
		doc, err := export.HTML(rec.Name, *rec.Structure)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, doc)
	case "pdf":
		if s.pdf == nil {
			writeErrorBody(w, http.StatusNotImplemented, "pdf_unavailable", "PDF export is not configured", false)
			return
		}
		pdf, err := s.pdf.Render(r.Context(), rec.Name, *rec.Structure)
		if err != nil {
			s.logger.Error("pdf export failed", "survey_id", rec.ID, "error", err)
			writeErrorBody(w, http.StatusBadGateway, "pdf_failed", "PDF rendering failed", true)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="survey-`+rec.ID+`.pdf"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pdf)
	default:
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "format must be md, html or pdf", false)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, payload := s.errorResponse(err)
	writeJSON(w, status, payload)
}

// errorResponse maps err onto a status and the {"ok":false,"error":{...}}
// envelope.
func (s *Server) errorResponse(err error) (int, map[string]any) {
	if pe, ok := planerr.As(err); ok {
		status := http.StatusBadGateway
		switch pe.Kind {
		case planerr.KindMaxAttemptsReached:
			status = http.StatusUnprocessableEntity
		case planerr.KindStoreUnavailable:
			status = http.StatusServiceUnavailable
		}
		body := map[string]any{
			"code":      string(pe.Kind),
			"message":   pe.UserMessage(),
			"transient": pe.Transient(),
		}
		if pe.Kind == planerr.KindMaxAttemptsReached {
			body["current_attempt"] = pe.CurrentAttempt
			body["max_attempts"] = pe.MaxAttempts
		}
		if status >= 500 {
			s.logger.Warn("request failed", "kind", pe.Kind, "error", err)
		}
		return status, map[string]any{"ok": false, "error": body}
	}

	status, code, transient := http.StatusInternalServerError, "internal", true
	switch {
	case isInvalidInput(err):
		status, code, transient = http.StatusBadRequest, "invalid_request", false
	case errors.Is(err, store.ErrNotFound), errors.Is(err, workflow.ErrNoSession):
		status, code, transient = http.StatusNotFound, "not_found", false
	case errors.Is(err, workflow.ErrBusy), errors.Is(err, workflow.ErrSuperseded):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, workflow.ErrInvalidTransition):
		status, code, transient = http.StatusConflict, "invalid_transition", false
	default:
		s.logger.Error("request failed", "error", err)
	}
	return status, errorBody(code, err.Error(), transient)
}

var invalidInput = []error{
	workflow.ErrSurveyIDRequired,
	workflow.ErrPromptRequired,
	workflow.ErrFeedbackRequired,
	workflow.ErrUnsupportedMode,
	survey.ErrNameRequired,
	survey.ErrInvalidLanguage,
	survey.ErrInvalidCollectionMode,
	survey.ErrInvalidStatus,
	survey.ErrNoSections,
	survey.ErrEmptySection,
	survey.ErrEmptyQuestion,
	survey.ErrLastPage,
	survey.ErrPageOutOfBounds,
}

func isInvalidInput(err error) bool {
	for _, target := range invalidInput {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func errorBody(code, message string, transient bool) map[string]any {
	return map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      code,
			"message":   message,
			"transient": transient,
		},
	}
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string, transient bool) {
	writeJSON(w, status, errorBody(code, message, transient))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	blob, err := readBody(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "could not read body", false)
		return false
	}
	if err := json.Unmarshal(blob, dst); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_json", err.Error(), false)
		return false
	}
	return true
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
