// Package planner is the client for the remote survey-plan service.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/joelkehle/survey-planner/internal/planerr"
)

// MaxAttemptsCode is the error code the service uses when a thread cannot
// be regenerated again.
const MaxAttemptsCode = "MAX_PLAN_ATTEMPTS_REACHED"

var (
	ErrFeedbackRequired = errors.New("feedback is required to reject a plan")
	ErrThreadIDRequired = errors.New("thread id is required")
)

// Doer performs one JSON request against the planner service.
type Doer interface {
	Do(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

type Client struct {
	fetch  Doer
	logger *slog.Logger
}

func NewClient(fetch Doer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{fetch: fetch, logger: logger}
}

func (c *Client) CreatePlan(ctx context.Context, req PlanRequest) (CreatePlanResult, error) {
	raw, err := c.fetch.Do(ctx, http.MethodPost, "/survey-plan", req)
	if err != nil {
		return CreatePlanResult{}, err
	}
	env, err := parseEnvelope(raw)
	if err != nil {
		return CreatePlanResult{}, err
	}
	var out CreatePlanResult
	if err := env.decode("thread_id", &out.ThreadID); err != nil {
		return CreatePlanResult{}, err
	}
	if strings.TrimSpace(out.ThreadID) == "" {
		return CreatePlanResult{}, planerr.MalformedResponse("empty thread_id", raw)
	}
	_ = env.decodeOptional("message", &out.Message)
	return out, nil
}

func (c *Client) GetPlan(ctx context.Context, threadID string) (PlanThread, error) {
	if strings.TrimSpace(threadID) == "" {
		return PlanThread{}, ErrThreadIDRequired
	}
	raw, err := c.fetch.Do(ctx, http.MethodGet, threadPath(threadID, ""), nil)
	if err != nil {
		return PlanThread{}, err
	}
	return decodeThread(raw)
}

// ApprovePlan marks the thread approved; the returned thread carries the
// rendered generated_questions when the service provides them.
func (c *Client) ApprovePlan(ctx context.Context, threadID string) (PlanThread, error) {
	if strings.TrimSpace(threadID) == "" {
		return PlanThread{}, ErrThreadIDRequired
	}
	raw, err := c.fetch.Do(ctx, http.MethodPost, threadPath(threadID, "/approve"), json.RawMessage(`{}`))
	if err != nil {
		return PlanThread{}, err
	}
	return decodeThread(raw)
}

// RejectPlan asks for a regenerated plan. A refusal because the thread has
// used all its attempts is returned as a max_attempts_reached error.
func (c *Client) RejectPlan(ctx context.Context, threadID, feedback string) (PlanThread, error) {
	if strings.TrimSpace(threadID) == "" {
		return PlanThread{}, ErrThreadIDRequired
	}
	if strings.TrimSpace(feedback) == "" {
		return PlanThread{}, ErrFeedbackRequired
	}
	body := map[string]string{"feedback": feedback}
	raw, err := c.fetch.Do(ctx, http.MethodPost, threadPath(threadID, "/reject"), body)
	if err != nil {
		if maxErr, ok := maxAttempts(err); ok {
			c.logger.Info("plan reject refused", "thread_id", threadID, "attempt", maxErr.CurrentAttempt, "max_attempts", maxErr.MaxAttempts)
			return PlanThread{}, maxErr
		}
		return PlanThread{}, err
	}
	return decodeThread(raw)
}

func (c *Client) GenerateValidateFix(ctx context.Context, threadID string, autoFix bool) (GVFResult, error) {
	if strings.TrimSpace(threadID) == "" {
		return GVFResult{}, ErrThreadIDRequired
	}
	path := threadPath(threadID, fmt.Sprintf("/generate-validate-fix?auto_fix=%t", autoFix))
	raw, err := c.fetch.Do(ctx, http.MethodPost, path, json.RawMessage(`{}`))
	if err != nil {
		return GVFResult{}, err
	}
	env, err := parseEnvelope(raw)
	if err != nil {
		return GVFResult{}, err
	}
	var out GVFResult
	if err := env.decode("thread_id", &out.ThreadID); err != nil {
		return GVFResult{}, err
	}
	if v, ok := env.field("rendered_pages"); ok {
		out.RenderedPages = v
	}
	for name, dst := range map[string]any{"validation": &out.Validation, "saved": &out.Saved, "error": &out.Error} {
		if err := env.decodeOptional(name, dst); err != nil {
			return GVFResult{}, err
		}
	}
	return out, nil
}

func threadPath(threadID, suffix string) string {
	return "/survey-plan/" + url.PathEscape(threadID) + suffix
}

func decodeThread(raw json.RawMessage) (PlanThread, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return PlanThread{}, err
	}
	var t PlanThread
	required := []struct {
		name string
		dst  any
	}{
		{"thread_id", &t.ThreadID},
		{"plan", &t.Plan},
		{"approval_status", &t.ApprovalStatus},
		{"attempt", &t.Attempt},
		{"version", &t.Version},
	}
	for _, f := range required {
		if err := env.decode(f.name, f.dst); err != nil {
			return PlanThread{}, err
		}
	}
	if v, ok := env.field("generated_questions"); ok {
		t.GeneratedQuestions = v
	}
	if err := env.decodeOptional("max_attempts", &t.MaxAttempts); err != nil {
		return PlanThread{}, err
	}
	if err := env.decodeOptional("message", &t.Message); err != nil {
		return PlanThread{}, err
	}
	return t, nil
}

// maxAttempts recognises the structured refusal in a 400 response body.
// The code may sit under detail, error, or at the root.
func maxAttempts(err error) (*planerr.Error, bool) {
	pe, ok := planerr.As(err)
	if !ok || pe.Kind != planerr.KindRemoteError || pe.Status != http.StatusBadRequest {
		return nil, false
	}
	var body map[string]json.RawMessage
	if json.Unmarshal([]byte(pe.Body), &body) != nil {
		return nil, false
	}
	type refusal struct {
		ErrorCode      string `json:"error_code"`
		CurrentAttempt int    `json:"current_attempt"`
		MaxAttempts    int    `json:"max_attempts"`
	}
	candidates := []json.RawMessage{body["detail"], body["error"]}
	if whole, err := json.Marshal(body); err == nil {
		candidates = append(candidates, whole)
	}
	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		var r refusal
		if json.Unmarshal(raw, &r) != nil {
			continue
		}
		if r.ErrorCode == MaxAttemptsCode {
			return planerr.MaxAttemptsReached(r.CurrentAttempt, r.MaxAttempts), true
		}
	}
	return nil, false
}

// envelope resolves a field from a data wrapper first, then the root.
type envelope struct {
	raw  json.RawMessage
	root map[string]json.RawMessage
	data map[string]json.RawMessage
}

func parseEnvelope(raw json.RawMessage) (envelope, error) {
	env := envelope{raw: raw}
	if err := json.Unmarshal(raw, &env.root); err != nil || env.root == nil {
		return envelope{}, planerr.MalformedResponse("response is not a JSON object", raw)
	}
	if d, ok := env.root["data"]; ok {
		_ = json.Unmarshal(d, &env.data)
	}
	return env, nil
}

func (e envelope) field(name string) (json.RawMessage, bool) {
	if v, ok := e.data[name]; ok && !isNull(v) {
		return v, true
	}
	if v, ok := e.root[name]; ok && !isNull(v) {
		return v, true
	}
	return nil, false
}

func (e envelope) decode(name string, dst any) error {
	v, ok := e.field(name)
	if !ok {
		return planerr.MalformedResponse(fmt.Sprintf("missing required field %q", name), e.raw)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return planerr.MalformedResponse(fmt.Sprintf("field %q: %v", name, err), e.raw)
	}
	return nil
}

func (e envelope) decodeOptional(name string, dst any) error {
	if _, ok := e.field(name); !ok {
		return nil
	}
	return e.decode(name, dst)
}

func isNull(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s == "" || s == "null"
}
