// Package fast calls the external single-shot survey generator. Its
// responses arrive in assorted envelopes and are normalized here; there is
// no offline fallback.
package fast

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joelkehle/survey-planner/internal/normalize"
	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/planner"
	"github.com/joelkehle/survey-planner/internal/survey"
)

const Path = "/survey-plan/fast"

var ErrPromptRequired = errors.New("prompt is required")

type Client struct {
	fetch  planner.Doer
	logger *slog.Logger
}

func NewClient(fetch planner.Doer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{fetch: fetch, logger: logger}
}

// GenerateFast requests a complete survey in one call. A response that
// matches no known shape fails as malformed with a snippet of the body.
func (c *Client) GenerateFast(ctx context.Context, req planner.PlanRequest) (survey.Structure, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return survey.Structure{}, ErrPromptRequired
	}
	raw, err := c.fetch.Do(ctx, http.MethodPost, Path, req)
	if err != nil {
		return survey.Structure{}, err
	}
	s, rule, err := normalize.NormalizeRule(raw)
	if err != nil {
		c.logger.Warn("fast backend returned an unrecognised shape", "bytes", len(raw))
		return survey.Structure{}, planerr.MalformedResponse("fast backend response matched no survey shape", raw)
	}
	c.logger.Debug("fast backend response normalized", "rule", rule, "sections", len(s.Sections), "questions", s.QuestionCount())
	return s, nil
}
