package plannerdev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joelkehle/survey-planner/internal/planner"
	"github.com/joelkehle/survey-planner/internal/survey"
)

const systemPrompt = "You are a survey methodologist who designs concise, unbiased questionnaires. Respond with strict JSON only."

const maxContentAttempts = 3

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

// AnthropicDrafter asks Claude for plans and renderings.
type AnthropicDrafter struct {
	messages AnthropicMessager
	model    anthropic.Model
	sleep    func(time.Duration)
}

func NewAnthropicDrafter(apiKey, model string) (*AnthropicDrafter, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return NewAnthropicDrafterWithMessager(newAnthropicClient(apiKey), model), nil
}

func NewAnthropicDrafterWithMessager(m AnthropicMessager, model string) *AnthropicDrafter {
	d := &AnthropicDrafter{messages: m, model: anthropic.ModelClaudeSonnet4_20250514, sleep: time.Sleep}
	if model = strings.TrimSpace(model); model != "" {
		d.model = anthropic.Model(model)
	}
	return d
}

func (d *AnthropicDrafter) Draft(ctx context.Context, req planner.PlanRequest, feedback []string) (planner.Plan, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Design a survey plan.\nBrief: %s\n", req.Prompt)
	if req.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", req.Title)
	}
	if req.Type != "" {
		fmt.Fprintf(&sb, "Survey type: %s\n", req.Type)
	}
	if req.Language != "" {
		fmt.Fprintf(&sb, "Language: %s\n", req.Language)
	}
	if req.NumQuestions > 0 {
		fmt.Fprintf(&sb, "Target question count: %d\n", req.NumQuestions)
	}
	if req.NumPages > 0 {
		fmt.Fprintf(&sb, "Target page count: %d\n", req.NumPages)
	}
	if len(feedback) > 0 {
		sb.WriteString("\nA reviewer rejected earlier drafts. Address every point:\n")
		for _, fb := range feedback {
			fmt.Fprintf(&sb, "- %s\n", fb)
		}
	}
	sb.WriteString("\nSchema: {\"title\": string, \"pages\": [{\"name\": string, \"question_specs\": [{\"spec_id\": string, \"question_type\": string, \"intent\": string, \"required\": bool, \"options_hint\": [string]}]}], \"plan_rationale\": string}\n")
	fmt.Fprintf(&sb, "question_type is one of: %s.\n", strings.Join(questionTypes(), ", "))

	var plan planner.Plan
	err := d.generate(ctx, "draft", sb.String(), &plan, func() error {
		if len(plan.Pages) == 0 {
			return errors.New("pages must not be empty")
		}
		for i, pg := range plan.Pages {
			if len(pg.QuestionSpecs) == 0 {
				return fmt.Errorf("page %d has no question_specs", i+1)
			}
			for j, spec := range pg.QuestionSpecs {
				if strings.TrimSpace(spec.Intent) == "" {
					return fmt.Errorf("page %d question %d has no intent", i+1, j+1)
				}
			}
		}
		return nil
	})
	if err != nil {
		return planner.Plan{}, err
	}
	// Drop the model's raw document so the typed fields are what gets served.
	plan.Raw = nil
	if plan.Title == "" {
		plan.Title = planTitle(req)
	}
	plan.Type, plan.Language = req.Type, req.Language
	plan.FinalPageCount = len(plan.Pages)
	plan.FinalQuestionCount = plan.QuestionCount()
	plan.EstimatedQuestionCount = plan.FinalQuestionCount
	return plan, nil
}

func (d *AnthropicDrafter) Render(ctx context.Context, plan planner.Plan) ([]RenderedPage, error) {
	specs, err := json.Marshal(plan.Pages)
	if err != nil {
		return nil, err
	}
	prompt := "Write the final wording for each question spec in this approved survey plan. Keep page order, spec_id and question_type.\n" +
		"Plan pages:\n" + string(specs) + "\n" +
		"Schema: {\"rendered_pages\": [{\"name\": string, \"questions\": [{\"spec_id\": string, \"question_text\": string, \"question_type\": string, \"options\": [string], \"required\": bool}]}]}"

	var out struct {
		RenderedPages []RenderedPage `json:"rendered_pages"`
	}
	err = d.generate(ctx, "render", prompt, &out, func() error {
		if len(out.RenderedPages) == 0 {
			return errors.New("rendered_pages must not be empty")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.RenderedPages, nil
}

func (d *AnthropicDrafter) call(ctx context.Context, prompt string) (string, error) {
	resp, err := d.messages.New(ctx, anthropic.MessageNewParams{
		Model:       d.model,
		MaxTokens:   4096,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0.2),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// generate runs prompt until the reply decodes into out and passes validate,
// feeding the previous problem back into the next attempt.
func (d *AnthropicDrafter) generate(ctx context.Context, stage, prompt string, out any, validate func() error) error {
	feedback := ""
	for attempt := 1; attempt <= maxContentAttempts; attempt++ {
		full := prompt + "\n\nRespond with only valid JSON matching the schema."
		if feedback != "" {
			full += "\n\n" + feedback
		}

		raw, err := d.call(ctx, full)
		if err != nil {
			if retryableTransport(err) && attempt < maxContentAttempts {
				d.sleep(backoffDelay(attempt))
				continue
			}
			return fmt.Errorf("%s transport failure: %w", stage, err)
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			feedback = "Your previous response was empty. Respond with valid JSON."
			continue
		}
		if err := json.Unmarshal([]byte(stripCodeFences(raw)), out); err != nil {
			feedback = "Your previous response was not valid JSON. Respond with only valid JSON."
			continue
		}
		if err := validate(); err != nil {
			feedback = fmt.Sprintf("Your response failed validation: %s. Fix these issues.", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%s failed after %d attempts: %s", stage, maxContentAttempts, feedback)
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func retryableTransport(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "server error")
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}

func questionTypes() []string {
	return []string{
		survey.TypeRadio, survey.TypeCheckboxList, survey.TypeDropdownList, survey.TypeRank,
		survey.TypeScale, survey.TypeStarRating, survey.TypeTextField, survey.TypeTextArea,
		survey.TypeNumber, survey.TypeEmail,
	}
}
