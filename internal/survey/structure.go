package survey

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Question types understood by the builder.
const (
	TypeScale         = "scale"
	TypeRadio         = "radio"
	TypeTextField     = "text_field"
	TypeTextArea      = "text_area"
	TypeCheckbox      = "checkbox"
	TypeCheckboxList  = "checkbox_list"
	TypeDropdownList  = "dropdown_list"
	TypeStarRating    = "star_rating"
	TypeEmojiQuestion = "emoji_question"
	TypeRank          = "rank"
	TypeNumber        = "number"
	TypeEmail         = "email"
)

var knownTypes = map[string]struct{}{
	TypeScale: {}, TypeRadio: {}, TypeTextField: {}, TypeTextArea: {},
	TypeCheckbox: {}, TypeCheckboxList: {}, TypeDropdownList: {}, TypeStarRating: {},
	TypeEmojiQuestion: {}, TypeRank: {}, TypeNumber: {}, TypeEmail: {},
}

// legacyAliases maps older type names onto the current vocabulary.
var legacyAliases = map[string]string{
	"rating": TypeStarRating,
	"text":   TypeTextArea,
	"choice": TypeRadio,
}

var (
	ErrNoSections      = errors.New("structure has no sections")
	ErrEmptySection    = errors.New("section has no questions")
	ErrEmptyQuestion   = errors.New("question text is empty")
	ErrLastPage        = errors.New("cannot remove the only page")
	ErrPageOutOfBounds = errors.New("page index out of range")
)

// Structure is the canonical survey layout rendered by the builder and
// persisted on the survey record. Section order is page order.
type Structure struct {
	Sections      []Section `json:"sections"`
	SuggestedName string    `json:"suggestedName,omitempty"`
}

type Section struct {
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Question is one rendered question. Scale, Validation and SkipLogic are
// carried verbatim; nothing in this module interprets them except
// ScaleRange, which exists for display code.
type Question struct {
	Text       string          `json:"text"`
	Type       string          `json:"type"`
	Options    []string        `json:"options,omitempty"`
	Required   *bool           `json:"required,omitempty"`
	SpecID     string          `json:"spec_id,omitempty"`
	Scale      json.RawMessage `json:"scale,omitempty"`
	Validation json.RawMessage `json:"validation,omitempty"`
	SkipLogic  json.RawMessage `json:"skip_logic,omitempty"`
}

type ScaleLabels struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

type Scale struct {
	Min    float64      `json:"min"`
	Max    float64      `json:"max"`
	Labels *ScaleLabels `json:"labels,omitempty"`
}

// ScaleRange decodes the opaque scale payload. ok is false when the question
// carries no scale or the payload is not a {min,max} object.
func (q Question) ScaleRange() (Scale, bool) {
	if len(q.Scale) == 0 {
		return Scale{}, false
	}
	var probe struct {
		Min    *float64     `json:"min"`
		Max    *float64     `json:"max"`
		Labels *ScaleLabels `json:"labels"`
	}
	if err := json.Unmarshal(q.Scale, &probe); err != nil || probe.Min == nil || probe.Max == nil {
		return Scale{}, false
	}
	return Scale{Min: *probe.Min, Max: *probe.Max, Labels: probe.Labels}, true
}

// CanonicalType folds case and separators, resolves legacy aliases and
// falls back to text_field for anything outside the vocabulary.
func CanonicalType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	t = strings.NewReplacer(" ", "_", "-", "_").Replace(t)
	if alias, ok := legacyAliases[t]; ok {
		return alias
	}
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return TypeTextField
}

// IsChoiceType reports whether questions of type t carry options.
func IsChoiceType(t string) bool {
	switch CanonicalType(t) {
	case TypeRadio, TypeCheckbox, TypeCheckboxList, TypeDropdownList, TypeRank:
		return true
	}
	return false
}

// Validate enforces the display invariant: at least one section, every
// section has at least one question, every question has text.
func (s Structure) Validate() error {
	if len(s.Sections) == 0 {
		return ErrNoSections
	}
	for i, sec := range s.Sections {
		if len(sec.Questions) == 0 {
			return fmt.Errorf("section %d (%q): %w", i+1, sec.Title, ErrEmptySection)
		}
		for j, q := range sec.Questions {
			if strings.TrimSpace(q.Text) == "" {
				return fmt.Errorf("section %d question %d: %w", i+1, j+1, ErrEmptyQuestion)
			}
		}
	}
	return nil
}

func (s Structure) QuestionCount() int {
	n := 0
	for _, sec := range s.Sections {
		n += len(sec.Questions)
	}
	return n
}

// Clone returns a deep copy so callers can hand structures across
// ownership boundaries without aliasing slices.
func (s Structure) Clone() Structure {
	out := Structure{SuggestedName: s.SuggestedName}
	if s.Sections == nil {
		return out
	}
	out.Sections = make([]Section, len(s.Sections))
	for i, sec := range s.Sections {
		cp := Section{Title: sec.Title}
		if sec.Questions != nil {
			cp.Questions = make([]Question, len(sec.Questions))
			for j, q := range sec.Questions {
				cp.Questions[j] = q.clone()
			}
		}
		out.Sections[i] = cp
	}
	return out
}

func (q Question) clone() Question {
	cp := q
	if q.Options != nil {
		cp.Options = append([]string(nil), q.Options...)
	}
	if q.Required != nil {
		v := *q.Required
		cp.Required = &v
	}
	cp.Scale = cloneRaw(q.Scale)
	cp.Validation = cloneRaw(q.Validation)
	cp.SkipLogic = cloneRaw(q.SkipLogic)
	return cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// WithoutPage returns a copy with the section at index removed.
func (s Structure) WithoutPage(index int) (Structure, error) {
	if index < 0 || index >= len(s.Sections) {
		return Structure{}, fmt.Errorf("%w: %d", ErrPageOutOfBounds, index)
	}
	if len(s.Sections) == 1 {
		return Structure{}, ErrLastPage
	}
	out := s.Clone()
	out.Sections = append(out.Sections[:index], out.Sections[index+1:]...)
	return out, nil
}
