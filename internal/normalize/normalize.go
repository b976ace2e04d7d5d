// Package normalize reconciles the survey shapes returned by the planner,
// the generate-validate-fix step and the fast backend into one canonical
// survey.Structure.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/survey"
)

type rule struct {
	name string
	try  func(object) (survey.Structure, bool)
}

// rules are tried in order; the first that yields a valid structure wins.
var rules = []rule{
	{name: "sections", try: fromSectionsRoot},
	{name: "rendered_pages", try: fromRenderedPagesRoot},
	{name: "generated_questions.rendered_pages", try: fromNestedRenderedPages},
	{name: "generated_questions.record", try: fromKeyedRecord},
	{name: "plan.pages", try: fromPlanRoot},
	{name: "wrapped.sections", try: fromWrappedSections},
	{name: "data.rendered_pages", try: fromDataRenderedPages},
	{name: "questions", try: fromFlatQuestions},
}

var sectionWrappers = []string{"survey_plan", "surveyPlan", "plan", "data", "result"}

// Normalize decodes raw into a canonical structure, or fails with an
// invalid_plan_structure error carrying a snippet of the input.
func Normalize(raw []byte) (survey.Structure, error) {
	s, _, err := NormalizeRule(raw)
	return s, err
}

// Match reports which rule accepts raw.
func Match(raw []byte) (string, bool) {
	_, name, err := NormalizeRule(raw)
	return name, err == nil
}

// NormalizeValue marshals v and normalizes the result.
func NormalizeValue(v any) (survey.Structure, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return survey.Structure{}, planerr.InvalidPlanStructure([]byte(fmt.Sprintf("%v", v)))
	}
	return Normalize(raw)
}

// NormalizeRule is Normalize that also names the matching rule.
func NormalizeRule(raw []byte) (survey.Structure, string, error) {
	root, ok := asObject(raw)
	if !ok {
		return survey.Structure{}, "", planerr.InvalidPlanStructure(raw)
	}
	for _, r := range rules {
		if s, ok := r.try(root); ok {
			return s, r.name, nil
		}
	}
	return survey.Structure{}, "", planerr.InvalidPlanStructure(raw)
}

// FromRenderedPages maps a rendered_pages array (the generate-validate-fix
// output) to a structure.
func FromRenderedPages(pages json.RawMessage) (survey.Structure, error) {
	items, ok := asArray(pages)
	if !ok {
		return survey.Structure{}, planerr.InvalidPlanStructure(pages)
	}
	s, ok := accept(renderedSections(items), "")
	if !ok {
		return survey.Structure{}, planerr.InvalidPlanStructure(pages)
	}
	return s, nil
}

// FromGeneratedQuestions maps the generated_questions value of an approved
// thread, in either its rendered_pages or keyed-record form.
func FromGeneratedQuestions(gq json.RawMessage) (survey.Structure, error) {
	root := object{"generated_questions": gq}
	if s, ok := fromNestedRenderedPages(root); ok {
		return s, nil
	}
	if s, ok := fromKeyedRecord(root); ok {
		return s, nil
	}
	return survey.Structure{}, planerr.InvalidPlanStructure(gq)
}

// FromPlanPages maps plan pages of question specs using intent and
// options_hint only. It is the lowest-fidelity source of a structure.
func FromPlanPages(pages json.RawMessage) (survey.Structure, error) {
	items, ok := asArray(pages)
	if !ok {
		return survey.Structure{}, planerr.InvalidPlanStructure(pages)
	}
	s, ok := accept(planSections(items), "")
	if !ok {
		return survey.Structure{}, planerr.InvalidPlanStructure(pages)
	}
	return s, nil
}

func accept(sections []survey.Section, name string) (survey.Structure, bool) {
	s := survey.Structure{Sections: sections, SuggestedName: name}
	if s.Validate() != nil {
		return survey.Structure{}, false
	}
	return s, true
}

func suggestedName(o object) string {
	return o.str("suggestedName", "suggested_name")
}

func fromSectionsRoot(root object) (survey.Structure, bool) {
	items, ok := root.array("sections")
	if !ok || len(items) == 0 {
		return survey.Structure{}, false
	}
	return accept(canonicalSections(items), suggestedName(root))
}

func fromRenderedPagesRoot(root object) (survey.Structure, bool) {
	items, ok := root.array("rendered_pages")
	if !ok {
		return survey.Structure{}, false
	}
	return accept(renderedSections(items), suggestedName(root))
}

func fromNestedRenderedPages(root object) (survey.Structure, bool) {
	gq, ok := root.object("generated_questions")
	if !ok {
		return survey.Structure{}, false
	}
	if s, ok := fromRenderedPagesRoot(gq); ok {
		if s.SuggestedName == "" {
			s.SuggestedName = suggestedName(root)
		}
		return s, true
	}
	return survey.Structure{}, false
}

func fromKeyedRecord(root object) (survey.Structure, bool) {
	raw, ok := root.get("generated_questions")
	if !ok {
		return survey.Structure{}, false
	}
	values, ok := orderedValues(raw)
	if !ok || len(values) == 0 {
		return survey.Structure{}, false
	}
	first, ok := asObject(values[0])
	if !ok {
		return survey.Structure{}, false
	}
	if _, ok := first.array("questions"); !ok {
		return survey.Structure{}, false
	}
	return accept(renderedSections(values), suggestedName(root))
}

func fromPlanRoot(root object) (survey.Structure, bool) {
	plan, ok := root.object("plan")
	if !ok {
		return survey.Structure{}, false
	}
	pages, ok := plan.array("pages")
	if !ok {
		return survey.Structure{}, false
	}
	name := plan.str("title")
	if name == "" {
		name = suggestedName(root)
	}
	return accept(planSections(pages), name)
}

func fromWrappedSections(root object) (survey.Structure, bool) {
	for _, key := range sectionWrappers {
		inner, ok := root.object(key)
		if !ok {
			continue
		}
		if s, ok := fromSectionsRoot(inner); ok {
			if s.SuggestedName == "" {
				s.SuggestedName = suggestedName(root)
			}
			return s, true
		}
	}
	return survey.Structure{}, false
}

func fromDataRenderedPages(root object) (survey.Structure, bool) {
	data, ok := root.object("data")
	if !ok {
		return survey.Structure{}, false
	}
	if s, ok := fromRenderedPagesRoot(data); ok {
		return s, true
	}
	return fromNestedRenderedPages(data)
}

func fromFlatQuestions(root object) (survey.Structure, bool) {
	if _, has := root["sections"]; has {
		return survey.Structure{}, false
	}
	items, ok := root.array("questions")
	if !ok {
		return survey.Structure{}, false
	}
	title := root.str("title")
	if title == "" {
		title = "Survey Questions"
	}
	var qs []survey.Question
	for _, item := range items {
		if q, ok := decodeQuestion(item, canonicalKeys); ok {
			qs = append(qs, q)
		}
	}
	name := suggestedName(root)
	if name == "" {
		name = root.str("title")
	}
	return accept([]survey.Section{{Title: title, Questions: qs}}, name)
}

func pageTitle(o object, n int, keys ...string) string {
	if t := o.str(keys...); t != "" {
		return t
	}
	return fmt.Sprintf("Page %d", n)
}

func canonicalSections(items []json.RawMessage) []survey.Section {
	return sections(items, []string{"title", "name"}, "questions", canonicalKeys)
}

func renderedSections(items []json.RawMessage) []survey.Section {
	return sections(items, []string{"name", "title"}, "questions", renderedKeys)
}

func planSections(items []json.RawMessage) []survey.Section {
	return sections(items, []string{"name", "title"}, "question_specs", specKeys)
}

func sections(items []json.RawMessage, titleKeys []string, listKey string, keys questionKeys) []survey.Section {
	var out []survey.Section
	for i, item := range items {
		page, ok := asObject(item)
		if !ok {
			continue
		}
		list, _ := page.array(listKey)
		var qs []survey.Question
		for _, raw := range list {
			if q, ok := decodeQuestion(raw, keys); ok {
				qs = append(qs, q)
			}
		}
		if len(qs) == 0 {
			continue
		}
		out = append(out, survey.Section{Title: pageTitle(page, i+1, titleKeys...), Questions: qs})
	}
	return out
}

// questionKeys lists alias fields in precedence order for each question
// attribute of a given source shape.
type questionKeys struct {
	text    []string
	typ     []string
	options []string
}

var (
	canonicalKeys = questionKeys{
		text:    []string{"text", "question_text"},
		typ:     []string{"type", "question_type"},
		options: []string{"options"},
	}
	renderedKeys = questionKeys{
		text:    []string{"question_text", "text"},
		typ:     []string{"question_type", "type"},
		options: []string{"options"},
	}
	specKeys = questionKeys{
		text:    []string{"intent", "question_text", "text"},
		typ:     []string{"question_type", "type"},
		options: []string{"options_hint", "options"},
	}
)

func decodeQuestion(raw json.RawMessage, keys questionKeys) (survey.Question, bool) {
	o, ok := asObject(raw)
	if !ok {
		return survey.Question{}, false
	}
	text := o.str(keys.text...)
	if text == "" {
		return survey.Question{}, false
	}
	q := survey.Question{
		Text:       text,
		Type:       survey.CanonicalType(o.str(keys.typ...)),
		Required:   o.boolPtr("required"),
		SpecID:     o.str("spec_id"),
		Scale:      o.raw("scale"),
		Validation: o.raw("validation"),
		SkipLogic:  o.raw("skip_logic"),
	}
	if survey.IsChoiceType(q.Type) {
		for _, k := range keys.options {
			if _, has := o.get(k); has {
				q.Options = options(o, k)
				break
			}
		}
	}
	return q, true
}

// options coerces an option list to strings; an empty result is nil.
func options(o object, key string) []string {
	items, ok := o.array(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := scalarText(item); ok {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
			continue
		}
		if obj, ok := asObject(item); ok {
			if s := obj.str("text", "label", "value"); s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
