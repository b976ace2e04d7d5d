package workflow

import (
	"context"
	"errors"
	"sort"

	"github.com/joelkehle/survey-planner/internal/store"
	"github.com/joelkehle/survey-planner/internal/survey"
)

// Record sources reported by Load.
const (
	FromStore  = "store"
	FromMirror = "mirror"
	FromLocal  = "local"
)

type Loaded struct {
	Survey survey.Survey `json:"survey"`
	Source string        `json:"source"`
}

// persist writes st to the store and, regardless of the outcome, to the
// mirror. It reports whether the store write succeeded.
func (e *Engine) persist(ctx context.Context, surveyID string, st survey.Structure) bool {
	persisted := false
	if IsLocal(surveyID) {
		e.mu.Lock()
		if rec, ok := e.locals[surveyID]; ok {
			survey.Patch{Structure: &st}.Apply(&rec, e.now().UTC())
			e.locals[surveyID] = rec
		}
		e.mu.Unlock()
	} else if _, err := e.store.Update(ctx, surveyID, survey.Patch{Structure: &st}); err != nil {
		e.logger.Warn("survey store update failed, structure kept in mirror", "survey_id", surveyID, "error", err)
		e.metrics.StoreFallback("update")
	} else {
		persisted = true
	}
	if e.mirror != nil {
		if err := e.mirror.Write(surveyID, st); err != nil {
			e.logger.Warn("mirror write failed", "survey_id", surveyID, "error", err)
		}
	}
	return persisted
}

// Load returns the survey for the builder. The store is authoritative when
// it answers with a structure; the mirror is consulted only when the store
// fails or has no structure.
func (e *Engine) Load(ctx context.Context, surveyID string) (Loaded, error) {
	if surveyID == "" {
		return Loaded{}, ErrSurveyIDRequired
	}
	var (
		rec      survey.Survey
		storeErr error
	)
	if IsLocal(surveyID) {
		storeErr = store.ErrNotFound
	} else {
		rec, storeErr = e.store.Get(ctx, surveyID)
	}
	if storeErr == nil && rec.Structure != nil {
		return Loaded{Survey: rec, Source: FromStore}, nil
	}
	if storeErr != nil {
		e.logger.Warn("survey store read failed, trying local copies", "survey_id", surveyID, "error", storeErr)
	}

	source := FromStore
	if storeErr != nil {
		e.mu.Lock()
		local, ok := e.locals[surveyID]
		e.mu.Unlock()
		if ok {
			rec, source = local, FromLocal
		} else {
			rec = survey.Survey{ID: surveyID}
		}
	}
	if e.mirror != nil {
		if st, ok := e.mirror.Read(surveyID); ok {
			if storeErr != nil && source != FromLocal {
				rec.Name = st.SuggestedName
			}
			rec.Structure = &st
			return Loaded{Survey: rec, Source: FromMirror}, nil
		}
	}
	if storeErr != nil && source != FromLocal {
		return Loaded{}, storeErr
	}
	return Loaded{Survey: rec, Source: source}, nil
}

// UpdateStructure replaces the structure after an edit in the builder.
func (e *Engine) UpdateStructure(ctx context.Context, surveyID string, st survey.Structure) (Loaded, bool, error) {
	if surveyID == "" {
		return Loaded{}, false, ErrSurveyIDRequired
	}
	if err := st.Validate(); err != nil {
		return Loaded{}, false, err
	}
	persisted := e.persist(ctx, surveyID, st)

	e.mu.Lock()
	if s, ok := e.sessions[surveyID]; ok && !s.busy {
		s.setStructure(st, SourceEdit, persisted)
	}
	e.mu.Unlock()

	loaded, err := e.Load(ctx, surveyID)
	if err != nil {
		return Loaded{}, persisted, err
	}
	return loaded, persisted, nil
}

// DeletePage removes one page; the last page cannot be removed.
func (e *Engine) DeletePage(ctx context.Context, surveyID string, index int) (Loaded, bool, error) {
	loaded, err := e.Load(ctx, surveyID)
	if err != nil {
		return Loaded{}, false, err
	}
	if loaded.Survey.Structure == nil {
		return Loaded{}, false, survey.ErrNoSections
	}
	next, err := loaded.Survey.Structure.WithoutPage(index)
	if err != nil {
		return Loaded{}, false, err
	}
	return e.UpdateStructure(ctx, surveyID, next)
}

// List returns stored surveys plus any kept locally. degraded is true when
// the store could not be listed and only local records are returned.
func (e *Engine) List(ctx context.Context) (surveys []survey.Survey, degraded bool, err error) {
	stored, err := e.store.List(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, false, err
		}
		e.logger.Warn("survey store list failed, returning local records", "error", err)
		e.metrics.StoreFallback("list")
		degraded = true
	}
	e.mu.Lock()
	out := append([]survey.Survey(nil), stored...)
	for _, rec := range e.locals {
		out = append(out, rec)
	}
	e.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, degraded, nil
}
