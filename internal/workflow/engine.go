// Package workflow drives a survey from metadata through plan generation,
// review, approval and persistence.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/survey-planner/internal/normalize"
	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/planner"
	"github.com/joelkehle/survey-planner/internal/store"
	"github.com/joelkehle/survey-planner/internal/survey"
	"github.com/joelkehle/survey-planner/internal/telemetry"
)

var (
	ErrSurveyIDRequired  = errors.New("survey id is required")
	ErrPromptRequired    = errors.New("prompt is required")
	ErrFeedbackRequired  = planner.ErrFeedbackRequired
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrBusy              = errors.New("a plan operation is already in progress for this survey")
	ErrSuperseded        = errors.New("result discarded because the survey moved on")
	ErrNoSession         = errors.New("no plan session for survey")
	ErrUnsupportedMode   = errors.New("operation is not available in this generation mode")
)

// LocalIDPrefix marks survey ids synthesized while the store was down.
const LocalIDPrefix = "local-"

func IsLocal(id string) bool { return strings.HasPrefix(id, LocalIDPrefix) }

type PlannerClient interface {
	CreatePlan(ctx context.Context, req planner.PlanRequest) (planner.CreatePlanResult, error)
	GetPlan(ctx context.Context, threadID string) (planner.PlanThread, error)
	ApprovePlan(ctx context.Context, threadID string) (planner.PlanThread, error)
	RejectPlan(ctx context.Context, threadID, feedback string) (planner.PlanThread, error)
	GenerateValidateFix(ctx context.Context, threadID string, autoFix bool) (planner.GVFResult, error)
}

type FastClient interface {
	GenerateFast(ctx context.Context, req planner.PlanRequest) (survey.Structure, error)
}

type Mirror interface {
	Write(surveyID string, structure survey.Structure) error
	Read(surveyID string) (survey.Structure, bool)
}

type Deps struct {
	Planner PlannerClient
	Fast    FastClient
	Store   store.Store
	Mirror  Mirror
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	NewID   func() string
	Now     func() time.Time
	// AutoFix is passed to generate-validate-fix after approval.
	AutoFix bool
}

type Engine struct {
	planner PlannerClient
	fast    FastClient
	store   store.Store
	mirror  Mirror
	logger  *slog.Logger
	metrics *telemetry.Metrics
	newID   func() string
	now     func() time.Time
	autoFix bool

	mu       sync.Mutex
	sessions map[string]*session
	locals   map[string]survey.Survey
}

func New(d Deps) *Engine {
	e := &Engine{
		planner:  d.Planner,
		fast:     d.Fast,
		store:    d.Store,
		mirror:   d.Mirror,
		logger:   d.Logger,
		metrics:  d.Metrics,
		newID:    d.NewID,
		now:      d.Now,
		autoFix:  d.AutoFix,
		sessions: make(map[string]*session),
		locals:   make(map[string]survey.Survey),
	}
	if e.store == nil {
		e.store = store.NewMemoryStore(d.Now)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

type GenerateInput struct {
	Mode    Mode                `json:"mode"`
	Request planner.PlanRequest `json:"request"`
}

// CreateSurvey stores a new survey and opens its plan session. When the
// store fails the survey is kept locally under a synthesized id so the
// wizard can continue.
func (e *Engine) CreateSurvey(ctx context.Context, in survey.NewSurvey) (survey.Survey, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return survey.Survey{}, err
	}
	rec, err := e.store.Create(ctx, in)
	if err != nil {
		e.logger.Warn("survey store create failed, continuing with a local record", "name", in.Name, "error", err)
		e.metrics.StoreFallback("create")
		now := e.now().UTC()
		rec = survey.Survey{
			ID:             LocalIDPrefix + e.newID(),
			Name:           in.Name,
			Language:       in.Language,
			CollectionMode: in.CollectionMode,
			Status:         in.Status,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		e.mu.Lock()
		e.locals[rec.ID] = rec
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := newSession(rec.ID)
	e.sessions[rec.ID] = s
	if err := e.transition(s, StateMetadataCollected); err != nil {
		return survey.Survey{}, err
	}
	return rec, nil
}

// Generate requests a plan (planner mode) or a finished structure (fast
// mode) and leaves the session awaiting review. On failure the session
// stays in plan_requested and keeps whatever it showed before.
func (e *Engine) Generate(ctx context.Context, surveyID string, in GenerateInput) (Snapshot, error) {
	if strings.TrimSpace(surveyID) == "" {
		return Snapshot{}, ErrSurveyIDRequired
	}
	if strings.TrimSpace(in.Request.Prompt) == "" {
		return Snapshot{}, ErrPromptRequired
	}
	mode := in.Mode
	if mode == "" {
		mode = ModePlanner
	}
	if (mode == ModePlanner && e.planner == nil) || (mode == ModeFast && e.fast == nil) || (mode != ModePlanner && mode != ModeFast) {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}

	epoch, err := e.begin(surveyID, StatePlanRequested, true, nil)
	if err != nil {
		return Snapshot{}, err
	}

	if mode == ModeFast {
		st, err := e.fast.GenerateFast(ctx, in.Request)
		return e.finish(surveyID, epoch, func(s *session) error {
			if err != nil {
				return err
			}
			s.startThread(ModeFast, "", nil)
			s.preview = &st
			return e.transition(s, StatePlanAwaitingReview)
		})
	}

	created, err := e.planner.CreatePlan(ctx, in.Request)
	if err != nil {
		return e.finish(surveyID, epoch, func(*session) error { return err })
	}
	thread, err := e.planner.GetPlan(ctx, created.ThreadID)
	if err != nil {
		return e.finish(surveyID, epoch, func(*session) error { return err })
	}
	preview, err := normalize.FromPlanPages(thread.Plan.PagesJSON())
	return e.finish(surveyID, epoch, func(s *session) error {
		if err != nil {
			return err
		}
		s.startThread(ModePlanner, created.ThreadID, &thread)
		s.preview = &preview
		return e.transition(s, StatePlanAwaitingReview)
	})
}

// Approve finalizes the reviewed plan and persists the resolved structure.
// In planner mode the structure comes from, in priority order, the
// generate-validate-fix rendering, the approved thread's generated
// questions, then the plan's own pages.
func (e *Engine) Approve(ctx context.Context, surveyID string) (Snapshot, error) {
	var (
		mode          Mode
		threadID      string
		held          planner.PlanThread
		preview       survey.Structure
		alreadyRemote bool
	)
	epoch, err := e.begin(surveyID, StatePlanApproved, false, func(s *session) error {
		if s.state == StateMaxAttemptsExceeded {
			return planerr.MaxAttemptsReached(s.attempt, s.maxAttempts)
		}
		mode, threadID = s.mode, s.threadID
		if s.thread != nil {
			held = *s.thread
		}
		if s.preview != nil {
			preview = s.preview.Clone()
		}
		alreadyRemote = s.state == StatePlanApproved
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	if mode == ModeFast {
		if err := e.stage(surveyID, epoch, nil); err != nil {
			return Snapshot{}, err
		}
		persisted := e.persist(ctx, surveyID, preview)
		return e.finish(surveyID, epoch, func(s *session) error {
			s.setStructure(preview, SourceFast, persisted)
			return e.transition(s, StatePersisted)
		})
	}

	thread := held
	if !alreadyRemote {
		approved, err := e.planner.ApprovePlan(ctx, threadID)
		if err != nil {
			return e.finish(surveyID, epoch, func(s *session) error {
				if terr := e.transition(s, StatePlanAwaitingReview); terr != nil {
					return errors.Join(err, terr)
				}
				return err
			})
		}
		thread = approved
		if err := e.stage(surveyID, epoch, func(s *session) { s.thread = &approved }); err != nil {
			return Snapshot{}, err
		}
	} else if refreshed, err := e.planner.GetPlan(ctx, threadID); err == nil {
		thread = refreshed
	} else {
		e.logger.Warn("refreshing approved plan failed, using held copy", "survey_id", surveyID, "thread_id", threadID, "error", err)
	}

	var gvf *planner.GVFResult
	if res, err := e.planner.GenerateValidateFix(ctx, threadID, e.autoFix); err != nil {
		e.logger.Warn("generate-validate-fix failed after approval", "survey_id", surveyID, "thread_id", threadID, "error", err)
	} else {
		gvf = &res
	}

	st, source, err := e.resolve(surveyID, gvf, thread)
	if err != nil {
		return e.finish(surveyID, epoch, func(s *session) error {
			s.thread = &thread
			return err
		})
	}
	if err := e.stage(surveyID, epoch, nil); err != nil {
		return Snapshot{}, err
	}
	persisted := e.persist(ctx, surveyID, st)
	return e.finish(surveyID, epoch, func(s *session) error {
		s.thread = &thread
		s.setStructure(st, source, persisted)
		return e.transition(s, StatePersisted)
	})
}

// Reject sends feedback and waits for a regenerated plan. A thread that
// has used all its attempts moves the session to max_attempts_exceeded,
// keeping the last plan for inspection.
func (e *Engine) Reject(ctx context.Context, surveyID, feedback string) (Snapshot, error) {
	if strings.TrimSpace(feedback) == "" {
		return Snapshot{}, ErrFeedbackRequired
	}
	var threadID string
	epoch, err := e.begin(surveyID, StatePlanRejected, false, func(s *session) error {
		if s.state == StateMaxAttemptsExceeded {
			return planerr.MaxAttemptsReached(s.attempt, s.maxAttempts)
		}
		if s.mode == ModeFast {
			return fmt.Errorf("%w: fast plans cannot be rejected", ErrUnsupportedMode)
		}
		threadID = s.threadID
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	thread, err := e.planner.RejectPlan(ctx, threadID, feedback)
	var preview survey.Structure
	if err == nil {
		preview, err = normalize.FromPlanPages(thread.Plan.PagesJSON())
	}
	return e.finish(surveyID, epoch, func(s *session) error {
		if pe, ok := planerr.As(err); ok && pe.Kind == planerr.KindMaxAttemptsReached {
			s.attempt, s.maxAttempts = pe.CurrentAttempt, pe.MaxAttempts
			if terr := e.transition(s, StateMaxAttemptsExceeded); terr != nil {
				return errors.Join(err, terr)
			}
			return err
		}
		if err != nil {
			if terr := e.transition(s, StatePlanAwaitingReview); terr != nil {
				return errors.Join(err, terr)
			}
			return err
		}
		s.thread = &thread
		s.attempt = thread.Attempt
		if thread.MaxAttempts > 0 {
			s.maxAttempts = thread.MaxAttempts
		}
		s.preview = &preview
		return e.transition(s, StatePlanAwaitingReview)
	})
}

// Reset abandons the current plan so a fresh one can be requested. Any
// in-flight result for the session is discarded when it arrives.
func (e *Engine) Reset(surveyID string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[surveyID]
	if !ok {
		return Snapshot{}, ErrNoSession
	}
	s.epoch++
	s.busy = false
	s.startThread("", "", nil)
	s.preview = nil
	s.lastError = nil
	if s.state != StateMetadataCollected {
		if err := e.transition(s, StateMetadataCollected); err != nil {
			return Snapshot{}, err
		}
	}
	return s.snapshot(), nil
}

func (e *Engine) Snapshot(surveyID string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[surveyID]
	if !ok {
		return Snapshot{}, ErrNoSession
	}
	return s.snapshot(), nil
}

// begin claims the session for one mutating call. check runs under the
// lock before the transition and may veto it.
func (e *Engine) begin(surveyID string, to State, create bool, check func(*session) error) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[surveyID]
	if !ok {
		if !create {
			return 0, ErrNoSession
		}
		s = newSession(surveyID)
		e.sessions[surveyID] = s
		if err := e.transition(s, StateMetadataCollected); err != nil {
			return 0, err
		}
	}
	if s.busy {
		return 0, ErrBusy
	}
	if check != nil {
		if err := check(s); err != nil {
			return 0, err
		}
	}
	if err := e.transition(s, to); err != nil {
		return 0, err
	}
	s.busy = true
	s.epoch++
	return s.epoch, nil
}

// stage applies an intermediate result if the call still owns the session.
func (e *Engine) stage(surveyID string, epoch uint64, apply func(*session)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[surveyID]
	if !ok || s.epoch != epoch {
		e.logger.Warn("discarding superseded plan result", "survey_id", surveyID)
		return ErrSuperseded
	}
	if apply != nil {
		apply(s)
	}
	return nil
}

// finish releases the session and applies the call's outcome, unless the
// session was reset while the call was in flight.
func (e *Engine) finish(surveyID string, epoch uint64, apply func(*session) error) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[surveyID]
	if !ok || s.epoch != epoch {
		e.logger.Warn("discarding superseded plan result", "survey_id", surveyID)
		return Snapshot{}, ErrSuperseded
	}
	s.busy = false
	err := apply(s)
	s.lastError = failureOf(err)
	if err != nil {
		e.logger.Warn("plan operation failed", "survey_id", surveyID, "thread_id", s.threadID, "state", s.state, "error", err)
	}
	return s.snapshot(), err
}

func (e *Engine) transition(s *session, to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	e.logger.Info("plan workflow transition", "survey_id", s.surveyID, "thread_id", s.threadID, "from", s.state, "to", to)
	e.metrics.Transition(string(s.state), string(to))
	s.state = to
	return nil
}

func (e *Engine) resolve(surveyID string, gvf *planner.GVFResult, thread planner.PlanThread) (survey.Structure, string, error) {
	name := func(st survey.Structure) survey.Structure {
		if st.SuggestedName == "" {
			st.SuggestedName = thread.Plan.Title
		}
		return st
	}
	if gvf != nil && len(gvf.RenderedPages) > 0 {
		st, err := normalize.FromRenderedPages(gvf.RenderedPages)
		if err == nil {
			return name(st), SourceRenderedPages, nil
		}
		e.logger.Warn("rendered pages unusable, falling back", "survey_id", surveyID, "error", err)
	}
	if len(thread.GeneratedQuestions) > 0 {
		st, err := normalize.FromGeneratedQuestions(thread.GeneratedQuestions)
		if err == nil {
			return name(st), SourceGeneratedQuestions, nil
		}
		e.logger.Warn("generated questions unusable, falling back", "survey_id", surveyID, "error", err)
	}
	st, err := normalize.FromPlanPages(thread.Plan.PagesJSON())
	if err != nil {
		return survey.Structure{}, "", err
	}
	return name(st), SourcePlanPages, nil
}
