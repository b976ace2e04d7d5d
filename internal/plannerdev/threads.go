package plannerdev

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/joelkehle/survey-planner/internal/planner"
)

const DefaultMaxAttempts = 3

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrAlreadyApproved = errors.New("plan already approved")
	ErrNotApproved     = errors.New("plan is not approved")
)

// AttemptsExhaustedError is returned by a reject at the attempt limit.
type AttemptsExhaustedError struct {
	ThreadID       string
	CurrentAttempt int
	MaxAttempts    int
}

func (e *AttemptsExhaustedError) Error() string {
	return "maximum plan attempts reached"
}

type thread struct {
	req      planner.PlanRequest
	feedback []string
	view     planner.PlanThread
	rendered []RenderedPage
}

func (t *thread) rejectable() error {
	if t.view.ApprovalStatus == planner.StatusApproved {
		return ErrAlreadyApproved
	}
	if t.view.Attempt >= t.view.MaxAttempts {
		return &AttemptsExhaustedError{
			ThreadID:       t.view.ThreadID,
			CurrentAttempt: t.view.Attempt,
			MaxAttempts:    t.view.MaxAttempts,
		}
	}
	return nil
}

type threadStore struct {
	mu          sync.RWMutex
	threads     map[string]*thread
	maxAttempts int
	newID       func() string
}

func newThreadStore(maxAttempts int, newID func() string) *threadStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return &threadStore{threads: map[string]*thread{}, maxAttempts: maxAttempts, newID: newID}
}

func (s *threadStore) create(req planner.PlanRequest, plan planner.Plan) planner.PlanThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &thread{
		req: req,
		view: planner.PlanThread{
			ThreadID:       s.newID(),
			Plan:           plan,
			ApprovalStatus: planner.StatusAwaitingApproval,
			Attempt:        1,
			MaxAttempts:    s.maxAttempts,
			Version:        1,
		},
	}
	s.threads[t.view.ThreadID] = t
	return t.view
}

func (s *threadStore) get(id string) (planner.PlanThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return planner.PlanThread{}, ErrThreadNotFound
	}
	return t.view, nil
}

// beginReject checks a reject can proceed. It returns the original request
// and all feedback so far, including this one, for redrafting.
func (s *threadStore) beginReject(id, feedback string) (planner.PlanRequest, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return planner.PlanRequest{}, nil, ErrThreadNotFound
	}
	if err := t.rejectable(); err != nil {
		return planner.PlanRequest{}, nil, err
	}
	return t.req, append(append([]string(nil), t.feedback...), feedback), nil
}

// finishReject installs the redrafted plan. The checks are repeated since
// another reject may have landed while drafting.
func (s *threadStore) finishReject(id, feedback string, plan planner.Plan) (planner.PlanThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return planner.PlanThread{}, ErrThreadNotFound
	}
	if err := t.rejectable(); err != nil {
		return planner.PlanThread{}, err
	}
	t.feedback = append(t.feedback, feedback)
	t.view.Plan = plan
	t.view.Attempt++
	t.view.ApprovalStatus = planner.StatusAwaitingApproval
	t.view.Version++
	t.view.Message = "plan regenerated from feedback"
	return t.view, nil
}

func (s *threadStore) plan(id string) (planner.Plan, planner.ApprovalStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return planner.Plan{}, "", ErrThreadNotFound
	}
	return t.view.Plan, t.view.ApprovalStatus, nil
}

func (s *threadStore) approve(id string, rendered []RenderedPage) (planner.PlanThread, error) {
	generated, err := json.Marshal(map[string]any{"rendered_pages": rendered})
	if err != nil {
		return planner.PlanThread{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return planner.PlanThread{}, ErrThreadNotFound
	}
	if t.view.ApprovalStatus == planner.StatusApproved {
		return planner.PlanThread{}, ErrAlreadyApproved
	}
	t.rendered = rendered
	t.view.ApprovalStatus = planner.StatusApproved
	t.view.GeneratedQuestions = generated
	t.view.Version++
	t.view.Message = "plan approved"
	return t.view, nil
}

func (s *threadStore) rendered(id string) ([]RenderedPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	if t.view.ApprovalStatus != planner.StatusApproved {
		return nil, ErrNotApproved
	}
	return append([]RenderedPage(nil), t.rendered...), nil
}

func (s *threadStore) saveRendered(id string, rendered []RenderedPage) error {
	generated, err := json.Marshal(map[string]any{"rendered_pages": rendered})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return ErrThreadNotFound
	}
	t.rendered = rendered
	t.view.GeneratedQuestions = generated
	t.view.Version++
	return nil
}
