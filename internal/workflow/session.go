package workflow

import (
	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/planner"
	"github.com/joelkehle/survey-planner/internal/survey"
)

// session is the per-survey workflow state. It is only touched under
// Engine.mu; epoch increases with every claim and reset so a late result
// can tell it no longer owns the session.
type session struct {
	surveyID string
	state    State
	epoch    uint64
	busy     bool

	mode        Mode
	threadID    string
	thread      *planner.PlanThread
	attempt     int
	maxAttempts int
	preview     *survey.Structure

	structure *survey.Structure
	source    string
	persisted bool

	lastError *Failure
}

func newSession(surveyID string) *session {
	return &session{surveyID: surveyID, state: StateIdle}
}

func (s *session) startThread(mode Mode, threadID string, thread *planner.PlanThread) {
	s.mode = mode
	s.threadID = threadID
	s.thread = thread
	s.attempt, s.maxAttempts = 0, 0
	if thread != nil {
		s.attempt = thread.Attempt
		s.maxAttempts = thread.MaxAttempts
	}
}

func (s *session) setStructure(st survey.Structure, source string, persisted bool) {
	cp := st.Clone()
	s.structure = &cp
	s.source = source
	s.persisted = persisted
}

// Failure is the user-facing form of the last error a session hit.
type Failure struct {
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	Transient      bool   `json:"transient"`
	CurrentAttempt int    `json:"current_attempt,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
}

func failureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	if pe, ok := planerr.As(err); ok {
		return &Failure{
			Kind:           string(pe.Kind),
			Message:        pe.UserMessage(),
			Transient:      pe.Transient(),
			CurrentAttempt: pe.CurrentAttempt,
			MaxAttempts:    pe.MaxAttempts,
		}
	}
	return &Failure{Kind: "error", Message: err.Error()}
}

// Snapshot is a copy of a session for display.
type Snapshot struct {
	SurveyID        string                 `json:"survey_id"`
	State           State                  `json:"state"`
	Mode            Mode                   `json:"mode,omitempty"`
	ThreadID        string                 `json:"thread_id,omitempty"`
	ApprovalStatus  planner.ApprovalStatus `json:"approval_status,omitempty"`
	Attempt         int                    `json:"attempt"`
	MaxAttempts     int                    `json:"max_attempts,omitempty"`
	Version         int                    `json:"version,omitempty"`
	Plan            *planner.Plan          `json:"plan,omitempty"`
	Preview         *survey.Structure      `json:"preview,omitempty"`
	Structure       *survey.Structure      `json:"structure,omitempty"`
	StructureSource string                 `json:"structure_source,omitempty"`
	Persisted       bool                   `json:"persisted"`
	Busy            bool                   `json:"busy"`
	LastError       *Failure               `json:"last_error,omitempty"`
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		SurveyID:        s.surveyID,
		State:           s.state,
		Mode:            s.mode,
		ThreadID:        s.threadID,
		Attempt:         s.attempt,
		MaxAttempts:     s.maxAttempts,
		StructureSource: s.source,
		Persisted:       s.persisted,
		Busy:            s.busy,
	}
	if s.thread != nil {
		plan := s.thread.Plan
		snap.Plan = &plan
		snap.ApprovalStatus = s.thread.ApprovalStatus
		snap.Version = s.thread.Version
	}
	if s.preview != nil {
		cp := s.preview.Clone()
		snap.Preview = &cp
	}
	if s.structure != nil {
		cp := s.structure.Clone()
		snap.Structure = &cp
	}
	if s.lastError != nil {
		f := *s.lastError
		snap.LastError = &f
	}
	return snap
}
