package workflow

import "slices"

type State string

const (
	StateIdle                State = "idle"
	StateMetadataCollected   State = "metadata_collected"
	StatePlanRequested       State = "plan_requested"
	StatePlanAwaitingReview  State = "plan_awaiting_review"
	StatePlanRejected        State = "plan_rejected"
	StatePlanApproved        State = "plan_approved"
	StatePersisted           State = "persisted"
	StateMaxAttemptsExceeded State = "max_attempts_exceeded"
)

// transitions is the complete set of legal moves. Every state after
// metadata_collected may return to it, which is how a session is reset.
var transitions = map[State][]State{
	StateIdle: {StateMetadataCollected},

	StateMetadataCollected: {StatePlanRequested},

	// A failed generation stays in plan_requested; generating again is a self-loop.
	StatePlanRequested: {StatePlanAwaitingReview, StatePlanRequested, StateMetadataCollected},

	// Generating again from review abandons the current thread for a new one.
	StatePlanAwaitingReview: {StatePlanApproved, StatePlanRejected, StatePlanRequested, StateMetadataCollected},

	StatePlanRejected: {StatePlanAwaitingReview, StateMaxAttemptsExceeded, StateMetadataCollected},

	// plan_approved -> plan_approved retries structure resolution after the
	// remote approval already succeeded.
	StatePlanApproved: {StatePersisted, StatePlanAwaitingReview, StatePlanApproved, StateMetadataCollected},

	StatePersisted: {StatePlanRequested, StateMetadataCollected},

	StateMaxAttemptsExceeded: {StatePlanRequested, StateMetadataCollected},
}

func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Mode selects the backend that produces a plan.
type Mode string

const (
	ModePlanner Mode = "planner"
	ModeFast    Mode = "fast"
)

// Structure sources, in approval priority order.
const (
	SourceRenderedPages      = "rendered_pages"
	SourceGeneratedQuestions = "generated_questions"
	SourcePlanPages          = "plan_pages"
	SourceFast               = "fast"
	SourceEdit               = "edit"
)
