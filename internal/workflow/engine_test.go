package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/survey-planner/internal/mirror"
	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/planner"
	"github.com/joelkehle/survey-planner/internal/store"
	"github.com/joelkehle/survey-planner/internal/survey"
)

const twoSpecPlan = `{"title":"Staff pulse","type":"employee","language":"English","pages":[
	{"name":"Basics","question_specs":[
		{"spec_id":"s1","question_type":"text_field","intent":"What is your role?","required":true,"options_hint":[]},
		{"spec_id":"s2","question_type":"radio","intent":"Do you work remotely?","required":false,"options_hint":["Yes","No"]}
	]}
]}`

func mustPlan(t *testing.T, raw string) planner.Plan {
	t.Helper()
	var p planner.Plan
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

type fakePlanner struct {
	mu         sync.Mutex
	thread     planner.PlanThread
	generated  json.RawMessage
	gvf        planner.GVFResult
	gvfErr     error
	createErr  error
	approveErr error
	calls      []string

	entered chan struct{}
	release chan struct{}
}

func newFakePlanner(t *testing.T) *fakePlanner {
	return &fakePlanner{thread: planner.PlanThread{
		ThreadID:       "t1",
		Plan:           mustPlan(t, twoSpecPlan),
		ApprovalStatus: planner.StatusAwaitingApproval,
		Attempt:        1,
		MaxAttempts:    3,
		Version:        1,
	}}
}

func (f *fakePlanner) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePlanner) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePlanner) CreatePlan(ctx context.Context, req planner.PlanRequest) (planner.CreatePlanResult, error) {
	f.record("create")
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.createErr != nil {
		return planner.CreatePlanResult{}, f.createErr
	}
	return planner.CreatePlanResult{ThreadID: f.thread.ThreadID}, nil
}

func (f *fakePlanner) GetPlan(ctx context.Context, threadID string) (planner.PlanThread, error) {
	f.record("get")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thread, nil
}

func (f *fakePlanner) ApprovePlan(ctx context.Context, threadID string) (planner.PlanThread, error) {
	f.record("approve")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return planner.PlanThread{}, f.approveErr
	}
	f.thread.ApprovalStatus = planner.StatusApproved
	f.thread.GeneratedQuestions = f.generated
	f.thread.Version++
	return f.thread, nil
}

func (f *fakePlanner) RejectPlan(ctx context.Context, threadID, feedback string) (planner.PlanThread, error) {
	f.record("reject")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.thread.Attempt >= f.thread.MaxAttempts {
		return planner.PlanThread{}, planerr.MaxAttemptsReached(f.thread.Attempt, f.thread.MaxAttempts)
	}
	f.thread.Attempt++
	f.thread.Version++
	f.thread.ApprovalStatus = planner.StatusAwaitingApproval
	var raw map[string]any
	_ = json.Unmarshal(f.thread.Plan.Raw, &raw)
	raw["title"] = fmt.Sprintf("Staff pulse v%d", f.thread.Attempt)
	blob, _ := json.Marshal(raw)
	var p planner.Plan
	_ = json.Unmarshal(blob, &p)
	f.thread.Plan = p
	return f.thread, nil
}

func (f *fakePlanner) GenerateValidateFix(ctx context.Context, threadID string, autoFix bool) (planner.GVFResult, error) {
	f.record(fmt.Sprintf("gvf:%t", autoFix))
	return f.gvf, f.gvfErr
}

type fakeFast struct {
	structure survey.Structure
	err       error
}

func (f fakeFast) GenerateFast(ctx context.Context, req planner.PlanRequest) (survey.Structure, error) {
	return f.structure, f.err
}

type downStore struct{}

var errDown = errors.New("connection refused")

func (downStore) Create(context.Context, survey.NewSurvey) (survey.Survey, error) {
	return survey.Survey{}, planerr.StoreUnavailable("create survey", errDown)
}

func (downStore) Get(context.Context, string) (survey.Survey, error) {
	return survey.Survey{}, planerr.StoreUnavailable("get survey", errDown)
}

func (downStore) Update(context.Context, string, survey.Patch) (survey.Survey, error) {
	return survey.Survey{}, planerr.StoreUnavailable("update survey", errDown)
}

func (downStore) List(context.Context) ([]survey.Survey, error) {
	return nil, planerr.StoreUnavailable("list surveys", errDown)
}

type harness struct {
	engine  *Engine
	planner *fakePlanner
	store   store.Store
	mirror  *mirror.Mirror
}

func newHarness(t *testing.T, st store.Store) *harness {
	t.Helper()
	m, err := mirror.Open(mirror.Options{})
	require.NoError(t, err)
	fp := newFakePlanner(t)
	if st == nil {
		st = store.NewMemoryStore(nil)
	}
	n := 0
	e := New(Deps{
		Planner: fp,
		Fast: fakeFast{structure: survey.Structure{Sections: []survey.Section{{
			Title: "P1", Questions: []survey.Question{{Text: "Q1?", Type: survey.TypeTextArea}},
		}}}},
		Store:   st,
		Mirror:  m,
		AutoFix: true,
		NewID: func() string {
			n++
			return fmt.Sprintf("id%d", n)
		},
		Now: func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
	return &harness{engine: e, planner: fp, store: st, mirror: m}
}

func (h *harness) create(t *testing.T) string {
	t.Helper()
	rec, err := h.engine.CreateSurvey(context.Background(), survey.NewSurvey{Name: "Staff pulse"})
	require.NoError(t, err)
	return rec.ID
}

var pulseRequest = GenerateInput{Request: planner.PlanRequest{Prompt: "staff pulse", Title: "Staff pulse", Type: "employee", Language: "English"}}

func TestTransitionTableCoversEveryState(t *testing.T) {
	for _, s := range []State{StateIdle, StateMetadataCollected, StatePlanRequested, StatePlanAwaitingReview, StatePlanRejected, StatePlanApproved, StatePersisted, StateMaxAttemptsExceeded} {
		assert.NotEmpty(t, transitions[s], "state %s has no exits", s)
		if s != StateIdle && s != StateMetadataCollected {
			assert.True(t, CanTransition(s, StateMetadataCollected), "state %s cannot reset", s)
		}
	}
	assert.False(t, CanTransition(StateIdle, StatePlanRequested))
	assert.False(t, CanTransition(StateMaxAttemptsExceeded, StatePlanRejected))
	assert.False(t, CanTransition(StateMetadataCollected, StatePlanApproved))
}

func TestPlannerFallbackScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)

	snap, err := h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)
	assert.Equal(t, StatePlanAwaitingReview, snap.State)
	assert.Equal(t, "t1", snap.ThreadID)
	require.NotNil(t, snap.Preview)
	require.Len(t, snap.Preview.Sections, 1)
	require.Len(t, snap.Preview.Sections[0].Questions, 2)
	assert.Nil(t, snap.Preview.Sections[0].Questions[0].Options)

	snap, err = h.engine.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, snap.State)
	assert.Equal(t, SourcePlanPages, snap.StructureSource)
	assert.True(t, snap.Persisted)
	require.NotNil(t, snap.Structure)
	assert.Equal(t, "Staff pulse", snap.Structure.SuggestedName)

	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.Structure)
	q := rec.Structure.Sections[0].Questions
	require.Len(t, q, 2)
	assert.Equal(t, survey.TypeTextField, q[0].Type)
	assert.Nil(t, q[0].Options)
	assert.Equal(t, []string{"Yes", "No"}, q[1].Options)

	mirrored, ok := h.mirror.Read(id)
	require.True(t, ok)
	assert.Equal(t, *rec.Structure, mirrored)
	assert.Equal(t, []string{"create", "get", "approve", "gvf:true"}, h.planner.callLog())
}

func TestRejectUntilMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.planner.thread.Attempt = 2

	_, err := h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)

	snap, err := h.engine.Reject(ctx, id, "add demographics")
	require.NoError(t, err)
	assert.Equal(t, StatePlanAwaitingReview, snap.State)
	assert.Equal(t, planner.StatusAwaitingApproval, snap.ApprovalStatus)
	assert.Equal(t, 3, snap.Attempt)
	require.NotNil(t, snap.Plan)
	assert.Equal(t, "Staff pulse v3", snap.Plan.Title)
	held := snap.Plan

	snap, err = h.engine.Reject(ctx, id, "still not right")
	pe, ok := planerr.As(err)
	require.True(t, ok)
	assert.Equal(t, planerr.KindMaxAttemptsReached, pe.Kind)
	assert.Equal(t, 3, pe.CurrentAttempt)
	assert.Equal(t, 3, pe.MaxAttempts)
	assert.Equal(t, StateMaxAttemptsExceeded, snap.State)
	assert.Equal(t, held, snap.Plan)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, 3, snap.LastError.MaxAttempts)

	calls := len(h.planner.callLog())
	_, err = h.engine.Reject(ctx, id, "again")
	assert.True(t, planerr.Is(err, planerr.KindMaxAttemptsReached))
	_, err = h.engine.Approve(ctx, id)
	assert.True(t, planerr.Is(err, planerr.KindMaxAttemptsReached))
	assert.Len(t, h.planner.callLog(), calls, "blocked calls must not reach the planner")

	snap, err = h.engine.Reset(id)
	require.NoError(t, err)
	assert.Equal(t, StateMetadataCollected, snap.State)
	assert.Empty(t, snap.ThreadID)
}

func TestApprovePrefersValidatedRendering(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.planner.generated = json.RawMessage(`{"rendered_pages":[{"name":"GQ","questions":[{"question_text":"From generated questions?"}]}]}`)
	h.planner.gvf = planner.GVFResult{
		ThreadID:      "t1",
		RenderedPages: json.RawMessage(`[{"name":"GVF","questions":[{"question_text":"From validation?","question_type":"radio","options":["a","b"]}]}]`),
	}

	_, err := h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)
	snap, err := h.engine.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SourceRenderedPages, snap.StructureSource)

	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "From validation?", rec.Structure.Sections[0].Questions[0].Text)
}

func TestApproveSurvivesValidateFixFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.planner.generated = json.RawMessage(`{"p1":{"name":"Legacy","questions":[{"question_text":"Kept?"}]}}`)
	h.planner.gvfErr = planerr.RemoteError("http://planner/gvf", 500, []byte("boom"))

	_, err := h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)
	snap, err := h.engine.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, snap.State)
	assert.Equal(t, SourceGeneratedQuestions, snap.StructureSource)
	assert.Equal(t, planner.StatusApproved, snap.ApprovalStatus)
	assert.Equal(t, "Kept?", snap.Structure.Sections[0].Questions[0].Text)
	assert.Nil(t, snap.LastError)
}

func TestApproveFailureReturnsToReview(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	_, err := h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)

	h.planner.approveErr = planerr.NetworkError("http://planner", errors.New("reset by peer"))
	snap, err := h.engine.Approve(ctx, id)
	require.Error(t, err)
	assert.Equal(t, StatePlanAwaitingReview, snap.State)
	require.NotNil(t, snap.LastError)
	assert.True(t, snap.LastError.Transient)
	assert.NotNil(t, snap.Plan)

	h.planner.approveErr = nil
	snap, err = h.engine.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, snap.State)
	assert.Nil(t, snap.LastError)
}

func TestGenerateFailureKeepsLastKnownGood(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	_, err := h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)
	done, err := h.engine.Approve(ctx, id)
	require.NoError(t, err)

	h.planner.createErr = planerr.RemoteError("http://planner/survey-plan", 503, nil)
	snap, err := h.engine.Generate(ctx, id, pulseRequest)
	require.Error(t, err)
	assert.Equal(t, StatePlanRequested, snap.State)
	assert.Equal(t, done.Structure, snap.Structure)
	assert.Equal(t, done.Plan, snap.Plan)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, string(planerr.KindRemoteError), snap.LastError.Kind)

	h.planner.createErr = nil
	snap, err = h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)
	assert.Equal(t, StatePlanAwaitingReview, snap.State)
}

func TestInputValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)

	_, err := h.engine.Generate(ctx, id, GenerateInput{})
	assert.True(t, errors.Is(err, ErrPromptRequired))
	_, err = h.engine.Generate(ctx, "", pulseRequest)
	assert.True(t, errors.Is(err, ErrSurveyIDRequired))
	_, err = h.engine.Generate(ctx, id, GenerateInput{Mode: "psychic", Request: pulseRequest.Request})
	assert.True(t, errors.Is(err, ErrUnsupportedMode))

	_, err = h.engine.Approve(ctx, id)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = h.engine.Reject(ctx, id, " ")
	assert.True(t, errors.Is(err, ErrFeedbackRequired))
	_, err = h.engine.Approve(ctx, "unknown")
	assert.True(t, errors.Is(err, ErrNoSession))
	_, err = h.engine.Snapshot("unknown")
	assert.True(t, errors.Is(err, ErrNoSession))
	assert.Empty(t, h.planner.callLog())
}

func TestSingleFlightAndSupersededResults(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.planner.entered = make(chan struct{}, 1)
	h.planner.release = make(chan struct{})

	type result struct {
		snap Snapshot
		err  error
	}
	first := make(chan result, 1)
	go func() {
		snap, err := h.engine.Generate(ctx, id, pulseRequest)
		first <- result{snap, err}
	}()
	<-h.planner.entered

	_, err := h.engine.Generate(ctx, id, pulseRequest)
	assert.True(t, errors.Is(err, ErrBusy))
	snap, err := h.engine.Snapshot(id)
	require.NoError(t, err)
	assert.True(t, snap.Busy)

	_, err = h.engine.Reset(id)
	require.NoError(t, err)
	close(h.planner.release)

	res := <-first
	assert.True(t, errors.Is(res.err, ErrSuperseded))
	snap, err = h.engine.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, StateMetadataCollected, snap.State)
	assert.Empty(t, snap.ThreadID)
	assert.False(t, snap.Busy)
}

func TestStoreOutageFallsBackToLocalAndMirror(t *testing.T) {
	h := newHarness(t, downStore{})
	ctx := context.Background()

	rec, err := h.engine.CreateSurvey(ctx, survey.NewSurvey{Name: "Offline"})
	require.NoError(t, err)
	assert.True(t, IsLocal(rec.ID))
	assert.Equal(t, "local-id1", rec.ID)

	_, err = h.engine.Generate(ctx, rec.ID, pulseRequest)
	require.NoError(t, err)
	snap, err := h.engine.Approve(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, snap.State)
	assert.False(t, snap.Persisted)

	loaded, err := h.engine.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, FromMirror, loaded.Source)
	assert.Equal(t, "Offline", loaded.Survey.Name)
	assert.Equal(t, *snap.Structure, *loaded.Survey.Structure)

	list, degraded, err := h.engine.List(ctx)
	require.NoError(t, err)
	assert.True(t, degraded)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestStoreUpdateFailureStillMirrors(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	st := &flakyStore{Store: mem}
	h := newHarness(t, st)
	ctx := context.Background()
	id := h.create(t)
	_, err := h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)

	st.failUpdates = true
	snap, err := h.engine.Approve(ctx, id)
	require.NoError(t, err)
	assert.False(t, snap.Persisted)

	got, ok := h.mirror.Read(id)
	require.True(t, ok)
	assert.Equal(t, *snap.Structure, got)

	loaded, err := h.engine.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FromMirror, loaded.Source)
	assert.Equal(t, "Staff pulse", loaded.Survey.Name)
}

type flakyStore struct {
	store.Store
	failUpdates bool
}

func (f *flakyStore) Update(ctx context.Context, id string, p survey.Patch) (survey.Survey, error) {
	if f.failUpdates {
		return survey.Survey{}, planerr.StoreUnavailable("update survey", errDown)
	}
	return f.Store.Update(ctx, id, p)
}

func TestLoadPrefersStore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	_, err := h.engine.Generate(ctx, id, pulseRequest)
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, id)
	require.NoError(t, err)

	stale := survey.Structure{Sections: []survey.Section{{Title: "stale", Questions: []survey.Question{{Text: "old"}}}}}
	require.NoError(t, h.mirror.Write(id, stale))

	loaded, err := h.engine.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FromStore, loaded.Source)
	assert.Equal(t, "Basics", loaded.Survey.Structure.Sections[0].Title)

	_, err = h.engine.Load(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestFastModeApprovesDirectly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)

	snap, err := h.engine.Generate(ctx, id, GenerateInput{Mode: ModeFast, Request: pulseRequest.Request})
	require.NoError(t, err)
	assert.Equal(t, StatePlanAwaitingReview, snap.State)
	assert.Equal(t, ModeFast, snap.Mode)

	_, err = h.engine.Reject(ctx, id, "more")
	assert.True(t, errors.Is(err, ErrUnsupportedMode))

	snap, err = h.engine.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, snap.State)
	assert.Equal(t, SourceFast, snap.StructureSource)
	assert.Empty(t, h.planner.callLog())

	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Q1?", rec.Structure.Sections[0].Questions[0].Text)
}

func TestFastModeFailureIsSurfaced(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.fast = fakeFast{err: planerr.MalformedResponse("no shape", []byte(`{"odd":1}`))}
	id := h.create(t)
	snap, err := h.engine.Generate(context.Background(), id, GenerateInput{Mode: ModeFast, Request: pulseRequest.Request})
	assert.True(t, planerr.Is(err, planerr.KindMalformedResponse))
	assert.Equal(t, StatePlanRequested, snap.State)
	assert.Nil(t, snap.Preview)
}

func TestDeletePage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	two := survey.Structure{Sections: []survey.Section{
		{Title: "A", Questions: []survey.Question{{Text: "1"}}},
		{Title: "B", Questions: []survey.Question{{Text: "2"}}},
	}}
	_, persisted, err := h.engine.UpdateStructure(ctx, id, two)
	require.NoError(t, err)
	assert.True(t, persisted)

	loaded, _, err := h.engine.DeletePage(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, loaded.Survey.Structure.Sections, 1)
	assert.Equal(t, "B", loaded.Survey.Structure.Sections[0].Title)

	_, _, err = h.engine.DeletePage(ctx, id, 0)
	assert.True(t, errors.Is(err, survey.ErrLastPage))

	mirrored, ok := h.mirror.Read(id)
	require.True(t, ok)
	assert.Equal(t, "B", mirrored.Sections[0].Title)
}
