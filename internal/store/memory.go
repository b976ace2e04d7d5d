package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/survey-planner/internal/survey"
)

type MemoryStore struct {
	mu      sync.RWMutex
	surveys map[string]survey.Survey
	clock   Clock
}

func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		surveys: make(map[string]survey.Survey),
		clock:   clock,
	}
}

func (s *MemoryStore) Create(_ context.Context, in survey.NewSurvey) (survey.Survey, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return survey.Survey{}, err
	}
	now := s.clock().UTC()
	rec := survey.Survey{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Language:       in.Language,
		CollectionMode: in.CollectionMode,
		Status:         in.Status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.mu.Lock()
	s.surveys[rec.ID] = rec
	s.mu.Unlock()
	return cloneSurvey(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (survey.Survey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.surveys[id]
	if !ok {
		return survey.Survey{}, ErrNotFound
	}
	return cloneSurvey(rec), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch survey.Patch) (survey.Survey, error) {
	if err := patch.Validate(); err != nil {
		return survey.Survey{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.surveys[id]
	if !ok {
		return survey.Survey{}, ErrNotFound
	}
	patch.Apply(&rec, s.clock().UTC())
	s.surveys[id] = rec
	return cloneSurvey(rec), nil
}

func (s *MemoryStore) List(_ context.Context) ([]survey.Survey, error) {
	s.mu.RLock()
	out := make([]survey.Survey, 0, len(s.surveys))
	for _, rec := range s.surveys {
		out = append(out, cloneSurvey(rec))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
