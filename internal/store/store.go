// Package store holds survey records. The workflow treats every backend
// failure as recoverable, so implementations report them as
// planerr.StoreUnavailable and reserve ErrNotFound for missing ids.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joelkehle/survey-planner/internal/survey"
)

var ErrNotFound = errors.New("survey not found")

type Store interface {
	Create(ctx context.Context, in survey.NewSurvey) (survey.Survey, error)
	Get(ctx context.Context, id string) (survey.Survey, error)
	Update(ctx context.Context, id string, patch survey.Patch) (survey.Survey, error)
	List(ctx context.Context) ([]survey.Survey, error)
}

// Clock returns the current time; tests pin it.
type Clock func() time.Time

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the store for driver. dsn is a file path for sqlite and a
// connection string for postgres; it is ignored for memory.
func Open(driver, dsn string, clock Clock) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(clock), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(driver, dsn, clock)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

func cloneSurvey(s survey.Survey) survey.Survey {
	if s.Structure != nil {
		cp := s.Structure.Clone()
		s.Structure = &cp
	}
	return s
}
