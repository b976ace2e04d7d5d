package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/survey-planner/internal/planerr"
	"github.com/joelkehle/survey-planner/internal/survey"
)

const surveySchema = `
CREATE TABLE IF NOT EXISTS surveys (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	language        TEXT NOT NULL DEFAULT 'English',
	collection_mode TEXT NOT NULL DEFAULT 'web',
	status          TEXT NOT NULL DEFAULT 'draft',
	structure       TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
)`

// SQLStore persists surveys in sqlite or postgres. The structure column
// holds the canonical structure as JSON.
type SQLStore struct {
	db    *sqlx.DB
	clock Clock
}

type surveyRow struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	Language       string         `db:"language"`
	CollectionMode string         `db:"collection_mode"`
	Status         string         `db:"status"`
	Structure      sql.NullString `db:"structure"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func OpenSQL(driver, dsn string, clock Clock) (*SQLStore, error) {
	if clock == nil {
		clock = time.Now
	}
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sqlx.Open("sqlite", dsn+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sqlx.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unknown sql driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if _, err := db.Exec(surveySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db, clock: clock}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Create(ctx context.Context, in survey.NewSurvey) (survey.Survey, error) {
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
	row, err := toRow(rec)
	if err != nil {
		return survey.Survey{}, err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO surveys (id, name, language, collection_mode, status, structure, created_at, updated_at)
		VALUES (:id, :name, :language, :collection_mode, :status, :structure, :created_at, :updated_at)`, row)
	if err != nil {
		return survey.Survey{}, planerr.StoreUnavailable("create survey", err)
	}
	return rec, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (survey.Survey, error) {
	var row surveyRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, name, language, collection_mode, status, structure, created_at, updated_at
		FROM surveys WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return survey.Survey{}, ErrNotFound
	}
	if err != nil {
		return survey.Survey{}, planerr.StoreUnavailable("get survey", err)
	}
	return fromRow(row)
}

func (s *SQLStore) Update(ctx context.Context, id string, patch survey.Patch) (survey.Survey, error) {
	if err := patch.Validate(); err != nil {
		return survey.Survey{}, err
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return survey.Survey{}, err
	}
	patch.Apply(&rec, s.clock().UTC())
	row, err := toRow(rec)
	if err != nil {
		return survey.Survey{}, err
	}
	_, err = s.db.NamedExecContext(ctx, `UPDATE surveys SET name = :name, language = :language, collection_mode = :collection_mode,
		status = :status, structure = :structure, updated_at = :updated_at WHERE id = :id`, row)
	if err != nil {
		return survey.Survey{}, planerr.StoreUnavailable("update survey", err)
	}
	return rec, nil
}

func (s *SQLStore) List(ctx context.Context) ([]survey.Survey, error) {
	var rows []surveyRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, name, language, collection_mode, status, structure, created_at, updated_at
		FROM surveys ORDER BY created_at, id`)
	if err != nil {
		return nil, planerr.StoreUnavailable("list surveys", err)
	}
	out := make([]survey.Survey, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRow(rec survey.Survey) (surveyRow, error) {
	row := surveyRow{
		ID:             rec.ID,
		Name:           rec.Name,
		Language:       string(rec.Language),
		CollectionMode: string(rec.CollectionMode),
		Status:         string(rec.Status),
		CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.Structure != nil {
		b, err := json.Marshal(rec.Structure)
		if err != nil {
			return surveyRow{}, fmt.Errorf("encode structure: %w", err)
		}
		row.Structure = sql.NullString{String: string(b), Valid: true}
	}
	return row, nil
}

func fromRow(row surveyRow) (survey.Survey, error) {
	rec := survey.Survey{
		ID:             row.ID,
		Name:           row.Name,
		Language:       survey.Language(row.Language),
		CollectionMode: survey.CollectionMode(row.CollectionMode),
		Status:         survey.Status(row.Status),
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, row.CreatedAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if row.Structure.Valid && row.Structure.String != "" {
		var st survey.Structure
		if err := json.Unmarshal([]byte(row.Structure.String), &st); err != nil {
			return survey.Survey{}, planerr.StoreUnavailable("decode structure of "+row.ID, err)
		}
		rec.Structure = &st
	}
	return rec, nil
}
