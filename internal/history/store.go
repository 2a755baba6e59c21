// Package history keeps a local log of export runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"invoice-export/internal/export"
)

// Entry is one recorded run.
type Entry struct {
	ID           string
	Action       export.Action
	Identity     string
	StartedAt    time.Time
	Duration     time.Duration
	Succeeded    bool
	Bytes        int
	Artifact     string
	EmailLink    string
	Error        string
	Steps        []export.StepResult
	SoftFailures []export.SoftFailure
}

// Store records export reports in SQLite.
type Store struct {
	DB *bun.DB
}

// Open opens (or creates) the SQLite database at dsn and ensures the schema.
// Use "file::memory:" for a throwaway store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	s := &Store{DB: bun.NewDB(sqldb, sqlitedialect.New())}
	if err := s.ensureSchema(ctx); err != nil {
		_ = s.DB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.DB.NewCreateTable().Model((*entryModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("history: create table: %w", err)
	}
	if _, err := s.DB.NewCreateIndex().Model((*entryModel)(nil)).
		Index("idx_export_history_identity").
		Column("identity", "started_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("history: create index: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Record stores r. It satisfies export.Recorder.
func (s *Store) Record(ctx context.Context, r export.Report) error {
	if s == nil || s.DB == nil {
		return errors.New("history: store not configured")
	}
	m, err := modelFromReport(r)
	if err != nil {
		return err
	}
	if _, err := s.DB.NewInsert().Model(&m).Exec(ctx); err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// List returns the most recent runs of identity, newest first. An empty
// identity lists anonymous runs. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, identity string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	models := make([]entryModel, 0)
	err := s.DB.NewSelect().Model(&models).
		Where("identity = ?", identity).
		Order("started_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	entries := make([]Entry, 0, len(models))
	for _, m := range models {
		e, err := m.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type entryModel struct {
	bun.BaseModel `bun:"table:export_history,alias:h"`

	ID           string    `bun:",pk"`
	Action       string    `bun:",notnull"`
	Identity     string    `bun:"identity"`
	StartedAt    time.Time `bun:"started_at,notnull"`
	DurationMS   int64     `bun:"duration_ms"`
	Succeeded    bool      `bun:"succeeded"`
	Bytes        int       `bun:"bytes"`
	Artifact     string    `bun:"artifact"`
	EmailLink    string    `bun:"email_link"`
	Error        string    `bun:"error"`
	Steps        []byte    `bun:"steps"`
	SoftFailures []byte    `bun:"soft_failures"`
}

func modelFromReport(r export.Report) (entryModel, error) {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return entryModel{}, err
	}
	soft, err := json.Marshal(r.SoftFailures)
	if err != nil {
		return entryModel{}, err
	}
	return entryModel{
		ID:           r.ID,
		Action:       string(r.Action),
		Identity:     r.Identity,
		StartedAt:    r.StartedAt.UTC(),
		DurationMS:   r.Duration.Milliseconds(),
		Succeeded:    r.Succeeded(),
		Bytes:        r.Bytes,
		Artifact:     r.Artifact,
		EmailLink:    r.EmailLink,
		Error:        r.Error,
		Steps:        steps,
		SoftFailures: soft,
	}, nil
}

func (m entryModel) toEntry() (Entry, error) {
	e := Entry{
		ID:        m.ID,
		Action:    export.Action(m.Action),
		Identity:  m.Identity,
		StartedAt: m.StartedAt,
		Duration:  time.Duration(m.DurationMS) * time.Millisecond,
		Succeeded: m.Succeeded,
		Bytes:     m.Bytes,
		Artifact:  m.Artifact,
		EmailLink: m.EmailLink,
		Error:     m.Error,
	}
	if len(m.Steps) > 0 {
		if err := json.Unmarshal(m.Steps, &e.Steps); err != nil {
			return Entry{}, err
		}
	}
	if len(m.SoftFailures) > 0 {
		if err := json.Unmarshal(m.SoftFailures, &e.SoftFailures); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}
