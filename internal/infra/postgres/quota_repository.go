package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"invoice-export/internal/domain"
)

const quotasDDL = `CREATE TABLE IF NOT EXISTS export_quotas (
	identity TEXT PRIMARY KEY,
	plan TEXT NOT NULL DEFAULT 'free',
	used_count INTEGER NOT NULL DEFAULT 0,
	quota_limit INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// ErrQuotaExhausted is returned by Increment when a free identity is already at its limit.
var ErrQuotaExhausted = domain.ErrQuotaExhausted

// QuotaRepository stores per-identity export counters. Unknown identities are
// provisioned on the free plan with FreeLimit exports.
type QuotaRepository struct {
	DB        *DB
	DSN       string
	FreeLimit int

	schemaMu sync.Mutex
	schemaOK bool
}

// NewQuotaRepository returns a repository on the pool for dsn.
func NewQuotaRepository(db *DB, dsn string, freeLimit int) *QuotaRepository {
	return &QuotaRepository{DB: db, DSN: dsn, FreeLimit: freeLimit}
}

func (r *QuotaRepository) conn(ctx context.Context) (*sql.DB, error) {
	db, err := r.DB.Get(r.DSN)
	if err != nil {
		return nil, err
	}
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if !r.schemaOK {
		if err := ensureQuotaSchema(ctx, db); err != nil {
			return nil, fmt.Errorf("ensure quota schema failed: %w", err)
		}
		r.schemaOK = true
	}
	return db, nil
}

// Get returns the quota of identity, provisioning it when unknown.
func (r *QuotaRepository) Get(ctx context.Context, identity string) (domain.ExportQuota, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return domain.ExportQuota{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx,
		`INSERT INTO export_quotas (identity, plan, used_count, quota_limit) VALUES ($1, $2, 0, $3)
		 ON CONFLICT (identity) DO NOTHING;`,
		identity, string(domain.PlanFree), r.FreeLimit,
	); err != nil {
		return domain.ExportQuota{}, fmt.Errorf("provision quota failed: %w", err)
	}

	row := db.QueryRowContext(ctx,
		`SELECT plan, used_count, quota_limit FROM export_quotas WHERE identity = $1;`, identity)
	return scanQuota(identity, row)
}

// Increment consumes one export. The guard in the WHERE clause keeps a free
// identity from going past its limit even under concurrent increments.
func (r *QuotaRepository) Increment(ctx context.Context, identity string) (domain.ExportQuota, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return domain.ExportQuota{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := db.QueryRowContext(ctx,
		`UPDATE export_quotas
		    SET used_count = used_count + 1, updated_at = now()
		  WHERE identity = $1
		    AND (plan <> 'free' OR quota_limit < 0 OR used_count < quota_limit)
		RETURNING plan, used_count, quota_limit;`, identity)
	q, err := scanQuota(identity, row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExportQuota{}, fmt.Errorf("%w for %s", ErrQuotaExhausted, identity)
	}
	return q, err
}

func scanQuota(identity string, row *sql.Row) (domain.ExportQuota, error) {
	var (
		plan  string
		used  int
		limit int
	)
	if err := row.Scan(&plan, &used, &limit); err != nil {
		return domain.ExportQuota{}, err
	}
	p, err := domain.ParsePlan(plan)
	if err != nil {
		return domain.ExportQuota{}, err
	}
	return domain.ExportQuota{Identity: identity, Plan: p, UsedCount: used, Limit: limit}, nil
}

func ensureQuotaSchema(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := db.ExecContext(ctx, quotasDDL)
	return err
}
