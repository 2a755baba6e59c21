package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"invoice-export/internal/tokens"
)

const tokensDDL = `CREATE TABLE IF NOT EXISTS tokens (
	token TEXT PRIMARY KEY,
	rate_limit INTEGER NOT NULL DEFAULT 60,
	scope JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	comment TEXT
);`

const tokensIndexDDL = `CREATE INDEX IF NOT EXISTS idx_tokens_created_at ON tokens (created_at);`

// TokenRepository reads API tokens from Postgres.
type TokenRepository struct {
	DB  *DB
	DSN string
}

// NewTokenRepository returns a repository on the pool for dsn.
func NewTokenRepository(db *DB, dsn string) *TokenRepository {
	return &TokenRepository{DB: db, DSN: dsn}
}

// LoadTokens ensures the schema and returns every token with its rate limit and scope.
func (r *TokenRepository) LoadTokens(ctx context.Context) (map[string]tokens.Entry, error) {
	db, err := r.DB.Get(r.DSN)
	if err != nil {
		return nil, err
	}
	if err := ensureTokensSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure tokens schema failed: %w", err)
	}

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := db.QueryContext(qctx, `SELECT token, rate_limit, scope FROM tokens;`)
	if err != nil {
		return nil, fmt.Errorf("query tokens failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]tokens.Entry)
	for rows.Next() {
		var (
			token string
			limit int
			raw   []byte
		)
		if err := rows.Scan(&token, &limit, &raw); err != nil {
			return nil, err
		}
		scope := tokens.Scope{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &scope); err != nil {
				return nil, fmt.Errorf("token %q has invalid scope: %w", token, err)
			}
		}
		out[token] = tokens.Entry{RateLimit: limit, Scope: scope}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func ensureTokensSchema(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, tokensDDL); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, tokensIndexDDL); err != nil {
		return err
	}
	return nil
}

// VerifySchema pings db and ensures every control-plane table exists.
func VerifySchema(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	if err := ensureTokensSchema(ctx, db); err != nil {
		return err
	}
	return ensureQuotaSchema(ctx, db)
}
