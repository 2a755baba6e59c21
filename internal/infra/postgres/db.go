package postgres

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"invoice-export/internal/config"
)

// DB keeps a single *sql.DB for the most recently requested DSN.
type DB struct {
	mu  sync.Mutex
	dsn string
	db  *sql.DB
}

// NewDB returns an empty manager. Connections are opened lazily by Get.
func NewDB() *DB {
	return &DB{}
}

// Get returns the pool for dsn, replacing the current one when the DSN changed.
// sql.Open does not dial, so reachability is checked by the first query.
func (p *DB) Get(dsn string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil && p.dsn == dsn {
		return p.db, nil
	}
	if p.db != nil {
		_ = p.db.Close()
		p.db = nil
		p.dsn = ""
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// This is a small, low-throughput control plane database.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	p.db = db
	p.dsn = dsn
	return p.db, nil
}

// Close closes the current pool, if any.
func (p *DB) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	p.dsn = ""
	return err
}

// DSN builds a postgres:// URL from cfg. A host that already is a URL is used as is.
func DSN(cfg config.PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("postgres host is empty")
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("postgres database is empty")
	}
	if cfg.User == "" {
		return "", fmt.Errorf("postgres user is empty")
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	hostPort := cfg.Host
	// Handle IPv6 or explicit host:port strings.
	switch {
	case strings.HasPrefix(hostPort, "["):
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	case strings.Count(hostPort, ":") >= 2:
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	case !strings.Contains(hostPort, ":"):
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
