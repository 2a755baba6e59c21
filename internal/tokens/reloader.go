package tokens

import (
	"context"
	"time"

	"invoice-export/internal/infra/logging"
)

// Repository loads the authoritative token table.
type Repository interface {
	LoadTokens(ctx context.Context) (map[string]Entry, error)
}

// Reloader refreshes a Cache from a Repository. A failed load keeps the
// previous table so a database outage does not lock every client out.
type Reloader struct {
	repo     Repository
	cache    *Cache
	interval time.Duration
}

// NewReloader wires a reloader. interval <= 0 falls back to one minute.
func NewReloader(repo Repository, cache *Cache, interval time.Duration) *Reloader {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reloader{repo: repo, cache: cache, interval: interval}
}

// LoadOnce performs a single refresh.
func (r *Reloader) LoadOnce(ctx context.Context) error {
	m, err := r.repo.LoadTokens(ctx)
	if err != nil {
		return err
	}
	r.cache.Replace(m)
	return nil
}

// Start refreshes on every tick until ctx is done. It does not block.
func (r *Reloader) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.LoadOnce(ctx); err != nil {
					logging.Error("Failed to reload API tokens", "error", err)
					continue
				}
				logging.Debug("API tokens reloaded", "count", r.cache.Len())
			case <-ctx.Done():
				return
			}
		}
	}()
}
