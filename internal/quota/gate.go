// Package quota answers whether an identity may export and records usage.
package quota

import (
	"context"
	"fmt"
	"sync"

	"invoice-export/internal/domain"
)

// AnonymousIdentity is the quota key for callers without an identity.
const AnonymousIdentity = "anonymous"

// ErrExhausted is returned by repositories when an increment would exceed
// the free-plan limit.
var ErrExhausted = domain.ErrQuotaExhausted

// Repository stores export quotas. Get provisions unknown identities on the
// free plan. Increment is atomic and never pushes a free plan past its limit.
type Repository interface {
	Get(ctx context.Context, identity string) (domain.ExportQuota, error)
	Increment(ctx context.Context, identity string) (domain.ExportQuota, error)
}

// Gate adapts a Repository to the export pipeline.
type Gate struct {
	repo Repository
}

func NewGate(repo Repository) *Gate {
	return &Gate{repo: repo}
}

func key(identity string) string {
	if identity == "" {
		return AnonymousIdentity
	}
	return identity
}

// CanExport reports whether identity may export one more artifact.
func (g *Gate) CanExport(ctx context.Context, identity string) (domain.QuotaDecision, error) {
	q, err := g.repo.Get(ctx, key(identity))
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("quota lookup: %w", err)
	}
	return q.Decide(), nil
}

// Increment records one export for identity.
func (g *Gate) Increment(ctx context.Context, identity string) error {
	if _, err := g.repo.Increment(ctx, key(identity)); err != nil {
		return fmt.Errorf("quota increment: %w", err)
	}
	return nil
}

// MemoryRepository keeps quotas in process. It backs local CLI runs and tests.
type MemoryRepository struct {
	mu        sync.Mutex
	freeLimit int
	quotas    map[string]domain.ExportQuota
}

func NewMemoryRepository(freeLimit int) *MemoryRepository {
	return &MemoryRepository{freeLimit: freeLimit, quotas: make(map[string]domain.ExportQuota)}
}

// SetPlan moves identity to plan. Paid plans become unlimited.
func (m *MemoryRepository) SetPlan(identity string, plan domain.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.getLocked(identity)
	q.Plan = plan
	if plan.Paid() {
		q.Limit = domain.Unlimited
	} else {
		q.Limit = m.freeLimit
	}
	m.quotas[identity] = q
}

func (m *MemoryRepository) Get(ctx context.Context, identity string) (domain.ExportQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(identity), nil
}

func (m *MemoryRepository) Increment(ctx context.Context, identity string) (domain.ExportQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.getLocked(identity)
	if !q.CanExport() {
		return q, ErrExhausted
	}
	q.UsedCount++
	m.quotas[identity] = q
	return q, nil
}

func (m *MemoryRepository) getLocked(identity string) domain.ExportQuota {
	q, ok := m.quotas[identity]
	if !ok {
		q = domain.ExportQuota{Identity: identity, Plan: domain.PlanFree, Limit: m.freeLimit}
		m.quotas[identity] = q
	}
	return q
}
