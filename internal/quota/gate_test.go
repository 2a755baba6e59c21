package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoice-export/internal/domain"
)

func TestGate_FreePlanCountsDownToPaywall(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryRepository(2))

	for i, want := range []int{2, 1} {
		d, err := g.CanExport(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, d.CanExport, "export %d", i)
		assert.Equal(t, want, d.ExportsRemaining)
		require.NoError(t, g.Increment(ctx, "u1"))
	}

	d, err := g.CanExport(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.CanExport)
	assert.Equal(t, 0, d.ExportsRemaining)
	assert.Contains(t, d.Reason, "limit of 2")

	err = g.Increment(ctx, "u1")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestGate_PaidPlanIsUnlimited(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(1)
	repo.SetPlan("pro", domain.PlanPremium)
	g := NewGate(repo)

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Increment(ctx, "pro"))
	}
	d, err := g.CanExport(ctx, "pro")
	require.NoError(t, err)
	assert.True(t, d.CanExport)
	assert.Equal(t, domain.Unlimited, d.ExportsRemaining)
}

func TestGate_AnonymousSharesOneBucket(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(1)
	g := NewGate(repo)

	require.NoError(t, g.Increment(ctx, ""))
	q, err := repo.Get(ctx, AnonymousIdentity)
	require.NoError(t, err)
	assert.Equal(t, 1, q.UsedCount)
}

func TestMemoryRepository_ConcurrentIncrementsNeverPassLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Increment(ctx, "u"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	q, _ := repo.Get(ctx, "u")
	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, q.UsedCount)
}

type brokenRepo struct{}

func (brokenRepo) Get(context.Context, string) (domain.ExportQuota, error) {
	return domain.ExportQuota{}, errors.New("db down")
}

func (brokenRepo) Increment(context.Context, string) (domain.ExportQuota, error) {
	return domain.ExportQuota{}, errors.New("db down")
}

func TestGate_WrapsRepositoryErrors(t *testing.T) {
	g := NewGate(brokenRepo{})
	_, err := g.CanExport(context.Background(), "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota lookup: db down")

	err = g.Increment(context.Background(), "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota increment: db down")
}
