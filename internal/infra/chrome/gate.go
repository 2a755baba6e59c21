package chrome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"invoice-export/internal/domain"
)

// ErrGateClosed is returned by Acquire after Close.
var ErrGateClosed = errors.New("render gate closed")

// Gate bounds how many browsers may run at once. Callers queue for a slot for
// at most the queue timeout and are then rejected with domain.ErrBusy.
type Gate struct {
	sem          chan struct{}
	queueTimeout time.Duration

	mu     sync.Mutex
	closed bool

	rejected atomic.Int64
	admitted atomic.Int64
}

// GateStats is a point-in-time view of the gate.
type GateStats struct {
	Enabled      bool  `json:"enabled"`
	Capacity     int   `json:"capacity"`
	Idle         int   `json:"idle"`
	InUse        int   `json:"in_use"`
	Admitted     int64 `json:"admitted"`
	Rejected     int64 `json:"rejected"`
	QueueTimeout int64 `json:"queue_timeout_ms"`
}

// NewGate creates a gate with size slots.
func NewGate(size int, queueTimeout time.Duration) *Gate {
	size = ResolvePoolSize(size)
	g := &Gate{sem: make(chan struct{}, size), queueTimeout: queueTimeout}
	for i := 0; i < size; i++ {
		g.sem <- struct{}{}
	}
	return g
}

// Acquire waits for a free slot. The returned release func must be called
// exactly once when the browser for this slot has been torn down.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, ErrGateClosed
	}

	waitCtx := ctx
	if g.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.queueTimeout)
		defer cancel()
	}

	select {
	case <-g.sem:
		g.admitted.Add(1)
		var once sync.Once
		return func() {
			once.Do(func() { g.sem <- struct{}{} })
		}, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.rejected.Add(1)
		return nil, fmt.Errorf("%w: no slot within %s", domain.ErrBusy, g.queueTimeout)
	}
}

// Stats reports capacity and usage.
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()

	capacity := cap(g.sem)
	idle := len(g.sem)
	return GateStats{
		Enabled:      !closed,
		Capacity:     capacity,
		Idle:         idle,
		InUse:        capacity - idle,
		Admitted:     g.admitted.Load(),
		Rejected:     g.rejected.Load(),
		QueueTimeout: g.queueTimeout.Milliseconds(),
	}
}

// Close stops admitting new work. It is idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
