package chrome

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// networkTracker counts in-flight requests of a page from CDP network events.
type networkTracker struct {
	mu         sync.Mutex
	inflight   map[network.RequestID]struct{}
	lastChange time.Time
	now        func() time.Time
}

func newNetworkTracker() *networkTracker {
	return &networkTracker{
		inflight:   make(map[network.RequestID]struct{}),
		lastChange: time.Now(),
		now:        time.Now,
	}
}

func (t *networkTracker) handle(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.lastChange = t.now()
}

// idle reports whether nothing has been in flight for at least quiet.
func (t *networkTracker) idle(quiet time.Duration) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.inflight)
	return n == 0 && t.now().Sub(t.lastChange) >= quiet, n
}

func (t *networkTracker) waitIdle(ctx context.Context, quiet, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		ok, pending := t.idle(quiet)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("network not idle, %d request(s) in flight: %w", pending, ctx.Err())
		case <-ticker.C:
		}
	}
}
