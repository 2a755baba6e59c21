// Package ratelimit provides the storage behind the fiber limiter middleware.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"

	"invoice-export/internal/infra/logging"
)

// RedisConfig selects the shared limiter store. An empty Addr keeps the
// counters in process.
type RedisConfig struct {
	Addr string
	DB   int
	// SweepInterval is how often the in-process fallback evicts expired keys.
	SweepInterval time.Duration
}

// NewStore returns a Redis-backed store, or a MemoryStore when Redis is not
// configured or cannot be reached. It never returns nil.
func NewStore(cfg RedisConfig) (store fiber.Storage) {
	fallback := func() fiber.Storage {
		return NewMemoryStore(WithSweepInterval(cfg.SweepInterval))
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fallback()
	}

	// The redis storage panics when the initial ping fails.
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Redis limiter store init panicked, falling back to memory", "panic", r, "addr", cfg.Addr)
			store = fallback()
		}
	}()
	store = redisStorage.New(redisStorage.Config{
		Addrs:    []string{cfg.Addr},
		Database: cfg.DB,
	})
	logging.Info("Using Redis for rate limiting", "addr", cfg.Addr, "db", cfg.DB)
	return store
}

type entry struct {
	val []byte
	exp time.Time // zero means no expiry
}

// MemoryStore is a fiber.Storage with per-key TTL, owned by the caller
// instead of living in a package global. Expired keys are invisible to Get
// immediately and are physically removed by Sweep.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a MemoryStore.
type Option func(*memoryOptions)

type memoryOptions struct {
	now   func() time.Time
	sweep time.Duration
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *memoryOptions) { o.now = now }
}

// WithSweepInterval starts a background sweeper. d <= 0 disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(o *memoryOptions) { o.sweep = d }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := memoryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	s := &MemoryStore{items: make(map[string]entry), now: o.now, stop: make(chan struct{})}
	if o.sweep > 0 {
		go s.sweepLoop(o.sweep)
	}
	return s
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || s.expired(e) {
		return nil, nil
	}
	return e.val, nil
}

func (s *MemoryStore) Set(key string, val []byte, exp time.Duration) error {
	if key == "" || len(val) == 0 {
		return nil
	}
	e := entry{val: append([]byte(nil), val...)}
	if exp > 0 {
		e.exp = s.now().Add(exp)
	}
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	s.items = make(map[string]entry)
	s.mu.Unlock()
	return nil
}

// Close stops the sweeper. The data stays readable.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Sweep removes expired keys and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.items {
		if s.expired(e) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// Len counts stored keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryStore) expired(e entry) bool {
	return !e.exp.IsZero() && !s.now().Before(e.exp)
}

func (s *MemoryStore) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				logging.Debug("Rate limit store swept", "evicted", n)
			}
		case <-s.stop:
			return
		}
	}
}
