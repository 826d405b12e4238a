package services

import (
	"context"
	"os"
	"sync"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
)

// CounterResult is the outcome of one fixed-window check.
type CounterResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// CounterStore buckets request counts per key over fixed windows. The
// in-memory implementation is process-local; RedisCounterStore is the
// drop-in shared backend for multi-instance deployments.
type CounterStore interface {
	Check(ctx context.Context, key string, window time.Duration, maxRequests int) (CounterResult, error)
	Reset(ctx context.Context, key string) error
	Len() int
}

type counterEntry struct {
	count   int
	resetAt time.Time
}

// MemoryCounterStore counts with a fixed window per key. Counting is
// deliberately fixed-window rather than sliding: it tolerates some
// burstiness at window edges in exchange for one map lookup per request.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry

	now           func() time.Time
	sweepInterval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func NewMemoryCounterStore(sweepInterval time.Duration, now func() time.Time) *MemoryCounterStore {
	if now == nil {
		now = time.Now
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &MemoryCounterStore{
		entries:       make(map[string]*counterEntry),
		now:           now,
		sweepInterval: sweepInterval,
		done:          make(chan struct{}),
	}
}

func (s *MemoryCounterStore) Check(_ context.Context, key string, window time.Duration, maxRequests int) (CounterResult, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists || now.After(entry.resetAt) {
		// Fresh window. A stale entry the sweeper has not reached yet is
		// reset transparently here.
		entry = &counterEntry{count: 1, resetAt: now.Add(window)}
		s.entries[key] = entry
		return CounterResult{Allowed: true, Remaining: maxRequests - 1, ResetAt: entry.resetAt}, nil
	}

	entry.count++
	if entry.count > maxRequests {
		return CounterResult{Allowed: false, Remaining: 0, ResetAt: entry.resetAt}, nil
	}

	return CounterResult{Allowed: true, Remaining: maxRequests - entry.count, ResetAt: entry.resetAt}, nil
}

func (s *MemoryCounterStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartSweeper launches the background expiry sweep. Owned by the store
// lifecycle so tests can drive it with a short interval and a fake clock.
func (s *MemoryCounterStore) StartSweeper() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.done:
				return
			}
		}
	}()
}

// Sweep drops every entry whose window has passed. Bounds memory use;
// correctness does not depend on it firing promptly.
func (s *MemoryCounterStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.resetAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryCounterStore) Stop() {
	close(s.done)
	s.wg.Wait()
}

// CounterService owns the process-wide counter store and its sweeper.
type CounterService struct {
	appContext.DefaultService

	store         CounterStore
	memory        *MemoryCounterStore
	sweepInterval time.Duration
	backend       string
}

const COUNTER_SVC = "counter_svc"

func (svc CounterService) Id() string {
	return COUNTER_SVC
}

func (svc *CounterService) Configure(ctx *appContext.Context) error {
	svc.sweepInterval = 5 * time.Minute
	if v := os.Getenv("RATE_LIMIT_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			svc.sweepInterval = d
		} else {
			log.Warnf("Invalid RATE_LIMIT_SWEEP_INTERVAL %q, using default", v)
		}
	}

	svc.backend = os.Getenv("RATE_LIMIT_BACKEND")
	return svc.DefaultService.Configure(ctx)
}

func (svc *CounterService) Start() error {
	if svc.backend == "redis" {
		redisSvc := svc.Service(REDIS_SVC).(*RedisService)
		svc.store = NewRedisCounterStore(redisSvc.GetClient())
		log.Info("Rate limit counters backed by redis (shared across instances)")
		return nil
	}

	svc.memory = NewMemoryCounterStore(svc.sweepInterval, nil)
	svc.memory.StartSweeper()
	svc.store = svc.memory
	log.Info("Rate limit counters kept in process memory (per-instance limits)")
	return nil
}

func (svc *CounterService) Shutdown() {
	if svc.memory != nil {
		svc.memory.Stop()
	}
}

func (svc *CounterService) Store() CounterStore {
	return svc.store
}
