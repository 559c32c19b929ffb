// Package refresh runs background cache refreshes on a bounded worker
// pool. Scheduling is keyed: while a refresh for a cache key is queued
// or running, further schedules for that key coalesce into it. The pool
// never blocks its callers — a full queue drops the refresh and the
// stale entry simply gets another chance on the next resolve.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/grimoire/config"
	"github.com/teranos/grimoire/logger"
)

// Config sizes the pool
type Config struct {
	// Workers is the number of concurrent refresh goroutines
	Workers int
	// QueueSize bounds refreshes waiting for a worker
	QueueSize int
	// StopTimeout bounds how long Stop waits for in-flight refreshes
	StopTimeout time.Duration
}

// DefaultConfig returns the stock pool shape: 20 workers, 256 queued
// refreshes, 30 seconds of shutdown grace.
func DefaultConfig() Config {
	return Config{
		Workers:     20,
		QueueSize:   256,
		StopTimeout: 30 * time.Second,
	}
}

// ConfigFromApp maps the loaded application config onto pool sizing
func ConfigFromApp(c *config.Config) Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	if c.Refresh.Workers > 0 {
		cfg.Workers = c.Refresh.Workers
	}
	if c.Refresh.QueueSize > 0 {
		cfg.QueueSize = c.Refresh.QueueSize
	}
	if c.Refresh.StopTimeoutSeconds > 0 {
		cfg.StopTimeout = time.Duration(c.Refresh.StopTimeoutSeconds) * time.Second
	}
	return cfg
}

type task struct {
	key string
	run func(ctx context.Context)
}

// Pool is the bounded background refresh executor
type Pool struct {
	cfg    Config
	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	active  int
	started bool
}

// New builds a pool whose workers inherit cancellation from parent
func New(parent context.Context, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		cfg:     cfg,
		queue:   make(chan task, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]struct{}),
	}
}

// Start spawns the workers. Memory pressure is checked once here so an
// oversized worker count shows up in the logs, not as a surprise later.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if warning := checkMemoryPressure(p.cfg.Workers); warning != "" {
		logger.RefreshWarnw("memory pressure warning",
			logger.FieldReason, warning,
			"workers", p.cfg.Workers,
		)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	logger.RefreshInfow("refresh pool started",
		"workers", p.cfg.Workers,
		"queue_size", p.cfg.QueueSize,
	)
}

// Schedule enqueues a background refresh for the key. Returns false
// when the refresh was not accepted: one is already queued or running
// for this key, the queue is full, or the pool is shutting down.
func (p *Pool) Schedule(key string, run func(ctx context.Context)) bool {
	if p.ctx.Err() != nil {
		return false
	}

	p.mu.Lock()
	if _, dup := p.pending[key]; dup {
		p.mu.Unlock()
		return false
	}
	p.pending[key] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- task{key: key, run: run}:
		return true
	default:
		p.clearPending(key)
		logger.RefreshWarnw("refresh queue full, dropping",
			logger.FieldCacheKey, key,
		)
		return false
	}
}

// Stop cancels workers and waits for in-flight refreshes up to the
// configured grace. Refreshes still running at the deadline keep their
// cancelled context and wind down on their own.
func (p *Pool) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.RefreshInfow("refresh pool stopped")
	case <-time.After(p.cfg.StopTimeout):
		logger.RefreshWarnw("refresh pool stop timed out",
			logger.FieldRetryAfter, p.cfg.StopTimeout.String(),
		)
	}
}

// Stats reports the pool's current shape for diagnostics
type Stats struct {
	WorkersTotal  int     `json:"workers_total"`
	WorkersActive int     `json:"workers_active"`
	QueueDepth    int     `json:"queue_depth"`
	QueueCapacity int     `json:"queue_capacity"`
	PendingKeys   int     `json:"pending_keys"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
}

// Stats snapshots pool and system state
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	active := p.active
	pending := len(p.pending)
	p.mu.Unlock()

	s := Stats{
		WorkersTotal:  p.cfg.Workers,
		WorkersActive: active,
		QueueDepth:    len(p.queue),
		QueueCapacity: p.cfg.QueueSize,
		PendingKeys:   pending,
	}
	if total, available, err := memoryStats(); err == nil && total > 0 {
		s.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		s.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
	}
	return s
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			p.setActive(1)
			t.run(p.ctx)
			p.setActive(-1)
			p.clearPending(t.key)
		}
	}
}

func (p *Pool) setActive(delta int) {
	p.mu.Lock()
	p.active += delta
	p.mu.Unlock()
}

func (p *Pool) clearPending(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}
