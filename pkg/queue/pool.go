// Package queue runs the in-process TOOL worker pool: polling workers
// that lease pending tickets and execute them, plus the background lease
// reclaimer that returns expired leases to the queue.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/store"
)

// Config sizes the pool.
type Config struct {
	WorkerCount     int
	PollInterval    time.Duration
	LeaseSec        int
	ReclaimInterval time.Duration
}

// WorkerPool manages the queue workers and the lease reclaimer.
type WorkerPool struct {
	store    *store.Store
	executor ToolExecutor
	config   Config
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	mu              sync.Mutex
	lastReclaimScan time.Time
	leasesReclaimed int
}

// NewWorkerPool creates a worker pool over the store.
func NewWorkerPool(st *store.Store, executor ToolExecutor, cfg Config) *WorkerPool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseSec <= 0 {
		cfg.LeaseSec = store.DefaultLeaseSec
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 5 * time.Second
	}
	return &WorkerPool{
		store:    st,
		executor: executor,
		config:   cfg,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the worker goroutines and the lease reclaimer. Safe to
// call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		worker := NewWorker(fmt.Sprintf("worker-%d", i), p.store, p.executor,
			p.config.PollInterval, p.config.LeaseSec)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReclaimer(ctx)
	}()

	slog.Info("Worker pool started")
}

// Stop signals all workers to stop and waits for them to finish their
// current tickets.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")
	for _, worker := range p.workers {
		worker.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Worker pool stopped gracefully")
}

// runReclaimer periodically returns expired leases to pending.
func (p *WorkerPool) runReclaimer(ctx context.Context) {
	ticker := time.NewTicker(p.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed := p.store.ReclaimExpired()
			p.mu.Lock()
			p.lastReclaimScan = time.Now()
			p.leasesReclaimed += reclaimed
			p.mu.Unlock()
			if reclaimed > 0 {
				slog.Warn("Reclaimed expired leases", "count", reclaimed)
			}
		}
	}
}

// Health returns the current health status of the pool. A pool with no
// workers configured is healthy: execution falls to external workers.
func (p *WorkerPool) Health() *PoolHealth {
	queueDepth := len(p.store.List(store.Filter{
		Kind:   models.KindTool,
		Status: models.StatusPending,
	}))

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.mu.Lock()
	lastScan := p.lastReclaimScan
	reclaimed := p.leasesReclaimed
	p.mu.Unlock()

	return &PoolHealth{
		IsHealthy:       true,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		QueueDepth:      queueDepth,
		WorkerStats:     workerStats,
		LastReclaimScan: lastScan,
		LeasesReclaimed: reclaimed,
	}
}
