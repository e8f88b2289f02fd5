// ============================================================================
// distbuild Worker Pool - concurrent job executors
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// Architecture:
//   ┌─────────────┐
//   │  Server     │ --QueueJob()--> JobSource (jobqueue)
//   └─────────────┘                    │  ▲
//                                 claim │  │ FinishedProcessingJob
//   ┌─────────────┐                    ▼  │
//   │   Pool      │   Worker 1 ──────────┤
//   │   (gate)    │   Worker 2 ──────────┤
//   │             │   Worker N ──────────┘
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()        - configure source, executor, worker count
//   2. Start(ctx)       - launch N worker goroutines
//   3. SetEnabled(bool) - administratively pause or resume claiming
//   4. Stop()           - cancel workers and wait for running jobs
//
// Capacity:
//   Capacity() is what the server advertises to clients: the worker count
//   while enabled, zero while disabled.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolClosed is returned by Start after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers    int
	JobTimeout time.Duration
	Observer   Observer
	Logger     *slog.Logger
}

// Pool runs a fixed number of workers against one JobSource.
type Pool struct {
	source JobSource
	exec   Executor
	cfg    PoolConfig
	gate   *gate
	log    *slog.Logger

	busy atomic.Int32

	mu      sync.Mutex
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewPool returns a stopped, enabled pool.
func NewPool(source JobSource, exec Executor, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source: source,
		exec:   exec,
		cfg:    cfg,
		gate:   newGate(true),
		log:    logger.With("component", "worker"),
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		w := &Worker{
			id:       i,
			source:   p.source,
			exec:     p.exec,
			timeout:  p.cfg.JobTimeout,
			gate:     p.gate,
			observer: p.cfg.Observer,
			log:      p.log,
			busy:     func(d int) { p.busy.Add(int32(d)) },
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	p.log.Info("worker pool started", "workers", p.cfg.Workers, "job_timeout", p.cfg.JobTimeout)
	return nil
}

// Stop cancels every worker and waits for running jobs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

// SetEnabled pauses or resumes job claiming. Jobs already running finish.
func (p *Pool) SetEnabled(enabled bool) {
	if p.gate.set(enabled) {
		p.log.Info("worker pool availability changed", "enabled", enabled)
	}
}

// Enabled reports whether workers may claim jobs.
func (p *Pool) Enabled() bool {
	return p.gate.isOpen()
}

// Capacity is the number of jobs this worker accepts at once.
func (p *Pool) Capacity() int {
	if !p.gate.isOpen() {
		return 0
	}
	return p.cfg.Workers
}

// Busy is the number of jobs executing right now.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// WorkerCount returns the number of started workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ============================================================================
// gate
// ============================================================================

// gate blocks workers while the pool is disabled. changed is closed and
// replaced on every transition.
type gate struct {
	mu      sync.Mutex
	open    bool
	changed chan struct{}
}

func newGate(open bool) *gate {
	return &gate{open: open, changed: make(chan struct{})}
}

// set reports whether the state changed.
func (g *gate) set(open bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == open {
		return false
	}
	g.open = open
	close(g.changed)
	g.changed = make(chan struct{})
	return true
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// wait blocks until the gate is open and returns a context that is cancelled
// as soon as the gate closes again.
func (g *gate) wait(ctx context.Context) (context.Context, context.CancelFunc, error) {
	for {
		g.mu.Lock()
		open, changed := g.open, g.changed
		g.mu.Unlock()

		if open {
			waitCtx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-changed:
					cancel()
				case <-waitCtx.Done():
				}
			}()
			return waitCtx, cancel, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}
