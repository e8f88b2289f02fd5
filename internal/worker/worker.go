// ============================================================================
// distbuild Worker - job execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine that claims jobs from the source, runs them and
//           returns them, until its context is cancelled.
//
// Loop:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ wait until pool enabled      │   │
//   │  │ WaitForJob (blocks if idle)  │   │
//   │  │   ├─ context with timeout    │   │
//   │  │   ├─ executor.Execute(job)   │   │
//   │  │   └─ FinishedProcessingJob   │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Build failure: Result.Success false, diagnostics on the job
//   - Executor error, timeout or panic: system error on the job
//   Either way the job is returned to the source and the loop continues.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/distbuild/internal/job"
)

// Worker is one executor goroutine.
type Worker struct {
	id       int
	source   JobSource
	exec     Executor
	timeout  time.Duration
	gate     *gate
	observer Observer
	log      *slog.Logger
	busy     func(delta int)
}

// Run claims and executes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		waitCtx, cancel, err := w.gate.wait(ctx)
		if err != nil {
			return
		}
		j, err := w.source.WaitForJob(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// disabled while idle
			continue
		}

		w.process(ctx, j)
	}
}

func (w *Worker) process(ctx context.Context, j *job.Job) {
	if w.busy != nil {
		w.busy(1)
		defer w.busy(-1)
	}

	start := time.Now()
	res, err := w.execute(ctx, j)
	if err != nil {
		j.Errorf("system error on worker %d: %v", w.id, err)
		j.OnSystemError()
		res = job.Result{Success: false}
	}
	res.BuildTime = time.Since(start)

	if w.observer != nil {
		w.observer.ObserveJob(res.Success, err != nil, res.BuildTime)
	}
	w.log.Debug("job finished", "worker", w.id, "job", j.ID(), "target", j.Target().Name,
		"success", res.Success, "duration", res.BuildTime)

	if ferr := w.source.FinishedProcessingJob(j, res); ferr != nil {
		w.log.Warn("returning job failed", "worker", w.id, "job", j.ID(), "err", ferr)
	}
}

func (w *Worker) execute(ctx context.Context, j *job.Job) (res job.Result, err error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	res, err = w.exec.Execute(ctx, j)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job exceeded %s", w.timeout)
	}
	return res, err
}
