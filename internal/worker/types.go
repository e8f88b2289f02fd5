package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/distbuild/internal/job"
)

// Executor runs one job. A returned error is an infrastructure failure and
// is reported as a system error; an ordinary build failure is a Result with
// Success false.
type Executor interface {
	Execute(ctx context.Context, j *job.Job) (job.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, j *job.Job) (job.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, j *job.Job) (job.Result, error) {
	return f(ctx, j)
}

// Observer is told about every executed job.
type Observer interface {
	ObserveJob(success, systemError bool, d time.Duration)
}
