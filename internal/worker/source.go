// ============================================================================
// distbuild Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines where workers claim jobs and where they return them.
//
//   The server wires a *jobqueue.Queue; tests wire fakes.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/distbuild/internal/job"
)

// JobSource hands pending jobs to workers and takes them back when done.
type JobSource interface {
	// WaitForJob blocks until a job is claimed or ctx is done.
	WaitForJob(ctx context.Context) (*job.Job, error)

	// FinishedProcessingJob records the outcome of a claimed job.
	FinishedProcessingJob(j *job.Job, r job.Result) error
}
