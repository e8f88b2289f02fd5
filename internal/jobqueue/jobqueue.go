// ============================================================================
// distbuild JobQueueRemote - pending / in-flight / completed job lists
// ============================================================================
//
// Package: internal/jobqueue
// File: jobqueue.go
//
// State transitions:
//   QueueJob              → Pending
//   GetJobToProcess       Pending → InFlight
//   FinishedProcessingJob InFlight → Completed (wakes the scheduler)
//   GetCompletedJob       Completed → caller (result sent or discarded)
//
// Concurrency:
//   Each list has its own mutex. Locks are taken in list order (pending,
//   in-flight, completed). A move holds the source list's lock until the job
//   is in the destination list, so CancelJobsWithUserData, which visits the
//   lists in the same order, never misses a job between two lists.
//   Workers block in WaitForJob on a counting signal; the scheduler selects
//   on Completed() to drain results without waiting for its next tick.
//
// ============================================================================

package jobqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/distbuild/internal/job"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

var (
	// ErrNotInFlight is returned when finishing a job no worker claimed.
	ErrNotInFlight = errors.New("jobqueue: job not in flight")
)

// Stats is a point-in-time view of the list lengths.
type Stats struct {
	Pending   int
	InFlight  int
	Completed int
}

// Queue is the worker side job queue.
type Queue struct {
	pendingMu sync.Mutex
	pending   []*job.Job

	inFlightMu sync.Mutex
	inFlight   []*job.Job

	completedMu sync.Mutex
	completed   []*job.Job

	// available holds at most one token; a worker that takes a job re-arms
	// it while work remains, so tokens never get lost.
	available chan struct{}
	// done wakes the scheduler after a job completes.
	done chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		available: make(chan struct{}, 1),
		done:      make(chan struct{}, 1),
	}
}

// QueueJob appends j to the pending list and wakes one waiting worker.
func (q *Queue) QueueJob(j *job.Job) {
	j.SetState(types.StatePending)

	q.pendingMu.Lock()
	q.pending = append(q.pending, j)
	q.pendingMu.Unlock()

	notify(q.available)
}

// GetJobToProcess claims the oldest pending job, or returns nil when none
// is pending. It never blocks.
func (q *Queue) GetJobToProcess() *job.Job {
	q.pendingMu.Lock()
	if len(q.pending) == 0 {
		q.pendingMu.Unlock()
		return nil
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	more := len(q.pending) > 0

	j.SetState(types.StateInFlight)
	q.inFlightMu.Lock()
	q.inFlight = append(q.inFlight, j)
	q.inFlightMu.Unlock()
	q.pendingMu.Unlock()

	if more {
		notify(q.available)
	}
	return j
}

// WaitForJob blocks until a job can be claimed or ctx is done.
func (q *Queue) WaitForJob(ctx context.Context) (*job.Job, error) {
	for {
		if j := q.GetJobToProcess(); j != nil {
			return j, nil
		}
		select {
		case <-q.available:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// FinishedProcessingJob records r on j and moves it from in-flight to
// completed.
func (q *Queue) FinishedProcessingJob(j *job.Job, r job.Result) error {
	q.inFlightMu.Lock()
	idx := indexOf(q.inFlight, j)
	if idx < 0 {
		q.inFlightMu.Unlock()
		return ErrNotInFlight
	}
	q.inFlight = remove(q.inFlight, idx)

	j.SetResult(r)
	j.SetState(types.StateCompleted)

	q.completedMu.Lock()
	q.completed = append(q.completed, j)
	q.completedMu.Unlock()
	q.inFlightMu.Unlock()

	notify(q.done)
	return nil
}

// GetCompletedJob pops the oldest completed job, or nil. It never blocks.
func (q *Queue) GetCompletedJob() *job.Job {
	q.completedMu.Lock()
	defer q.completedMu.Unlock()

	if len(q.completed) == 0 {
		return nil
	}
	j := q.completed[0]
	q.completed[0] = nil
	q.completed = q.completed[1:]
	return j
}

// Completed signals after at least one job finished since the last receive.
func (q *Queue) Completed() <-chan struct{} {
	return q.done
}

// CancelJobsWithUserData drops every pending job owned by owner and detaches
// owner from its in-flight and completed jobs, whose results are then
// discarded. It returns the number of dropped jobs.
func (q *Queue) CancelJobsWithUserData(owner types.ClientID) int {
	if owner == types.NoClient {
		return 0
	}

	q.pendingMu.Lock()
	kept := q.pending[:0]
	dropped := 0
	for _, j := range q.pending {
		if j.Owner() == owner {
			dropped++
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	q.pendingMu.Unlock()

	q.inFlightMu.Lock()
	for _, j := range q.inFlight {
		j.ClearOwner(owner)
	}
	q.inFlightMu.Unlock()

	q.completedMu.Lock()
	for _, j := range q.completed {
		j.ClearOwner(owner)
	}
	q.completedMu.Unlock()

	return dropped
}

// Stats returns the current list lengths.
func (q *Queue) Stats() Stats {
	var s Stats
	q.pendingMu.Lock()
	s.Pending = len(q.pending)
	q.pendingMu.Unlock()
	q.inFlightMu.Lock()
	s.InFlight = len(q.inFlight)
	q.inFlightMu.Unlock()
	q.completedMu.Lock()
	s.Completed = len(q.completed)
	q.completedMu.Unlock()
	return s
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func indexOf(list []*job.Job, j *job.Job) int {
	for i, x := range list {
		if x == j {
			return i
		}
	}
	return -1
}

func remove(list []*job.Job, i int) []*job.Job {
	copy(list[i:], list[i+1:])
	list[len(list)-1] = nil
	return list[:len(list)-1]
}
