// Package queue implements the capability-matched FIFO with retry
// accounting and dead-letter described in §4.5.
//
// Grounded on the teacher's scheduler job-dispatch-and-retry shape
// (dispatch, track outcome, reschedule on reconnect), generalized here to
// an explicit pending/running/completed/dead-letter state machine.
// ScanTimeouts is the periodic sweep; the caller schedules it on a
// gocron.DurationJob rather than cron-expression policy jobs, matching the
// teacher's duration-based scheduling for this kind of fixed-interval scan.
package queue

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/shared/types"
)

// Queue holds jobs awaiting a capable worker, tracks in-flight jobs, and
// dead-letters jobs whose timeout count reaches MaxRetries.
type Queue struct {
	mu         sync.Mutex
	pending    []*types.Job
	running    map[string]*types.Job // keyed by runId
	completed  map[string]*types.Job // bounded, keyed by runId
	deadLetter []*types.Job
	logger     *zap.Logger

	maxCompleted int
}

// New constructs an empty Queue.
func New(logger *zap.Logger) *Queue {
	return &Queue{
		running:      make(map[string]*types.Job),
		completed:    make(map[string]*types.Job),
		logger:       logger,
		maxCompleted: 1000,
	}
}

// Enqueue appends job to the tail of the pending list.
func (q *Queue) Enqueue(job *types.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = types.JobPending
	q.pending = append(q.pending, job)
}

// Dequeue scans pending for the first job whose RequiredCapabilities is a
// subset of have, removing and returning it. Returns nil if none matches.
func (q *Queue) Dequeue(have map[string]struct{}) *types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.pending {
		if job.RequiredCapabilitiesSubsetOf(have) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return job
		}
	}
	return nil
}

// MarkRunning moves job into the running map and stamps StartedAt. nodeID
// is accepted but not recorded on the job.
func (q *Queue) MarkRunning(job *types.Job, nodeID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = types.JobRunning
	job.StartedAt = time.Now()
	q.running[job.RunID] = job
}

// MarkComplete moves runId's record from running to completed, bounding
// the completed map by evicting an arbitrary entry once maxCompleted is
// exceeded (a monitor-level detail, not an invariant the spec constrains).
func (q *Queue) MarkComplete(runID string, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.running[runID]
	if !ok {
		return
	}
	delete(q.running, runID)

	if success {
		job.Status = types.JobSuccess
	} else {
		job.Status = types.JobFailed
	}
	q.completed[runID] = job

	if len(q.completed) > q.maxCompleted {
		for k := range q.completed {
			delete(q.completed, k)
			break
		}
	}
}

// MarkTimeout increments runId's retry count. Once RetryCount reaches
// MaxRetries the job moves to the dead-letter list; otherwise it returns to
// the tail of pending. A runId already removed from running is a no-op —
// the timeout scanner is idempotent per §5.
func (q *Queue) MarkTimeout(runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.running[runID]
	if !ok {
		return
	}
	delete(q.running, runID)

	job.RetryCount++
	if job.RetryCount >= job.MaxRetries {
		job.Status = types.JobDead
		q.deadLetter = append(q.deadLetter, job)
		q.logger.Warn("job moved to dead-letter", zap.String("jobId", job.JobID), zap.Int("retryCount", job.RetryCount))
		return
	}

	job.Status = types.JobPending
	q.pending = append(q.pending, job)
}

// ScanTimeouts walks the running map and times out every record whose
// StartedAt is older than its TimeoutMs. Intended to run every 5s.
func (q *Queue) ScanTimeouts() {
	now := time.Now()

	q.mu.Lock()
	var expired []string
	for runID, job := range q.running {
		if now.Sub(job.StartedAt) > time.Duration(job.TimeoutMs)*time.Millisecond {
			expired = append(expired, runID)
		}
	}
	q.mu.Unlock()

	for _, runID := range expired {
		q.MarkTimeout(runID)
	}
}

// DeadLetterSnapshot returns a copy of the dead-letter list.
func (q *Queue) DeadLetterSnapshot() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Job, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// PendingLen reports the current pending queue depth, used by /api/status.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RunningLen reports the current in-flight count, used by /api/status.
func (q *Queue) RunningLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

