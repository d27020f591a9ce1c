package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/shared/types"
)

func newJob(caps ...string) *types.Job {
	required := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		required[c] = struct{}{}
	}
	return &types.Job{
		JobID:                uuid.NewString(),
		RunID:                uuid.NewString(),
		RequiredCapabilities: required,
		TimeoutMs:            1000,
		MaxRetries:           2,
	}
}

func TestEnqueueDequeueMatchesOnCapabilitySubset(t *testing.T) {
	q := New(zap.NewNop())
	job := newJob("python-3.11")
	q.Enqueue(job)

	require.Nil(t, q.Dequeue(map[string]struct{}{"docker": {}}))
	require.Equal(t, 1, q.PendingLen())

	got := q.Dequeue(map[string]struct{}{"python-3.11": {}, "docker": {}})
	require.NotNil(t, got)
	require.Equal(t, job.JobID, got.JobID)
	require.Equal(t, 0, q.PendingLen())
}

func TestMarkRunningThenMarkCompleteSuccess(t *testing.T) {
	q := New(zap.NewNop())
	job := q.Dequeue(nil)
	require.Nil(t, job)

	job = newJob()
	q.Enqueue(job)
	job = q.Dequeue(map[string]struct{}{})
	require.NotNil(t, job)

	q.MarkRunning(job, "node-1")
	require.Equal(t, 1, q.RunningLen())

	q.MarkComplete(job.RunID, true)
	require.Equal(t, 0, q.RunningLen())
	require.Equal(t, types.JobSuccess, job.Status)
}

func TestMarkTimeoutRetriesUntilDeadLetter(t *testing.T) {
	q := New(zap.NewNop())
	job := newJob()
	job.MaxRetries = 2
	q.Enqueue(job)
	job = q.Dequeue(map[string]struct{}{})
	q.MarkRunning(job, "node-1")

	// First timeout: retried, back in pending.
	q.MarkTimeout(job.RunID)
	require.Equal(t, 1, q.PendingLen())
	require.Empty(t, q.DeadLetterSnapshot())

	requeued := q.Dequeue(map[string]struct{}{})
	require.NotNil(t, requeued)
	require.Equal(t, 1, requeued.RetryCount)
	q.MarkRunning(requeued, "node-1")

	// Second timeout hits MaxRetries: dead-lettered, not requeued.
	q.MarkTimeout(requeued.RunID)
	require.Equal(t, 0, q.PendingLen())
	dead := q.DeadLetterSnapshot()
	require.Len(t, dead, 1)
	require.Equal(t, types.JobDead, dead[0].Status)
	require.Equal(t, 2, dead[0].RetryCount)
}

func TestMarkTimeoutOnUnknownRunIDIsNoop(t *testing.T) {
	q := New(zap.NewNop())
	q.MarkTimeout("does-not-exist")
	require.Equal(t, 0, q.PendingLen())
	require.Empty(t, q.DeadLetterSnapshot())
}

func TestScanTimeoutsExpiresOverdueRunningJobs(t *testing.T) {
	q := New(zap.NewNop())
	job := newJob()
	job.TimeoutMs = 10
	job.MaxRetries = 1
	q.Enqueue(job)
	job = q.Dequeue(map[string]struct{}{})
	q.MarkRunning(job, "node-1")
	job.StartedAt = time.Now().Add(-1 * time.Hour)

	q.ScanTimeouts()
	require.Equal(t, 0, q.RunningLen())
	require.Len(t, q.DeadLetterSnapshot(), 1)
}
