package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/worker/internal/sandbox"
)

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a posix shell command")
	}
}

type capturingSink struct {
	mu        sync.Mutex
	jobs      []JobResult
	agentJobs []AgentJobResult
}

func (s *capturingSink) SendJobResult(r JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, r)
}

func (s *capturingSink) SendAgentJobResult(r AgentJobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentJobs = append(s.agentJobs, r)
}

func (s *capturingSink) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *capturingSink) agentJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agentJobs)
}

func TestBuildCommandEmbedsInputAndContextAsJSONHeredoc(t *testing.T) {
	e := New(sandbox.NewRunner(time.Second), "", zap.NewNop())
	cmd, err := e.buildCommand("/bin/echo", map[string]any{"a": 1}, map[string]any{"b": 2})
	require.NoError(t, err)
	require.Contains(t, cmd, "/bin/echo")
	require.Contains(t, cmd, `"a":1`)
	require.Contains(t, cmd, `"b":2`)
	require.Contains(t, cmd, "RELAYMESH_INPUT")
}

func TestBuildCommandRejectsEmptyScript(t *testing.T) {
	e := New(sandbox.NewRunner(time.Second), "", zap.NewNop())
	_, err := e.buildCommand("", nil, nil)
	require.Error(t, err)
}

func TestRunJobReportsSuccessOnZeroExit(t *testing.T) {
	skipOnWindows(t)
	e := New(sandbox.NewRunner(2*time.Second), "", zap.NewNop())
	job := JobAssignment{JobID: "job-1", RunID: "run-1", Script: "cat"}
	result := e.runJob(context.Background(), job)
	require.True(t, result.Success)
	require.Equal(t, "job-1", result.JobID)
}

func TestRunJobReportsFailureOnMissingScript(t *testing.T) {
	e := New(sandbox.NewRunner(time.Second), "", zap.NewNop())
	job := JobAssignment{JobID: "job-1", RunID: "run-1"}
	result := e.runJob(context.Background(), job)
	require.False(t, result.Success)
	require.Equal(t, "InvalidScript", result.ErrorCode)
}

func TestRunAgentJobFailsWhenScriptDirUnset(t *testing.T) {
	e := New(sandbox.NewRunner(time.Second), "", zap.NewNop())
	result := e.runAgentJob(context.Background(), AgentJobAssignment{JobID: "job-1", AgentType: "travel-planner"})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "no local agent scripts")
}

func TestRunAgentJobFailsWhenNoScriptForAgentType(t *testing.T) {
	e := New(sandbox.NewRunner(time.Second), t.TempDir(), zap.NewNop())
	result := e.runAgentJob(context.Background(), AgentJobAssignment{JobID: "job-1", AgentType: "missing-agent"})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "no local script")
}

func TestRunAgentJobRunsConfiguredScript(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "travel-planner.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\necho \"got: $1\"\n"), 0o755))

	e := New(sandbox.NewRunner(2*time.Second), dir, zap.NewNop())
	result := e.runAgentJob(context.Background(), AgentJobAssignment{JobID: "job-1", AgentType: "travel-planner", UserQuery: "paris"})
	require.True(t, result.Success)
	require.Contains(t, result.Response, "paris")
}

func TestEnqueueAndRunDrainsQueueIntoSink(t *testing.T) {
	skipOnWindows(t)
	e := New(sandbox.NewRunner(2*time.Second), "", zap.NewNop())
	sink := &capturingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, sink)

	require.NoError(t, e.Enqueue(JobAssignment{JobID: "job-1", RunID: "run-1", Script: "cat"}))

	require.Eventually(t, func() bool { return sink.jobCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEnqueueReturnsErrorWhenQueueFull(t *testing.T) {
	e := New(sandbox.NewRunner(time.Second), "", zap.NewNop())
	for i := 0; i < queueSize; i++ {
		require.NoError(t, e.Enqueue(JobAssignment{JobID: "filler"}))
	}
	err := e.Enqueue(JobAssignment{JobID: "overflow"})
	require.Error(t, err)
}
