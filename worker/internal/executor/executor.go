// Package executor runs jobs assigned to this worker node and reports their
// outcome back to the connection layer. It runs jobs sequentially (one at a
// time) to keep resource usage on the worker predictable — the control
// plane only dispatches to idle nodes (§4.2 idleNodes), so a worker should
// rarely see more than one job in flight, but Enqueue still serializes
// through a bounded channel in case a reconnect races a new assignment.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/worker/internal/sandbox"
)

// queueSize bounds how many assignments can be buffered while the previous
// job finishes.
const queueSize = 16

// JobResult is what the executor reports back for a JOB_ASSIGN, mirroring
// protocol.JobResultPayload without importing the control-plane-facing
// connection package (avoids an import cycle).
type JobResult struct {
	JobID      string
	RunID      string
	Success    bool
	Output     any
	Logs       []string
	ErrorCode  string
	ErrorMsg   string
	StartTime  int64
	EndTime    int64
	DurationMs int64
}

// AgentJobResult is what the executor reports back for an AGENT_JOB.
type AgentJobResult struct {
	JobID    string
	Success  bool
	Response string
	Error    string
}

// ResultSink receives completed job outcomes. Implemented by the connection
// client, which translates them into JOB_RESULT / AGENT_JOB_RESULT frames.
type ResultSink interface {
	SendJobResult(JobResult)
	SendAgentJobResult(AgentJobResult)
}

// JobAssignment is the internal representation of an inbound JOB_ASSIGN.
type JobAssignment struct {
	JobID     string
	RunID     string
	AgentID   string
	Input     any
	TimeoutMs int64
	Context   any
	Script    string
}

// AgentJobAssignment is the internal representation of an inbound AGENT_JOB.
type AgentJobAssignment struct {
	JobID     string
	AgentType string
	UserQuery string
	Context   any
}

type workItem struct {
	job      *JobAssignment
	agentJob *AgentJobAssignment
}

// Executor runs assigned jobs one at a time using the sandbox runner.
type Executor struct {
	runner    *sandbox.Runner
	scriptDir string
	logger    *zap.Logger
	queue     chan workItem
}

// New creates an Executor. scriptDir is where local per-agentType scripts
// are looked up for AGENT_JOB assignments (named "<agentType>.sh"); it may
// be empty if this worker never advertises any agentTypes.
func New(runner *sandbox.Runner, scriptDir string, logger *zap.Logger) *Executor {
	return &Executor{
		runner:    runner,
		scriptDir: scriptDir,
		logger:    logger.Named("executor"),
		queue:     make(chan workItem, queueSize),
	}
}

// Run processes queued jobs until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, sink ResultSink) {
	e.logger.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case item := <-e.queue:
			if item.job != nil {
				sink.SendJobResult(e.runJob(ctx, *item.job))
			} else {
				sink.SendAgentJobResult(e.runAgentJob(ctx, *item.agentJob))
			}
		}
	}
}

// Enqueue queues a JOB_ASSIGN. Returns an error if the queue is full.
func (e *Executor) Enqueue(job JobAssignment) error {
	select {
	case e.queue <- workItem{job: &job}:
		e.logger.Info("job enqueued", zap.String("job_id", job.JobID), zap.String("run_id", job.RunID))
		return nil
	default:
		return fmt.Errorf("executor: job queue full, rejecting job %s", job.JobID)
	}
}

// EnqueueAgentJob queues an AGENT_JOB. Returns an error if the queue is full.
func (e *Executor) EnqueueAgentJob(job AgentJobAssignment) error {
	select {
	case e.queue <- workItem{agentJob: &job}:
		e.logger.Info("agent job enqueued", zap.String("job_id", job.JobID), zap.String("agent_type", job.AgentType))
		return nil
	default:
		return fmt.Errorf("executor: job queue full, rejecting agent job %s", job.JobID)
	}
}

// runJob executes a JOB_ASSIGN's script in the sandbox and builds the result.
func (e *Executor) runJob(ctx context.Context, job JobAssignment) JobResult {
	start := time.Now()

	timeout := sandbox.DefaultTimeout
	if job.TimeoutMs > 0 {
		timeout = time.Duration(job.TimeoutMs) * time.Millisecond
	}
	runner := sandbox.NewRunner(timeout)

	cmd, err := e.buildCommand(job.Script, job.Input, job.Context)
	if err != nil {
		return e.jobFailure(job, start, "InvalidScript", err.Error())
	}

	result, err := runner.Run(ctx, cmd)
	end := time.Now()
	metrics := JobResult{
		JobID: job.JobID, RunID: job.RunID,
		StartTime: start.UnixMilli(), EndTime: end.UnixMilli(),
		DurationMs: end.Sub(start).Milliseconds(),
	}

	logs := []string{}
	if result != nil && result.Output != "" {
		logs = append(logs, result.Output)
	}
	metrics.Logs = logs

	if err != nil {
		metrics.Success = false
		metrics.ErrorCode = "SandboxFailure"
		metrics.ErrorMsg = err.Error()
		return metrics
	}

	metrics.Success = true
	metrics.Output = result.Output
	return metrics
}

func (e *Executor) jobFailure(job JobAssignment, start time.Time, code, msg string) JobResult {
	end := time.Now()
	return JobResult{
		JobID: job.JobID, RunID: job.RunID,
		Success:    false,
		ErrorCode:  code,
		ErrorMsg:   msg,
		StartTime:  start.UnixMilli(),
		EndTime:    end.UnixMilli(),
		DurationMs: end.Sub(start).Milliseconds(),
	}
}

// buildCommand assembles the shell command for a JOB_ASSIGN: the assigned
// script, with the job input and context passed through as JSON on stdin.
func (e *Executor) buildCommand(script string, input, ctxVal any) (string, error) {
	if script == "" {
		return "", fmt.Errorf("no script assigned")
	}
	payload, err := json.Marshal(struct {
		Input   any `json:"input"`
		Context any `json:"context"`
	}{Input: input, Context: ctxVal})
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}
	return fmt.Sprintf("%s <<'RELAYMESH_INPUT'\n%s\nRELAYMESH_INPUT", script, string(payload)), nil
}

// runAgentJob executes the local script registered for agentType, if any.
func (e *Executor) runAgentJob(ctx context.Context, job AgentJobAssignment) AgentJobResult {
	if e.scriptDir == "" {
		return AgentJobResult{JobID: job.JobID, Success: false, Error: "worker has no local agent scripts configured"}
	}

	scriptPath := filepath.Join(e.scriptDir, job.AgentType+".sh")
	if _, err := os.Stat(scriptPath); err != nil {
		return AgentJobResult{JobID: job.JobID, Success: false, Error: fmt.Sprintf("no local script for agentType %q", job.AgentType)}
	}

	result, err := e.runner.Run(ctx, fmt.Sprintf("%s %q", scriptPath, job.UserQuery))
	if err != nil {
		return AgentJobResult{JobID: job.JobID, Success: false, Error: err.Error()}
	}
	return AgentJobResult{JobID: job.JobID, Success: true, Response: result.Output}
}
