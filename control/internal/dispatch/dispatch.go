// Package dispatch implements the correlated, at-most-once in-flight
// registration of jobs to worker nodes (§4.4).
//
// The per-runId "await reply" pattern is modeled as a single-consumer
// rendezvous, per the design note in §9: a map of runId to a one-shot
// result channel and a deadline timer, with atomic single-consumer removal
// so a deadline firing and a JOB_RESULT arriving concurrently can never
// both publish an outcome.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/monitor"
	"github.com/relaymesh/relaymesh/control/internal/registry"
	"github.com/relaymesh/relaymesh/control/internal/relayerr"
	"github.com/relaymesh/relaymesh/shared/protocol"
)

// Result is the outcome delivered to a dispatch caller.
type Result struct {
	Success bool
	JobID   string
	RunID   string
	Output  any
	Logs    []string
	Error   string
	Metrics protocol.JobResultMetrics
	Memory  any
}

// ScriptSource resolves the script/context payload to enrich a JOB_ASSIGN
// frame with, per §4.4 ("enrich the frame with script from the agent
// catalogue... and context, the latest persisted agent memory").
type ScriptSource interface {
	ScriptFor(agentID string) string
	ContextFor(agentID string) any
	RememberContext(agentID string, memory any)
}

type pending struct {
	resultCh chan Result
	timer    *time.Timer
	nodeID   string
	agentID  string
	done     sync.Once
}

// Dispatcher correlates JOB_ASSIGN/JOB_RESULT exchanges by runId.
type Dispatcher struct {
	reg     *registry.Registry
	scripts ScriptSource
	mon     *monitor.Monitor
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// New constructs a Dispatcher.
func New(reg *registry.Registry, scripts ScriptSource, mon *monitor.Monitor, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		scripts: scripts,
		mon:     mon,
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// Dispatch picks an idle node (preferring one eligible for agentID, if
// given), sends a JOB_ASSIGN, and blocks until the node replies or
// timeoutMs elapses.
func (d *Dispatcher) Dispatch(input any, agentID string, timeoutMs int64) (Result, error) {
	node := d.reg.IdleNodeForAgent(agentID)
	if node == nil {
		nodes := d.reg.IdleNodes()
		if len(nodes) == 0 {
			return Result{}, relayerr.New(relayerr.NoIdleNode, "No idle nodes available")
		}
		node = nodes[0]
	}

	jobID := uuid.NewString()
	runID := uuid.NewString()

	if timeoutMs <= 0 {
		timeoutMs = 30_000
	}

	p := &pending{resultCh: make(chan Result, 1), nodeID: node.NodeID, agentID: agentID}
	d.mu.Lock()
	d.pending[runID] = p
	d.mu.Unlock()

	p.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		d.resolve(runID, Result{Success: false, JobID: jobID, RunID: runID, Error: "Timeout"}, true)
	})

	var script string
	var ctx any
	if d.scripts != nil {
		script = d.scripts.ScriptFor(agentID)
		ctx = d.scripts.ContextFor(agentID)
	}

	ch := d.reg.ChannelOf(node.NodeID)
	if ch == nil {
		d.cancelPending(runID)
		return Result{}, relayerr.New(relayerr.NoIdleNode, "No idle nodes available")
	}

	err := ch.Send(string(protocol.TypeJobAssign), protocol.JobAssignPayload{
		JobID:     jobID,
		RunID:     runID,
		AgentID:   agentID,
		Input:     input,
		TimeoutMs: timeoutMs,
		Context:   ctx,
		Script:    script,
	})
	if err != nil {
		d.cancelPending(runID)
		return Result{}, relayerr.Wrap(relayerr.Internal, "failed to send job assignment", err)
	}

	result := <-p.resultCh

	if !result.Success && result.Error == "Timeout" {
		d.mon.RecordJobOutcome(node.NodeID, false)
		return result, relayerr.New(relayerr.JobTimeout, fmt.Sprintf("job %s timed out", jobID))
	}
	d.mon.RecordJobOutcome(node.NodeID, result.Success)
	if !result.Success {
		return result, relayerr.New(relayerr.JobFailed, result.Error)
	}
	return result, nil
}

// agentJobTimeoutMs is the default AGENT_JOB deadline (§5): a worker-local
// agent script is expected to run longer than a single tool call, so it
// gets a longer budget than Dispatch's default.
const agentJobTimeoutMs = 60_000

// DispatchAgentJob sends an AGENT_JOB to a worker that explicitly
// advertises agentType and blocks until the worker replies with
// AGENT_JOB_RESULT or the deadline elapses. It shares Dispatch's rendezvous
// map, correlated by jobId instead of runId since an AGENT_JOB carries no
// separate run identifier.
func (d *Dispatcher) DispatchAgentJob(agentType, userQuery string, ctxVal any) (Result, error) {
	node := d.reg.IdleNodeForAgentType(agentType)
	if node == nil {
		return Result{}, relayerr.New(relayerr.NoIdleNode, "no idle node advertises agent type "+agentType)
	}

	jobID := uuid.NewString()

	p := &pending{resultCh: make(chan Result, 1), nodeID: node.NodeID, agentID: agentType}
	d.mu.Lock()
	d.pending[jobID] = p
	d.mu.Unlock()

	p.timer = time.AfterFunc(agentJobTimeoutMs*time.Millisecond, func() {
		d.resolve(jobID, Result{Success: false, JobID: jobID, Error: "Timeout"}, true)
	})

	ch := d.reg.ChannelOf(node.NodeID)
	if ch == nil {
		d.cancelPending(jobID)
		return Result{}, relayerr.New(relayerr.NoIdleNode, "no idle node advertises agent type "+agentType)
	}

	err := ch.Send(string(protocol.TypeAgentJob), protocol.AgentJobPayload{
		JobID:     jobID,
		AgentType: agentType,
		UserQuery: userQuery,
		Context:   ctxVal,
	})
	if err != nil {
		d.cancelPending(jobID)
		return Result{}, relayerr.Wrap(relayerr.Internal, "failed to send agent job assignment", err)
	}

	result := <-p.resultCh

	if !result.Success && result.Error == "Timeout" {
		d.mon.RecordJobOutcome(node.NodeID, false)
		return result, relayerr.New(relayerr.JobTimeout, fmt.Sprintf("agent job %s timed out", jobID))
	}
	d.mon.RecordJobOutcome(node.NodeID, result.Success)
	if !result.Success {
		return result, relayerr.New(relayerr.JobFailed, result.Error)
	}
	return result, nil
}

// cancelPending removes a pending entry that never got a chance to receive
// an outcome (e.g. the send itself failed before any result could arrive).
func (d *Dispatcher) cancelPending(runID string) {
	d.mu.Lock()
	p, ok := d.pending[runID]
	if ok {
		delete(d.pending, runID)
	}
	d.mu.Unlock()
	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

// resolve is the single-consumer removal point: whichever caller — the
// deadline timer or RouteJobResult — wins the race to delete the pending
// entry is the one whose outcome is published; the loser is a no-op.
func (d *Dispatcher) resolve(runID string, result Result, fromTimeout bool) {
	d.mu.Lock()
	p, ok := d.pending[runID]
	if ok {
		delete(d.pending, runID)
	}
	d.mu.Unlock()

	if !ok {
		if !fromTimeout {
			d.logger.Debug("late job result discarded, no pending entry", zap.String("runId", runID))
		}
		return
	}
	if !fromTimeout && p.timer != nil {
		p.timer.Stop()
	}
	if d.scripts != nil && result.Memory != nil {
		d.scripts.RememberContext(p.agentID, result.Memory)
	}
	p.done.Do(func() {
		p.resultCh <- result
	})
}

// RouteJobResult delivers an inbound JOB_RESULT to its waiting caller.
func (d *Dispatcher) RouteJobResult(nodeID string, p protocol.JobResultPayload) {
	errMsg := ""
	if p.Error != nil {
		errMsg = p.Error.Message
	}
	d.resolve(p.RunID, Result{
		Success: p.Status == "SUCCESS",
		JobID:   p.JobID,
		RunID:   p.RunID,
		Output:  p.Output,
		Logs:    p.Logs,
		Error:   errMsg,
		Metrics: p.Metrics,
		Memory:  p.Memory,
	}, false)
}

// RouteAgentJobResult delivers an inbound AGENT_JOB_RESULT. DispatchAgentJob
// shares the same rendezvous map as Dispatch, correlated by jobId instead of
// runId since an AGENT_JOB carries no separate run identifier.
func (d *Dispatcher) RouteAgentJobResult(nodeID string, p protocol.AgentJobResultPayload) {
	errMsg := p.Error
	d.resolve(p.JobID, Result{
		Success: p.Success,
		JobID:   p.JobID,
		Output:  p.Response,
		Error:   errMsg,
	}, false)
}
