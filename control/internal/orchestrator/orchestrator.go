// Package orchestrator implements intent analysis, concurrent per-agent
// execution, and result aggregation (§4.8).
//
// Grounded on this codebase's batched concurrent-execution shape from the
// pack's workflow-orchestration reference (fan out per unit of work,
// collect partial failures without aborting the whole run) combined with
// the catalogue-driven agent selection idiom from the pack's agent-core
// reference.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/catalogue"
	"github.com/relaymesh/relaymesh/control/internal/dispatch"
	"github.com/relaymesh/relaymesh/control/internal/planner"
	"github.com/relaymesh/relaymesh/control/internal/registry"
	"github.com/relaymesh/relaymesh/shared/types"
)

const maxSelectedAgents = 3

// AgentResult is one agent's contribution to a MultiAgentResponse.
type AgentResult struct {
	Agent   string   `json:"agent"`
	Tools   []string `json:"tools"`
	Summary string   `json:"summary"`
}

// MultiAgentResponse is the orchestrator's final output for one query.
type MultiAgentResponse struct {
	AgentsUsed    []string      `json:"agentsUsed"`
	AgentResults  []AgentResult `json:"agentResults"`
	Aggregated    string        `json:"message"`
	AnySucceeded  bool          `json:"-"`
}

// Orchestrator runs the intent -> execution -> aggregation pipeline.
type Orchestrator struct {
	catalogue  *catalogue.Catalogue
	intent     planner.IntentPlanner
	tools      planner.ToolPlanner
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// New constructs an Orchestrator.
func New(cat *catalogue.Catalogue, intent planner.IntentPlanner, tools planner.ToolPlanner, reg *registry.Registry, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		catalogue:  cat,
		intent:     intent,
		tools:      tools,
		reg:        reg,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// agentOutcome pairs a selected agent with its execution result.
type agentOutcome struct {
	agent  types.Agent
	result AgentResult
}

// Execute runs the full pipeline for userMessage.
func (o *Orchestrator) Execute(ctx context.Context, userMessage string) MultiAgentResponse {
	agents := o.selectAgents(ctx, userMessage)

	outcomes := make([]agentOutcome, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent types.Agent) {
			defer wg.Done()
			outcomes[i] = agentOutcome{agent: agent, result: o.runAgent(ctx, agent, userMessage)}
		}(i, agent)
	}
	wg.Wait()

	resp := MultiAgentResponse{}
	summaries := make(map[string]string, len(outcomes))
	for _, oc := range outcomes {
		resp.AgentsUsed = append(resp.AgentsUsed, oc.agent.ID)
		resp.AgentResults = append(resp.AgentResults, oc.result)
		summaries[oc.agent.Name] = oc.result.Summary
		if !strings.HasPrefix(oc.result.Summary, "Error: ") {
			resp.AnySucceeded = true
		}
	}

	resp.Aggregated = o.aggregate(ctx, userMessage, outcomes, summaries)
	return resp
}

func (o *Orchestrator) aggregate(ctx context.Context, userMessage string, outcomes []agentOutcome, summaries map[string]string) string {
	if len(outcomes) == 1 {
		return outcomes[0].result.Summary
	}

	if o.tools != nil {
		if aggregated, err := o.tools.Aggregate(ctx, userMessage, summaries); err == nil {
			return aggregated
		} else {
			o.logger.Warn("tool planner aggregate failed, falling back to concatenation", zap.Error(err))
		}
	}

	var sb strings.Builder
	for i, oc := range outcomes {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("**%s:** %s", oc.agent.Name, oc.result.Summary))
	}
	return sb.String()
}

// selectAgents implements §4.8 phase 1: intent planner first, falling back
// to keyword matching on PlannerUnavailable or a malformed response, then
// capping the selection to three agents.
func (o *Orchestrator) selectAgents(ctx context.Context, userMessage string) []types.Agent {
	var selected []types.Agent

	if o.intent != nil {
		sel, err := o.intent.SelectAgents(ctx, userMessage, o.catalogue.All())
		if err == nil {
			for _, id := range sel.Agents {
				if a, ok := o.catalogue.Get(id); ok {
					selected = append(selected, a)
				}
			}
		} else {
			o.logger.Info("intent planner unavailable, falling back to keyword selection", zap.Error(err))
		}
	}

	if len(selected) == 0 {
		selected = o.catalogue.SelectByKeyword(userMessage)
	}

	if len(selected) > maxSelectedAgents {
		selected = selected[:maxSelectedAgents]
	}
	return selected
}

// runAgent implements §4.8 phase 2 for a single agent. If a worker has
// registered a native local script for this agent's id (AGENT_JOB), that
// takes priority over tool-planning: the worker runs the whole agent turn
// itself. Otherwise the agent runs through planned tool calls (locally or
// via the dispatcher), then summarize. Any failure along the way produces a
// partial "Error: ..." result rather than aborting the whole query.
func (o *Orchestrator) runAgent(ctx context.Context, agent types.Agent, userMessage string) AgentResult {
	if o.reg.IdleNodeForAgentType(agent.ID) != nil {
		result, err := o.dispatcher.DispatchAgentJob(agent.ID, userMessage, nil)
		if err == nil {
			return AgentResult{Agent: agent.ID, Summary: fmt.Sprintf("%v", result.Output)}
		}
		o.logger.Warn("agent-job dispatch failed, falling back to tool planning", zap.String("agent", agent.ID), zap.Error(err))
	}

	if o.tools == nil {
		return AgentResult{Agent: agent.ID, Summary: "Error: tool planner unavailable"}
	}

	calls, err := o.tools.PlanCalls(ctx, agent, userMessage)
	if err != nil {
		return AgentResult{Agent: agent.ID, Summary: fmt.Sprintf("Error: %v", err)}
	}

	var toolResults []any
	var toolNames []string
	for _, call := range calls {
		toolNames = append(toolNames, call.Tool)
		result, err := o.runTool(agent, call)
		if err != nil {
			toolResults = append(toolResults, fmt.Sprintf("error: %v", err))
			continue
		}
		toolResults = append(toolResults, result)
	}

	summary, err := o.tools.Summarize(ctx, agent, userMessage, toolResults)
	if err != nil {
		return AgentResult{Agent: agent.ID, Tools: toolNames, Summary: fmt.Sprintf("Error: %v", err)}
	}

	return AgentResult{Agent: agent.ID, Tools: toolNames, Summary: summary}
}

// runTool executes a single planned tool call: locally if the catalogue has
// an implementation, otherwise it fails unless some registered node
// advertises "tool:<name>", and then dispatches through the dispatcher by
// agent id. The node the dispatcher picks is not required to be one that
// advertises that capability.
func (o *Orchestrator) runTool(agent types.Agent, call planner.ToolCall) (any, error) {
	if fn, ok := o.catalogue.LocalTool(call.Tool); ok {
		return fn(call.Params)
	}

	cap := "tool:" + call.Tool
	node := o.reg.IdleNodeForAgent(agent.ID)
	if node == nil || !node.HasCapability(cap) {
		nodes := o.reg.NodesWithCapability(cap)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("no worker advertises capability %s", cap)
		}
	}

	result, err := o.dispatcher.Dispatch(call.Params, agent.ID, 30_000)
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}
