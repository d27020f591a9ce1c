package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/catalogue"
	"github.com/relaymesh/relaymesh/control/internal/dispatch"
	"github.com/relaymesh/relaymesh/control/internal/monitor"
	"github.com/relaymesh/relaymesh/control/internal/planner"
	"github.com/relaymesh/relaymesh/control/internal/registry"
	"github.com/relaymesh/relaymesh/shared/protocol"
	"github.com/relaymesh/relaymesh/shared/types"
)

// agentJobChannel records AGENT_JOB sends and lets a test synthesize the
// matching AGENT_JOB_RESULT.
type agentJobChannel struct {
	sent []protocol.AgentJobPayload
}

func (c *agentJobChannel) Send(frameType string, payload any) error {
	if p, ok := payload.(protocol.AgentJobPayload); ok {
		c.sent = append(c.sent, p)
	}
	return nil
}
func (c *agentJobChannel) Close(reason string) {}

type fakeToolPlanner struct {
	plans       map[string][]planner.ToolCall
	summarizeErr error
}

func (f *fakeToolPlanner) PlanCalls(ctx context.Context, agent types.Agent, message string) ([]planner.ToolCall, error) {
	return f.plans[agent.ID], nil
}

func (f *fakeToolPlanner) Summarize(ctx context.Context, agent types.Agent, message string, toolResults []any) (string, error) {
	if f.summarizeErr != nil {
		return "", f.summarizeErr
	}
	return fmt.Sprintf("%s handled %q", agent.ID, message), nil
}

func (f *fakeToolPlanner) Aggregate(ctx context.Context, message string, summaries map[string]string) (string, error) {
	return "", fmt.Errorf("aggregate not configured")
}

func TestExecuteHappyPathAllAgentsSucceed(t *testing.T) {
	cat := catalogue.New()
	reg := registry.New(zap.NewNop())
	d := dispatch.New(reg, nil, nil, zap.NewNop())
	tools := &fakeToolPlanner{plans: map[string][]planner.ToolCall{}}

	o := New(cat, nil, tools, reg, d, zap.NewNop())

	resp := o.Execute(context.Background(), "help me plan a trip budget")
	require.True(t, resp.AnySucceeded)
	require.NotEmpty(t, resp.AgentsUsed)
	for _, r := range resp.AgentResults {
		require.NotContains(t, r.Summary, "Error:")
	}
}

func TestExecuteAllAgentsErrorProducesNoSuccess(t *testing.T) {
	cat := catalogue.New()
	reg := registry.New(zap.NewNop())
	d := dispatch.New(reg, nil, nil, zap.NewNop())

	o := New(cat, nil, nil, reg, d, zap.NewNop()) // nil tool planner: every agent errors

	resp := o.Execute(context.Background(), "asdkjashdkjashd")
	require.False(t, resp.AnySucceeded)
	require.Len(t, resp.AgentResults, 1)
	require.Contains(t, resp.AgentResults[0].Summary, "Error:")
}

func TestExecuteCapsSelectionAtThreeAgents(t *testing.T) {
	cat := catalogue.New()
	reg := registry.New(zap.NewNop())
	d := dispatch.New(reg, nil, nil, zap.NewNop())
	tools := &fakeToolPlanner{plans: map[string][]planner.ToolCall{}}

	intent := &fakeIntentPlanner{selection: planner.IntentSelection{
		Agents: []string{"general-assistant", "travel-planner", "budget-planner", "code-reviewer"},
	}}

	o := New(cat, intent, tools, reg, d, zap.NewNop())
	resp := o.Execute(context.Background(), "anything")
	require.Len(t, resp.AgentsUsed, maxSelectedAgents)
}

type fakeIntentPlanner struct {
	selection planner.IntentSelection
	err       error
}

func (f *fakeIntentPlanner) SelectAgents(ctx context.Context, message string, cat []types.Agent) (planner.IntentSelection, error) {
	return f.selection, f.err
}

func TestExecuteFallsBackToKeywordsOnPlannerError(t *testing.T) {
	cat := catalogue.New()
	reg := registry.New(zap.NewNop())
	d := dispatch.New(reg, nil, nil, zap.NewNop())
	tools := &fakeToolPlanner{plans: map[string][]planner.ToolCall{}}

	intent := &fakeIntentPlanner{err: fmt.Errorf("planner down")}
	o := New(cat, intent, tools, reg, d, zap.NewNop())

	resp := o.Execute(context.Background(), "review my code for bugs")
	require.Contains(t, resp.AgentsUsed, "code-reviewer")
}

func TestRunAgentOffloadsToWorkerWithNativeAgentType(t *testing.T) {
	cat := catalogue.New()
	reg := registry.New(zap.NewNop())
	ch := &agentJobChannel{}
	reg.Register("node-1", ch, registry.RegisterOpts{AgentTypes: []string{"travel-planner"}})
	d := dispatch.New(reg, nil, monitor.New(), zap.NewNop())

	go func() {
		for len(ch.sent) == 0 {
			time.Sleep(time.Millisecond)
		}
		d.RouteAgentJobResult("node-1", protocol.AgentJobResultPayload{
			JobID:    ch.sent[0].JobID,
			Success:  true,
			Response: "booked a flight to Paris",
		})
	}()

	agent, ok := cat.Get("travel-planner")
	require.True(t, ok)

	o := New(cat, nil, nil, reg, d, zap.NewNop())
	result := o.runAgent(context.Background(), agent, "plan my trip")
	require.Equal(t, "booked a flight to Paris", result.Summary)
}
