// Package planner implements the IntentPlanner and ToolPlanner capabilities
// the orchestrator consumes (§1 Out-of-scope, §4.8): the LLM-backed intent
// analysis and per-agent tool planning is an external collaborator reached
// over HTTP, grounded on the same POST-and-decode client idiom this
// codebase uses for its outbound webhook notifications.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaymesh/relaymesh/control/internal/relayerr"
	"github.com/relaymesh/relaymesh/shared/types"
)

// plannerRateLimit bounds outbound requests to the external planner
// collaborator. It exists to stop a retry storm from hammering a
// planner that is already down, not to enforce any correctness
// guarantee — a generous limit that only bites during an outage.
const plannerRateLimit = 5 // requests per second, burst 5

// IntentSelection is the validated, narrow shape an intent planner must
// return (§9 design note: "refuse to accept an intent result that is not a
// well-typed {agents:[string], reasoning:string}").
type IntentSelection struct {
	Agents    []string `json:"agents"`
	Reasoning string   `json:"reasoning"`
}

// ToolCall is one planned tool invocation.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// IntentPlanner selects agents for a user message.
type IntentPlanner interface {
	SelectAgents(ctx context.Context, message string, catalogue []types.Agent) (IntentSelection, error)
}

// ToolPlanner plans and summarizes an agent's tool usage, and aggregates
// multiple agents' summaries into one response.
type ToolPlanner interface {
	PlanCalls(ctx context.Context, agent types.Agent, message string) ([]ToolCall, error)
	Summarize(ctx context.Context, agent types.Agent, message string, toolResults []any) (string, error)
	Aggregate(ctx context.Context, message string, summaries map[string]string) (string, error)
}

// HTTPPlanner implements both IntentPlanner and ToolPlanner against a
// single configured HTTP endpoint, POSTing a small JSON request and
// decoding a JSON response — the same shape as this codebase's webhook
// sender, generalized from fire-and-forget to request/response.
type HTTPPlanner struct {
	IntentURL  string
	ToolURL    string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPPlanner constructs an HTTPPlanner. Either URL may be empty, in
// which case the corresponding methods always return PlannerUnavailable so
// the orchestrator falls back per §4.8/§7.
func NewHTTPPlanner(intentURL, toolURL string) *HTTPPlanner {
	return &HTTPPlanner{
		IntentURL:  intentURL,
		ToolURL:    toolURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(plannerRateLimit), plannerRateLimit),
	}
}

func (p *HTTPPlanner) postJSON(ctx context.Context, url string, req, resp any) error {
	if url == "" {
		return relayerr.New(relayerr.PlannerUnavailable, "planner endpoint not configured")
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return relayerr.Wrap(relayerr.PlannerUnavailable, "planner rate limit wait", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return relayerr.Wrap(relayerr.Internal, "marshal planner request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return relayerr.Wrap(relayerr.PlannerUnavailable, "build planner request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return relayerr.Wrap(relayerr.PlannerUnavailable, "planner request failed", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return relayerr.Wrap(relayerr.PlannerUnavailable, "read planner response", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return relayerr.New(relayerr.PlannerUnavailable, fmt.Sprintf("planner returned status %d", httpResp.StatusCode))
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return relayerr.Wrap(relayerr.PlannerUnavailable, "parse planner response", err)
	}
	return nil
}

type selectAgentsRequest struct {
	Message   string        `json:"message"`
	Catalogue []types.Agent `json:"catalogue"`
}

// SelectAgents posts the user message and catalogue to the configured
// intent endpoint and validates the shape of the response.
func (p *HTTPPlanner) SelectAgents(ctx context.Context, message string, catalogue []types.Agent) (IntentSelection, error) {
	var out IntentSelection
	if err := p.postJSON(ctx, p.IntentURL, selectAgentsRequest{Message: message, Catalogue: catalogue}, &out); err != nil {
		return IntentSelection{}, err
	}
	if !validIntentSelection(out) {
		return IntentSelection{}, relayerr.New(relayerr.PlannerUnavailable, "intent planner returned a malformed selection")
	}
	return out, nil
}

// validIntentSelection is the narrow boundary validator from §9: every
// element of Agents must be a non-empty string, and the field itself must
// have been present (not nil due to a missing/mistyped key upstream).
func validIntentSelection(s IntentSelection) bool {
	if s.Agents == nil {
		return false
	}
	for _, a := range s.Agents {
		if a == "" {
			return false
		}
	}
	return true
}

type planCallsRequest struct {
	Agent   types.Agent `json:"agent"`
	Message string      `json:"message"`
}

// PlanCalls posts the agent and message to the tool endpoint.
func (p *HTTPPlanner) PlanCalls(ctx context.Context, agent types.Agent, message string) ([]ToolCall, error) {
	var out struct {
		Calls []ToolCall `json:"calls"`
	}
	if err := p.postJSON(ctx, p.ToolURL+"/plan", planCallsRequest{Agent: agent, Message: message}, &out); err != nil {
		return nil, err
	}
	return out.Calls, nil
}

type summarizeRequest struct {
	Agent       types.Agent `json:"agent"`
	Message     string      `json:"message"`
	ToolResults []any       `json:"toolResults"`
}

// Summarize posts the agent, message, and tool results to the tool
// endpoint and returns the textual summary.
func (p *HTTPPlanner) Summarize(ctx context.Context, agent types.Agent, message string, toolResults []any) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := p.postJSON(ctx, p.ToolURL+"/summarize", summarizeRequest{Agent: agent, Message: message, ToolResults: toolResults}, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

type aggregateRequest struct {
	Message   string            `json:"message"`
	Summaries map[string]string `json:"summaries"`
}

// Aggregate posts every agent's summary to the tool endpoint and returns
// the combined response.
func (p *HTTPPlanner) Aggregate(ctx context.Context, message string, summaries map[string]string) (string, error) {
	var out struct {
		Aggregated string `json:"aggregated"`
	}
	if err := p.postJSON(ctx, p.ToolURL+"/aggregate", aggregateRequest{Message: message, Summaries: summaries}, &out); err != nil {
		return "", err
	}
	return out.Aggregated, nil
}
