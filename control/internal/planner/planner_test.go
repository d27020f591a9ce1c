package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/control/internal/relayerr"
	"github.com/relaymesh/relaymesh/shared/types"
)

func TestSelectAgentsReturnsUnavailableWhenURLUnconfigured(t *testing.T) {
	p := NewHTTPPlanner("", "")
	_, err := p.SelectAgents(context.Background(), "hello", nil)
	require.Equal(t, relayerr.PlannerUnavailable, relayerr.CodeOf(err))
}

func TestSelectAgentsHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(IntentSelection{Agents: []string{"general-assistant"}, Reasoning: "matched"})
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, "")
	sel, err := p.SelectAgents(context.Background(), "hello", []types.Agent{})
	require.NoError(t, err)
	require.Equal(t, []string{"general-assistant"}, sel.Agents)
}

func TestSelectAgentsRejectsMalformedSelection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"agents": []string{"valid", ""}})
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, "")
	_, err := p.SelectAgents(context.Background(), "hello", nil)
	require.Equal(t, relayerr.PlannerUnavailable, relayerr.CodeOf(err))
}

func TestSelectAgentsRejectsMissingAgentsField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"reasoning": "no agents key at all"})
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, "")
	_, err := p.SelectAgents(context.Background(), "hello", nil)
	require.Equal(t, relayerr.PlannerUnavailable, relayerr.CodeOf(err))
}

func TestPostJSONReturnsUnavailableOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPPlanner(srv.URL, "")
	_, err := p.SelectAgents(context.Background(), "hello", nil)
	require.Equal(t, relayerr.PlannerUnavailable, relayerr.CodeOf(err))
}

func TestPlanCallsSummarizeAndAggregateHitExpectedSubpaths(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		switch r.URL.Path {
		case "/plan":
			_ = json.NewEncoder(w).Encode(map[string]any{"calls": []ToolCall{{Tool: "search", Params: map[string]any{"q": "x"}}}})
		case "/summarize":
			_ = json.NewEncoder(w).Encode(map[string]any{"summary": "done"})
		case "/aggregate":
			_ = json.NewEncoder(w).Encode(map[string]any{"aggregated": "combined"})
		}
	}))
	defer srv.Close()

	p := NewHTTPPlanner("", srv.URL)
	agent := types.Agent{ID: "general-assistant"}

	calls, err := p.PlanCalls(context.Background(), agent, "hi")
	require.NoError(t, err)
	require.Len(t, calls, 1)

	summary, err := p.Summarize(context.Background(), agent, "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "done", summary)

	agg, err := p.Aggregate(context.Background(), "hi", map[string]string{"a": "b"})
	require.NoError(t, err)
	require.Equal(t, "combined", agg)

	require.Equal(t, []string{"/plan", "/summarize", "/aggregate"}, gotPaths)
}
