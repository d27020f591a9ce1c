// Package catalogue holds the static agent definitions the orchestrator
// selects from, and the small set of tools implemented locally rather than
// dispatched to a worker (§1 Out-of-scope names the catalogue itself as an
// external collaborator; this package is the concrete, loadable seam).
package catalogue

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/relaymesh/relaymesh/shared/types"
)

// ToolFunc is a locally implemented tool callable. Tools not registered
// here are assumed worker-bound by capability "tool:<name>".
type ToolFunc func(params map[string]any) (any, error)

// Catalogue is the immutable set of agent definitions plus the local tool
// registry consulted during orchestration. It also implements
// dispatch.ScriptSource: the dispatcher enriches each JOB_ASSIGN with the
// agent's script and its last persisted memory (§4.4).
type Catalogue struct {
	agents     map[string]types.Agent
	order      []string
	localTools map[string]ToolFunc
	fallbackID string

	memMu  sync.Mutex
	memory map[string]any
}

// New constructs the catalogue with the stock set of 15 agents and the two
// trivial local tool implementations (webSearch, calculator); every other
// advertised tool is expected to be worker-bound.
func New() *Catalogue {
	c := &Catalogue{
		agents:     make(map[string]types.Agent),
		localTools: make(map[string]ToolFunc),
		fallbackID: "general-assistant",
		memory:     make(map[string]any),
	}
	for _, a := range stockAgents() {
		c.agents[a.ID] = a
		c.order = append(c.order, a.ID)
	}
	c.localTools["webSearch"] = localWebSearch
	c.localTools["calculator"] = localCalculator
	return c
}

// Get returns the agent definition for id, or false if unknown.
func (c *Catalogue) Get(id string) (types.Agent, bool) {
	a, ok := c.agents[id]
	return a, ok
}

// All returns every agent definition, in catalogue order.
func (c *Catalogue) All() []types.Agent {
	out := make([]types.Agent, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.agents[id])
	}
	return out
}

// FallbackAgent returns the agent used when no catalogue entry's keywords
// match a user message.
func (c *Catalogue) FallbackAgent() types.Agent {
	return c.agents[c.fallbackID]
}

// SelectByKeyword lowercases message and returns every agent whose keyword
// list intersects it, falling back to FallbackAgent if none matched.
func (c *Catalogue) SelectByKeyword(message string) []types.Agent {
	lower := strings.ToLower(message)

	var matched []types.Agent
	for _, id := range c.order {
		a := c.agents[id]
		for _, kw := range a.Keywords {
			if strings.Contains(lower, kw) {
				matched = append(matched, a)
				break
			}
		}
	}
	if len(matched) == 0 {
		return []types.Agent{c.FallbackAgent()}
	}
	return matched
}

// LocalTool returns the local implementation of name, if any.
func (c *Catalogue) LocalTool(name string) (ToolFunc, bool) {
	f, ok := c.localTools[name]
	return f, ok
}

func localWebSearch(params map[string]any) (any, error) {
	q, _ := params["query"].(string)
	return fmt.Sprintf("local stub result for query %q (no external web search wired)", q), nil
}

// calcExprPattern matches a single binary arithmetic expression: two
// numbers (optionally signed/decimal) joined by one of + - * /.
var calcExprPattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*([+\-*/])\s*(-?\d+(?:\.\d+)?)\s*$`)

// localCalculator evaluates a trivial two-operand arithmetic expression so
// the orchestrator's local tool-dispatch path is exercised end-to-end.
// Anything beyond a single "a op b" expression is rejected rather than
// guessed at.
func localCalculator(params map[string]any) (any, error) {
	expr, _ := params["expression"].(string)
	m := calcExprPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("calculator: %q is not a simple \"a op b\" expression", expr)
	}

	a, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, fmt.Errorf("calculator: invalid operand %q", m[1])
	}
	b, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return nil, fmt.Errorf("calculator: invalid operand %q", m[3])
	}

	switch m[2] {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, fmt.Errorf("calculator: division by zero")
		}
		return a / b, nil
	default:
		return nil, fmt.Errorf("calculator: unsupported operator %q", m[2])
	}
}

// ScriptFor returns the script to send a worker for agentId. The stock
// catalogue has no per-agent script body, so this returns empty for every
// agent; the system prompt is not sent to the worker on any path.
func (c *Catalogue) ScriptFor(agentID string) string {
	return ""
}

// ContextFor returns the last memory RememberContext recorded for agentId,
// or nil if none.
func (c *Catalogue) ContextFor(agentID string) any {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	return c.memory[agentID]
}

// RememberContext persists memory against agentId for future dispatches.
func (c *Catalogue) RememberContext(agentID string, memory any) {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	c.memory[agentID] = memory
}

func stockAgents() []types.Agent {
	return []types.Agent{
		{
			ID: "general-assistant", Name: "General Assistant",
			Description:  "Handles broad questions that don't fit a specialist agent.",
			SystemPrompt: "You are a helpful general-purpose assistant.",
			Keywords:     []string{"help", "question", "general"},
		},
		{
			ID: "travel-planner", Name: "Travel Planner",
			Description:  "Plans trips, itineraries, and destination recommendations.",
			SystemPrompt: "You are a travel planning specialist.",
			Tools:        []types.ToolDescriptor{{Name: "webSearch", Parameters: []string{"query"}, Description: "search for destination information"}},
			Keywords:     []string{"trip", "travel", "vacation", "itinerary", "flight", "hotel"},
		},
		{
			ID: "budget-planner", Name: "Budget Planner",
			Description:  "Builds budgets and cost breakdowns for a plan.",
			SystemPrompt: "You are a budgeting specialist.",
			Tools:        []types.ToolDescriptor{{Name: "calculator", Parameters: []string{"expression"}, Description: "evaluate a cost expression"}},
			Keywords:     []string{"budget", "cost", "cheap", "price", "afford"},
		},
		{
			ID: "code-reviewer", Name: "Code Reviewer",
			Description:  "Reviews source code for bugs and style issues.",
			SystemPrompt: "You are a meticulous code reviewer.",
			Tools:        []types.ToolDescriptor{{Name: "lint", Parameters: []string{"path"}, Description: "run a linter over a file"}},
			Keywords:     []string{"code", "review", "bug", "refactor", "pull request"},
		},
		{
			ID: "data-analyst", Name: "Data Analyst",
			Description:  "Analyzes datasets and summarizes findings.",
			SystemPrompt: "You are a data analysis specialist.",
			Tools:        []types.ToolDescriptor{{Name: "query", Parameters: []string{"sql"}, Description: "run an analytical query"}},
			Keywords:     []string{"data", "analyze", "dataset", "chart", "trend"},
		},
		{
			ID: "web-researcher", Name: "Web Researcher",
			Description:  "Gathers and synthesizes information from the web.",
			SystemPrompt: "You are a research specialist.",
			Tools:        []types.ToolDescriptor{{Name: "webSearch", Parameters: []string{"query"}, Description: "search the web"}},
			Keywords:     []string{"research", "find", "search", "article"},
		},
		{
			ID: "doc-summarizer", Name: "Document Summarizer",
			Description:  "Summarizes long documents into key points.",
			SystemPrompt: "You are a summarization specialist.",
			Keywords:     []string{"summarize", "summary", "tldr", "document"},
		},
		{
			ID: "sql-assistant", Name: "SQL Assistant",
			Description:  "Writes and explains SQL queries.",
			SystemPrompt: "You are a SQL specialist.",
			Tools:        []types.ToolDescriptor{{Name: "query", Parameters: []string{"sql"}, Description: "execute a SQL query"}},
			Keywords:     []string{"sql", "query", "database", "table"},
		},
		{
			ID: "devops-helper", Name: "DevOps Helper",
			Description:  "Assists with CI/CD, containers, and deployments.",
			SystemPrompt: "You are a DevOps specialist.",
			Tools:        []types.ToolDescriptor{{Name: "docker", Parameters: []string{"command"}, Description: "run a docker command"}},
			Keywords:     []string{"deploy", "docker", "pipeline", "ci/cd", "kubernetes"},
		},
		{
			ID: "security-auditor", Name: "Security Auditor",
			Description:  "Audits code and infrastructure for security issues.",
			SystemPrompt: "You are a security audit specialist.",
			Tools:        []types.ToolDescriptor{{Name: "scan", Parameters: []string{"target"}, Description: "run a security scan"}},
			Keywords:     []string{"security", "vulnerability", "audit", "cve", "exploit"},
		},
		{
			ID: "content-writer", Name: "Content Writer",
			Description:  "Drafts marketing and informational copy.",
			SystemPrompt: "You are a content writing specialist.",
			Keywords:     []string{"write", "blog", "copy", "article", "draft"},
		},
		{
			ID: "legal-assistant", Name: "Legal Assistant",
			Description:  "Answers general, non-binding legal questions.",
			SystemPrompt: "You are a legal research assistant. You are not a lawyer and do not give legal advice.",
			Keywords:     []string{"legal", "contract", "terms", "liability"},
		},
		{
			ID: "math-solver", Name: "Math Solver",
			Description:  "Solves math problems step by step.",
			SystemPrompt: "You are a math tutor.",
			Tools:        []types.ToolDescriptor{{Name: "calculator", Parameters: []string{"expression"}, Description: "evaluate a math expression"}},
			Keywords:     []string{"math", "equation", "solve", "calculate"},
		},
		{
			ID: "image-describer", Name: "Image Describer",
			Description:  "Describes the contents of an image.",
			SystemPrompt: "You are an image description specialist.",
			Tools:        []types.ToolDescriptor{{Name: "vision", Parameters: []string{"imageUrl"}, Description: "describe an image"}},
			Keywords:     []string{"image", "photo", "picture", "describe"},
		},
		{
			ID: "translator", Name: "Translator",
			Description:  "Translates text between languages.",
			SystemPrompt: "You are a translation specialist.",
			Keywords:     []string{"translate", "translation", "language"},
		},
	}
}
