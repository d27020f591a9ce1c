package catalogue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogueHasFifteenStockAgents(t *testing.T) {
	c := New()
	require.Len(t, c.All(), 15)

	_, ok := c.Get("general-assistant")
	require.True(t, ok)

	_, ok = c.Get("does-not-exist")
	require.False(t, ok)
}

func TestSelectByKeywordMatchesAndFallsBack(t *testing.T) {
	c := New()

	matched := c.SelectByKeyword("help me plan a budget for my trip")
	ids := make(map[string]bool)
	for _, a := range matched {
		ids[a.ID] = true
	}
	require.True(t, ids["travel-planner"])
	require.True(t, ids["budget-planner"])

	fallback := c.SelectByKeyword("asdkjashdkjashd")
	require.Len(t, fallback, 1)
	require.Equal(t, c.FallbackAgent().ID, fallback[0].ID)
}

func TestLocalToolsCoverWebSearchAndCalculator(t *testing.T) {
	c := New()

	fn, ok := c.LocalTool("webSearch")
	require.True(t, ok)
	out, err := fn(map[string]any{"query": "golang"})
	require.NoError(t, err)
	require.Contains(t, out, "golang")

	fn, ok = c.LocalTool("calculator")
	require.True(t, ok)
	out, err = fn(map[string]any{"expression": "1+1"})
	require.NoError(t, err)
	require.Equal(t, 2.0, out)

	_, ok = c.LocalTool("tool:lint")
	require.False(t, ok)
}

func TestCalculatorEvaluatesEachOperator(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1 + 1", 2},
		{"5 - 2", 3},
		{"3 * 4", 12},
		{"10 / 4", 2.5},
		{"-3 + 5", 2},
	}
	for _, tc := range cases {
		out, err := localCalculator(map[string]any{"expression": tc.expr})
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.want, out, tc.expr)
	}
}

func TestCalculatorRejectsDivisionByZero(t *testing.T) {
	_, err := localCalculator(map[string]any{"expression": "1/0"})
	require.Error(t, err)
}

func TestCalculatorRejectsMalformedExpression(t *testing.T) {
	_, err := localCalculator(map[string]any{"expression": "not an expression"})
	require.Error(t, err)
}

func TestRememberContextRoundTrips(t *testing.T) {
	c := New()
	require.Nil(t, c.ContextFor("general-assistant"))

	c.RememberContext("general-assistant", map[string]any{"lastTopic": "weather"})
	got := c.ContextFor("general-assistant")
	require.Equal(t, map[string]any{"lastTopic": "weather"}, got)
}
