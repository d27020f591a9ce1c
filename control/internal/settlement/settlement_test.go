package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/ledger"
)

func TestDistributeSplitsOrchestratorAndAgentShares(t *testing.T) {
	led, err := ledger.New(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	backend := &InternalBackend{Ledger: led}
	d := New(backend, false, zap.NewNop())

	dist := d.Distribute(context.Background(), 10.0, []string{"general-assistant", "code-reviewer"}, "0xuser")

	require.Equal(t, 10.0, dist.TotalAmount)
	require.Equal(t, 5.0, dist.OrchestratorAmount)
	require.Len(t, dist.AgentPayments, 2)
	for _, p := range dist.AgentPayments {
		require.True(t, p.Success)
		require.Equal(t, 2.5, p.Amount)
	}

	// Each agent's share must actually have landed in its internal wallet.
	require.Equal(t, 2.5, led.GetBalance("agent:general-assistant").Balance)
	require.Equal(t, 2.5, led.GetBalance("agent:code-reviewer").Balance)
}

func TestDistributeWithNoAgentsCreditsNoPayouts(t *testing.T) {
	led, err := ledger.New(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	d := New(&InternalBackend{Ledger: led}, false, zap.NewNop())
	dist := d.Distribute(context.Background(), 10.0, nil, "0xuser")

	require.Empty(t, dist.AgentPayments)
	require.Equal(t, 5.0, dist.OrchestratorAmount)
}
