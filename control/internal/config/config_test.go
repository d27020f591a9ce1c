package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromEnvAppliesDefaultsWhenUnset(t *testing.T) {
	cfg := FromEnv()
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.False(t, cfg.X402Enabled)
	require.Equal(t, "base-sepolia", cfg.X402Network)
	require.Equal(t, 0.10, cfg.QueryPriceUSDC)
	require.Equal(t, "./data", cfg.DataDir)
}

func TestFromEnvReadsOverridesAndParsesBooleansAndFloats(t *testing.T) {
	t.Setenv("CONTROL_PLANE_HOST", "127.0.0.1")
	t.Setenv("X402_ENABLED", "true")
	t.Setenv("QUERY_PRICE_USDC", "2.5")
	t.Setenv("ONCHAIN_DISTRIBUTION", "true")

	cfg := FromEnv()
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.True(t, cfg.X402Enabled)
	require.Equal(t, 2.5, cfg.QueryPriceUSDC)
	require.True(t, cfg.OnchainDistribution)
}

func TestFromEnvFallsBackToDefaultFloatOnUnparsableValue(t *testing.T) {
	t.Setenv("QUERY_PRICE_USDC", "not-a-number")
	cfg := FromEnv()
	require.Equal(t, 0.10, cfg.QueryPriceUSDC)
}
