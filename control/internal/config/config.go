// Package config loads the control plane's environment-driven configuration
// (§6) from environment variables with defaults; the control plane takes
// no command-line flags.
package config

import (
	"fmt"
	"os"
)

// Config holds every environment-configurable setting of the control plane.
type Config struct {
	Host                  string
	Port                  string
	HTTPPort              string
	NodeSecret            string
	X402Enabled           bool
	X402Network           string
	QueryPriceUSDC        float64
	PlatformWallet        string
	SettlementBackendURL  string
	SettlementRPCURL      string
	OnchainDistribution   bool
	DataDir               string
	LogLevel              string
	IntentPlannerURL      string
	ToolPlannerURL        string
}

// FromEnv loads a Config from the process environment, applying the same
// defaults a developer running the binary locally would expect.
func FromEnv() Config {
	return Config{
		Host:                 envOrDefault("CONTROL_PLANE_HOST", "0.0.0.0"),
		Port:                 envOrDefault("CONTROL_PLANE_PORT", "9090"),
		HTTPPort:             envOrDefault("HTTP_PORT", "8080"),
		NodeSecret:           envOrDefault("NODE_SECRET", ""),
		X402Enabled:          envOrDefault("X402_ENABLED", "false") == "true",
		X402Network:          envOrDefault("X402_NETWORK", "base-sepolia"),
		QueryPriceUSDC:       envOrDefaultFloat("QUERY_PRICE_USDC", 0.10),
		PlatformWallet:       envOrDefault("PLATFORM_WALLET", ""),
		SettlementBackendURL: envOrDefault("SETTLEMENT_BACKEND_URL", ""),
		SettlementRPCURL:     envOrDefault("SETTLEMENT_RPC_URL", ""),
		OnchainDistribution:  envOrDefault("ONCHAIN_DISTRIBUTION", "false") == "true",
		DataDir:              envOrDefault("DATA_DIR", "./data"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		IntentPlannerURL:     envOrDefault("INTENT_PLANNER_URL", ""),
		ToolPlannerURL:       envOrDefault("TOOL_PLANNER_URL", ""),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var f float64
	if _, err := fmt.Sscan(v, &f); err != nil {
		return defaultVal
	}
	return f
}
