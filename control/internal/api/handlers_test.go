package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/catalogue"
	"github.com/relaymesh/relaymesh/control/internal/dispatch"
	"github.com/relaymesh/relaymesh/control/internal/ledger"
	"github.com/relaymesh/relaymesh/control/internal/monitor"
	"github.com/relaymesh/relaymesh/control/internal/orchestrator"
	"github.com/relaymesh/relaymesh/control/internal/queue"
	"github.com/relaymesh/relaymesh/control/internal/registry"
	"github.com/relaymesh/relaymesh/control/internal/settlement"
)

func newTestRouter(t *testing.T, x402Enabled bool, price float64) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(logger)
	q := queue.New(logger)
	cat := catalogue.New()
	mon := monitor.New()
	d := dispatch.New(reg, cat, mon, logger)
	led, err := ledger.New(t.TempDir(), nil, logger)
	require.NoError(t, err)
	distributor := settlement.New(&settlement.InternalBackend{Ledger: led}, false, logger)
	orch := orchestrator.New(cat, nil, nil, reg, d, logger)

	return NewRouter(RouterConfig{
		Orchestrator:   orch,
		Dispatcher:     d,
		Queue:          q,
		Registry:       reg,
		Ledger:         led,
		Distributor:    distributor,
		Catalogue:      cat,
		Monitor:        mon,
		Logger:         logger,
		X402Enabled:    x402Enabled,
		QueryPriceUSDC: price,
	})
}

func TestHealthReturnsOK(t *testing.T) {
	r := newTestRouter(t, false, 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBalanceRequiresWalletParam(t *testing.T) {
	r := newTestRouter(t, false, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceReturnsZeroForUnknownWallet(t *testing.T) {
	r := newTestRouter(t, false, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/balance?wallet=0xAAA", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	require.Equal(t, 0.0, data["balance"])
}

func TestChatReturns402WhenX402EnabledAndBalanceInsufficient(t *testing.T) {
	r := newTestRouter(t, true, 1.0)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hello"}`))
	req.Header.Set("X-Wallet-Address", "0xAAA")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestChatSucceedsWhenX402Disabled(t *testing.T) {
	r := newTestRouter(t, false, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"help me plan a trip"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRunReturns503WhenNoIdleNodes(t *testing.T) {
	r := newTestRouter(t, false, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(`{"input":{"x":1}}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDepositRejectsMalformedBody(t *testing.T) {
	r := newTestRouter(t, false, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/deposit", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentsListReturnsFifteenStockAgents(t *testing.T) {
	r := newTestRouter(t, false, 0)
	req := httptest.NewRequest(http.MethodGet, "/api/agents/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	agents := data["agents"].([]any)
	require.Len(t, agents, 15)
}

func TestAgentsAreReadOnly(t *testing.T) {
	r := newTestRouter(t, false, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/agents/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
