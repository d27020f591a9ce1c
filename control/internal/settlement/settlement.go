// Package settlement implements the post-success payment split between the
// platform and participating agents (§4.7).
//
// The on-chain HTTP backend is grounded on this codebase's gasbank-client
// shape elsewhere in the retrieved stack: a small http.Client wrapping a
// fixed base URL, typed request/response structs, and status-code-then-body
// error handling — there is no generated RPC client for this concern.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/ledger"
	"github.com/relaymesh/relaymesh/shared/types"
)

const (
	defaultOrchestratorShare = 0.5
	defaultAgentShare        = 0.5
	interCallDelay           = 50 * time.Millisecond
)

// Backend is the §4.7 SettlementBackend capability: transferring funds to
// an agent's wallet, either internally or on-chain.
type Backend interface {
	Transfer(ctx context.Context, address string, amount float64) (externalTxID string, err error)
}

// InternalBackend credits agent wallets against the same in-memory ledger
// used for user balances, used when ONCHAIN_DISTRIBUTION is false.
type InternalBackend struct {
	Ledger *ledger.Ledger
}

// Transfer credits address's ledger balance directly; there is no external
// transaction id in internal mode.
func (b *InternalBackend) Transfer(ctx context.Context, address string, amount float64) (string, error) {
	if err := b.Ledger.Credit(address, amount, ""); err != nil {
		return "", err
	}
	return "", nil
}

// HTTPBackend transfers funds via an external settlement/RPC facilitator
// over HTTP, grounded on the gasbank client's request/response shape.
type HTTPBackend struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPBackend constructs an HTTPBackend with a bounded request timeout.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type transferRequest struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"`
}

type transferResponse struct {
	Success      bool   `json:"success"`
	ExternalTxID string `json:"externalTxId"`
	Error        string `json:"error,omitempty"`
}

// Transfer posts a transfer request to the configured settlement backend.
func (b *HTTPBackend) Transfer(ctx context.Context, address string, amount float64) (string, error) {
	body, err := json.Marshal(transferRequest{Address: address, Amount: amount})
	if err != nil {
		return "", fmt.Errorf("settlement: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/transfer", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("settlement: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("settlement: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("settlement: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("settlement: unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	var out transferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("settlement: parse response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("settlement: transfer rejected: %s", out.Error)
	}
	return out.ExternalTxID, nil
}

// Distributor splits a successful query's price between the platform
// wallet and the participating agents.
type Distributor struct {
	backend           Backend
	onChain           bool
	orchestratorShare float64
	agentShare        float64
	logger            *zap.Logger

	mu           sync.Mutex
	transactions []types.ComponentTransaction
}

// New constructs a Distributor.
func New(backend Backend, onChain bool, logger *zap.Logger) *Distributor {
	return &Distributor{
		backend:           backend,
		onChain:           onChain,
		orchestratorShare: defaultOrchestratorShare,
		agentShare:        defaultAgentShare,
		logger:            logger,
	}
}

// agentWallet resolves an agentId to the wallet address its payout goes to.
// In this design agent wallets are the agentId itself prefixed, since the
// catalogue does not carry a dedicated payout address field — a narrower
// scope than a full agent-wallet directory, sufficient for internal mode
// and for handing a stable address to the on-chain backend.
func agentWallet(agentID string) string {
	return "agent:" + agentID
}

// Distribute computes and records the split of total between the platform
// and agentIds, transferring each agent's share through the backend. The
// orchestrator share is recorded as a transaction only. A per-agent transfer
// failure is recorded but does not roll back prior transfers or refund the
// user — all outcomes are recorded regardless of success.
func (d *Distributor) Distribute(ctx context.Context, total float64, agentIDs []string, userWallet string) types.Distribution {
	now := time.Now()
	orchestratorAmount := total * d.orchestratorShare
	agentPool := total * d.agentShare
	perAgent := agentPool
	if len(agentIDs) > 0 {
		perAgent = agentPool / float64(len(agentIDs))
	}

	dist := types.Distribution{
		ID:                 uuid.NewString(),
		TotalAmount:        total,
		OrchestratorAmount: orchestratorAmount,
		OnChain:            d.onChain,
		Timestamp:          now,
	}

	dist.Transactions = append(dist.Transactions, types.ComponentTransaction{
		Kind: "user_payment", Amount: total, Timestamp: now,
	})
	dist.Transactions = append(dist.Transactions, types.ComponentTransaction{
		Kind: "orchestrator_share", Amount: orchestratorAmount, Timestamp: now,
	})

	for i, agentID := range agentIDs {
		if i > 0 {
			time.Sleep(interCallDelay) // nonce hygiene between on-chain transfers
		}
		addr := agentWallet(agentID)
		externalTxID, err := d.backend.Transfer(ctx, addr, perAgent)
		payment := types.AgentPayment{
			AgentID: agentID,
			Address: addr,
			Amount:  perAgent,
			Success: err == nil,
		}
		if err != nil {
			d.logger.Warn("agent payout failed", zap.String("agentId", agentID), zap.Error(err))
		} else {
			payment.ExternalTxID = externalTxID
		}
		dist.AgentPayments = append(dist.AgentPayments, payment)
		dist.Transactions = append(dist.Transactions, types.ComponentTransaction{
			Kind: "agent_payment", AgentID: agentID, Amount: perAgent, Timestamp: now,
		})
	}

	d.mu.Lock()
	d.transactions = append(d.transactions, dist.Transactions...)
	d.mu.Unlock()

	return dist
}
