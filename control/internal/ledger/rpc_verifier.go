package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RPCVerifier verifies on-chain deposits against an external settlement RPC
// endpoint, mirroring the request/response shape the settlement package's
// HTTPBackend uses for outbound transfers.
type RPCVerifier struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewRPCVerifier constructs an RPCVerifier with a bounded request timeout.
func NewRPCVerifier(baseURL string) *RPCVerifier {
	return &RPCVerifier{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyRequest struct {
	TxID       string `json:"txId"`
	ExpectedTo string `json:"expectedTo"`
}

type verifyResponse struct {
	Confirmed bool    `json:"confirmed"`
	From      string  `json:"from"`
	Amount    float64 `json:"amount"`
	Error     string  `json:"error,omitempty"`
}

// VerifyDeposit asks the settlement RPC whether txID is a confirmed transfer
// to expectedTo, and if so who sent it and for how much.
func (v *RPCVerifier) VerifyDeposit(txID, expectedTo string) (VerifiedDeposit, error) {
	body, err := json.Marshal(verifyRequest{TxID: txID, ExpectedTo: expectedTo})
	if err != nil {
		return VerifiedDeposit{}, fmt.Errorf("ledger: marshal verify request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return VerifiedDeposit{}, fmt.Errorf("ledger: build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.HTTPClient.Do(req)
	if err != nil {
		return VerifiedDeposit{}, fmt.Errorf("ledger: verify request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return VerifiedDeposit{}, fmt.Errorf("ledger: read verify response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return VerifiedDeposit{}, fmt.Errorf("ledger: verify backend returned %d: %s", resp.StatusCode, string(raw))
	}

	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return VerifiedDeposit{}, fmt.Errorf("ledger: decode verify response: %w", err)
	}
	if out.Error != "" {
		return VerifiedDeposit{}, fmt.Errorf("ledger: verify backend error: %s", out.Error)
	}

	return VerifiedDeposit{Confirmed: out.Confirmed, From: out.From, Amount: out.Amount}, nil
}
