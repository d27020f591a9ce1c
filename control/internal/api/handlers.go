package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/relayerr"
)

// handlers holds the capabilities every route handler needs. It is kept as
// one small struct (rather than a method per capability) so the router
// stays a flat list of routes to handler methods, matching this codebase's
// existing handler style.
type handlers struct {
	cfg RouterConfig
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{
		"nodes": envelope{
			"online": len(h.cfg.Registry.OnlineNodes()),
			"idle":   len(h.cfg.Registry.IdleNodes()),
		},
		"dispatcher": envelope{
			"pending": h.cfg.Queue.PendingLen(),
			"running": h.cfg.Queue.RunningLen(),
		},
		"agents": len(h.cfg.Catalogue.All()),
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

func queryHash(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])[:16]
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	wallet := walletFromCtx(r.Context())

	if h.cfg.X402Enabled {
		if !h.cfg.Ledger.HasEnough(wallet, h.cfg.QueryPriceUSDC) {
			bal := h.cfg.Ledger.GetOrCreate(wallet)
			JSON(w, http.StatusPaymentRequired, envelope{
				"error":         "insufficient balance",
				"required":      h.cfg.QueryPriceUSDC,
				"currentBalance": bal.Balance,
			})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	resp := h.cfg.Orchestrator.Execute(ctx, req.Message)

	var payment any
	charged := false
	if resp.AnySucceeded && h.cfg.X402Enabled {
		if ok, err := h.cfg.Ledger.Deduct(wallet, h.cfg.QueryPriceUSDC); err != nil {
			h.cfg.Logger.Error("ledger deduct failed", zap.Error(err))
		} else if ok {
			charged = true
			dist := h.cfg.Distributor.Distribute(ctx, h.cfg.QueryPriceUSDC, resp.AgentsUsed, wallet)
			payment = dist
		}
	}

	Ok(w, envelope{
		"success":      resp.AnySucceeded,
		"charged":      charged,
		"message":      resp.Aggregated,
		"agentsUsed":   resp.AgentsUsed,
		"queryHash":    queryHash(req.Message),
		"agentResults": resp.AgentResults,
		"payment":      payment,
	})
}

type runRequest struct {
	Input     any    `json:"input"`
	AgentID   string `json:"agentId,omitempty"`
	TimeoutMs int64  `json:"timeout,omitempty"`
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.cfg.Dispatcher.Dispatch(req.Input, req.AgentID, req.TimeoutMs)
	if err != nil {
		ErrFromDomain(w, err)
		return
	}

	Ok(w, envelope{
		"success": true,
		"jobId":   result.JobID,
		"runId":   result.RunID,
		"output":  result.Output,
		"logs":    result.Logs,
		"metrics": result.Metrics,
	})
}

type depositRequest struct {
	TxHash string `json:"txHash"`
	Wallet string `json:"wallet"`
}

func (h *handlers) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, err := h.cfg.Ledger.VerifyAndCredit(req.TxHash, req.Wallet)
	if err != nil {
		if relayerr.CodeOf(err) == relayerr.DepositAlreadyProcessed {
			ErrBadRequest(w, err.Error())
			return
		}
		ErrBadRequest(w, err.Error())
		return
	}

	bal := h.cfg.Ledger.GetOrCreate(req.Wallet)
	Ok(w, envelope{
		"success":   true,
		"deposited": amount,
		"newBalance": bal.Balance,
	})
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		ErrBadRequest(w, "wallet query parameter is required")
		return
	}

	bal := h.cfg.Ledger.GetOrCreate(wallet)
	queriesRemaining := 0
	if h.cfg.QueryPriceUSDC > 0 {
		queriesRemaining = int(bal.Balance / h.cfg.QueryPriceUSDC)
	}

	Ok(w, envelope{
		"wallet":           bal.Wallet,
		"balance":          bal.Balance,
		"totalDeposited":   bal.TotalDeposited,
		"totalSpent":       bal.TotalSpent,
		"queryPrice":       h.cfg.QueryPriceUSDC,
		"queriesRemaining": queriesRemaining,
	})
}

type feedbackRequest struct {
	QueryHash string `json:"queryHash"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

func (h *handlers) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.cfg.Monitor.Log("info", "feedback", req.Comment, "", "")
	Ok(w, envelope{"received": true})
}

func (h *handlers) payments(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"payments": []any{}})
}

func (h *handlers) transactions(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"transactions": []any{}})
}
