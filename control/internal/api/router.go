package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
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

// RouterConfig wires every capability the HTTP surface needs.
type RouterConfig struct {
	Orchestrator   *orchestrator.Orchestrator
	Dispatcher     *dispatch.Dispatcher
	Queue          *queue.Queue
	Registry       *registry.Registry
	Ledger         *ledger.Ledger
	Distributor    *settlement.Distributor
	Catalogue      *catalogue.Catalogue
	Monitor        *monitor.Monitor
	Logger         *zap.Logger
	X402Enabled    bool
	QueryPriceUSDC float64
}

// NewRouter builds the chi router exposing every route named in §4.9/§6.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Wallet-Address", "X-Payment-Tx"},
	}))
	r.Use(WithWallet)

	h := &handlers{cfg: cfg}

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/run", h.run)
		r.Post("/chat", h.chat)
		r.Post("/deposit", h.deposit)
		r.Get("/balance", h.balance)
		r.Post("/feedback", h.feedback)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.listAgents)
			r.Post("/", h.createAgent)
			r.Get("/{id}", h.getAgent)
			r.Put("/{id}", h.updateAgent)
			r.Delete("/{id}", h.deleteAgent)
		})

		r.Get("/payments", h.payments)
		r.Get("/transactions", h.transactions)

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/", h.monitorSummary)
			r.Get("/nodes", h.monitorNodes)
			r.Get("/logs", h.monitorLogs)
			r.Get("/history", h.monitorHistory)
		})
	})

	return r
}
