package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// The agent catalogue is a static, in-process table (§1 "a catalogue
// consumed by the orchestrator"); there is no mutable agent store backing
// it, so create/update/delete report the catalogue as read-only rather than
// silently discarding the request.

func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"agents": h.cfg.Catalogue.All()})
}

func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, ok := h.cfg.Catalogue.Get(id)
	if !ok {
		errJSON(w, http.StatusNotFound, "agent not found", "not_found")
		return
	}
	Ok(w, envelope{"agent": agent})
}

func (h *handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	errJSON(w, http.StatusMethodNotAllowed, "the agent catalogue is read-only", "read_only_catalogue")
}

func (h *handlers) updateAgent(w http.ResponseWriter, r *http.Request) {
	errJSON(w, http.StatusMethodNotAllowed, "the agent catalogue is read-only", "read_only_catalogue")
}

func (h *handlers) deleteAgent(w http.ResponseWriter, r *http.Request) {
	errJSON(w, http.StatusMethodNotAllowed, "the agent catalogue is read-only", "read_only_catalogue")
}

func (h *handlers) monitorSummary(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{
		"onlineNodes": len(h.cfg.Registry.OnlineNodes()),
		"idleNodes":   len(h.cfg.Registry.IdleNodes()),
		"counters":    h.cfg.Monitor.NodeCountersSnapshot(),
	})
}

func (h *handlers) monitorNodes(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"nodes": h.cfg.Registry.OnlineNodes()})
}

func (h *handlers) monitorLogs(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"logs": h.cfg.Monitor.Logs()})
}

func (h *handlers) monitorHistory(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"history": h.cfg.Monitor.ConnectionHistory()})
}
