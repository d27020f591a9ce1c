// Package registry tracks every authenticated worker node's live state:
// capabilities, metrics, and outbound channel handle.
//
// Grounded on the single-writer, RWMutex-guarded map pattern this codebase
// uses for connection bookkeeping: mutation happens under the lock, and
// every read-facing method returns a defensive copy so callers can inspect
// a node without racing the supervisor's writes.
package registry

import (
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/shared/types"
	"go.uber.org/zap"
)

// Channel is the minimal send capability the registry needs from a worker's
// outbound connection. The connection supervisor owns the concrete
// implementation; the registry only ever holds this narrow handle so that
// dispatcher code depends on an identifier, never on the transport type.
type Channel interface {
	Send(frameType string, payload any) error
	Close(reason string)
}

// entry is the registry's internal bookkeeping for one node.
type entry struct {
	node    *types.Node
	channel Channel
}

// Registry is the single authoritative map of nodeId -> live node state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
}

// New constructs an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// RegisterOpts carries the fields supplied at AUTH time.
type RegisterOpts struct {
	Capabilities []string
	AgentTypes   []string
	Wallet       string
	Version      string
	Specs        types.NodeSpecs
}

// Register creates or replaces the live entry for nodeId. Re-registering an
// existing nodeId evicts the previous channel (closed with reason
// "REPLACED") before installing the new one — the registry never holds two
// channels for the same id.
func (r *Registry) Register(nodeID string, ch Channel, opts RegisterOpts) *types.Node {
	r.mu.Lock()
	if prev, ok := r.entries[nodeID]; ok {
		prevCh := prev.channel
		delete(r.entries, nodeID)
		r.mu.Unlock()
		prevCh.Close("REPLACED")
		r.mu.Lock()
	}

	caps := make(map[string]struct{}, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		caps[c] = struct{}{}
	}
	agentTypes := make(map[string]struct{}, len(opts.AgentTypes))
	for _, a := range opts.AgentTypes {
		agentTypes[a] = struct{}{}
	}

	now := time.Now()
	node := &types.Node{
		NodeID:        nodeID,
		Capabilities:  caps,
		AgentTypes:    agentTypes,
		Wallet:        opts.Wallet,
		Version:       opts.Version,
		Specs:         opts.Specs,
		Status:        types.NodeOnline,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Metrics:       types.NodeMetrics{},
	}
	r.entries[nodeID] = &entry{node: node, channel: ch}
	r.mu.Unlock()

	r.logger.Info("node registered", zap.String("nodeId", nodeID), zap.Strings("capabilities", opts.Capabilities))
	return node
}

// UpdateHeartbeat refreshes a node's metrics and lastHeartbeat. Returns
// false silently if nodeId is unknown.
func (r *Registry) UpdateHeartbeat(nodeID string, metrics types.NodeMetrics) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[nodeID]
	if !ok {
		return false
	}
	e.node.LastHeartbeat = time.Now()
	e.node.Metrics = metrics
	if e.node.Status == types.NodeStale {
		e.node.Status = types.NodeOnline
	}
	return true
}

// Unregister removes nodeId's entry and closes its channel, if present.
func (r *Registry) Unregister(nodeID string) {
	r.mu.Lock()
	e, ok := r.entries[nodeID]
	if ok {
		delete(r.entries, nodeID)
	}
	r.mu.Unlock()

	if ok {
		e.channel.Close("UNREGISTERED")
		r.logger.Info("node unregistered", zap.String("nodeId", nodeID))
	}
}

// Get returns a copy of nodeId's record, or nil if not registered.
func (r *Registry) Get(nodeID string) *types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[nodeID]
	if !ok {
		return nil
	}
	cp := *e.node
	return &cp
}

// ChannelOf returns the outbound channel for nodeId, or nil if unknown.
func (r *Registry) ChannelOf(nodeID string) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[nodeID]
	if !ok {
		return nil
	}
	return e.channel
}

// OnlineNodes returns a snapshot of every node whose status is ONLINE.
func (r *Registry) OnlineNodes() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Node, 0, len(r.entries))
	for _, e := range r.entries {
		if e.node.Status == types.NodeOnline {
			cp := *e.node
			out = append(out, &cp)
		}
	}
	return out
}

// IdleNodes returns every ONLINE node with zero active jobs.
func (r *Registry) IdleNodes() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Node, 0)
	for _, e := range r.entries {
		if e.node.Status == types.NodeOnline && e.node.Metrics.ActiveJobs == 0 {
			cp := *e.node
			out = append(out, &cp)
		}
	}
	return out
}

// NodesWithCapability returns every node currently advertising cap.
func (r *Registry) NodesWithCapability(cap string) []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Node, 0)
	for _, e := range r.entries {
		if e.node.HasCapability(cap) {
			cp := *e.node
			out = append(out, &cp)
		}
	}
	return out
}

// IdleNodeForAgentType returns an idle ONLINE node that explicitly
// advertises agentType among its AgentTypes, i.e. a worker carrying a local
// script for that agent. Unlike IdleNodeForAgent, there is no fallback to
// unrestricted nodes: a worker with no local script for agentType cannot
// run an AGENT_JOB for it. Returns nil if none is available.
func (r *Registry) IdleNodeForAgentType(agentType string) *types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.node.Status != types.NodeOnline || e.node.Metrics.ActiveJobs != 0 {
			continue
		}
		if _, explicit := e.node.AgentTypes[agentType]; explicit {
			cp := *e.node
			return &cp
		}
	}
	return nil
}

// IdleNodeForAgent returns the first idle ONLINE node eligible to run
// agentID, preferring one that explicitly advertises the agent type and
// falling back to any idle node that advertised no restriction at all.
// Returns nil if none is available.
func (r *Registry) IdleNodeForAgent(agentID string) *types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *types.Node
	for _, e := range r.entries {
		if e.node.Status != types.NodeOnline || e.node.Metrics.ActiveJobs != 0 {
			continue
		}
		if _, explicit := e.node.AgentTypes[agentID]; explicit {
			cp := *e.node
			return &cp
		}
		if len(e.node.AgentTypes) == 0 && fallback == nil {
			cp := *e.node
			fallback = &cp
		}
	}
	return fallback
}

// sweepStale marks ONLINE nodes stale past staleAfter and unregisters
// nodes that have been STALE for longer than unregisterAfter beyond that.
// It takes the registry lock itself and closes the removed channels after
// releasing it. Returns the ids unregistered this sweep so the caller can
// log/count them.
func (r *Registry) sweepStale(staleAfter, unregisterAfter time.Duration) []string {
	now := time.Now()

	r.mu.Lock()
	var toClose []*entry
	var unregistered []string
	for id, e := range r.entries {
		age := now.Sub(e.node.LastHeartbeat)
		switch {
		case e.node.Status == types.NodeOnline && age > staleAfter:
			e.node.Status = types.NodeStale
		case e.node.Status == types.NodeStale && age > staleAfter+unregisterAfter:
			toClose = append(toClose, e)
			unregistered = append(unregistered, id)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range toClose {
		e.channel.Close("HEARTBEAT_TIMEOUT")
	}
	return unregistered
}

// SweepStale runs one staleness pass using the defaults from §4.2: 30s to
// go ONLINE -> STALE, 15s further to unregister.
func (r *Registry) SweepStale() {
	unregistered := r.sweepStale(30*time.Second, 15*time.Second)
	for _, id := range unregistered {
		r.logger.Warn("node unregistered after heartbeat timeout", zap.String("nodeId", id))
	}
}

// ConnectedCount returns the number of live registry entries, used by the
// control plane's periodic status log.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
