// Package monitor implements the control plane's observability surface: a
// bounded log ring, a bounded connection-history list, and per-node job
// counters (§4.10). Every view is read-only from the caller's perspective —
// callers receive a snapshot slice, never the live backing array.
package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaymesh/relaymesh/shared/types"
)

const (
	defaultLogCapacity        = 500
	defaultConnHistoryCapacity = 200
)

var (
	connectedNodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymesh_connected_nodes",
		Help: "Number of worker nodes currently connected to the control plane.",
	})
	jobOutcomesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymesh_job_outcomes_total",
		Help: "Job outcomes per node, labeled by success/failure.",
	}, []string{"node_id", "outcome"})
	deadLetterGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymesh_dead_letter_jobs",
		Help: "Current size of the dead-letter queue.",
	})
)

// ConnectionEvent is one entry in the bounded connection-history list.
type ConnectionEvent struct {
	NodeID    string    `json:"nodeId"`
	Event     string    `json:"event"` // CONNECTED | DISCONNECTED
	Timestamp time.Time `json:"timestamp"`
}

// NodeCounters tracks completed/failed job counts for one node.
type NodeCounters struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Monitor is the single instance of observability state, constructed once
// in the composition root and shared by every component that logs.
type Monitor struct {
	mu          sync.Mutex
	logs        []types.LogEntry
	logHead     int // index of the oldest entry once the ring has wrapped
	logCount    int
	connHistory []ConnectionEvent
	counters    map[string]*NodeCounters
}

// New constructs an empty Monitor with the default ring capacities.
func New() *Monitor {
	return &Monitor{
		logs:     make([]types.LogEntry, defaultLogCapacity),
		counters: make(map[string]*NodeCounters),
	}
}

// Log appends an entry to the bounded ring, evicting the oldest entry first
// once the ring is full.
func (m *Monitor) Log(level, source, message, nodeID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := types.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		NodeID:    nodeID,
		JobID:     jobID,
	}

	idx := (m.logHead + m.logCount) % len(m.logs)
	if m.logCount < len(m.logs) {
		m.logs[idx] = entry
		m.logCount++
	} else {
		m.logs[m.logHead] = entry
		m.logHead = (m.logHead + 1) % len(m.logs)
	}
}

// Logs returns a snapshot of the log ring, oldest first.
func (m *Monitor) Logs() []types.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.LogEntry, m.logCount)
	for i := 0; i < m.logCount; i++ {
		out[i] = m.logs[(m.logHead+i)%len(m.logs)]
	}
	return out
}

// RecordConnectionEvent appends a CONNECTED/DISCONNECTED entry, bounding
// the history to defaultConnHistoryCapacity entries (oldest dropped first).
func (m *Monitor) RecordConnectionEvent(nodeID, event string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connHistory = append(m.connHistory, ConnectionEvent{
		NodeID:    nodeID,
		Event:     event,
		Timestamp: time.Now(),
	})
	if len(m.connHistory) > defaultConnHistoryCapacity {
		m.connHistory = m.connHistory[len(m.connHistory)-defaultConnHistoryCapacity:]
	}

	switch event {
	case "CONNECTED":
		connectedNodesGauge.Inc()
	case "DISCONNECTED":
		connectedNodesGauge.Dec()
	}
}

// ConnectionHistory returns a snapshot of the connection-history list.
func (m *Monitor) ConnectionHistory() []ConnectionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConnectionEvent, len(m.connHistory))
	copy(out, m.connHistory)
	return out
}

// RecordJobOutcome increments nodeId's completed or failed counter.
func (m *Monitor) RecordJobOutcome(nodeID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[nodeID]
	if !ok {
		c = &NodeCounters{}
		m.counters[nodeID] = c
	}
	outcome := "failed"
	if success {
		c.Completed++
		outcome = "success"
	} else {
		c.Failed++
	}
	jobOutcomesCounter.WithLabelValues(nodeID, outcome).Inc()
}

// SetDeadLetterCount reports the current dead-letter queue size, called
// periodically by the composition root since the queue owns that count.
func (m *Monitor) SetDeadLetterCount(n int) {
	deadLetterGauge.Set(float64(n))
}

// NodeCountersSnapshot returns a snapshot of the per-node completed/failed counts.
func (m *Monitor) NodeCountersSnapshot() map[string]NodeCounters {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]NodeCounters, len(m.counters))
	for k, v := range m.counters {
		out[k] = *v
	}
	return out
}
