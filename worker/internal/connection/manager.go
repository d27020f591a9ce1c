// Package connection manages the persistent duplex WebSocket channel between
// the worker node and the control plane. It handles:
//   - AUTH handshake (presenting nodeId/capabilities/specs, waiting for AUTH_ACK)
//   - Heartbeat loop (periodic liveness signals with system metrics)
//   - Reading JOB_ASSIGN / AGENT_JOB frames and forwarding them to the executor
//   - Sending JOB_RESULT / AGENT_JOB_RESULT frames produced by the executor
//   - Automatic reconnection with exponential backoff + jitter on any failure
//
// The Manager implements executor.ResultSink so the executor can report
// outcomes without knowing about the wire protocol.
//
// State persistence: the worker's nodeId is stable across restarts and
// written to <state-dir>/worker-state.json so the control plane can
// correlate reconnects to the same node record.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/shared/protocol"
	"github.com/relaymesh/relaymesh/worker/internal/executor"
	"github.com/relaymesh/relaymesh/worker/internal/metrics"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many workers reconnect simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the worker sends liveness signals. The
	// control plane marks it STALE if none arrives within 30s (§4.2).
	heartbeatInterval = 10 * time.Second
)

// workerState is persisted to disk so the worker presents the same nodeId
// on every reconnect.
type workerState struct {
	NodeID string `json:"nodeId"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "worker-state.json")
}

func loadState(stateDir string) (workerState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return workerState{}, nil
		}
		return workerState{}, fmt.Errorf("connection: failed to read state file: %w", err)
	}
	var s workerState
	if err := json.Unmarshal(data, &s); err != nil {
		return workerState{}, fmt.Errorf("connection: corrupted state file: %w", err)
	}
	return s, nil
}

func saveState(stateDir string, s workerState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("connection: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "worker-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds all parameters needed to connect to the control plane.
type Config struct {
	// ControlURL is the ws(s):// URL of the control plane's worker endpoint.
	ControlURL string
	// Secret is the shared NODE_SECRET sent in the AUTH frame.
	Secret string
	// StateDir is the directory where worker-state.json is persisted.
	StateDir string
	// Version is the worker binary version, sent during AUTH.
	Version      string
	Capabilities []string
	AgentTypes   []string
	Wallet       string
}

// Manager maintains the persistent WebSocket channel to the control plane.
// It implements executor.ResultSink so the executor can forward outcomes
// without knowing about the wire protocol.
type Manager struct {
	cfg    Config
	exec   *executor.Executor
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nodeID string
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, exec *executor.Executor, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, exec: exec, logger: logger.Named("connection")}
}

// Run starts the connection loop. It connects to the control plane,
// authenticates, and begins the heartbeat and read loops. On any error it
// reconnects with exponential backoff. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to control plane", zap.String("url", m.cfg.ControlURL))

		if err := m.connect(ctx); err != nil {
			m.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// connect establishes one session: dial → AUTH → run loops. Returns when
// the session ends (error or context cancellation).
func (m *Manager) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.ControlURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	if err := m.authenticate(conn); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(ctx, conn) }()
	go func() { errCh <- m.readLoop(ctx, conn) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Manager) authenticate(conn *websocket.Conn) error {
	state, err := loadState(m.cfg.StateDir)
	if err != nil {
		m.logger.Warn("failed to load worker state, generating a new nodeId", zap.Error(err))
	}
	nodeID := state.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
		if err := saveState(m.cfg.StateDir, workerState{NodeID: nodeID}); err != nil {
			m.logger.Warn("failed to persist worker state", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.nodeID = nodeID
	m.mu.Unlock()

	var specs struct {
		OS             string  `json:"os"`
		Arch           string  `json:"arch"`
		CPUCores       int     `json:"cpuCores"`
		TotalMemoryGB  float64 `json:"totalMemoryGB"`
		RuntimeVersion string  `json:"runtimeVersion"`
	}
	specs.OS = hostOS()
	specs.Arch = hostArch()
	specs.CPUCores = cpuCores()
	specs.TotalMemoryGB = totalMemoryGB()
	specs.RuntimeVersion = m.cfg.Version

	auth := protocol.AuthPayload{
		NodeID:       nodeID,
		Capabilities: m.cfg.Capabilities,
		AgentTypes:   m.cfg.AgentTypes,
		Wallet:       m.cfg.Wallet,
		Secret:       m.cfg.Secret,
		Version:      m.cfg.Version,
	}
	auth.Specs = specs

	if err := m.send(conn, protocol.TypeAuth, auth); err != nil {
		return err
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read AUTH_ACK: %w", err)
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	if frame.Type != protocol.TypeAuthAck {
		return fmt.Errorf("expected AUTH_ACK, got %s", frame.Type)
	}

	var ack protocol.AuthAckPayload
	if err := frame.DecodePayload(&ack); err != nil {
		return fmt.Errorf("decode AUTH_ACK: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("authentication rejected: %s", ack.Message)
	}

	m.logger.Info("authenticated with control plane", zap.String("node_id", nodeID))
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := metrics.Collect(ctx)
			hb := protocol.HeartbeatPayload{
				Status:      "IDLE",
				CPUUsage:    snap.CPUPercent,
				MemoryUsage: snap.MemoryPercent,
				ActiveJobs:  0,
			}
			if err := m.send(conn, protocol.TypeHeartbeat, hb); err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
		}
	}
}

// readLoop reads frames off the socket until it closes or ctx is cancelled.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			m.logger.Warn("malformed frame from control plane", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.TypeHeartbeatAck:
			// no-op
		case protocol.TypeJobAssign:
			m.handleJobAssign(frame)
		case protocol.TypeAgentJob:
			m.handleAgentJob(frame)
		case protocol.TypeError:
			var errPayload protocol.ErrorPayload
			_ = frame.DecodePayload(&errPayload)
			m.logger.Warn("error frame from control plane", zap.String("code", errPayload.Code), zap.String("message", errPayload.Message))
			if errPayload.Fatal {
				return fmt.Errorf("fatal error from control plane: %s", errPayload.Message)
			}
		default:
			m.logger.Warn("unexpected frame type from control plane", zap.String("type", string(frame.Type)))
		}
	}
}

func (m *Manager) handleJobAssign(frame protocol.Frame) {
	var p protocol.JobAssignPayload
	if err := frame.DecodePayload(&p); err != nil {
		m.logger.Error("failed to decode JOB_ASSIGN", zap.Error(err))
		return
	}
	job := executor.JobAssignment{
		JobID: p.JobID, RunID: p.RunID, AgentID: p.AgentID,
		Input: p.Input, TimeoutMs: p.TimeoutMs, Context: p.Context, Script: p.Script,
	}
	if err := m.exec.Enqueue(job); err != nil {
		m.logger.Error("failed to enqueue job", zap.String("job_id", p.JobID), zap.Error(err))
	}
}

func (m *Manager) handleAgentJob(frame protocol.Frame) {
	var p protocol.AgentJobPayload
	if err := frame.DecodePayload(&p); err != nil {
		m.logger.Error("failed to decode AGENT_JOB", zap.Error(err))
		return
	}
	job := executor.AgentJobAssignment{JobID: p.JobID, AgentType: p.AgentType, UserQuery: p.UserQuery, Context: p.Context}
	if err := m.exec.EnqueueAgentJob(job); err != nil {
		m.logger.Error("failed to enqueue agent job", zap.String("job_id", p.JobID), zap.Error(err))
	}
}

// SendJobResult implements executor.ResultSink.
func (m *Manager) SendJobResult(r executor.JobResult) {
	status := "SUCCESS"
	var errPayload *protocol.JobResultError
	if !r.Success {
		status = "ERROR"
		errPayload = &protocol.JobResultError{Code: r.ErrorCode, Message: r.ErrorMsg}
	}

	p := protocol.JobResultPayload{
		JobID:  r.JobID,
		RunID:  r.RunID,
		Status: status,
		Output: r.Output,
		Logs:   r.Logs,
		Error:  errPayload,
		Metrics: protocol.JobResultMetrics{
			StartTime: r.StartTime, EndTime: r.EndTime, DurationMs: r.DurationMs,
		},
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.logger.Warn("SendJobResult: no active connection, result lost", zap.String("job_id", r.JobID))
		return
	}
	if err := m.send(conn, protocol.TypeJobResult, p); err != nil {
		m.logger.Warn("SendJobResult: send failed", zap.String("job_id", r.JobID), zap.Error(err))
	}
}

// SendAgentJobResult implements executor.ResultSink.
func (m *Manager) SendAgentJobResult(r executor.AgentJobResult) {
	p := protocol.AgentJobResultPayload{JobID: r.JobID, Success: r.Success, Response: r.Response, Error: r.Error}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.logger.Warn("SendAgentJobResult: no active connection, result lost", zap.String("job_id", r.JobID))
		return
	}
	if err := m.send(conn, protocol.TypeAgentJobResult, p); err != nil {
		m.logger.Warn("SendAgentJobResult: send failed", zap.String("job_id", r.JobID), zap.Error(err))
	}
}

func (m *Manager) send(conn *websocket.Conn, typ protocol.FrameType, payload any) error {
	frame, err := protocol.Encode(typ, uuid.NewString(), time.Now().UnixMilli(), payload)
	if err != nil {
		return err
	}
	raw, err := frame.Marshal()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid thundering
// herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
