// Package protocol defines the wire frames exchanged between a worker node
// and the control plane over the duplex message channel, and the codec that
// encodes and decodes them.
//
// Frames are self-delimited UTF-8 JSON records sharing three fields (type,
// traceId, timestamp); the payload is modeled as a tagged sum — the codec
// discriminates on Type and the caller decodes the concrete payload it
// expects via Frame.DecodePayload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies the kind of payload a Frame carries.
type FrameType string

const (
	TypeAuth            FrameType = "AUTH"
	TypeAuthAck         FrameType = "AUTH_ACK"
	TypeHeartbeat       FrameType = "HEARTBEAT"
	TypeHeartbeatAck    FrameType = "HEARTBEAT_ACK"
	TypeJobAssign       FrameType = "JOB_ASSIGN"
	TypeJobResult       FrameType = "JOB_RESULT"
	TypeAgentJob        FrameType = "AGENT_JOB"
	TypeAgentJobResult  FrameType = "AGENT_JOB_RESULT"
	TypeError           FrameType = "ERROR"
)

// ErrMalformedFrame is returned when a frame is not a well-formed JSON
// record, is missing type/traceId/timestamp, or carries an unrecognized
// type while strict decoding is requested.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is the common envelope for every message on the wire.
type Frame struct {
	Type      FrameType       `json:"type"`
	TraceID   string          `json:"traceId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode builds a Frame carrying payload, stamped with the given trace id
// and timestamp (milliseconds, sender clock). The caller supplies the
// timestamp so tests can inject a fixed clock.
func Encode(typ FrameType, traceID string, timestampMs int64, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return Frame{Type: typ, TraceID: traceID, Timestamp: timestampMs, Payload: raw}, nil
}

// Marshal serializes f to its wire representation.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses raw bytes into a Frame. It fails with ErrMalformedFrame if
// the bytes are not valid JSON or required fields are missing.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f.Type == "" || f.TraceID == "" || f.Timestamp == 0 {
		return Frame{}, fmt.Errorf("%w: missing type/traceId/timestamp", ErrMalformedFrame)
	}
	return f, nil
}

// DecodeStrict parses raw bytes into a Frame and additionally rejects any
// type not in the known set. Used on the control plane's inbound path,
// where an unrecognized frame type from a worker is itself malformed.
func DecodeStrict(raw []byte) (Frame, error) {
	f, err := Decode(raw)
	if err != nil {
		return Frame{}, err
	}
	switch f.Type {
	case TypeAuth, TypeAuthAck, TypeHeartbeat, TypeHeartbeatAck,
		TypeJobAssign, TypeJobResult, TypeAgentJob, TypeAgentJobResult, TypeError:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("%w: unrecognized type %q", ErrMalformedFrame, f.Type)
	}
}

// DecodePayload unmarshals f's payload into dst.
func (f Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, dst)
}

// --- Payload shapes, one per FrameType (§4.1) ---

type AuthPayload struct {
	NodeID       string   `json:"nodeId"`
	Capabilities []string `json:"capabilities"`
	AgentTypes   []string `json:"agentTypes,omitempty"`
	Wallet       string   `json:"wallet,omitempty"`
	Specs        struct {
		OS             string  `json:"os"`
		Arch           string  `json:"arch"`
		CPUCores       int     `json:"cpuCores"`
		TotalMemoryGB  float64 `json:"totalMemoryGB"`
		RuntimeVersion string  `json:"runtimeVersion"`
	} `json:"specs"`
	Secret  string `json:"secret"`
	Version string `json:"version"`
}

type AuthAckPayload struct {
	Success            bool   `json:"success"`
	Message            string `json:"message,omitempty"`
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs,omitempty"`
}

type HeartbeatPayload struct {
	Status     string  `json:"status"`
	CPUUsage   float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	ActiveJobs int     `json:"activeJobs"`
}

type HeartbeatAckPayload struct {
	Received bool `json:"received"`
}

type JobAssignPayload struct {
	JobID     string `json:"jobId"`
	RunID     string `json:"runId"`
	AgentID   string `json:"agentId"`
	Input     any    `json:"input"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
	Context   any    `json:"context,omitempty"`
	Script    string `json:"script,omitempty"`
	ToolCall  any    `json:"toolCall,omitempty"`
}

type JobResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type JobResultMetrics struct {
	StartTime   int64 `json:"startTime"`
	EndTime     int64 `json:"endTime"`
	DurationMs  int64 `json:"durationMs"`
}

type JobResultPayload struct {
	JobID   string            `json:"jobId"`
	RunID   string            `json:"runId"`
	Status  string            `json:"status"` // SUCCESS | ERROR | TIMEOUT
	Output  any               `json:"output,omitempty"`
	Logs    []string          `json:"logs,omitempty"`
	Error   *JobResultError   `json:"error,omitempty"`
	Metrics JobResultMetrics  `json:"metrics"`
	Memory  any               `json:"memory,omitempty"`
}

type AgentJobPayload struct {
	JobID     string `json:"jobId"`
	AgentType string `json:"agentType"`
	UserQuery string `json:"userQuery"`
	Context   any    `json:"context,omitempty"`
}

type AgentJobResultPayload struct {
	JobID     string `json:"jobId"`
	Success   bool   `json:"success"`
	Response  string `json:"response"`
	ToolsUsed []string `json:"toolsUsed,omitempty"`
	Metrics   any    `json:"metrics,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
