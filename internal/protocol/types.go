// Package protocol defines the message envelopes used on the wire: the
// compute request/response exchanged between the Pool Manager and a worker
// over its per-handle socket, and the admin envelope used on the
// supervisor's introspection channel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ComputeRequest is the single JSON document a caller writes to a worker's
// socket before half-closing the write side. No length prefix: end of
// stream marks the end of the document.
type ComputeRequest struct {
	ModuleURL string          `json:"moduleUrl"`
	Params    json.RawMessage `json:"params"`
}

// ComputeResponse is the single JSON document a worker writes back before
// closing the connection. Exactly one of Result or Error is set.
type ComputeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ComputeError   `json:"error,omitempty"`
}

// ComputeError is the structured error shape carried on the wire: a
// taxonomy name, a human message, and an HTTP-convention status.
type ComputeError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewComputeRequest marshals params and builds a request envelope.
func NewComputeRequest(moduleURL string, params interface{}) (*ComputeRequest, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &ComputeRequest{ModuleURL: moduleURL, Params: body}, nil
}

// Marshal serializes the request to JSON.
func (r *ComputeRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalComputeRequest parses a request document read off the wire.
func UnmarshalComputeRequest(data []byte) (*ComputeRequest, error) {
	var req ComputeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal compute request: %w", err)
	}
	return &req, nil
}

// Marshal serializes the response to JSON.
func (r *ComputeResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalComputeResponse parses a response document read off the wire.
func UnmarshalComputeResponse(data []byte) (*ComputeResponse, error) {
	var resp ComputeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal compute response: %w", err)
	}
	return &resp, nil
}

// AdminMessageType tags the payload carried by an AdminEnvelope.
type AdminMessageType string

const (
	AdminMessageEvent           AdminMessageType = "event"
	AdminMessageMetricsRequest  AdminMessageType = "metrics_request"
	AdminMessageMetricsResponse AdminMessageType = "metrics_response"
	AdminMessageSubscribeEvents AdminMessageType = "subscribe_events"
)

// AdminEnvelope is the multiplexed message unit on the admin channel. ReqID
// correlates a request with its response; it is zero for unsolicited
// server-pushed events.
type AdminEnvelope struct {
	Type    AdminMessageType `json:"type"`
	ReqID   uint64           `json:"reqId,omitempty"`
	Payload json.RawMessage  `json:"payload"`
}

// PoolEventKind enumerates the Pool Manager lifecycle events the admin
// channel streams to subscribers.
type PoolEventKind string

const (
	PoolEventSpawn      PoolEventKind = "spawn"
	PoolEventRecycle    PoolEventKind = "recycle"
	PoolEventSpawnError PoolEventKind = "spawnError"
	PoolEventWorkerExit PoolEventKind = "workerExit"
)

// PoolEvent is a single lifecycle notification pushed over the admin
// channel.
type PoolEvent struct {
	Kind     PoolEventKind `json:"kind"`
	HandleID string        `json:"handleId,omitempty"`
	Message  string        `json:"message,omitempty"`
	UnixNano int64         `json:"unixNano"`
}

// MetricsSnapshot is the JSON-serializable metrics view served over the
// admin channel, independent of the Prometheus collectors that also expose
// the same counters over HTTP.
type MetricsSnapshot struct {
	PoolSize       int   `json:"poolSize"`
	ReadyWorkers   int   `json:"readyWorkers"`
	TasksProcessed int64 `json:"tasksProcessed"`
	RecycleCount   int64 `json:"recycleCount"`
	CrashCount     int64 `json:"crashCount"`
	UnixNano       int64 `json:"unixNano"`
}

// WrapEnvelope marshals payload and wraps it in an AdminEnvelope.
func WrapEnvelope(msgType AdminMessageType, reqID uint64, payload interface{}) (*AdminEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal admin payload: %w", err)
	}
	return &AdminEnvelope{Type: msgType, ReqID: reqID, Payload: body}, nil
}

// Marshal serializes the envelope to JSON.
func (e *AdminEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses an AdminEnvelope document.
func UnmarshalEnvelope(data []byte) (*AdminEnvelope, error) {
	var env AdminEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal admin envelope: %w", err)
	}
	return &env, nil
}

// UnmarshalPayload decodes the envelope's payload into v.
func (e *AdminEnvelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}
