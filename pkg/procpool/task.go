package procpool

import (
	"encoding/json"
	"fmt"

	"github.com/procpool/procpool/internal/protocol"
)

// ComputeTask is the unit of work a caller submits to the Pool Manager.
// Immutable once constructed; consumed exactly once by a single compute()
// call.
type ComputeTask struct {
	ModuleURL string
	Params    any
	TimeoutMs int
}

// NewComputeTask validates and builds a task. TimeoutMs must be positive.
func NewComputeTask(moduleURL string, params any, timeoutMs int) (*ComputeTask, error) {
	if moduleURL == "" {
		return nil, fmt.Errorf("moduleUrl must not be empty")
	}
	if timeoutMs <= 0 {
		return nil, fmt.Errorf("timeoutMs must be > 0, got %d", timeoutMs)
	}
	return &ComputeTask{ModuleURL: moduleURL, Params: params, TimeoutMs: timeoutMs}, nil
}

// marshalRequest builds the wire request for this task.
func (t *ComputeTask) marshalRequest() ([]byte, error) {
	paramsJSON, err := json.Marshal(t.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal task params: %w", err)
	}
	req := protocol.ComputeRequest{ModuleURL: t.ModuleURL, Params: paramsJSON}
	return req.Marshal()
}

// ComputeResult is the decoded payload returned by a worker.
// decodeComputeResponse returns one only on success; a worker-reported
// error comes back as a *UserComputeError instead.
type ComputeResult struct {
	Result json.RawMessage
}

// Unmarshal decodes the raw result into v.
func (r *ComputeResult) Unmarshal(v any) error {
	return json.Unmarshal(r.Result, v)
}

// decodeComputeResponse turns the raw wire bytes into either a ComputeResult
// or a *UserComputeError. A malformed document surfaces as *ProtocolError.
func decodeComputeResponse(handleID string, data []byte) (*ComputeResult, error) {
	resp, err := protocol.UnmarshalComputeResponse(data)
	if err != nil {
		return nil, &ProtocolError{HandleID: handleID, Err: err}
	}
	if resp.Error != nil {
		return nil, &UserComputeError{
			Name:    resp.Error.Name,
			Message: resp.Error.Message,
			Status_: resp.Error.Status,
		}
	}
	if resp.Result == nil {
		return nil, &ProtocolError{HandleID: handleID, Err: fmt.Errorf("response carries neither result nor error")}
	}
	return &ComputeResult{Result: resp.Result}, nil
}
