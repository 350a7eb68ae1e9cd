package procpool

import (
	"encoding/json"
	"testing"
)

func TestNewComputeTaskValidation(t *testing.T) {
	if _, err := NewComputeTask("", map[string]any{}, 100); err == nil {
		t.Error("expected error for empty moduleUrl")
	}
	if _, err := NewComputeTask("builtin://echo", map[string]any{}, 0); err == nil {
		t.Error("expected error for zero timeoutMs")
	}
	if _, err := NewComputeTask("builtin://echo", map[string]any{}, -1); err == nil {
		t.Error("expected error for negative timeoutMs")
	}

	task, err := NewComputeTask("builtin://echo", map[string]any{"a": 1}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.ModuleURL != "builtin://echo" || task.TimeoutMs != 100 {
		t.Errorf("unexpected task: %+v", task)
	}
}

func TestComputeTaskMarshalRequest(t *testing.T) {
	task, err := NewComputeTask("builtin://echo", map[string]any{"x": 1}, 100)
	if err != nil {
		t.Fatalf("NewComputeTask: %v", err)
	}

	data, err := task.marshalRequest()
	if err != nil {
		t.Fatalf("marshalRequest: %v", err)
	}

	var decoded struct {
		ModuleURL string         `json:"moduleUrl"`
		Params    map[string]int `json:"params"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal wire bytes: %v", err)
	}
	if decoded.ModuleURL != "builtin://echo" || decoded.Params["x"] != 1 {
		t.Errorf("unexpected wire payload: %+v", decoded)
	}
}

func TestDecodeComputeResponseResult(t *testing.T) {
	result, err := decodeComputeResponse("h1", []byte(`{"result":{"x":1}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out map[string]int
	if err := result.Unmarshal(&out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out["x"] != 1 {
		t.Errorf("unexpected result: %+v", out)
	}
}

func TestDecodeComputeResponseError(t *testing.T) {
	_, err := decodeComputeResponse("h1", []byte(`{"error":{"name":"Bad","message":"nope","status":422}}`))
	var userErr *UserComputeError
	if err == nil {
		t.Fatal("expected an error")
	}
	if !asUserComputeError(err, &userErr) {
		t.Fatalf("expected *UserComputeError, got %T", err)
	}
	if userErr.Name != "Bad" || userErr.Status() != 422 {
		t.Errorf("unexpected user error: %+v", userErr)
	}
}

func TestDecodeComputeResponseMalformed(t *testing.T) {
	_, err := decodeComputeResponse("h1", []byte(`not json`))
	var protoErr *ProtocolError
	if !asProtocolError(err, &protoErr) {
		t.Fatalf("expected *ProtocolError for malformed json, got %T (%v)", err, err)
	}
}

func TestDecodeComputeResponseEmpty(t *testing.T) {
	_, err := decodeComputeResponse("h1", []byte(`{}`))
	var protoErr *ProtocolError
	if !asProtocolError(err, &protoErr) {
		t.Fatalf("expected *ProtocolError for an envelope with neither result nor error, got %T (%v)", err, err)
	}
}

func asUserComputeError(err error, target **UserComputeError) bool {
	e, ok := err.(*UserComputeError)
	if ok {
		*target = e
	}
	return ok
}
