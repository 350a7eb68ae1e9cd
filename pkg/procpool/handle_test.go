package procpool

import (
	"context"
	"testing"
	"time"
)

func testLogger() *Logger {
	return NewLogger(LoggingConfig{Level: "error", Format: "text"})
}

func newTestHandle(t *testing.T) (*WorkerHandle, chan exitReport) {
	t.Helper()
	bin := testWorkerPath(t)

	exitCh := make(chan exitReport, 1)
	h, err := createWorkerHandle(t.TempDir(), bin, testLogger(), DefaultSocketSecurityConfig(), func(h *WorkerHandle, wasTerminating bool, err error) {
		exitCh <- exitReport{handle: h, wasTerminating: wasTerminating, err: err}
	})
	if err != nil {
		t.Fatalf("createWorkerHandle: %v", err)
	}
	if err := h.waitForReady(context.Background(), 5000); err != nil {
		t.Fatalf("waitForReady: %v", err)
	}
	return h, exitCh
}

type exitReport struct {
	handle         *WorkerHandle
	wasTerminating bool
	err            error
}

func TestCreateWorkerHandleBecomesReady(t *testing.T) {
	h, _ := newTestHandle(t)
	defer h.terminate(1000)

	if h.State() != HandleReady {
		t.Fatalf("state = %v, want HandleReady", h.State())
	}
	if len(h.ID()) != 16 {
		t.Errorf("ID() = %q, want 16 characters", h.ID())
	}
}

func TestHandleComputeEcho(t *testing.T) {
	h, _ := newTestHandle(t)
	defer h.terminate(1000)

	task, err := NewComputeTask("builtin://echo", map[string]any{"hello": "world"}, 2000)
	if err != nil {
		t.Fatalf("NewComputeTask: %v", err)
	}

	res, err := h.compute(context.Background(), task)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	var out map[string]string
	if err := res.Unmarshal(&out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out["hello"] != "world" {
		t.Errorf("echoed params = %v, want hello=world", out)
	}
}

func TestHandleComputeSum(t *testing.T) {
	h, _ := newTestHandle(t)
	defer h.terminate(1000)

	task, err := NewComputeTask("builtin://sum", []float64{1, 2, 3.5}, 2000)
	if err != nil {
		t.Fatalf("NewComputeTask: %v", err)
	}

	res, err := h.compute(context.Background(), task)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	var sum float64
	if err := res.Unmarshal(&sum); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if sum != 6.5 {
		t.Errorf("sum = %v, want 6.5", sum)
	}
}

func TestHandleComputeUserError(t *testing.T) {
	h, _ := newTestHandle(t)
	defer h.terminate(1000)

	task, err := NewComputeTask("builtin://fail", nil, 2000)
	if err != nil {
		t.Fatalf("NewComputeTask: %v", err)
	}

	_, err = h.compute(context.Background(), task)
	if err == nil {
		t.Fatal("expected an error from builtin://fail")
	}

	ucErr, ok := err.(*UserComputeError)
	if !ok {
		t.Fatalf("err type = %T, want *UserComputeError", err)
	}
	if ucErr.Status() != 422 {
		t.Errorf("status = %d, want 422", ucErr.Status())
	}
	if ucErr.Name != "IntentionalFailure" {
		t.Errorf("name = %q, want IntentionalFailure", ucErr.Name)
	}
}

func TestHandleComputeTimeout(t *testing.T) {
	h, _ := newTestHandle(t)
	defer h.terminate(1000)

	task, err := NewComputeTask("builtin://sleep", map[string]int{"ms": 2000}, 100)
	if err != nil {
		t.Fatalf("NewComputeTask: %v", err)
	}

	_, err = h.compute(context.Background(), task)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if _, ok := err.(*ComputeTimeoutError); !ok {
		t.Fatalf("err type = %T, want *ComputeTimeoutError", err)
	}
}

func TestHandleComputeCrashReportsWorkerCrashError(t *testing.T) {
	h, exitCh := newTestHandle(t)
	defer h.terminate(1000)

	task, err := NewComputeTask("builtin://crash", nil, 2000)
	if err != nil {
		t.Fatalf("NewComputeTask: %v", err)
	}

	_, err = h.compute(context.Background(), task)
	if err == nil {
		t.Fatal("expected an error after the worker process exited")
	}
	if _, ok := err.(*WorkerCrashError); !ok {
		t.Fatalf("err type = %T, want *WorkerCrashError", err)
	}

	select {
	case report := <-exitCh:
		if report.wasTerminating {
			t.Error("expected wasTerminating=false for an unexpected crash")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onProcessExit callback")
	}
}

func TestHandleScheduleTerminationWaitsForPendingTasks(t *testing.T) {
	h, exitCh := newTestHandle(t)

	task, err := NewComputeTask("builtin://sleep", map[string]int{"ms": 300}, 2000)
	if err != nil {
		t.Fatalf("NewComputeTask: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := h.compute(context.Background(), task); err != nil {
			t.Errorf("compute: %v", err)
		}
	}()

	// Give the task time to register as pending before scheduling
	// termination, so this exercises the "wait for drain" path rather than
	// an immediate signal.
	time.Sleep(50 * time.Millisecond)
	h.scheduleTermination()

	if h.State() != HandleTerminating {
		t.Fatalf("state = %v, want HandleTerminating", h.State())
	}

	<-done

	select {
	case report := <-exitCh:
		if !report.wasTerminating {
			t.Error("expected wasTerminating=true for a scheduled termination")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker exit after scheduled termination")
	}
}

func TestHandleTerminateIsIdempotent(t *testing.T) {
	h, _ := newTestHandle(t)
	h.terminate(1000)
	h.terminate(1000)

	if h.State() != HandleDead {
		t.Fatalf("state = %v, want HandleDead", h.State())
	}
}

func TestWaitForReadyFailsFastOnExitedProcess(t *testing.T) {
	bin := testWorkerPath(t)
	h, err := createWorkerHandle(t.TempDir(), bin, testLogger(), DefaultSocketSecurityConfig(), nil)
	if err != nil {
		t.Fatalf("createWorkerHandle: %v", err)
	}
	defer h.terminate(1000)

	h.terminate(1000)

	err = h.waitForReady(context.Background(), 5000)
	if err == nil {
		t.Fatal("expected waitForReady to fail once the process has exited")
	}
}
