package procpool

import "fmt"

// HTTP-convention status codes surfaced on the wire and to callers.
const (
	StatusComputeTimeout = 408
	StatusQueueTimeout   = 429
	StatusWorkerError    = 500
	StatusInvalidState   = 503
)

// WorkerStartupError indicates a spawn or readiness failure. Not recoverable
// for that handle; the Pool Manager discards it and spawns a replacement.
type WorkerStartupError struct {
	HandleID string
	Err      error
}

func (e *WorkerStartupError) Error() string {
	return fmt.Sprintf("worker startup failed for handle %s: %v", e.HandleID, e.Err)
}

func (e *WorkerStartupError) Unwrap() error { return e.Err }

func (e *WorkerStartupError) Status() int { return StatusWorkerError }

// WorkerCrashError indicates the child exited unexpectedly mid-task. Retried
// up to PoolConfig.Retries before surfacing to the caller.
type WorkerCrashError struct {
	HandleID string
	Err      error
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("worker %s crashed: %v", e.HandleID, e.Err)
}

func (e *WorkerCrashError) Unwrap() error { return e.Err }

func (e *WorkerCrashError) Status() int { return StatusWorkerError }

// ComputeTimeoutError indicates the per-task deadline was exceeded. The
// worker that served the timed-out task is tainted (marked Terminating).
type ComputeTimeoutError struct {
	HandleID  string
	TimeoutMs int
}

func (e *ComputeTimeoutError) Error() string {
	return fmt.Sprintf("compute on handle %s exceeded %dms timeout", e.HandleID, e.TimeoutMs)
}

func (e *ComputeTimeoutError) Status() int { return StatusComputeTimeout }

// QueueTimeoutError indicates the acquisition deadline was exceeded while
// waiting for a ready handle. The client may retry.
type QueueTimeoutError struct {
	WaitedMs int
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("queue wait exceeded %dms", e.WaitedMs)
}

func (e *QueueTimeoutError) Status() int { return StatusQueueTimeout }

// InvalidStateError indicates an operation was attempted while the pool was
// not running.
type InvalidStateError struct {
	Op    string
	State PoolState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: pool is %s", e.Op, e.State)
}

func (e *InvalidStateError) Status() int { return StatusInvalidState }

// UserComputeError is an error returned by the user module itself. It is
// passed through to the caller unchanged, carrying whatever status the
// module reported.
type UserComputeError struct {
	Name    string
	Message string
	Status_ int
}

func (e *UserComputeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *UserComputeError) Status() int { return e.Status_ }

// ProtocolError indicates a malformed worker response. Treated the same
// as a WorkerCrashError by callers that don't care about the distinction,
// so it carries the same status.
type ProtocolError struct {
	HandleID string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from handle %s: %v", e.HandleID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Status() int { return StatusWorkerError }

// StatusError is satisfied by every error kind above; callers that only
// care about the HTTP-convention status code can type-assert to this
// instead of enumerating every concrete kind.
type StatusError interface {
	error
	Status() int
}
