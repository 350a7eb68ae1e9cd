// Package procpool implements a supervisor that maintains a warm pool of
// pre-spawned worker subprocesses, routes compute tasks to a ready worker
// over a per-handle Unix-domain socket, enforces per-task timeouts,
// recycles workers after a configured number of tasks, replaces crashed
// workers, and shuts down cleanly without orphaning processes or leaking
// sockets.
package procpool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// PoolState is the Pool Manager's lifecycle state.
type PoolState int32

const (
	PoolStopped PoolState = iota
	PoolStarting
	PoolRunning
	PoolStopping
)

func (s PoolState) String() string {
	switch s {
	case PoolStopped:
		return "stopped"
	case PoolStarting:
		return "starting"
	case PoolRunning:
		return "running"
	case PoolStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EventHooks are the Pool Manager's public events. Every field defaults
// to a no-op; PoolOption functions set them.
type EventHooks struct {
	OnSpawn      func(handleID string)
	OnRecycle    func(handleID string)
	OnSpawnError func(err error)
	OnWorkerExit func(handleID string, err error)

	// OnTaskCompleted and OnQueueWait are supplemental hooks used by the
	// admin/metrics package to feed Prometheus histograms without the
	// core depending on Prometheus.
	OnTaskCompleted func(dur time.Duration, err error)
	OnQueueWait     func(dur time.Duration)
}

func noopHooks() EventHooks {
	return EventHooks{
		OnSpawn:         func(string) {},
		OnRecycle:       func(string) {},
		OnSpawnError:    func(error) {},
		OnWorkerExit:    func(string, error) {},
		OnTaskCompleted: func(time.Duration, error) {},
		OnQueueWait:     func(time.Duration) {},
	}
}

// PoolOption configures a Pool at construction time.
type PoolOption func(*Pool)

// WithEventHooks installs event callbacks. Unset fields keep the no-op
// default.
func WithEventHooks(hooks EventHooks) PoolOption {
	return func(p *Pool) {
		if hooks.OnSpawn != nil {
			p.hooks.OnSpawn = hooks.OnSpawn
		}
		if hooks.OnRecycle != nil {
			p.hooks.OnRecycle = hooks.OnRecycle
		}
		if hooks.OnSpawnError != nil {
			p.hooks.OnSpawnError = hooks.OnSpawnError
		}
		if hooks.OnWorkerExit != nil {
			p.hooks.OnWorkerExit = hooks.OnWorkerExit
		}
		if hooks.OnTaskCompleted != nil {
			p.hooks.OnTaskCompleted = hooks.OnTaskCompleted
		}
		if hooks.OnQueueWait != nil {
			p.hooks.OnQueueWait = hooks.OnQueueWait
		}
	}
}

// WithSocketSecurity overrides the default peer-credential policy on
// worker sockets.
func WithSocketSecurity(cfg SocketSecurityConfig) PoolOption {
	return func(p *Pool) { p.security = cfg }
}

// Pool is the Pool Manager: it owns the set of warm workers, drives
// spawn/recycle, and serves compute() callers.
type Pool struct {
	cfg        PoolConfig
	binaryPath string
	logger     *Logger
	security   SocketSecurityConfig
	hooks      EventHooks

	mu      sync.Mutex
	state   PoolState
	handles []*WorkerHandle          // FIFO ring: front = index 0
	all     map[string]*WorkerHandle // every handle not yet Dead, for stop()
	waiters []chan struct{}          // FIFO queue of acquisition waiters

	// terminatingWorkers is kept per-Pool rather than as a process-wide
	// global: passed by reference, it avoids any cross-instance hazard
	// when more than one Pool runs in the same process.
	terminatingWorkers map[string]*WorkerHandle

	liveCount int // non-terminating handles currently counted toward poolSize

	repop singleflight.Group
}

// NewPool constructs a Pool Manager. It does not spawn any workers until
// Start is called.
func NewPool(cfg PoolConfig, workerBinaryPath string, logger *Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "text"})
	}
	p := &Pool{
		cfg:                cfg,
		binaryPath:         workerBinaryPath,
		logger:             logger,
		security:           DefaultSocketSecurityConfig(),
		hooks:              noopHooks(),
		all:                make(map[string]*WorkerHandle),
		terminatingWorkers: make(map[string]*WorkerHandle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start is idempotent. It creates workDir, spawns handles up to PoolSize,
// and waits until all are Ready. On readiness failure for any handle,
// Start fails with *WorkerStartupError after terminating every spawned
// handle.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != PoolStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = PoolStarting
	p.mu.Unlock()

	if err := ensureWorkDir(p.cfg.WorkDir); err != nil {
		p.mu.Lock()
		p.state = PoolStopped
		p.mu.Unlock()
		return &WorkerStartupError{Err: err}
	}

	type spawnResult struct {
		handle *WorkerHandle
		err    error
	}
	results := make([]spawnResult, p.cfg.PoolSize)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			h, err := p.spawnOne(ctx)
			results[idx] = spawnResult{handle: h, err: err}
		}(i)
	}
	wg.Wait()

	var firstErr error
	spawned := make([]*WorkerHandle, 0, p.cfg.PoolSize)
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		spawned = append(spawned, r.handle)
	}

	if firstErr != nil {
		for _, h := range spawned {
			h.terminate(p.cfg.KillTimeoutMs)
		}
		p.mu.Lock()
		p.state = PoolStopped
		p.mu.Unlock()
		return &WorkerStartupError{Err: firstErr}
	}

	p.mu.Lock()
	for _, h := range spawned {
		p.handles = append(p.handles, h)
		p.all[h.id] = h
		p.liveCount++
	}
	p.state = PoolRunning
	p.mu.Unlock()

	for _, h := range spawned {
		p.hooks.OnSpawn(h.id)
		p.logger.WithWorker(h.id).Info("worker spawned")
	}

	return nil
}

// spawnOne creates a handle and blocks until it is ready or the readiness
// timeout elapses.
func (p *Pool) spawnOne(ctx context.Context) (*WorkerHandle, error) {
	h, err := createWorkerHandle(p.cfg.WorkDir, p.binaryPath, p.logger, p.security, p.onHandleExit)
	if err != nil {
		return nil, err
	}
	if err := h.waitForReady(ctx, p.cfg.ReadinessTimeoutMs); err != nil {
		h.terminate(p.cfg.KillTimeoutMs)
		return nil, err
	}
	return h, nil
}

// onHandleExit is the Handle -> Pool crash-detection callback.
// wasTerminating distinguishes
// an expected exit (the Pool already tainted this handle and decremented
// liveCount at that point) from a genuine unexpected crash (liveCount must
// be decremented now, since this is the first notice of its departure).
func (p *Pool) onHandleExit(h *WorkerHandle, wasTerminating bool, err error) {
	p.mu.Lock()
	delete(p.all, h.id)
	delete(p.terminatingWorkers, h.id)
	// Remove from the FIFO if it happens to still be sitting there
	// (crash while idle in the pool, not mid-task).
	for i, cand := range p.handles {
		if cand == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.hooks.OnWorkerExit(h.id, err)

	workerLog := p.logger.WithWorker(h.id)
	if wasTerminating {
		workerLog.Info("worker exited")
	} else {
		workerLog.Warn("worker exited unexpectedly", "error", err)
	}

	if !wasTerminating {
		h.unliveOnce.Do(p.decrementLiveAndRepopulate)
	}
}

// decrementLiveAndRepopulate accounts for a handle leaving the live set
// and triggers background repopulation.
func (p *Pool) decrementLiveAndRepopulate() {
	p.mu.Lock()
	if p.liveCount > 0 {
		p.liveCount--
	}
	running := p.state == PoolRunning
	p.mu.Unlock()

	if running {
		p.triggerRepopulate()
	}
}

// triggerRepopulate schedules a non-blocking repopulation job. Concurrent
// triggers are coalesced via singleflight.
func (p *Pool) triggerRepopulate() {
	p.repop.DoChan("repopulate", func() (interface{}, error) {
		p.repopulate()
		return nil, nil
	})
}

// repopulate spawns handles until the live count reaches PoolSize, with
// exponential backoff capped at the configured max and attempt count.
func (p *Pool) repopulate() {
	backoff := p.cfg.Restart.InitialBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	maxBackoff := p.cfg.Restart.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = time.Second
	}
	maxAttempts := p.cfg.Restart.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	multiplier := p.cfg.Restart.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	attempts := 0
	for {
		p.mu.Lock()
		deficit := p.cfg.PoolSize - p.liveCount
		running := p.state == PoolRunning
		p.mu.Unlock()

		if deficit <= 0 || !running {
			return
		}

		ctx := context.Background()
		h, err := p.spawnOne(ctx)
		if err != nil {
			attempts++
			p.hooks.OnSpawnError(err)
			p.logger.Warn("repopulation spawn failed", "attempt", attempts, "error", err)
			if attempts >= maxAttempts {
				return
			}
			time.Sleep(backoff)
			backoff = time.Duration(float64(backoff) * multiplier)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		attempts = 0
		backoff = p.cfg.Restart.InitialBackoff
		if backoff <= 0 {
			backoff = 50 * time.Millisecond
		}

		p.mu.Lock()
		p.handles = append(p.handles, h)
		p.all[h.id] = h
		p.liveCount++
		p.mu.Unlock()

		p.hooks.OnSpawn(h.id)
		p.logger.WithWorker(h.id).Info("worker respawned")
		p.notifyOneWaiter()

		// Yield so already-blocked acquirers get served before the next
		// spawn in this batch completes.
		time.Sleep(0)
	}
}

// notifyOneWaiter wakes the longest-waiting acquisition caller, if any.
func (p *Pool) notifyOneWaiter() {
	p.mu.Lock()
	var wake chan struct{}
	if len(p.waiters) > 0 {
		wake = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()
	if wake != nil {
		close(wake)
	}
}

func (p *Pool) removeWaiter(target chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// acquire implements the pool's acquisition policy: FIFO take from the
// front; skip unusable handles; if empty, wait for the next spawn bounded
// by QueueWaitTimeoutMs, served in FIFO arrival order.
func (p *Pool) acquire(ctx context.Context) (*WorkerHandle, error) {
	deadline := time.Now().Add(p.cfg.QueueWaitTimeout())
	waitStart := time.Now()
	queued := false

	for {
		p.mu.Lock()
		for len(p.handles) > 0 {
			h := p.handles[0]
			p.handles = p.handles[1:]
			p.mu.Unlock()

			if h.isUsable(p.cfg.RecycleThreshold) {
				if queued {
					p.hooks.OnQueueWait(time.Since(waitStart))
				}
				return h, nil
			}
			// Discarded: not ready, past threshold, or racing a crash.
			p.mu.Lock()
		}

		wake := make(chan struct{})
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()
		queued = true

		p.triggerRepopulate()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.removeWaiter(wake)
			return nil, &QueueTimeoutError{WaitedMs: p.cfg.QueueWaitTimeoutMs}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			p.removeWaiter(wake)
			return nil, &QueueTimeoutError{WaitedMs: p.cfg.QueueWaitTimeoutMs}
		case <-ctx.Done():
			timer.Stop()
			p.removeWaiter(wake)
			return nil, ctx.Err()
		}
	}
}

// release returns a still-healthy handle to the back of the FIFO and
// wakes the longest-waiting acquirer. A handle that is terminating
// (recycled, crashed, or tainted) is instead dropped from the live count
// and a repopulation is triggered.
func (p *Pool) release(h *WorkerHandle, healthy bool) {
	if healthy && h.isUsable(p.cfg.RecycleThreshold) {
		p.mu.Lock()
		p.handles = append(p.handles, h)
		p.mu.Unlock()
		p.notifyOneWaiter()
		return
	}

	h.scheduleTermination()
	p.mu.Lock()
	p.terminatingWorkers[h.id] = h
	p.mu.Unlock()

	h.unliveOnce.Do(p.decrementLiveAndRepopulate)
}

// Compute acquires a worker, dispatches the task, and releases or
// terminates the worker depending on the outcome, retrying on a worker
// crash up to cfg.Retries times.
func (p *Pool) Compute(ctx context.Context, task *ComputeTask) (result *ComputeResult, err error) {
	start := time.Now()
	defer func() {
		p.hooks.OnTaskCompleted(time.Since(start), err)
	}()

	attemptsLeft := p.cfg.Retries + 1
	for {
		p.mu.Lock()
		state := p.state
		p.mu.Unlock()
		if state != PoolRunning {
			return nil, &InvalidStateError{Op: "compute", State: state}
		}

		h, acqErr := p.acquire(ctx)
		if acqErr != nil {
			return nil, acqErr
		}

		// Incremented unconditionally on acceptance: tasksProcessed counts
		// accepted calls, not successful ones.
		newCount := h.tasksProcessed.Add(1)
		recycleNow := newCount%int64(p.cfg.RecycleThreshold) == 0

		res, computeErr := h.compute(ctx, task)

		if recycleNow {
			h.scheduleTermination()
			p.mu.Lock()
			p.terminatingWorkers[h.id] = h
			p.mu.Unlock()
			p.hooks.OnRecycle(h.id)
			p.logger.WithWorker(h.id).Info("worker recycled", "tasks_processed", newCount)
			h.unliveOnce.Do(p.decrementLiveAndRepopulate)
		} else if computeErr != nil {
			var timeoutErr *ComputeTimeoutError
			var crashErr *WorkerCrashError
			var protoErr *ProtocolError
			switch {
			case asComputeTimeout(computeErr, &timeoutErr):
				// A timed-out worker is tainted: its state after a
				// timeout is unknown, so it is never returned to the ring.
				p.release(h, false)
			case asWorkerCrash(computeErr, &crashErr) || asProtocolError(computeErr, &protoErr):
				p.release(h, false)
			default:
				p.release(h, true)
			}
		} else {
			p.release(h, true)
		}

		if computeErr == nil {
			return res, nil
		}

		var crashErr *WorkerCrashError
		var protoErr *ProtocolError
		if asWorkerCrash(computeErr, &crashErr) || asProtocolError(computeErr, &protoErr) {
			attemptsLeft--
			if attemptsLeft > 0 {
				continue
			}
		}

		return nil, computeErr
	}
}

func asComputeTimeout(err error, target **ComputeTimeoutError) bool {
	if e, ok := err.(*ComputeTimeoutError); ok {
		*target = e
		return true
	}
	return false
}

func asWorkerCrash(err error, target **WorkerCrashError) bool {
	if e, ok := err.(*WorkerCrashError); ok {
		*target = e
		return true
	}
	return false
}

func asProtocolError(err error, target **ProtocolError) bool {
	if e, ok := err.(*ProtocolError); ok {
		*target = e
		return true
	}
	return false
}

// Stop is idempotent and best-effort: it never returns an error, logging
// escalations instead.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.state != PoolRunning && p.state != PoolStarting {
		p.mu.Unlock()
		return
	}
	p.state = PoolStopping
	all := make([]*WorkerHandle, 0, len(p.all))
	for _, h := range p.all {
		all = append(all, h)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range all {
		wg.Add(1)
		go func(h *WorkerHandle) {
			defer wg.Done()
			h.terminate(p.cfg.KillTimeoutMs)
		}(h)
	}
	wg.Wait()

	p.mu.Lock()
	p.handles = nil
	p.all = make(map[string]*WorkerHandle)
	p.terminatingWorkers = make(map[string]*WorkerHandle)
	p.liveCount = 0
	waiters := p.waiters
	p.waiters = nil
	p.state = PoolStopped
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	p.logger.InfoContext(ctx, "pool stopped", "work_dir", p.cfg.WorkDir)
}

// Snapshot reports a point-in-time view of pool composition, used by the
// admin channel's metrics endpoint.
type Snapshot struct {
	PoolSize     int
	ReadyWorkers int
	LiveCount    int
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ready := 0
	for _, h := range p.handles {
		if h.State() == HandleReady {
			ready++
		}
	}
	return Snapshot{
		PoolSize:     p.cfg.PoolSize,
		ReadyWorkers: ready,
		LiveCount:    p.liveCount,
	}
}
