package admin

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/procpool/procpool/pkg/procpool"
)

func TestMetricsHooksUpdateSnapshotCounters(t *testing.T) {
	m := NewMetrics()
	hooks := m.Hooks()

	hooks.OnSpawn("h1")
	hooks.OnSpawn("h2")
	hooks.OnTaskCompleted(10*time.Millisecond, nil)
	hooks.OnTaskCompleted(5*time.Millisecond, nil)
	hooks.OnRecycle("h1")
	hooks.OnWorkerExit("h2", errFake("boom"))

	cfg := procpool.PoolConfig{WorkDir: t.TempDir(), PoolSize: 2, RecycleThreshold: 1}
	pool := procpool.NewPool(cfg, "/bin/true", nil)

	snap := m.Snapshot(pool)
	if snap.TasksProcessed != 2 {
		t.Errorf("TasksProcessed = %d, want 2", snap.TasksProcessed)
	}
	if snap.RecycleCount != 1 {
		t.Errorf("RecycleCount = %d, want 1", snap.RecycleCount)
	}
	if snap.CrashCount != 1 {
		t.Errorf("CrashCount = %d, want 1", snap.CrashCount)
	}
	if snap.PoolSize != cfg.PoolSize {
		t.Errorf("PoolSize = %d, want %d", snap.PoolSize, cfg.PoolSize)
	}
}

func TestMetricsHandlerExposesPrometheusFormat(t *testing.T) {
	m := NewMetrics()
	hooks := m.Hooks()
	hooks.OnTaskCompleted(time.Millisecond, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsObserveSetsGauges(t *testing.T) {
	m := NewMetrics()
	m.Observe(procpool.Snapshot{PoolSize: 4, ReadyWorkers: 3, LiveCount: 4})

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	gauges := make(map[string]float64)
	for _, mf := range families {
		if ms := mf.GetMetric(); len(ms) > 0 && ms[0].GetGauge() != nil {
			gauges[mf.GetName()] = ms[0].GetGauge().GetValue()
		}
	}
	if got := gauges["procpool_pool_size"]; got != 4 {
		t.Errorf("procpool_pool_size = %v, want 4", got)
	}
	if got := gauges["procpool_ready_workers"]; got != 3 {
		t.Errorf("procpool_ready_workers = %v, want 3", got)
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }
