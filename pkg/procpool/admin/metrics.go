package admin

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/procpool/procpool/internal/protocol"
	"github.com/procpool/procpool/pkg/procpool"
)

// Metrics collects Prometheus series from a Pool's event hooks and, when
// Serve is called, exposes them over HTTP at the given path.
type Metrics struct {
	poolSize       prometheus.Gauge
	readyWorkers   prometheus.Gauge
	liveWorkers    prometheus.Gauge
	tasksProcessed prometheus.Counter
	recycleCount   prometheus.Counter
	crashCount     prometheus.Counter
	spawnErrors    prometheus.Counter
	computeLatency prometheus.Histogram
	queueWait      prometheus.Histogram

	registry *prometheus.Registry

	// Mirrored counters for the admin channel's JSON metrics snapshot,
	// which callers poll far more cheaply than scraping the Prometheus
	// registry on every AdminMessageMetricsRequest.
	tasksProcessedTotal atomic.Int64
	recycleTotal        atomic.Int64
	crashTotal          atomic.Int64
}

// NewMetrics builds the collector set and registers it on a private
// registry, so embedding this package never collides with an
// application's default Prometheus registerer.
func NewMetrics() *Metrics {
	m := &Metrics{
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procpool",
			Name:      "pool_size",
			Help:      "Configured target number of warm workers.",
		}),
		readyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procpool",
			Name:      "ready_workers",
			Help:      "Workers currently idle and eligible for acquisition.",
		}),
		liveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "procpool",
			Name:      "live_workers",
			Help:      "Worker processes spawned and not yet exited, including ones draining before termination.",
		}),
		tasksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procpool",
			Name:      "tasks_processed_total",
			Help:      "Pool.Compute calls that returned, successfully or with an error.",
		}),
		recycleCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procpool",
			Name:      "worker_recycles_total",
			Help:      "Workers retired after reaching the recycle threshold.",
		}),
		crashCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procpool",
			Name:      "worker_crashes_total",
			Help:      "Worker processes that exited unexpectedly.",
		}),
		spawnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "procpool",
			Name:      "spawn_errors_total",
			Help:      "Failed attempts to spawn a replacement worker.",
		}),
		computeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "procpool",
			Name:      "compute_duration_seconds",
			Help:      "Wall-clock duration of Pool.Compute calls, including queue wait.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "procpool",
			Name:      "queue_wait_duration_seconds",
			Help:      "Time a Compute call spent waiting for a worker handle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.poolSize, m.readyWorkers, m.liveWorkers,
		m.tasksProcessed, m.recycleCount, m.crashCount, m.spawnErrors,
		m.computeLatency, m.queueWait,
	)
	return m
}

// Hooks returns the EventHooks to pass to procpool.WithEventHooks so the
// Pool's lifecycle feeds these collectors directly.
func (m *Metrics) Hooks() procpool.EventHooks {
	return procpool.EventHooks{
		OnSpawn: func(handleID string) {
			m.liveWorkers.Inc()
		},
		OnRecycle: func(handleID string) {
			m.recycleCount.Inc()
			m.recycleTotal.Add(1)
		},
		OnSpawnError: func(err error) {
			m.spawnErrors.Inc()
		},
		OnWorkerExit: func(handleID string, err error) {
			if err != nil {
				m.crashCount.Inc()
				m.crashTotal.Add(1)
			}
			m.liveWorkers.Dec()
		},
		OnTaskCompleted: func(dur time.Duration, err error) {
			m.tasksProcessed.Inc()
			m.tasksProcessedTotal.Add(1)
			m.computeLatency.Observe(dur.Seconds())
		},
		OnQueueWait: func(dur time.Duration) {
			m.queueWait.Observe(dur.Seconds())
		},
	}
}

// Observe refreshes the point-in-time gauges from a pool snapshot. Callers
// typically poll this on a short ticker alongside the event-driven
// counters above.
func (m *Metrics) Observe(snapshot procpool.Snapshot) {
	m.poolSize.Set(float64(snapshot.PoolSize))
	m.readyWorkers.Set(float64(snapshot.ReadyWorkers))
}

// Snapshot builds the JSON metrics view served over the admin channel,
// combining the pool's point-in-time composition with the mirrored
// cumulative counters.
func (m *Metrics) Snapshot(pool *procpool.Pool) protocol.MetricsSnapshot {
	s := pool.Snapshot()
	return protocol.MetricsSnapshot{
		PoolSize:       s.PoolSize,
		ReadyWorkers:   s.ReadyWorkers,
		TasksProcessed: m.tasksProcessedTotal.Load(),
		RecycleCount:   m.recycleTotal.Load(),
		CrashCount:     m.crashTotal.Load(),
		UnixNano:       time.Now().UnixNano(),
	}
}

// Handler returns an http.Handler serving the collected series in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing Handler at path until ctx is
// canceled.
func (m *Metrics) Serve(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
