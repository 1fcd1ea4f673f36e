/*
Package metrics provides Prometheus instrumentation and subsystem health
tracking for a vos pool.

Unlike a long-running service with one process-wide registry, an embedding
application may open many unrelated pools in a single process, so this
package scopes both metrics and health per pool rather than registering
into the Prometheus default registry.

# Architecture

	┌──────────────── PoolMetrics (per pool) ───────────────┐
	│  private prometheus.Registry, labeled by pool UUID     │
	│    counters: updates, fetches, punches, DTX outcomes    │
	│    gauges: arena bytes, open handles                   │
	│    histograms: update/fetch/aggregation/discard latency│
	└──────────────────────┬──────────────────────────────────┘
	                       │ sampled by
	┌──────────────────────▼──────────────────────────────────┐
	│  Collector: ticks every interval, reads a Source          │
	│  (implemented by *vos.Pool) into the gauges above          │
	└───────────────────────────────────────────────────────────┘

	┌──────────────── HealthChecker (per pool) ─────────────┐
	│  component name → healthy/unhealthy + message           │
	│  (arena, wal, btree cache, dtx registry)                 │
	└───────────────────────────────────────────────────────────┘

# Usage

	m := metrics.NewPoolMetrics(poolUUID.String())
	defer metrics.NewCollector(m, pool, 15*time.Second).Stop()

	timer := metrics.NewTimer()
	// ... perform obj_update ...
	timer.ObserveDuration(m.UpdateDuration)
	m.UpdatesTotal.Inc()
*/
package metrics
