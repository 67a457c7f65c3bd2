/*
Package metrics provides Prometheus instrumentation for the worker
pool: how many workers are alive, how many jobs have been dispatched
and completed by type, dispatch-to-response latency, and frame decode
failures. A small HealthChecker tracks component health for a
/healthz endpoint alongside the /metrics endpoint.

# Usage

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/healthz", metrics.HealthHandler())

	metrics.RegisterComponent("pool", true, "")
	metrics.JobsDispatchedTotal.WithLabelValues("check").Inc()

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.DispatchLatency)
*/
package metrics
