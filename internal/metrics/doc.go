/*
Package metrics exposes transitsync's Prometheus metrics.

The Collector implements the recorder interfaces from pkg/types, so the cache
tiers, the remote client and the worker scheduler report into it without
importing Prometheus themselves:

	cache tiers  ──> cache_requests_total{tier,result}
	             ──> cache_evictions_total{tier}
	             ──> cache_size_bytes{tier}
	remote       ──> remote_fetch_duration_seconds{resource,outcome}
	             ──> remote_fetch_errors_total{resource,code}
	scheduler    ──> worker_runs_total{worker,result}
	             ──> worker_run_duration_seconds{worker}
	health       ──> component_health_state{component}

Each collector owns a private registry, so several collectors can coexist in
tests. Start serves the registry on Config.Path together with a JSON /health
endpoint backed by a HealthReporter.

	collector, err := metrics.NewCollector(cfg.Metrics, metrics.WithLogger(logger))
	if err != nil {
		return err
	}
	tracker.OnStateChange(collector.SetComponentState)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

A disabled collector accepts every call and records nothing.
*/
package metrics
