package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bustrack/transitsync/pkg/errors"
	"github.com/bustrack/transitsync/pkg/health"
	"github.com/bustrack/transitsync/pkg/types"
)

func newTestCollector(t *testing.T, opts ...Option) *Collector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0
	c, err := NewCollector(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		c := newTestCollector(t)
		assert.True(t, c.Enabled())
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled records nothing", func(t *testing.T) {
		c, err := NewCollector(Config{Enabled: false})
		require.NoError(t, err)
		assert.False(t, c.Enabled())
		assert.Nil(t, c.Registry())

		c.RecordCacheRequest("memory", true)
		c.RecordCacheEviction("memory")
		c.SetCacheSize("disk", 10)
		c.RecordFetch("buses", time.Second, nil)
		c.RecordWorkerRun(types.WorkerRun{Worker: "cleanup", Outcome: types.OutcomeSuccess})
		c.SetComponentState("store", health.StateHealthy, health.StateDegraded, nil)

		require.NoError(t, c.Start(context.Background()))
		assert.Empty(t, c.Addr())
		require.NoError(t, c.Stop(context.Background()))
	})
}

func TestCollector_CacheMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCacheRequest("memory", true)
	c.RecordCacheRequest("memory", true)
	c.RecordCacheRequest("memory", false)
	c.RecordCacheEviction("disk")
	c.SetCacheSize("disk", 4096)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheRequests.WithLabelValues("memory", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheRequests.WithLabelValues("memory", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvictions.WithLabelValues("disk")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.cacheSize.WithLabelValues("disk")))
}

func TestCollector_FetchMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.RecordFetch("buses", 120*time.Millisecond, nil)
	c.RecordFetch("buses", time.Second, errors.Timeout(nil))
	c.RecordFetch("routes", time.Second, errors.ServerError(503, ""))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchErrors.WithLabelValues("buses", string(errors.CodeTimeout))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchErrors.WithLabelValues("routes", string(errors.CodeServerError))))
	assert.Equal(t, 3, testutil.CollectAndCount(c.fetchDuration))
}

func TestCollector_WorkerMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.RecordWorkerRun(types.WorkerRun{Worker: "location_sync", Outcome: types.OutcomeSuccess, Duration: time.Second})
	c.RecordWorkerRun(types.WorkerRun{Worker: "location_sync", Outcome: types.OutcomeRetry, Duration: time.Second})
	c.RecordWorkerRun(types.WorkerRun{Worker: "backup", Outcome: types.OutcomeSkipped})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerRuns.WithLabelValues("location_sync", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerRuns.WithLabelValues("location_sync", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerRuns.WithLabelValues("backup", "skipped")))
	// skipped runs have no duration
	assert.Equal(t, 1, testutil.CollectAndCount(c.workerDuration))
}

func TestCollector_HealthGauge(t *testing.T) {
	c := newTestCollector(t)
	tracker := health.NewTracker(health.Config{ErrorThreshold: 1, UnavailableThreshold: 5, RecoveryThreshold: 1}, clockwork.NewFakeClock())
	tracker.OnStateChange(c.SetComponentState)
	tracker.RegisterComponent("remote")

	tracker.RecordError("remote", errors.Timeout(nil))
	assert.Equal(t, float64(health.StateDegraded), testutil.ToFloat64(c.componentHealth.WithLabelValues("remote")))

	tracker.RecordSuccess("remote")
	assert.Equal(t, float64(health.StateHealthy), testutil.ToFloat64(c.componentHealth.WithLabelValues("remote")))
}

func TestCollector_Handler(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig(), clockwork.NewFakeClock())
	tracker.RegisterComponent("store")
	c := newTestCollector(t, WithHealth(tracker))
	c.RecordCacheRequest("memory", true)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `transitsync_cache_requests_total{result="hit",tier="memory"} 1`)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "healthy", got.Status)
	require.Len(t, got.Components, 1)
	assert.Equal(t, "store", got.Components[0].Name)
}

func TestCollector_StartStop(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	addr := c.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, c.Stop(ctx))
	assert.Empty(t, c.Addr())
	require.NoError(t, c.Stop(ctx))
}
