package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

func targetFor(t *testing.T, id string, srv *httptest.Server) domain.HealthTarget {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return domain.HealthTarget{ID: id, Host: host, Port: port}
}

func healthConfig() domain.HealthCheckConfig {
	return domain.HealthCheckConfig{
		Enabled:            true,
		Interval:           20 * time.Millisecond,
		Timeout:            50 * time.Millisecond,
		HealthyThreshold:   2,
		UnhealthyThreshold: 2,
		Path:               "/health",
		Method:             http.MethodGet,
		ExpectedStatus:     []int{http.StatusOK},
	}
}

func TestHealthCheckerHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	events := &recorder{}
	hc := NewHealthChecker(healthConfig(), logger.NewNop(), WithHealthListener(events))
	hc.SetTargets([]domain.HealthTarget{targetFor(t, "a", srv)})
	ctx := context.Background()

	results := hc.CheckAll(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ProbePass, results[0].Status)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)
	assert.Empty(t, events.kinds("a"), "threshold not reached yet")

	hc.CheckAll(ctx)
	hc.CheckAll(ctx)
	assert.Equal(t, []domain.EventKind{domain.EventServerHealthy, domain.EventServerHealthy}, events.kinds("a"))

	status.Store(http.StatusInternalServerError)
	results = hc.CheckAll(ctx)
	assert.Equal(t, domain.ProbeFail, results[0].Status)
	assert.Contains(t, results[0].Error, "unexpected status code 500")
	hc.CheckAll(ctx)
	hc.CheckAll(ctx)

	assert.Equal(t, []domain.EventKind{
		domain.EventServerHealthy, domain.EventServerHealthy,
		domain.EventServerUnhealthy, domain.EventServerUnhealthy,
	}, events.kinds("a"))

	latest, ok := hc.LatestResult("a")
	require.True(t, ok)
	assert.Equal(t, domain.ProbeFail, latest.Status)
	assert.Len(t, hc.Results("a"), 6)

	avg, ok := hc.AverageResponseTime("a")
	assert.True(t, ok)
	assert.Greater(t, avg, time.Duration(0))
}

func TestHealthCheckerTimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	hc := NewHealthChecker(healthConfig(), logger.NewNop())
	hc.SetTargets([]domain.HealthTarget{targetFor(t, "slow", srv)})

	start := time.Now()
	results := hc.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.ProbeFail, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
}

func TestHealthCheckerConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := targetFor(t, "gone", srv)
	srv.Close()

	hc := NewHealthChecker(healthConfig(), logger.NewNop())
	hc.SetTargets([]domain.HealthTarget{target})

	results := hc.CheckAll(context.Background())
	assert.Equal(t, domain.ProbeFail, results[0].Status)
}

func TestHealthCheckerCountersResetOnOppositeResult(t *testing.T) {
	var pass atomic.Bool
	prober := ProberFunc(func(ctx context.Context, target domain.HealthTarget) (int, error) {
		if pass.Load() {
			return http.StatusOK, nil
		}
		return http.StatusServiceUnavailable, nil
	})

	events := &recorder{}
	cfg := healthConfig()
	cfg.UnhealthyThreshold = 3
	hc := NewHealthChecker(cfg, nil, WithProber(prober), WithHealthListener(events))
	hc.SetTargets([]domain.HealthTarget{{ID: "a", Host: "h", Port: 1}})
	ctx := context.Background()

	hc.CheckAll(ctx)
	hc.CheckAll(ctx)
	pass.Store(true)
	hc.CheckAll(ctx)
	pass.Store(false)
	hc.CheckAll(ctx)
	hc.CheckAll(ctx)
	assert.Empty(t, events.kinds("a"))

	hc.CheckAll(ctx)
	assert.Equal(t, []domain.EventKind{domain.EventServerUnhealthy}, events.kinds("a"))
}

func TestHealthCheckerResultWindow(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context, target domain.HealthTarget) (int, error) {
		return http.StatusOK, nil
	})
	hc := NewHealthChecker(healthConfig(), nil, WithProber(prober))
	hc.SetTargets([]domain.HealthTarget{{ID: "a"}})

	for i := 0; i < HealthResultWindow+20; i++ {
		hc.CheckAll(context.Background())
	}
	assert.Len(t, hc.Results("a"), HealthResultWindow)
}

func TestHealthCheckerStartStop(t *testing.T) {
	var probes atomic.Int64
	prober := ProberFunc(func(ctx context.Context, target domain.HealthTarget) (int, error) {
		probes.Add(1)
		return http.StatusOK, nil
	})

	hc := NewHealthChecker(healthConfig(), nil, WithProber(prober))
	hc.Stop()

	require.NoError(t, hc.Start(context.Background(), []domain.HealthTarget{{ID: "a"}, {ID: "b"}}))
	assert.True(t, hc.IsRunning())
	assert.Error(t, hc.Start(context.Background(), nil))

	assert.Eventually(t, func() bool { return probes.Load() >= 4 }, time.Second, 5*time.Millisecond)

	hc.Stop()
	hc.Stop()
	assert.False(t, hc.IsRunning())

	after := probes.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, probes.Load())
}

func TestHealthCheckerStopDuringProbeRecordsNothing(t *testing.T) {
	started := make(chan struct{}, 1)
	prober := ProberFunc(func(ctx context.Context, target domain.HealthTarget) (int, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return 0, ctx.Err()
	})

	cfg := healthConfig()
	cfg.Timeout = time.Minute
	cfg.UnhealthyThreshold = 1
	events := &recorder{}
	hc := NewHealthChecker(cfg, nil, WithProber(prober), WithHealthListener(events))

	require.NoError(t, hc.Start(context.Background(), []domain.HealthTarget{{ID: "a"}}))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("no probe started")
	}
	hc.Stop()

	_, ok := hc.LatestResult("a")
	assert.False(t, ok)
	assert.Empty(t, events.kinds("a"))
}

func TestHealthCheckerDisabled(t *testing.T) {
	cfg := healthConfig()
	cfg.Enabled = false
	hc := NewHealthChecker(cfg, nil)

	require.NoError(t, hc.Start(context.Background(), nil))
	assert.False(t, hc.IsRunning())
}

func TestHealthCheckerTargets(t *testing.T) {
	hc := NewHealthChecker(healthConfig(), nil, WithProber(ProberFunc(
		func(context.Context, domain.HealthTarget) (int, error) { return http.StatusOK, nil })))

	hc.SetTargets([]domain.HealthTarget{{ID: "a"}, {ID: "b"}, {ID: "a"}})
	hc.AddTarget(domain.HealthTarget{ID: "c"})
	hc.CheckAll(context.Background())
	hc.RemoveTarget("b")

	var ids []string
	for _, target := range hc.Targets() {
		ids = append(ids, target.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)

	_, ok := hc.LatestResult("b")
	assert.False(t, ok)

	// history survives SetTargets for retained ids
	hc.SetTargets([]domain.HealthTarget{{ID: "a"}})
	_, ok = hc.LatestResult("a")
	assert.True(t, ok)
}
