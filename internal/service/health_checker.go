package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// HealthResultWindow is the number of probe results kept per server
const HealthResultWindow = 100

type targetState struct {
	target  domain.HealthTarget
	results []domain.HealthCheckResult
	passes  int
	fails   int
}

// HealthChecker probes every target once per interval and classifies servers
// through consecutive pass and fail counters. It never mutates the registry;
// collaborators react to the server:healthy and server:unhealthy events,
// which fire on every tick while a threshold holds.
type HealthChecker struct {
	config   domain.HealthCheckConfig
	prober   Prober
	logger   *logger.Logger
	listener domain.Listener

	mu      sync.RWMutex
	order   []string
	targets map[string]*targetState

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// HealthCheckerOption configures a HealthChecker
type HealthCheckerOption func(*HealthChecker)

// WithProber replaces the HTTP prober
func WithProber(p Prober) HealthCheckerOption {
	return func(hc *HealthChecker) {
		hc.prober = p
	}
}

// WithHealthListener sets the receiver of server:healthy and server:unhealthy events
func WithHealthListener(l domain.Listener) HealthCheckerOption {
	return func(hc *HealthChecker) {
		hc.listener = l
	}
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(config domain.HealthCheckConfig, log *logger.Logger, opts ...HealthCheckerOption) *HealthChecker {
	config = config.WithDefaults()
	hc := &HealthChecker{
		config:  config,
		logger:  logger.OrNop(log).HealthCheckLogger(),
		targets: make(map[string]*targetState),
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.prober == nil {
		hc.prober = NewHTTPProber(config.Method, config.Path)
	}
	return hc
}

// SetTargets replaces the probed set, keeping history for targets that remain
func (hc *HealthChecker) SetTargets(targets []domain.HealthTarget) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	next := make(map[string]*targetState, len(targets))
	order := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, dup := next[t.ID]; dup {
			continue
		}
		state, ok := hc.targets[t.ID]
		if !ok {
			state = &targetState{}
		}
		state.target = t
		next[t.ID] = state
		order = append(order, t.ID)
	}
	hc.targets = next
	hc.order = order
}

// AddTarget starts probing one more server
func (hc *HealthChecker) AddTarget(t domain.HealthTarget) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if state, ok := hc.targets[t.ID]; ok {
		state.target = t
		return
	}
	hc.targets[t.ID] = &targetState{target: t}
	hc.order = append(hc.order, t.ID)
}

// RemoveTarget stops probing a server and drops its history
func (hc *HealthChecker) RemoveTarget(id string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if _, ok := hc.targets[id]; !ok {
		return
	}
	delete(hc.targets, id)
	for i, existing := range hc.order {
		if existing == id {
			hc.order = append(hc.order[:i:i], hc.order[i+1:]...)
			break
		}
	}
}

// Targets returns the probed set in order
func (hc *HealthChecker) Targets() []domain.HealthTarget {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make([]domain.HealthTarget, 0, len(hc.order))
	for _, id := range hc.order {
		out = append(out, hc.targets[id].target)
	}
	return out
}

// Start begins periodic probing of targets. The first round runs one
// interval after Start.
func (hc *HealthChecker) Start(ctx context.Context, targets []domain.HealthTarget) error {
	if !hc.config.Enabled {
		hc.logger.Info("Health checking is disabled")
		return nil
	}

	hc.runMu.Lock()
	defer hc.runMu.Unlock()

	if hc.running {
		return fmt.Errorf("health checker is already running")
	}
	if targets != nil {
		hc.SetTargets(targets)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	hc.cancel = cancel
	hc.done = make(chan struct{})
	hc.running = true

	hc.logger.Infof("Starting health checker with interval %v", hc.config.Interval)
	go hc.loop(loopCtx, hc.done)
	return nil
}

// Stop cancels the timer and waits for an in-flight round. Safe to call
// when not started.
func (hc *HealthChecker) Stop() {
	hc.runMu.Lock()
	defer hc.runMu.Unlock()

	if !hc.running {
		return
	}

	hc.logger.Info("Stopping health checker")
	hc.cancel()
	<-hc.done
	hc.running = false
	hc.logger.Info("Health checker stopped")
}

// IsRunning returns true if health checking is currently running
func (hc *HealthChecker) IsRunning() bool {
	hc.runMu.Lock()
	defer hc.runMu.Unlock()
	return hc.running
}

func (hc *HealthChecker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			hc.logger.Debug("Health check loop stopped")
			return
		case <-ticker.C:
			hc.CheckAll(ctx)
		}
	}
}

// CheckAll probes every target concurrently, records the results and emits
// events in target order. Nothing is recorded when ctx ends mid-round.
func (hc *HealthChecker) CheckAll(ctx context.Context) []domain.HealthCheckResult {
	targets := hc.Targets()
	results := make([]domain.HealthCheckResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = hc.probe(gctx, target)
			// probe failures are state, not errors
			return nil
		})
	}
	_ = g.Wait()

	// a cancelled round says nothing about the servers; only the per-probe
	// timeout counts as a failure
	if ctx.Err() != nil {
		hc.logger.Debug("Health check round abandoned")
		return results
	}
	for i, target := range targets {
		hc.record(target, results[i])
	}
	return results
}

func (hc *HealthChecker) probe(ctx context.Context, target domain.HealthTarget) domain.HealthCheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, hc.config.Timeout)
	defer cancel()

	start := time.Now()
	code, err := hc.prober.Probe(probeCtx, target)
	result := domain.HealthCheckResult{
		ServerID:     target.ID,
		StatusCode:   code,
		ResponseTime: time.Since(start),
		Timestamp:    start,
		Status:       domain.ProbeFail,
	}

	switch {
	case err != nil:
		result.Error = err.Error()
	case !hc.expected(code):
		result.Error = fmt.Sprintf("unexpected status code %d", code)
	default:
		result.Status = domain.ProbePass
	}
	return result
}

func (hc *HealthChecker) expected(code int) bool {
	for _, want := range hc.config.ExpectedStatus {
		if code == want {
			return true
		}
	}
	return false
}

func (hc *HealthChecker) record(target domain.HealthTarget, result domain.HealthCheckResult) {
	hc.mu.Lock()
	state, ok := hc.targets[target.ID]
	if !ok {
		// removed while the probe was in flight
		hc.mu.Unlock()
		return
	}
	if len(state.results) >= HealthResultWindow {
		state.results = append(state.results[:0:0], state.results[1:]...)
	}
	state.results = append(state.results, result)

	if result.Status == domain.ProbePass {
		state.passes++
		state.fails = 0
	} else {
		state.fails++
		state.passes = 0
	}
	passes, fails := state.passes, state.fails
	hc.mu.Unlock()

	log := hc.logger.ServerLogger(target.ID, target.Address())
	var kind domain.EventKind
	switch {
	case passes >= hc.config.HealthyThreshold:
		kind = domain.EventServerHealthy
		log.WithField("consecutive_passes", passes).Debug("Server healthy")
	case fails >= hc.config.UnhealthyThreshold:
		kind = domain.EventServerUnhealthy
		log.WithField("consecutive_fails", fails).
			WithField("error", result.Error).
			Warn("Server unhealthy due to repeated probe failures")
	default:
		if result.Status == domain.ProbeFail {
			log.WithField("error", result.Error).Debug("Health check failed but threshold not reached")
		}
		return
	}

	domain.Notify(hc.listener, domain.Event{
		Kind:     kind,
		ServerID: target.ID,
		Address:  target.Address(),
	})
}

// LatestResult returns the most recent probe result of a server
func (hc *HealthChecker) LatestResult(id string) (domain.HealthCheckResult, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	state, ok := hc.targets[id]
	if !ok || len(state.results) == 0 {
		return domain.HealthCheckResult{}, false
	}
	return state.results[len(state.results)-1], true
}

// Results returns the retained probe results of a server, oldest first
func (hc *HealthChecker) Results(id string) []domain.HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	state, ok := hc.targets[id]
	if !ok {
		return nil
	}
	out := make([]domain.HealthCheckResult, len(state.results))
	copy(out, state.results)
	return out
}

// AverageResponseTime returns the mean response time over the retained results
func (hc *HealthChecker) AverageResponseTime(id string) (time.Duration, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	state, ok := hc.targets[id]
	if !ok || len(state.results) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, r := range state.results {
		total += r.ResponseTime
	}
	return total / time.Duration(len(state.results)), true
}

// GetStats returns health checker statistics
func (hc *HealthChecker) GetStats() map[string]interface{} {
	hc.mu.RLock()
	servers := make(map[string]interface{}, len(hc.targets))
	for id, state := range hc.targets {
		servers[id] = map[string]interface{}{
			"consecutive_passes": state.passes,
			"consecutive_fails":  state.fails,
			"results":            len(state.results),
		}
	}
	hc.mu.RUnlock()

	return map[string]interface{}{
		"enabled":             hc.config.Enabled,
		"running":             hc.IsRunning(),
		"interval":            hc.config.Interval.String(),
		"timeout":             hc.config.Timeout.String(),
		"healthy_threshold":   hc.config.HealthyThreshold,
		"unhealthy_threshold": hc.config.UnhealthyThreshold,
		"check_path":          hc.config.Path,
		"servers":             servers,
	}
}
