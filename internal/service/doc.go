/*
Package service implements the load balancing layer of the platform.

LoadBalancer owns the server registry, one circuit breaker per server, the
rolling metrics windows and a pluggable selection strategy:

	lb, err := service.NewLoadBalancer(cfg, nil, log, service.WithListener(bus))
	if err != nil {
		return err
	}
	_ = lb.AddServer(domain.NewServer("api-1", "10.0.0.5", 8080, 2))

	server, err := lb.GetNextServer(clientIP)

A server is eligible when its status is active and its breaker is not open.
GetNextServer fails with errors.ErrNoActiveServers when nothing is eligible.

Selection strategies: round-robin, weighted-round-robin, least-connections,
weighted-least-connections, consistent-hashing and adaptive. The hashing
strategy is plain modulo placement over the eligible set; adding or removing
a server remaps most keys.

HealthChecker probes a set of targets on a fixed interval and emits
server:healthy and server:unhealthy on every tick while a consecutive
threshold holds. It never changes the registry itself.

RequestMetrics aggregates per-server request counts and latency buckets for
proxied traffic.
*/
package service
