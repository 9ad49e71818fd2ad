/*
Package domain contains the core entities shared by the cache and the load
balancer.

Servers:
Server is an upstream target. Its identity and weights are plain fields; the
connection count, administrative status and derived health are runtime state
guarded by atomics and a small lock, so a *Server may be shared freely.

	srv := domain.NewServer("api-1", "10.0.0.5", 8080, 3)
	srv.IncrementConnections()
	defer srv.DecrementConnections()

Selection:
SelectionStrategy implementations receive the eligible set, already filtered
by ServerFilter (active status and a non-open breaker), and pick one server.
The supported algorithms are listed in Algorithms.

Caching:
LevelConfig and CacheConfig describe the levels of a hierarchical cache, from
the smallest and fastest (level 1) to the largest and slowest.

Events:
Components report what happened through a Listener. Notify is nil-safe, so a
component built without a listener simply emits nothing.

	l := domain.ListenerFunc(func(e domain.Event) {
		fmt.Println(e.Kind, e.ServerID)
	})
*/
package domain
