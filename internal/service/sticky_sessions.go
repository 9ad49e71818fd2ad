package service

import (
	"strings"
	"sync"

	"github.com/mir00r/cache-balancer/internal/domain"
)

// StickySessions maps sticky keys to server IDs
type StickySessions struct {
	mu       sync.Mutex
	sessions map[string]string
}

// NewStickySessions creates an empty session table
func NewStickySessions() *StickySessions {
	return &StickySessions{sessions: make(map[string]string)}
}

// LookupOrBind returns the server bound to key when it is among eligible.
// Otherwise it binds key to pick() and returns that with hit false. The
// lookup and the bind happen under one lock, so concurrent first requests for
// a key all land on the same server.
func (ss *StickySessions) LookupOrBind(key string, eligible []*domain.Server, pick func() *domain.Server) (server *domain.Server, hit bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if id, ok := ss.sessions[key]; ok {
		for _, s := range eligible {
			if s.ID == id {
				return s, true
			}
		}
	}
	server = pick()
	ss.sessions[key] = server.ID
	return server, false
}

// PurgeServer drops every binding to serverID and returns how many were removed
func (ss *StickySessions) PurgeServer(serverID string) int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	removed := 0
	for key, id := range ss.sessions {
		if id == serverID {
			delete(ss.sessions, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of bindings
func (ss *StickySessions) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

// StickyKey derives the session key from a routing key. ip keeps the part
// before the first ':', url the part before the first '?', cookie the whole
// value.
func StickyKey(mode domain.SessionAffinity, routingKey string) string {
	switch mode {
	case domain.AffinityIP:
		if i := strings.IndexByte(routingKey, ':'); i >= 0 {
			return routingKey[:i]
		}
	case domain.AffinityURL:
		if i := strings.IndexByte(routingKey, '?'); i >= 0 {
			return routingKey[:i]
		}
	}
	return routingKey
}
