package connection

import (
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
)

// Registry tracks live connections by id and by principal.
// byPrincipal keeps insertion order; both maps always hold the same set of connections.
type Registry struct {
	mu            sync.RWMutex
	singleSession bool
	byPrincipal   map[string][]*Connection
	byID          map[string]*Connection
}

func NewRegistry(singleSession bool) *Registry {
	return &Registry{
		singleSession: singleSession,
		byPrincipal:   make(map[string][]*Connection),
		byID:          make(map[string]*Connection),
	}
}

func (r *Registry) SingleSession() bool {
	return r.singleSession
}

// Admit adds c. Under single-session policy the principal's previous connection is
// removed first and returned; the caller closes it.
func (r *Registry) Admit(c *Connection) (evicted *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	principal := c.PrincipalID()
	if r.singleSession {
		for _, prior := range r.byPrincipal[principal] {
			delete(r.byID, prior.ID())
			if evicted == nil {
				evicted = prior
			}
		}
		delete(r.byPrincipal, principal)
	}

	r.byPrincipal[principal] = append(r.byPrincipal[principal], c)
	r.byID[c.ID()] = c
	return evicted
}

// Remove is idempotent and reports whether connID was present.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[connID]
	if !ok {
		return false
	}
	delete(r.byID, connID)

	principal := c.PrincipalID()
	conns := r.byPrincipal[principal]
	for i, existing := range conns {
		if existing == c {
			conns = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(r.byPrincipal, principal)
	} else {
		r.byPrincipal[principal] = conns
	}
	return true
}

func (r *Registry) CountFor(principal string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPrincipal[principal])
}

func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot lists every connection, grouped by principal in principal order.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.byID))
	for _, principal := range r.sortedPrincipals() {
		for _, c := range r.byPrincipal[principal] {
			out = append(out, c.Summary())
		}
	}
	return out
}

type Stats struct {
	TotalPrincipals  int            `json:"totalPrincipals"`
	TotalConnections int            `json:"totalConnections"`
	PerPrincipal     map[string]int `json:"perPrincipal"`
}

func (r *Registry) AggregateStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalPrincipals:  len(r.byPrincipal),
		TotalConnections: len(r.byID),
		PerPrincipal:     make(map[string]int, len(r.byPrincipal)),
	}
	for principal, conns := range r.byPrincipal {
		stats.PerPrincipal[principal] = len(conns)
	}
	return stats
}

func (r *Registry) Principals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedPrincipals()
}

func (r *Registry) sortedPrincipals() []string {
	principals := make([]string, 0, len(r.byPrincipal))
	for p := range r.byPrincipal {
		principals = append(principals, p)
	}
	sort.Strings(principals)
	return principals
}

// Broadcast sends v to every connection except excludeID and returns how many
// writes succeeded. Failures are logged and skipped.
func (r *Registry) Broadcast(v any, excludeID string) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.byID))
	for id, c := range r.byID {
		if id != excludeID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return deliver(targets, v)
}

// SendToPrincipal sends v to every connection of principal, best effort.
func (r *Registry) SendToPrincipal(principal string, v any) int {
	r.mu.RLock()
	targets := append([]*Connection(nil), r.byPrincipal[principal]...)
	r.mu.RUnlock()
	return deliver(targets, v)
}

func deliver(targets []*Connection, v any) int {
	sent := 0
	for _, c := range targets {
		if err := c.SendJSON(v); err != nil {
			logger.WarnF("[%s] Fail to deliver fan-out frame, details: %v", c.ID(), err)
			continue
		}
		sent++
	}
	return sent
}
