package lifecycle

import (
	"sync"
	"time"

	"crossloan/loan"
)

// Registry indexes the requests created by this process.
type Registry struct {
	mu       sync.RWMutex
	requests map[string]*Request
	order    []string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{requests: make(map[string]*Request)}
}

// Add records r.
func (g *Registry) Add(r *Request) {
	if r == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.requests[r.ID]; exists {
		return
	}
	g.requests[r.ID] = r
	g.order = append(g.order, r.ID)
}

// Get returns the request with id.
func (g *Registry) Get(id string) (*Request, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.requests[id]
	return r, ok
}

// ForAccount returns the account's requests, oldest first.
func (g *Registry) ForAccount(account loan.Account) []*Request {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Request
	for _, id := range g.order {
		if r := g.requests[id]; r.Account == account {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of requests per state.
func (g *Registry) Counts() map[State]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	counts := make(map[State]int)
	for _, r := range g.requests {
		counts[r.State()]++
	}
	return counts
}

// Prune drops terminal requests whose last transition is older than cutoff.
func (g *Registry) Prune(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	kept := g.order[:0]
	for _, id := range g.order {
		r := g.requests[id]
		history := r.History()
		if r.State().Terminal() && len(history) > 0 && history[len(history)-1].At.Before(cutoff) {
			delete(g.requests, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	g.order = kept
	return removed
}
