package execution

import "sync"

const maxSettled = 1000

// ExitGuard serialises exits per position. A full close keeps its claim so every
// later attempt sees the position as closed. Only the newest maxSettled closes are
// remembered; an older id is no longer tracked by the engine and fails with
// ErrPositionNotFound instead.
type ExitGuard struct {
	mu      sync.Mutex
	busy    map[string]bool
	settled map[string]bool
	order   []string // settled ids, oldest first
	limit   int
}

func NewExitGuard() *ExitGuard {
	return newExitGuard(maxSettled)
}

func newExitGuard(limit int) *ExitGuard {
	return &ExitGuard{busy: make(map[string]bool), settled: make(map[string]bool), limit: limit}
}

// Acquire claims the position for one exit; false when busy or already closed
func (g *ExitGuard) Acquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy[id] || g.settled[id] {
		return false
	}
	g.busy[id] = true
	return true
}

// Release frees a claim after a partial exit or a failed order
func (g *ExitGuard) Release(id string) {
	g.mu.Lock()
	delete(g.busy, id)
	g.mu.Unlock()
}

// Settle marks the position closed for good
func (g *ExitGuard) Settle(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.busy, id)
	if g.settled[id] {
		return
	}
	g.settled[id] = true
	g.order = append(g.order, id)
	if over := len(g.order) - g.limit; over > 0 {
		for _, old := range g.order[:over] {
			delete(g.settled, old)
		}
		g.order = append([]string(nil), g.order[over:]...)
	}
}

func (g *ExitGuard) IsSettled(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settled[id]
}

// Settled is the number of remembered closes
func (g *ExitGuard) Settled() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.settled)
}
