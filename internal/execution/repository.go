package execution

import (
	"context"
	"sort"
	"sync"
)

// Repository persists positions and their execution history
type Repository interface {
	SavePosition(ctx context.Context, p *Position) error
	AppendHistory(ctx context.Context, e HistoryEntry) error
	ListOpenPositions(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
	// ApplyExitBatch writes the position and history rows of a batch of exits together
	ApplyExitBatch(ctx context.Context, fills []ExitFill) error
}

// MemoryRepository keeps positions and history in process
type MemoryRepository struct {
	mu        sync.RWMutex
	positions map[string]Position
	history   []HistoryEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{positions: make(map[string]Position)}
}

func (r *MemoryRepository) SavePosition(ctx context.Context, p *Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(*p)
	return nil
}

// put stores p unless the stored copy is already closed
func (r *MemoryRepository) put(p Position) {
	if old, ok := r.positions[p.ID]; ok && old.Status == PositionClosed {
		return
	}
	r.positions[p.ID] = p
}

func (r *MemoryRepository) AppendHistory(ctx context.Context, e HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, e)
	return nil
}

func (r *MemoryRepository) ListOpenPositions(ctx context.Context) ([]Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Position
	for _, p := range r.positions {
		if p.Status.IsOpen() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (r *MemoryRepository) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HistoryEntry, 0, len(r.history))
	for i := len(r.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, r.history[i])
	}
	return out, nil
}

func (r *MemoryRepository) ApplyExitBatch(ctx context.Context, fills []ExitFill) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range fills {
		r.put(f.Position)
		r.history = append(r.history, f.History)
	}
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
