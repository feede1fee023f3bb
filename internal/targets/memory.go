package targets

import (
	"context"
	"sort"
	"sync"
	"time"

	"listing-sniper-bot/internal/patterns"
)

// MemoryRepository keeps targets in process
type MemoryRepository struct {
	mu      sync.Mutex
	targets map[string]*Target
	order   []string
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{targets: make(map[string]*Target), now: time.Now}
}

// WithClock replaces the time source used for UpdatedAt
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.now = now
	return r
}

func (r *MemoryRepository) Create(ctx context.Context, t *Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.targets {
		if existing.Symbol == t.Symbol && existing.PatternType == t.PatternType && existing.Status.BlocksDuplicate() {
			return ErrDuplicateTarget
		}
	}
	cp := *t
	r.targets[t.ID] = &cp
	r.order = append(r.order, t.ID)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[id]
	if !ok {
		return nil, ErrTargetNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Target
	for _, id := range r.order {
		t := r.targets[id]
		if t.Status.IsExecutable() && !t.ExecuteAt.After(now) {
			out = append(out, *t)
		}
	}
	sortByPriority(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) List(ctx context.Context, limit int) ([]Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Target, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, *r.targets[r.order[i]])
	}
	return out, nil
}

func (r *MemoryRepository) Transition(ctx context.Context, id string, from, to Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.targets[id]
	if !ok {
		return ErrTargetNotFound
	}
	if t.Status != from || !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	t.Status = to
	t.Error = reason
	t.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) LastFailure(ctx context.Context, symbol string, patternType patterns.PatternType) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var last time.Time
	for _, t := range r.targets {
		if t.Symbol == symbol && t.PatternType == patternType && t.Status == StatusFailed && t.UpdatedAt.After(last) {
			last = t.UpdatedAt
		}
	}
	return last, nil
}

func sortByPriority(ts []Target) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority < ts[j].Priority
		}
		return ts[i].Confidence > ts[j].Confidence
	})
}

var _ Repository = (*MemoryRepository)(nil)
