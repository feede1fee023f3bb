package patternstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"listing-sniper-bot/internal/patterns"

	"github.com/google/uuid"
)

var ErrPatternNotFound = errors.New("pattern not found")

// StoredPattern is a persisted match with its embedding and outcome counters
type StoredPattern struct {
	ID             string                 `json:"id"`
	Symbol         string                 `json:"symbol"`
	PatternType    patterns.PatternType   `json:"pattern_type"`
	Status         *patterns.StatusVector `json:"status,omitempty"`
	Confidence     float64                `json:"confidence"`
	AdvanceHours   float64                `json:"advance_hours"`
	Embedding      []float64              `json:"embedding,omitempty"`
	TruePositives  int                    `json:"true_positives"`
	FalsePositives int                    `json:"false_positives"`
	Match          patterns.PatternMatch  `json:"match"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Repository is the persistence boundary of pattern storage
type Repository interface {
	InsertPattern(ctx context.Context, p *StoredPattern) error
	// OutcomeCounts sums counters over the most recent sampleLimit patterns of a type
	OutcomeCounts(ctx context.Context, patternType patterns.PatternType, sampleLimit int) (truePositives, total int, err error)
	// CandidatePatterns returns recent patterns, optionally restricted to one type
	CandidatePatterns(ctx context.Context, patternType *patterns.PatternType, limit int) ([]StoredPattern, error)
	RecordOutcome(ctx context.Context, id string, truePositive bool) (patterns.PatternType, error)
}

// MemoryRepository keeps patterns in process, newest last
type MemoryRepository struct {
	mu       sync.RWMutex
	patterns []StoredPattern
	byID     map[string]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]int)}
}

func (r *MemoryRepository) InsertPattern(ctx context.Context, p *StoredPattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	r.byID[p.ID] = len(r.patterns)
	r.patterns = append(r.patterns, *p)
	return nil
}

func (r *MemoryRepository) OutcomeCounts(ctx context.Context, t patterns.PatternType, sampleLimit int) (int, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tp, total, seen := 0, 0, 0
	for i := len(r.patterns) - 1; i >= 0 && (sampleLimit <= 0 || seen < sampleLimit); i-- {
		p := r.patterns[i]
		if p.PatternType != t {
			continue
		}
		seen++
		tp += p.TruePositives
		total += p.TruePositives + p.FalsePositives
	}
	return tp, total, nil
}

func (r *MemoryRepository) CandidatePatterns(ctx context.Context, t *patterns.PatternType, limit int) ([]StoredPattern, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []StoredPattern
	for i := len(r.patterns) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		p := r.patterns[i]
		if t != nil && p.PatternType != *t {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) RecordOutcome(ctx context.Context, id string, truePositive bool) (patterns.PatternType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[id]
	if !ok {
		return "", ErrPatternNotFound
	}
	if truePositive {
		r.patterns[idx].TruePositives++
	} else {
		r.patterns[idx].FalsePositives++
	}
	return r.patterns[idx].PatternType, nil
}

var _ Repository = (*MemoryRepository)(nil)
