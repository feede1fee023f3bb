// Package patternstore persists detected patterns and serves cached success rates
// and similarity lookups derived from them.
package patternstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"listing-sniper-bot/internal/cache"
	"listing-sniper-bot/internal/patterns"

	"github.com/rs/zerolog"
)

const (
	DefaultSuccessRate   = 75.0
	successSampleLimit   = 100
	candidateLimit       = 200
	defaultSimilarLimit  = 10
	defaultSimilarThresh = 0.7

	keySuccessRate = "success_rate:"
	keySimilar     = "similar:"
	keyAnyType     = "any"
)

// SimilarOptions controls FindSimilar
type SimilarOptions struct {
	Threshold    float64 `json:"threshold"`
	Limit        int     `json:"limit"`
	SameTypeOnly bool    `json:"same_type_only"`
}

// SimilarPattern is a candidate scored against the query
type SimilarPattern struct {
	Pattern    StoredPattern `json:"pattern"`
	Similarity float64       `json:"similarity"`
}

// Storage implements patterns.Recorder and patterns.SuccessRateSource
type Storage struct {
	repo     Repository
	cache    cache.Cache
	embedder *HashEmbedder
	ttl      time.Duration
	logger   zerolog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewStorage(repo Repository, c cache.Cache, ttl time.Duration, logger zerolog.Logger) *Storage {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if c == nil {
		c = cache.NewMemoryCache(cache.DefaultMaxEntries)
	}
	return &Storage{
		repo:     repo,
		cache:    c,
		embedder: NewHashEmbedder(DefaultDimensions),
		ttl:      ttl,
		logger:   logger.With().Str("component", "PatternStorage").Logger(),
	}
}

// Embedder exposes the embedding used for stored patterns
func (s *Storage) Embedder() *HashEmbedder {
	return s.embedder
}

// Store persists a match. Invalid confidence or missing identity is a silent no-op.
func (s *Storage) Store(ctx context.Context, m patterns.PatternMatch) error {
	if !patterns.IsValidConfidence(m.Confidence) || m.Symbol == "" || m.PatternType == "" {
		s.logger.Debug().Str("symbol", m.Symbol).Float64("confidence", m.Confidence).Msg("skipping invalid pattern")
		return nil
	}

	p := &StoredPattern{
		ID:           m.ID,
		Symbol:       m.Symbol,
		PatternType:  m.PatternType,
		Status:       m.Indicators.Status,
		Confidence:   m.Confidence,
		AdvanceHours: m.AdvanceNoticeHours,
		Embedding:    s.embedder.Embed(embeddingText(m)),
		Match:        m,
		CreatedAt:    m.DetectedAt,
	}
	if err := s.repo.InsertPattern(ctx, p); err != nil {
		return fmt.Errorf("store pattern %s: %w", m.Symbol, err)
	}

	s.invalidate(ctx, m.PatternType)
	return nil
}

func embeddingText(m patterns.PatternMatch) string {
	v := patterns.StatusVector{}
	if m.Indicators.Status != nil {
		v = *m.Indicators.Status
	}
	return patterns.EmbeddingText(m.Symbol, m.PatternType, v)
}

func (s *Storage) invalidate(ctx context.Context, t patterns.PatternType) {
	if err := s.cache.Delete(ctx, keySuccessRate+string(t)); err != nil {
		s.logger.Debug().Err(err).Msg("success rate invalidation failed")
	}
	for _, prefix := range []string{keySimilar + string(t) + ":", keySimilar + keyAnyType + ":"} {
		if err := s.cache.DeletePrefix(ctx, prefix); err != nil {
			s.logger.Debug().Err(err).Msg("similarity invalidation failed")
		}
	}
}

// HistoricalSuccessRate returns the true-positive percentage over recent outcomes,
// DefaultSuccessRate when none are recorded. Errors still return the default.
func (s *Storage) HistoricalSuccessRate(ctx context.Context, t patterns.PatternType) (float64, error) {
	key := keySuccessRate + string(t)

	var cached float64
	if err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil {
		s.hits.Add(1)
		return cached, nil
	}
	s.misses.Add(1)

	tp, total, err := s.repo.OutcomeCounts(ctx, t, successSampleLimit)
	if err != nil {
		return DefaultSuccessRate, fmt.Errorf("outcome counts for %s: %w", t, err)
	}

	rate := DefaultSuccessRate
	if total > 0 {
		rate = float64(tp) / float64(total) * 100
	}

	if err := cache.SetJSON(ctx, s.cache, key, rate, s.ttl); err != nil {
		s.logger.Debug().Err(err).Msg("success rate cache write failed")
	}
	return rate, nil
}

// FindSimilar scores recent stored patterns against m and returns the best
// matches above the threshold, highest first. Results are cached per query.
func (s *Storage) FindSimilar(ctx context.Context, m patterns.PatternMatch, opts SimilarOptions) ([]SimilarPattern, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultSimilarLimit
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultSimilarThresh
	}

	key := similarKey(m, opts)
	var cached []SimilarPattern
	if err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil {
		s.hits.Add(1)
		return cached, nil
	}
	s.misses.Add(1)

	var typeFilter *patterns.PatternType
	if opts.SameTypeOnly {
		t := m.PatternType
		typeFilter = &t
	}
	candidates, err := s.repo.CandidatePatterns(ctx, typeFilter, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	query := s.embedder.Embed(embeddingText(m))
	results := make([]SimilarPattern, 0)
	for _, c := range candidates {
		if c.ID != "" && c.ID == m.ID {
			continue
		}
		score := similarity(m, query, c)
		if score >= opts.Threshold {
			results = append(results, SimilarPattern{Pattern: c, Similarity: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	if err := cache.SetJSON(ctx, s.cache, key, results, s.ttl); err != nil {
		s.logger.Debug().Err(err).Msg("similarity cache write failed")
	}
	return results, nil
}

// similarity weights status equality, type equality, confidence proximity and embedding direction
func similarity(m patterns.PatternMatch, query []float64, c StoredPattern) float64 {
	score := 0.0
	if m.Indicators.Status != nil && c.Status != nil && *m.Indicators.Status == *c.Status {
		score += 0.35
	}
	if m.PatternType == c.PatternType {
		score += 0.25
	}
	if d := m.Confidence - c.Confidence; d <= 10 && d >= -10 {
		score += 0.2
	}
	if cos := patterns.CosineSimilarity(query, c.Embedding); cos > 0 {
		score += 0.2 * cos
	}
	return score
}

func similarKey(m patterns.PatternMatch, opts SimilarOptions) string {
	scope := keyAnyType
	if opts.SameTypeOnly {
		scope = string(m.PatternType)
	}

	q := struct {
		Symbol     string                 `json:"s"`
		Type       patterns.PatternType   `json:"t"`
		Status     *patterns.StatusVector `json:"v"`
		Confidence float64                `json:"c"`
		Opts       SimilarOptions         `json:"o"`
	}{m.Symbol, m.PatternType, m.Indicators.Status, m.Confidence, opts}

	raw, _ := json.Marshal(q)
	sum := sha1.Sum(raw)
	return keySimilar + scope + ":" + hex.EncodeToString(sum[:])
}

// RecordOutcome updates the counters of a stored pattern
func (s *Storage) RecordOutcome(ctx context.Context, id string, truePositive bool) error {
	t, err := s.repo.RecordOutcome(ctx, id, truePositive)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", id, err)
	}
	s.invalidate(ctx, t)
	return nil
}

// CacheHitRatio is the share of success-rate and similarity lookups served from cache
func (s *Storage) CacheHitRatio() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

var (
	_ patterns.Recorder          = (*Storage)(nil)
	_ patterns.SuccessRateSource = (*Storage)(nil)
	_ patterns.CacheStatsSource  = (*Storage)(nil)
	_ patterns.Embedder          = (*HashEmbedder)(nil)
)
