package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Embedder produces a fixed-length vector for a pattern description
type Embedder interface {
	Embed(text string) []float64
}

// AnalyzerConfig holds the per-rule emission thresholds
type AnalyzerConfig struct {
	ReadyStateThreshold float64
	PreReadyThreshold   float64
	AdvanceThreshold    float64
	MinAdvanceHours     float64
	EnableActivityBoost bool
	MaxActivityBoost    float64
}

func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		ReadyStateThreshold: 85,
		PreReadyThreshold:   60,
		AdvanceThreshold:    70,
		MinAdvanceHours:     3.5,
		EnableActivityBoost: true,
		MaxActivityBoost:    15,
	}
}

// Analyzer applies the detection rules to symbol and calendar batches
type Analyzer struct {
	scorer   Scorer
	embedder Embedder
	cfg      AnalyzerConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func NewAnalyzer(scorer Scorer, embedder Embedder, cfg AnalyzerConfig, logger zerolog.Logger) *Analyzer {
	if cfg.MinAdvanceHours <= 0 {
		cfg.MinAdvanceHours = 3.5
	}
	if cfg.MaxActivityBoost <= 0 {
		cfg.MaxActivityBoost = 15
	}
	return &Analyzer{
		scorer:   scorer,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "PatternAnalyzer").Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// guard runs fn for one input item; a panic counts the item as skipped
func (a *Analyzer) guard(item string, skipped *int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("item", item).Msg("skipping item after panic")
			*skipped++
		}
	}()
	fn()
}

// DetectReadyState emits a match for every symbol exactly at the ready vector
// whose confidence reaches the threshold. The second return value counts malformed inputs.
func (a *Analyzer) DetectReadyState(ctx context.Context, symbols []SymbolStatus, activities map[string][]ActivityData) ([]PatternMatch, int) {
	var matches []PatternMatch
	skipped := 0

	for _, s := range symbols {
		s := s
		if err := s.Validate(); err != nil {
			a.logger.Warn().Err(err).Msg("skipping malformed symbol")
			skipped++
			continue
		}
		if s.Status != ReadyVector {
			continue
		}

		a.guard(s.Identifier(), &skipped, func() {
			acts := activities[s.Symbol]
			confidence := a.scorer.ReadyStateConfidence(ctx, s, acts)
			if !IsValidConfidence(confidence) || confidence < a.cfg.ReadyStateThreshold {
				return
			}

			var info *ActivityInfo
			if a.cfg.EnableActivityBoost && len(acts) > 0 {
				boost, high := ActivityScore(acts, a.cfg.MaxActivityBoost)
				confidence = Clamp(confidence+boost, confidence)
				info = &ActivityInfo{Activities: acts, Boost: boost, HasHighPriority: high}
			}

			v := s.Status
			matches = append(matches, PatternMatch{
				ID:          uuid.NewString(),
				PatternType: PatternReadyState,
				Confidence:  confidence,
				Symbol:      s.Identifier(),
				CoinID:      s.Code,
				Indicators: Indicators{
					Status:        &v,
					PriceScale:    s.PriceScale,
					QuantityScale: s.QuantityScale,
				},
				RiskLevel:      ReadyStateRisk(s),
				Recommendation: RecommendImmediateAction,
				ActivityInfo:   info,
				DetectedAt:     a.now(),
			})
		})
	}

	return matches, skipped
}

// DetectPreReady emits early-monitoring matches for listings approaching the ready vector
func (a *Analyzer) DetectPreReady(ctx context.Context, symbols []SymbolStatus) ([]PatternMatch, int) {
	var matches []PatternMatch
	skipped := 0

	for _, s := range symbols {
		s := s
		if err := s.Validate(); err != nil {
			a.logger.Warn().Err(err).Msg("skipping malformed symbol")
			skipped++
			continue
		}

		a.guard(s.Identifier(), &skipped, func() {
			confidence, hours, ok := a.scorer.PreReadyScore(s)
			if !ok || !IsValidConfidence(confidence) || confidence < a.cfg.PreReadyThreshold {
				return
			}

			v := s.Status
			matches = append(matches, PatternMatch{
				ID:          uuid.NewString(),
				PatternType: PatternPreReady,
				Confidence:  confidence,
				Symbol:      s.Identifier(),
				CoinID:      s.Code,
				Indicators: Indicators{
					Status:        &v,
					HoursToReady:  hours,
					PriceScale:    s.PriceScale,
					QuantityScale: s.QuantityScale,
				},
				AdvanceNoticeHours: hours,
				RiskLevel:          preReadyRisk(hours),
				Recommendation:     preReadyRecommendation(hours),
				DetectedAt:         a.now(),
			})
		})
	}

	return matches, skipped
}

// earliest tier: far enough out to set up monitoring, close tiers: get ready to enter
func preReadyRecommendation(hoursToReady float64) Recommendation {
	if hoursToReady >= 6 {
		return RecommendMonitorClosely
	}
	return RecommendPrepareEntry
}

func preReadyRisk(hoursToReady float64) RiskLevel {
	switch {
	case hoursToReady <= 0.5:
		return RiskLow
	case hoursToReady <= 2:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// DetectAdvanceOpportunities scores calendar entries opening at least MinAdvanceHours from now
func (a *Analyzer) DetectAdvanceOpportunities(ctx context.Context, entries []CalendarEntry, activities map[string][]ActivityData) ([]PatternMatch, int) {
	var matches []PatternMatch
	skipped := 0
	now := a.now()

	for _, e := range entries {
		e := e
		if err := e.Validate(); err != nil {
			a.logger.Warn().Err(err).Msg("skipping malformed calendar entry")
			skipped++
			continue
		}

		advanceHours := e.FirstOpenTime.Sub(now).Hours()
		if advanceHours < a.cfg.MinAdvanceHours {
			continue
		}

		a.guard(e.Symbol, &skipped, func() {
			acts := activities[e.Symbol]
			confidence := a.scorer.AdvanceConfidence(ctx, e, advanceHours, acts)
			if !IsValidConfidence(confidence) || confidence < a.cfg.AdvanceThreshold {
				return
			}

			var info *ActivityInfo
			if len(acts) > 0 {
				boost, high := ActivityScore(acts, maxActivityScore)
				info = &ActivityInfo{Activities: acts, Boost: boost * 0.8, HasHighPriority: high}
			}

			matches = append(matches, PatternMatch{
				ID:          uuid.NewString(),
				PatternType: PatternLaunchSequence,
				Confidence:  confidence,
				Symbol:      e.Symbol,
				CoinID:      e.CoinID,
				ProjectName: e.ProjectName,
				Indicators: Indicators{
					AdvanceHours: advanceHours,
					ProjectType:  ClassifyProject(e.ProjectName, e.Symbol),
				},
				AdvanceNoticeHours: advanceHours,
				ScheduledOpenTime:  e.FirstOpenTime,
				RiskLevel:          AdvanceRisk(advanceHours),
				Recommendation:     AdvanceRecommendation(confidence, advanceHours),
				ActivityInfo:       info,
				DetectedAt:         now,
			})
		})
	}

	return matches, skipped
}

// EmbeddingText is the canonical text a status is embedded from
func EmbeddingText(symbol string, t PatternType, v StatusVector) string {
	return fmt.Sprintf("%s %s %s", symbol, t, v)
}
