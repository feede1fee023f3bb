package patterns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"listing-sniper-bot/internal/events"

	"github.com/rs/zerolog"
)

// Publisher is the event channel the core emits patterns_detected on
type Publisher interface {
	Publish(event events.Event)
}

// Recorder persists detected matches
type Recorder interface {
	Store(ctx context.Context, match PatternMatch) error
}

// CacheStatsSource exposes the storage cache hit ratio for metrics
type CacheStatsSource interface {
	CacheHitRatio() float64
}

// DetectedEvent is the versioned payload of a patterns_detected event
type DetectedEvent struct {
	PatternType PatternType    `json:"pattern_type"`
	Matches     []PatternMatch `json:"matches"`
	Metadata    EventMetadata  `json:"metadata"`
}

type EventMetadata struct {
	SymbolsAnalyzed int           `json:"symbols_analyzed,omitempty"`
	Duration        time.Duration `json:"duration"`
	Source          string        `json:"source"`
}

// AnalysisRequest is the input of one detection pass
type AnalysisRequest struct {
	Symbols    []SymbolStatus            `json:"symbols"`
	Calendar   []CalendarEntry           `json:"calendar"`
	Activities map[string][]ActivityData `json:"activities,omitempty"`
	// ConfidenceThreshold overrides the configured minimum when set
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	IncludeCorrelations bool     `json:"include_correlations"`
	Source              string   `json:"source"`
}

type Summary struct {
	TotalPatterns        int     `json:"total_patterns"`
	ReadyStateFound      int     `json:"ready_state_found"`
	PreReadyFound        int     `json:"pre_ready_found"`
	AdvanceOpportunities int     `json:"advance_opportunities"`
	AverageConfidence    float64 `json:"average_confidence"`
}

type RecommendationGroups struct {
	Immediate []PatternMatch `json:"immediate"`
	Monitor   []PatternMatch `json:"monitor"`
	Prepare   []PatternMatch `json:"prepare"`
}

// ConfidenceDistribution counts matches per confidence bucket
type ConfidenceDistribution struct {
	Below50  int `json:"0-50"`
	From50   int `json:"50-70"`
	From70   int `json:"70-85"`
	From85Up int `json:"85-100"`
}

type ResultMetadata struct {
	SymbolsAnalyzed  int           `json:"symbols_analyzed"`
	CalendarAnalyzed int           `json:"calendar_analyzed"`
	Skipped          int           `json:"skipped"`
	Threshold        float64       `json:"threshold"`
	Duration         time.Duration `json:"duration"`
	Source           string        `json:"source"`
	AnalyzedAt       time.Time     `json:"analyzed_at"`
	Error            string        `json:"error,omitempty"`
}

// AnalysisResult is always well formed, even when the pass failed
type AnalysisResult struct {
	Matches                []PatternMatch         `json:"matches"`
	Summary                Summary                `json:"summary"`
	Recommendations        RecommendationGroups   `json:"recommendations"`
	Correlations           []CorrelationAnalysis  `json:"correlations"`
	ConfidenceDistribution ConfidenceDistribution `json:"confidence_distribution"`
	Metadata               ResultMetadata         `json:"metadata"`
}

func emptyResult(req AnalysisRequest, threshold float64, start time.Time) *AnalysisResult {
	return &AnalysisResult{
		Matches:      []PatternMatch{},
		Correlations: []CorrelationAnalysis{},
		Recommendations: RecommendationGroups{
			Immediate: []PatternMatch{},
			Monitor:   []PatternMatch{},
			Prepare:   []PatternMatch{},
		},
		Metadata: ResultMetadata{
			SymbolsAnalyzed:  len(req.Symbols),
			CalendarAnalyzed: len(req.Calendar),
			Threshold:        threshold,
			Source:           req.Source,
			AnalyzedAt:       start,
		},
	}
}

// CoreConfig holds the global filtering options of the detection core
type CoreConfig struct {
	MinConfidence      float64
	EnableCorrelations bool
	StorePatterns      bool
}

// CoreMetrics is a rolling snapshot of detection activity
type CoreMetrics struct {
	TotalAnalyses     int64     `json:"total_analyses"`
	TotalPatterns     int64     `json:"total_patterns"`
	AverageConfidence float64   `json:"average_confidence"`
	AverageDuration   string    `json:"average_duration"`
	CacheHitRatio     float64   `json:"cache_hit_ratio"`
	Errors            int64     `json:"errors"`
	Warnings          int64     `json:"warnings"`
	LastAnalysis      time.Time `json:"last_analysis"`
}

// DetectionCore orchestrates the analyzer over a request and emits results
type DetectionCore struct {
	analyzer  *Analyzer
	recorder  Recorder
	publisher Publisher
	cacheSrc  CacheStatsSource
	cfg       CoreConfig
	logger    zerolog.Logger
	now       func() time.Time

	mu            sync.Mutex
	metrics       CoreMetrics
	totalDuration time.Duration
	confidenceSum float64
}

func NewDetectionCore(analyzer *Analyzer, recorder Recorder, publisher Publisher, cfg CoreConfig, logger zerolog.Logger) *DetectionCore {
	dc := &DetectionCore{
		analyzer:  analyzer,
		recorder:  recorder,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "PatternDetectionCore").Logger(),
		now:       time.Now,
	}
	if src, ok := recorder.(CacheStatsSource); ok {
		dc.cacheSrc = src
	}
	return dc
}

// WithClock replaces the time source, for tests
func (dc *DetectionCore) WithClock(now func() time.Time) *DetectionCore {
	dc.now = now
	return dc
}

// Analyze runs every applicable rule over the request. It never panics and
// never returns nil: failures yield an empty result with Metadata.Error set.
func (dc *DetectionCore) Analyze(ctx context.Context, req AnalysisRequest) (result *AnalysisResult) {
	start := dc.now()
	threshold := dc.cfg.MinConfidence
	if req.ConfidenceThreshold != nil && IsValidConfidence(*req.ConfidenceThreshold) {
		threshold = *req.ConfidenceThreshold
	}
	if req.Source == "" {
		req.Source = "direct"
	}

	defer func() {
		if r := recover(); r != nil {
			dc.logger.Error().Interface("panic", r).Str("source", req.Source).Msg("analysis failed")
			result = emptyResult(req, threshold, start)
			result.Metadata.Error = fmt.Sprint(r)
			dc.recordError()
		}
	}()

	result = emptyResult(req, threshold, start)
	skippedTotal := 0

	byType := make(map[PatternType][]PatternMatch)
	if len(req.Symbols) > 0 {
		ready, skipped := dc.analyzer.DetectReadyState(ctx, req.Symbols, req.Activities)
		skippedTotal += skipped
		byType[PatternReadyState] = filterByConfidence(ready, threshold)

		pre, skipped := dc.analyzer.DetectPreReady(ctx, req.Symbols)
		skippedTotal += skipped
		byType[PatternPreReady] = filterByConfidence(pre, threshold)
	}
	if len(req.Calendar) > 0 {
		adv, skipped := dc.analyzer.DetectAdvanceOpportunities(ctx, req.Calendar, req.Activities)
		skippedTotal += skipped
		byType[PatternLaunchSequence] = filterByConfidence(adv, threshold)
	}

	for _, t := range AllPatternTypes {
		result.Matches = append(result.Matches, byType[t]...)
	}

	if (req.IncludeCorrelations || dc.cfg.EnableCorrelations) && len(req.Symbols) >= 2 {
		if corr := dc.analyzer.AnalyzeCorrelations(ctx, req.Symbols); corr != nil {
			result.Correlations = corr
		}
	}

	fillAggregates(result)
	result.Metadata.Skipped = skippedTotal
	result.Metadata.Duration = dc.now().Sub(start)

	dc.storeMatches(ctx, result.Matches)
	for _, t := range AllPatternTypes {
		dc.emit(t, byType[t], len(req.Symbols), result.Metadata.Duration, req.Source)
	}
	dc.recordAnalysis(result, skippedTotal)

	dc.logger.Info().
		Str("source", req.Source).
		Int("symbols", len(req.Symbols)).
		Int("calendar", len(req.Calendar)).
		Int("patterns", len(result.Matches)).
		Dur("duration", result.Metadata.Duration).
		Msg("analysis complete")

	return result
}

// DetectReadyStatePattern runs only the ready-state rule and emits its event
func (dc *DetectionCore) DetectReadyStatePattern(ctx context.Context, symbols []SymbolStatus) []PatternMatch {
	return dc.runSingle(ctx, PatternReadyState, len(symbols), func() ([]PatternMatch, int) {
		return dc.analyzer.DetectReadyState(ctx, symbols, nil)
	})
}

// DetectPreReadyPatterns runs only the pre-ready rule and emits its event
func (dc *DetectionCore) DetectPreReadyPatterns(ctx context.Context, symbols []SymbolStatus) []PatternMatch {
	return dc.runSingle(ctx, PatternPreReady, len(symbols), func() ([]PatternMatch, int) {
		return dc.analyzer.DetectPreReady(ctx, symbols)
	})
}

// DetectAdvanceOpportunities runs only the advance rule and emits its event
func (dc *DetectionCore) DetectAdvanceOpportunities(ctx context.Context, entries []CalendarEntry) []PatternMatch {
	return dc.runSingle(ctx, PatternLaunchSequence, 0, func() ([]PatternMatch, int) {
		return dc.analyzer.DetectAdvanceOpportunities(ctx, entries, nil)
	})
}

func (dc *DetectionCore) runSingle(ctx context.Context, t PatternType, symbols int, detect func() ([]PatternMatch, int)) (matches []PatternMatch) {
	start := dc.now()
	defer func() {
		if r := recover(); r != nil {
			dc.logger.Error().Interface("panic", r).Str("pattern_type", string(t)).Msg("detection failed")
			matches = []PatternMatch{}
			dc.recordError()
		}
	}()

	found, skipped := detect()
	matches = filterByConfidence(found, dc.cfg.MinConfidence)

	dc.storeMatches(ctx, matches)
	dc.emit(t, matches, symbols, dc.now().Sub(start), "legacy:"+string(t))

	res := &AnalysisResult{Matches: matches}
	fillAggregates(res)
	dc.recordAnalysis(res, skipped)
	return matches
}

func filterByConfidence(matches []PatternMatch, threshold float64) []PatternMatch {
	out := make([]PatternMatch, 0, len(matches))
	for _, m := range matches {
		if IsValidConfidence(m.Confidence) && m.Confidence >= threshold {
			out = append(out, m)
		}
	}
	return out
}

func fillAggregates(r *AnalysisResult) {
	sum := 0.0
	for _, m := range r.Matches {
		sum += m.Confidence
		switch m.PatternType {
		case PatternReadyState:
			r.Summary.ReadyStateFound++
		case PatternPreReady:
			r.Summary.PreReadyFound++
		case PatternLaunchSequence:
			r.Summary.AdvanceOpportunities++
		}

		switch m.Recommendation {
		case RecommendImmediateAction:
			r.Recommendations.Immediate = append(r.Recommendations.Immediate, m)
		case RecommendMonitorClosely:
			r.Recommendations.Monitor = append(r.Recommendations.Monitor, m)
		case RecommendPrepareEntry:
			r.Recommendations.Prepare = append(r.Recommendations.Prepare, m)
		}

		switch {
		case m.Confidence < 50:
			r.ConfidenceDistribution.Below50++
		case m.Confidence < 70:
			r.ConfidenceDistribution.From50++
		case m.Confidence < 85:
			r.ConfidenceDistribution.From70++
		default:
			r.ConfidenceDistribution.From85Up++
		}
	}

	r.Summary.TotalPatterns = len(r.Matches)
	if len(r.Matches) > 0 {
		r.Summary.AverageConfidence = sum / float64(len(r.Matches))
	}
}

func (dc *DetectionCore) storeMatches(ctx context.Context, matches []PatternMatch) {
	if !dc.cfg.StorePatterns || dc.recorder == nil {
		return
	}
	for _, m := range matches {
		if err := dc.recorder.Store(ctx, m); err != nil {
			dc.logger.Warn().Err(err).Str("symbol", m.Symbol).Msg("failed to store pattern")
			dc.recordWarning()
		}
	}
}

func (dc *DetectionCore) emit(t PatternType, matches []PatternMatch, symbols int, d time.Duration, source string) {
	if dc.publisher == nil || len(matches) == 0 {
		return
	}
	dc.publisher.Publish(events.Event{
		Type: events.EventPatternsDetected,
		Data: DetectedEvent{
			PatternType: t,
			Matches:     matches,
			Metadata: EventMetadata{
				SymbolsAnalyzed: symbols,
				Duration:        d,
				Source:          source,
			},
		},
	})
}

func (dc *DetectionCore) recordAnalysis(r *AnalysisResult, skipped int) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.metrics.TotalAnalyses++
	dc.metrics.TotalPatterns += int64(len(r.Matches))
	dc.metrics.Warnings += int64(skipped)
	dc.metrics.LastAnalysis = dc.now()
	dc.totalDuration += r.Metadata.Duration
	for _, m := range r.Matches {
		dc.confidenceSum += m.Confidence
	}
	if dc.metrics.TotalPatterns > 0 {
		dc.metrics.AverageConfidence = dc.confidenceSum / float64(dc.metrics.TotalPatterns)
	}
}

func (dc *DetectionCore) recordError() {
	dc.mu.Lock()
	dc.metrics.Errors++
	dc.mu.Unlock()
}

func (dc *DetectionCore) recordWarning() {
	dc.mu.Lock()
	dc.metrics.Warnings++
	dc.mu.Unlock()
}

// Metrics returns a snapshot of the rolling counters
func (dc *DetectionCore) Metrics() CoreMetrics {
	dc.mu.Lock()
	m := dc.metrics
	if m.TotalAnalyses > 0 {
		m.AverageDuration = (dc.totalDuration / time.Duration(m.TotalAnalyses)).String()
	}
	dc.mu.Unlock()

	if dc.cacheSrc != nil {
		m.CacheHitRatio = dc.cacheSrc.CacheHitRatio()
	}
	return m
}
