package patterns

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

const (
	readyStateBase = 50.0
	advanceBase    = 40.0

	defaultSuccessRate   = 75.0
	maxActivityScore     = 20.0
	highPriorityBonus    = 5.0
	advancePriorityBonus = 8.0
	minAIAdjustment      = -10.0
	maxAIAdjustment      = 15.0
)

// SuccessRateSource supplies the historical true-positive rate (0..100) for a pattern type
type SuccessRateSource interface {
	HistoricalSuccessRate(ctx context.Context, patternType PatternType) (float64, error)
}

// Enhancer is an optional external scorer returning a confidence adjustment
type Enhancer interface {
	Enhance(ctx context.Context, status SymbolStatus, base float64) (float64, error)
}

// Scorer turns raw features into confidence scores
type Scorer interface {
	ReadyStateConfidence(ctx context.Context, status SymbolStatus, activities []ActivityData) float64
	AdvanceConfidence(ctx context.Context, entry CalendarEntry, advanceHours float64, activities []ActivityData) float64
	PreReadyScore(status SymbolStatus) (confidence, hoursToReady float64, ok bool)
}

// activityWeights rank activity types; launch style promotions count most
var activityWeights = map[string]float64{
	"SUN_SHINE":        10,
	"LAUNCH_EVENT":     10,
	"PROMOTION":        8,
	"TRADING_CAMPAIGN": 6,
}

const defaultActivityWeight = 4.0

func isHighPriorityActivity(activityType string) bool {
	return activityWeights[normalizeActivityType(activityType)] >= 10
}

func normalizeActivityType(t string) string {
	b := []byte(t)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		case c == '-' || c == ' ':
			b[i] = '_'
		}
	}
	return string(b)
}

func activityWeight(activityType string) float64 {
	if w, ok := activityWeights[normalizeActivityType(activityType)]; ok {
		return w
	}
	return defaultActivityWeight
}

// ActivityScore sums type weights capped at limit and reports whether a high-priority type is present
func ActivityScore(activities []ActivityData, limit float64) (float64, bool) {
	score := 0.0
	high := false
	for _, a := range activities {
		score += activityWeight(a.ActivityType)
		if isHighPriorityActivity(a.ActivityType) {
			high = true
		}
	}
	return math.Min(score, limit), high
}

var projectScores = map[string]float64{
	SectorAI:             90,
	SectorDeFi:           85,
	SectorInfrastructure: 80,
	SectorGaming:         70,
	SectorOther:          60,
	SectorMeme:           50,
}

// ConfidenceCalculator implements Scorer
type ConfidenceCalculator struct {
	successRates SuccessRateSource
	enhancer     Enhancer
	logger       zerolog.Logger
}

// NewConfidenceCalculator builds a calculator; both sources may be nil
func NewConfidenceCalculator(successRates SuccessRateSource, enhancer Enhancer, logger zerolog.Logger) *ConfidenceCalculator {
	return &ConfidenceCalculator{
		successRates: successRates,
		enhancer:     enhancer,
		logger:       logger.With().Str("component", "ConfidenceCalculator").Logger(),
	}
}

// ReadyStateConfidence scores a symbol status. It never fails: internal errors return the base score.
func (c *ConfidenceCalculator) ReadyStateConfidence(ctx context.Context, status SymbolStatus, activities []ActivityData) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("symbol", status.Identifier()).Msg("ready-state scoring panicked")
			score = readyStateBase
		}
	}()

	score = readyStateBase
	if status.Status == ReadyVector {
		score += 30
	}
	score += completenessScore(status)

	activity, high := ActivityScore(activities, maxActivityScore)
	if high {
		activity += highPriorityBonus
	}
	score = applyEnhancement(score, activity)

	score = applyEnhancement(score, c.aiAdjustment(ctx, status, score))
	score = applyEnhancement(score, c.successRate(ctx, PatternReadyState)*0.1)

	if !IsValidConfidence(Clamp(score, -1)) {
		return readyStateBase
	}
	return Clamp(score, readyStateBase)
}

// AdvanceConfidence scores a calendar entry scheduled advanceHours ahead. Internal errors return the base score.
func (c *ConfidenceCalculator) AdvanceConfidence(ctx context.Context, entry CalendarEntry, advanceHours float64, activities []ActivityData) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("symbol", entry.Symbol).Msg("advance scoring panicked")
			score = advanceBase
		}
	}()

	if math.IsNaN(advanceHours) || math.IsInf(advanceHours, 0) {
		return advanceBase
	}

	score = advanceBase
	switch {
	case advanceHours >= 12:
		score += 20
	case advanceHours >= 6:
		score += 15
	case advanceHours >= 3.5:
		score += 10
	}

	score += 0.3 * projectScores[ClassifyProject(entry.ProjectName, entry.Symbol)]
	score += calendarCompleteness(entry)

	activity, high := ActivityScore(activities, maxActivityScore)
	if high {
		activity += highPriorityBonus
	}
	score = applyEnhancement(score, activity*0.8)
	if high && advanceHours <= 48 {
		score = applyEnhancement(score, advancePriorityBonus)
	}

	score += timingBonus(entry.FirstOpenTime)

	return Clamp(score, advanceBase)
}

// PreReadyScore maps a status progression to a tier. Only listings that have
// not reached the ready vector qualify.
func (c *ConfidenceCalculator) PreReadyScore(status SymbolStatus) (float64, float64, bool) {
	return preReadyTier(status.Status)
}

func preReadyTier(v StatusVector) (confidence, hoursToReady float64, ok bool) {
	switch {
	case v.Sts == 2 && v.St == 2 && v.Tt != ReadyVector.Tt:
		return 85, 0.5, true
	case v.Sts == 2 && v.St == 1:
		return 75, 2, true
	case v.Sts == 1:
		return 60, 6, true
	}
	return 0, 0, false
}

// applyEnhancement adds delta only when both the running score and delta are usable
func applyEnhancement(score, delta float64) float64 {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return score
	}
	if !IsValidConfidence(Clamp(score, -1)) {
		return score
	}
	return score + delta
}

func (c *ConfidenceCalculator) aiAdjustment(ctx context.Context, status SymbolStatus, base float64) float64 {
	if c.enhancer == nil {
		return fallbackAIBonus(status)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	adj, err := c.enhancer.Enhance(ctx, status, base)
	if err != nil || math.IsNaN(adj) || math.IsInf(adj, 0) {
		c.logger.Debug().Err(err).Str("symbol", status.Identifier()).Msg("enhancer unavailable, using fallback bonus")
		return fallbackAIBonus(status)
	}
	return math.Max(minAIAdjustment, math.Min(maxAIAdjustment, adj))
}

// fallbackAIBonus is a small deterministic bonus from the technical fields of a status
func fallbackAIBonus(status SymbolStatus) float64 {
	bonus := 0.0
	if status.Status == ReadyVector {
		bonus += 3
	}
	if status.PriceScale != nil && status.QuantityScale != nil {
		bonus += 2
	}
	return bonus
}

func (c *ConfidenceCalculator) successRate(ctx context.Context, t PatternType) float64 {
	if c.successRates == nil {
		return defaultSuccessRate
	}
	rate, err := c.successRates.HistoricalSuccessRate(ctx, t)
	if err != nil || !IsValidConfidence(rate) {
		c.logger.Debug().Err(err).Str("pattern_type", string(t)).Msg("success rate unavailable, using default")
		return defaultSuccessRate
	}
	return rate
}

// completenessScore awards 5 points per populated field, 25 max
func completenessScore(s SymbolStatus) float64 {
	score := 0.0
	if s.Code != "" {
		score += 5
	}
	if s.Symbol != "" {
		score += 5
	}
	if s.PriceScale != nil {
		score += 5
	}
	if s.QuantityScale != nil {
		score += 5
	}
	if !s.FirstOpenTime.IsZero() {
		score += 5
	}
	return score
}

func calendarCompleteness(e CalendarEntry) float64 {
	score := 0.0
	if e.Symbol != "" {
		score += 5
	}
	if e.ProjectName != "" {
		score += 5
	}
	if e.CoinID != "" {
		score += 5
	}
	return score
}

// timingBonus favours weekday launches inside the 08:00-20:00 UTC session
func timingBonus(open time.Time) float64 {
	if open.IsZero() {
		return 0
	}
	utc := open.UTC()
	bonus := 0.0
	if utc.Weekday() != time.Saturday && utc.Weekday() != time.Sunday {
		bonus += 5
	}
	if h := utc.Hour(); h >= 8 && h < 20 {
		bonus += 5
	}
	return bonus
}

// ReadyStateRisk bands a ready-state match by data completeness
func ReadyStateRisk(s SymbolStatus) RiskLevel {
	switch {
	case s.Code == "" || s.Symbol == "":
		return RiskHigh
	case completenessScore(s) == 25:
		return RiskLow
	default:
		return RiskMedium
	}
}

// AdvanceRisk bands an advance opportunity by its notice window
func AdvanceRisk(advanceHours float64) RiskLevel {
	switch {
	case advanceHours < 1 || advanceHours > 168:
		return RiskHigh
	case advanceHours >= 3.5 && advanceHours <= 48:
		return RiskLow
	default:
		return RiskMedium
	}
}

// AdvanceRecommendation picks the action for an advance opportunity
func AdvanceRecommendation(confidence, advanceHours float64) Recommendation {
	switch {
	case confidence >= 80 && advanceHours >= 3.5 && advanceHours <= 12:
		return RecommendPrepareEntry
	case confidence >= 70:
		return RecommendMonitorClosely
	default:
		return RecommendWait
	}
}
