package patterns

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// PatternType identifies the detection rule that produced a match
type PatternType string

const (
	PatternReadyState     PatternType = "ready_state"
	PatternPreReady       PatternType = "pre_ready"
	PatternLaunchSequence PatternType = "launch_sequence" // advance opportunity from the listing calendar
)

// AllPatternTypes lists every type in a stable order
var AllPatternTypes = []PatternType{PatternReadyState, PatternPreReady, PatternLaunchSequence}

func ParsePatternType(s string) (PatternType, error) {
	for _, t := range AllPatternTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown pattern type %q", s)
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Recommendation string

const (
	RecommendImmediateAction Recommendation = "immediate_action"
	RecommendMonitorClosely  Recommendation = "monitor_closely"
	RecommendPrepareEntry    Recommendation = "prepare_entry"
	RecommendWait            Recommendation = "wait"
)

// StatusVector is the exchange listing lifecycle triple
type StatusVector struct {
	Sts int `json:"sts"`
	St  int `json:"st"`
	Tt  int `json:"tt"`
}

// ReadyVector marks a listing that is tradable now
var ReadyVector = StatusVector{Sts: 2, St: 2, Tt: 4}

func (v StatusVector) String() string {
	return fmt.Sprintf("%d,%d,%d", v.Sts, v.St, v.Tt)
}

// SymbolStatus is one poll's snapshot of a listing
type SymbolStatus struct {
	Code          string       `json:"code"`   // exchange internal id
	Symbol        string       `json:"symbol"` // trading pair, e.g. ABCUSDT
	Status        StatusVector `json:"status"`
	PriceScale    *int         `json:"price_scale,omitempty"`
	QuantityScale *int         `json:"quantity_scale,omitempty"`
	FirstOpenTime time.Time    `json:"first_open_time,omitempty"`
}

func (s SymbolStatus) Validate() error {
	if s.Symbol == "" && s.Code == "" {
		return errors.New("symbol status has no identity")
	}
	if s.Status.Sts < 0 || s.Status.St < 0 || s.Status.Tt < 0 {
		return fmt.Errorf("negative status vector %s", s.Status)
	}
	return nil
}

// Identifier returns the symbol, or the code if the symbol is unknown
func (s SymbolStatus) Identifier() string {
	if s.Symbol != "" {
		return s.Symbol
	}
	return s.Code
}

// CalendarEntry is a scheduled listing not yet tracked by status
type CalendarEntry struct {
	CoinID        string    `json:"coin_id"`
	Symbol        string    `json:"symbol"`
	ProjectName   string    `json:"project_name"`
	FirstOpenTime time.Time `json:"first_open_time"`
}

func (e CalendarEntry) Validate() error {
	if e.Symbol == "" {
		return errors.New("calendar entry has no symbol")
	}
	if e.FirstOpenTime.IsZero() {
		return fmt.Errorf("calendar entry %s has no open time", e.Symbol)
	}
	return nil
}

// ActivityData is an auxiliary promotional signal for a symbol
type ActivityData struct {
	ActivityID   string `json:"activity_id"`
	Currency     string `json:"currency"`
	ActivityType string `json:"activity_type"`
}

// ActivityInfo records how activities affected a match
type ActivityInfo struct {
	Activities      []ActivityData `json:"activities"`
	Boost           float64        `json:"boost"`
	HasHighPriority bool           `json:"has_high_priority"`
}

// Indicators are the raw signals that triggered a match
type Indicators struct {
	Status        *StatusVector `json:"status,omitempty"`
	HoursToReady  float64       `json:"hours_to_ready,omitempty"`
	AdvanceHours  float64       `json:"advance_hours,omitempty"`
	ProjectType   string        `json:"project_type,omitempty"`
	PriceScale    *int          `json:"price_scale,omitempty"`
	QuantityScale *int          `json:"quantity_scale,omitempty"`
}

// PatternMatch is the output unit of analysis
type PatternMatch struct {
	ID                 string         `json:"id"`
	PatternType        PatternType    `json:"pattern_type"`
	Confidence         float64        `json:"confidence"`
	Symbol             string         `json:"symbol"`
	CoinID             string         `json:"coin_id,omitempty"`
	ProjectName        string         `json:"project_name,omitempty"`
	Indicators         Indicators     `json:"indicators"`
	AdvanceNoticeHours float64        `json:"advance_notice_hours"`
	ScheduledOpenTime  time.Time      `json:"scheduled_open_time,omitempty"`
	RiskLevel          RiskLevel      `json:"risk_level"`
	Recommendation     Recommendation `json:"recommendation"`
	ActivityInfo       *ActivityInfo  `json:"activity_info,omitempty"`
	DetectedAt         time.Time      `json:"detected_at"`
}

// CorrelationType names the heuristic behind a correlation
type CorrelationType string

const (
	CorrelationTiming     CorrelationType = "launch_timing"
	CorrelationSector     CorrelationType = "sector_rotation"
	CorrelationSimilarity CorrelationType = "pattern_similarity"
)

// CorrelationAnalysis links symbols that move through the pipeline together
type CorrelationAnalysis struct {
	Type           CorrelationType `json:"type"`
	Symbols        []string        `json:"symbols"`
	Strength       float64         `json:"strength"` // 0..1
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation"`
}

// IsValidConfidence reports whether v is a finite score in [0,100]
func IsValidConfidence(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 100
}

// Clamp bounds v to [0,100]; non-finite input yields fallback
func Clamp(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return math.Max(0, math.Min(100, v))
}

// ClassifyProject maps a project or symbol name to a coarse sector
func ClassifyProject(names ...string) string {
	for _, name := range names {
		for _, token := range tokenize(name) {
			for _, rule := range projectRules {
				if rule.matches(token) {
					return rule.sector
				}
			}
		}
	}
	return SectorOther
}

const (
	SectorAI             = "ai"
	SectorDeFi           = "defi"
	SectorInfrastructure = "infrastructure"
	SectorGaming         = "gaming"
	SectorMeme           = "meme"
	SectorOther          = "other"
)

type projectRule struct {
	sector string
	exact  []string // short keywords matched as whole tokens
	within []string // longer keywords matched as substrings
}

func (r projectRule) matches(token string) bool {
	for _, k := range r.exact {
		if token == k {
			return true
		}
	}
	for _, k := range r.within {
		if strings.Contains(token, k) {
			return true
		}
	}
	return false
}

var projectRules = []projectRule{
	{sector: SectorAI, exact: []string{"ai", "gpt", "ml"}, within: []string{"agent", "neural", "intelligence"}},
	{sector: SectorDeFi, exact: []string{"dex", "fi", "lend"}, within: []string{"defi", "swap", "finance", "yield", "lending"}},
	{sector: SectorInfrastructure, exact: []string{"l1", "l2", "zk"}, within: []string{"chain", "layer", "network", "protocol", "rollup"}},
	{sector: SectorGaming, exact: []string{"nft", "play"}, within: []string{"game", "gaming", "metaverse", "arena"}},
	{sector: SectorMeme, exact: []string{"inu", "cat", "frog"}, within: []string{"meme", "doge", "pepe", "shib", "bonk"}},
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
