// Package bridge turns patterns_detected events into snipe targets.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/events"
	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/targets"

	"github.com/rs/zerolog"
)

const (
	processingWindow = 50
	handleTimeout    = 10 * time.Second
)

var ErrAlreadyListening = errors.New("bridge already listening")

// State of the bridge
type State string

const (
	StateInactive  State = "inactive"
	StateListening State = "listening"
)

// EventSource is the subscription side of the event bus
type EventSource interface {
	Subscribe(eventType events.EventType, fn events.Subscriber) events.SubscriptionID
	Unsubscribe(id events.SubscriptionID)
}

// TargetCreator persists targets
type TargetCreator interface {
	CreateTarget(ctx context.Context, req targets.Request) (*targets.Target, error)
}

// TargetConfig is the per pattern type target template
type TargetConfig struct {
	MinConfidence float64               `json:"min_confidence"`
	EntryStrategy targets.EntryStrategy `json:"entry_strategy"`
	Priority      int                   `json:"priority"`
	PositionSize  float64               `json:"position_size"`
	Status        targets.Status        `json:"status"`
}

// Config maps each pattern type to its target template
type Config struct {
	Targets map[patterns.PatternType]TargetConfig
}

func DefaultConfig() Config {
	return FromBridgeConfig(config.BridgeConfig{
		ReadyStatePositionSize: 100,
		AdvancePositionSize:    75,
		PreReadyPositionSize:   50,
	})
}

func FromBridgeConfig(c config.BridgeConfig) Config {
	return Config{Targets: map[patterns.PatternType]TargetConfig{
		patterns.PatternReadyState: {
			MinConfidence: 85,
			EntryStrategy: targets.EntryMarket,
			Priority:      1,
			PositionSize:  c.ReadyStatePositionSize,
			Status:        targets.StatusReady,
		},
		patterns.PatternLaunchSequence: {
			MinConfidence: 70,
			EntryStrategy: targets.EntryLimit,
			Priority:      2,
			PositionSize:  c.AdvancePositionSize,
			Status:        targets.StatusPending,
		},
		patterns.PatternPreReady: {
			MinConfidence: 60,
			EntryStrategy: targets.EntryMarket,
			Priority:      3,
			PositionSize:  c.PreReadyPositionSize,
			Status:        targets.StatusMonitoring,
		},
	}}
}

// TypeCounters are per pattern type outcomes
type TypeCounters struct {
	Created int `json:"created"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Stats is a snapshot of bridge activity
type Stats struct {
	State             State                                 `json:"state"`
	EventsProcessed   int                                   `json:"events_processed"`
	MatchesSeen       int                                   `json:"matches_seen"`
	ByType            map[patterns.PatternType]TypeCounters `json:"by_type"`
	AvgProcessingTime time.Duration                         `json:"avg_processing_time"`
}

// PatternTargetBridge listens for detected patterns and creates targets for eligible matches
type PatternTargetBridge struct {
	source  EventSource
	creator TargetCreator
	cfg     Config
	logger  zerolog.Logger

	mu        sync.Mutex
	state     State
	subID     events.SubscriptionID
	processed int
	seen      int
	byType    map[patterns.PatternType]TypeCounters
	durations []time.Duration
	next      int
}

func NewPatternTargetBridge(source EventSource, creator TargetCreator, cfg Config, logger zerolog.Logger) *PatternTargetBridge {
	if cfg.Targets == nil {
		cfg = DefaultConfig()
	}
	return &PatternTargetBridge{
		source:  source,
		creator: creator,
		cfg:     cfg,
		logger:  logger.With().Str("component", "PatternTargetBridge").Logger(),
		state:   StateInactive,
		byType:  make(map[patterns.PatternType]TypeCounters),
	}
}

// Start subscribes to patterns_detected
func (b *PatternTargetBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateListening {
		return ErrAlreadyListening
	}
	b.subID = b.source.Subscribe(events.EventPatternsDetected, b.handle)
	b.state = StateListening
	b.logger.Info().Msg("pattern target bridge listening")
	return nil
}

// Stop unsubscribes. Stopping an inactive bridge is a no-op.
func (b *PatternTargetBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateListening {
		return
	}
	b.source.Unsubscribe(b.subID)
	b.state = StateInactive
	b.logger.Info().Msg("pattern target bridge stopped")
}

func (b *PatternTargetBridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *PatternTargetBridge) handle(e events.Event) {
	var detected patterns.DetectedEvent
	switch d := e.Data.(type) {
	case patterns.DetectedEvent:
		detected = d
	case *patterns.DetectedEvent:
		if d == nil {
			return
		}
		detected = *d
	default:
		b.logger.Warn().Msg("ignoring patterns_detected event with unexpected payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	b.Process(ctx, detected)
}

// Process creates targets for the eligible matches of one event
func (b *PatternTargetBridge) Process(ctx context.Context, detected patterns.DetectedEvent) []targets.Target {
	start := time.Now()
	var created []targets.Target

	for _, m := range detected.Matches {
		tc, ok := b.cfg.Targets[m.PatternType]
		if !ok {
			continue
		}
		if !qualifies(m, tc) || !eligible(m) {
			continue
		}

		t, err := b.creator.CreateTarget(ctx, b.request(m, tc))
		switch {
		case err == nil:
			created = append(created, *t)
			b.count(m.PatternType, func(c *TypeCounters) { c.Created++ })
		case errors.Is(err, targets.ErrDuplicateTarget):
			b.count(m.PatternType, func(c *TypeCounters) { c.Skipped++ })
		default:
			b.logger.Warn().Err(err).Str("symbol", m.Symbol).Str("pattern_type", string(m.PatternType)).Msg("target creation failed")
			b.count(m.PatternType, func(c *TypeCounters) { c.Failed++ })
		}
	}

	b.recordEvent(len(detected.Matches), time.Since(start))
	if len(created) > 0 {
		b.logger.Info().
			Str("pattern_type", string(detected.PatternType)).
			Str("source", detected.Metadata.Source).
			Int("matches", len(detected.Matches)).
			Int("targets_created", len(created)).
			Msg("targets created from detected patterns")
	}
	return created
}

func qualifies(m patterns.PatternMatch, tc TargetConfig) bool {
	return m.Symbol != "" && patterns.IsValidConfidence(m.Confidence) && m.Confidence >= tc.MinConfidence
}

func eligible(m patterns.PatternMatch) bool {
	switch m.PatternType {
	case patterns.PatternReadyState:
		return m.Recommendation == patterns.RecommendImmediateAction
	case patterns.PatternLaunchSequence:
		return m.AdvanceNoticeHours >= 1 && m.AdvanceNoticeHours <= 72
	case patterns.PatternPreReady:
		return m.Recommendation == patterns.RecommendMonitorClosely && m.AdvanceNoticeHours <= 12
	}
	return false
}

func (b *PatternTargetBridge) request(m patterns.PatternMatch, tc TargetConfig) targets.Request {
	req := targets.Request{
		Symbol:        m.Symbol,
		CoinID:        m.CoinID,
		PatternID:     m.ID,
		PatternType:   m.PatternType,
		Status:        tc.Status,
		EntryStrategy: tc.EntryStrategy,
		Priority:      tc.Priority,
		Confidence:    m.Confidence,
		PositionSize:  tc.PositionSize,
		AdvanceHours:  m.AdvanceNoticeHours,
		PriceScale:    m.Indicators.PriceScale,
		QuantityScale: m.Indicators.QuantityScale,
	}
	if m.PatternType == patterns.PatternLaunchSequence {
		req.ExecuteAt = m.ScheduledOpenTime
	}
	return req
}

func (b *PatternTargetBridge) count(t patterns.PatternType, fn func(*TypeCounters)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.byType[t]
	fn(&c)
	b.byType[t] = c
}

func (b *PatternTargetBridge) recordEvent(matches int, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.processed++
	b.seen += matches
	if len(b.durations) < processingWindow {
		b.durations = append(b.durations, d)
		return
	}
	b.durations[b.next] = d
	b.next = (b.next + 1) % processingWindow
}

// Stats returns a snapshot of the counters
func (b *PatternTargetBridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	byType := make(map[patterns.PatternType]TypeCounters, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}

	var avg time.Duration
	if len(b.durations) > 0 {
		var total time.Duration
		for _, d := range b.durations {
			total += d
		}
		avg = total / time.Duration(len(b.durations))
	}

	return Stats{
		State:             b.state,
		EventsProcessed:   b.processed,
		MatchesSeen:       b.seen,
		ByType:            byType,
		AvgProcessingTime: avg,
	}
}
