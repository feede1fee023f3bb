// Package circuit implements the trading safety monitor consulted before the
// execution engine starts and fed with every closed trade.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/events"

	"github.com/rs/zerolog"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Trading halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Health is the coarse view the execution engine checks at preflight
type Health string

const (
	HealthNormal   Health = "normal"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`      // Max loss % per hour
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // Max losing trades in a row
	CooldownMinutes      int     `json:"cooldown_minutes"`       // Cooldown after trip
	MaxDailyLoss         float64 `json:"max_daily_loss"`         // Max daily loss %
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxLossPerHour:       3.0,
		MaxConsecutiveLosses: 5,
		CooldownMinutes:      30,
		MaxDailyLoss:         5.0,
	}
}

// FromSafetyConfig maps the application config section
func FromSafetyConfig(c config.SafetyConfig) Config {
	return Config{
		Enabled:              c.Enabled,
		MaxLossPerHour:       c.MaxLossPerHour,
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		CooldownMinutes:      c.CooldownMinutes,
		MaxDailyLoss:         c.MaxDailyLoss,
	}
}

// Publisher receives trip and recovery alerts
type Publisher interface {
	Publish(events.Event)
}

// StateChange is the payload of alert events raised by the breaker
type StateChange struct {
	State             BreakerState `json:"state"`
	Action            string       `json:"action"`
	Reason            string       `json:"reason"`
	ConsecutiveLosses int          `json:"consecutive_losses"`
	HourlyLoss        float64      `json:"hourly_loss"`
	DailyLoss         float64      `json:"daily_loss"`
}

// CircuitBreaker implements trading circuit breaker pattern
type CircuitBreaker struct {
	config            Config
	state             BreakerState
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	lastTripTime      time.Time
	hourlyResetTime   time.Time
	dailyResetTime    time.Time
	tripReason        string
	mu                sync.RWMutex
	publisher         Publisher
	logger            zerolog.Logger
	now               func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker. publisher may be nil.
func NewCircuitBreaker(cfg Config, publisher Publisher, logger zerolog.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		config:    cfg,
		state:     StateClosed,
		publisher: publisher,
		logger:    logger.With().Str("component", "CircuitBreaker").Logger(),
		now:       time.Now,
	}
	cb.resetWindows(cb.now())
	return cb
}

// WithClock replaces the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	cb.resetWindows(now())
	return cb
}

func (cb *CircuitBreaker) resetWindows(now time.Time) {
	cb.hourlyResetTime = now.Add(time.Hour)
	cb.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// CanTrade checks if trading is allowed
func (cb *CircuitBreaker) CanTrade() (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()
	cb.coolDownIfElapsed()

	if cb.state == StateOpen {
		cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute
		remaining := cooldown - cb.now().Sub(cb.lastTripTime)
		return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
			remaining.Round(time.Second), cb.tripReason)
	}

	if cb.hourlyLoss >= cb.config.MaxLossPerHour {
		return false, fmt.Sprintf("hourly loss limit reached: %.2f%% >= %.2f%%",
			cb.hourlyLoss, cb.config.MaxLossPerHour)
	}
	if cb.dailyLoss >= cb.config.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%",
			cb.dailyLoss, cb.config.MaxDailyLoss)
	}
	return true, ""
}

// coolDownIfElapsed moves an open breaker to half-open once the cooldown passes
func (cb *CircuitBreaker) coolDownIfElapsed() {
	if cb.state != StateOpen {
		return
	}
	cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute
	if cb.now().Sub(cb.lastTripTime) >= cooldown {
		cb.state = StateHalfOpen
		cb.consecutiveLosses = 0
	}
}

// Health maps the breaker state: closed is normal, half-open degraded, open critical
func (cb *CircuitBreaker) Health() Health {
	if !cb.config.Enabled {
		return HealthNormal
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.coolDownIfElapsed()

	switch cb.state {
	case StateOpen:
		return HealthCritical
	case StateHalfOpen:
		return HealthDegraded
	default:
		return HealthNormal
	}
}

// RecordTrade records a trade result
func (cb *CircuitBreaker) RecordTrade(pnlPercent float64) {
	if !cb.config.Enabled {
		return
	}
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		cb.logger.Warn().Float64("pnl_percent", pnlPercent).Msg("ignoring invalid trade result")
		return
	}

	cb.mu.Lock()
	cb.resetCountersIfNeeded()
	cb.coolDownIfElapsed()

	var change *StateChange
	if pnlPercent < 0 {
		cb.consecutiveLosses++
		cb.hourlyLoss += -pnlPercent
		cb.dailyLoss += -pnlPercent
	} else {
		cb.consecutiveLosses = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			change = &StateChange{State: StateClosed, Action: "recovered", Reason: "winning_trade_after_cooldown"}
		}
	}

	if tripped := cb.checkAndTrip(); tripped != nil {
		change = tripped
	}
	cb.mu.Unlock()

	cb.notify(change)
}

// checkAndTrip checks conditions and trips if needed
func (cb *CircuitBreaker) checkAndTrip() *StateChange {
	if cb.state == StateOpen {
		return nil
	}

	var reason string
	if cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		reason = fmt.Sprintf("consecutive losses: %d", cb.consecutiveLosses)
	} else if cb.hourlyLoss >= cb.config.MaxLossPerHour {
		reason = fmt.Sprintf("hourly loss: %.2f%%", cb.hourlyLoss)
	} else if cb.dailyLoss >= cb.config.MaxDailyLoss {
		reason = fmt.Sprintf("daily loss: %.2f%%", cb.dailyLoss)
	}
	if reason == "" {
		return nil
	}

	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason
	return &StateChange{
		State:             StateOpen,
		Action:            "tripped",
		Reason:            reason,
		ConsecutiveLosses: cb.consecutiveLosses,
		HourlyLoss:        cb.hourlyLoss,
		DailyLoss:         cb.dailyLoss,
	}
}

func (cb *CircuitBreaker) notify(change *StateChange) {
	if change == nil {
		return
	}
	ev := cb.logger.Info()
	if change.State == StateOpen {
		ev = cb.logger.Warn()
	}
	ev.Str("state", string(change.State)).Str("reason", change.Reason).Msg("circuit breaker " + change.Action)

	if cb.publisher != nil {
		cb.publisher.Publish(events.Event{Type: events.EventAlert, Data: *change})
	}
}

// resetCountersIfNeeded resets time-based counters
func (cb *CircuitBreaker) resetCountersIfNeeded() {
	now := cb.now()

	if now.After(cb.hourlyResetTime) {
		cb.hourlyLoss = 0
		cb.hourlyResetTime = now.Add(time.Hour)
	}
	if now.After(cb.dailyResetTime) {
		cb.dailyLoss = 0
		cb.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveLosses = 0
	cb.hourlyLoss = 0
	cb.dailyLoss = 0
	cb.tripReason = ""
	cb.mu.Unlock()

	cb.notify(&StateChange{State: StateClosed, Action: "reset", Reason: "manual_reset"})
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"state":              string(cb.state),
		"consecutive_losses": cb.consecutiveLosses,
		"hourly_loss":        cb.hourlyLoss,
		"daily_loss":         cb.dailyLoss,
		"trip_reason":        cb.tripReason,
		"last_trip_time":     cb.lastTripTime,
	}
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}
