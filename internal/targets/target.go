// Package targets persists snipe targets created from qualifying pattern matches
// and hands due targets to the execution engine.
package targets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listing-sniper-bot/internal/patterns"
)

var (
	ErrDuplicateTarget   = errors.New("target already exists for symbol and pattern type")
	ErrTargetNotFound    = errors.New("target not found")
	ErrInvalidTransition = errors.New("invalid target status transition")
)

// Status is the lifecycle state of a target
type Status string

const (
	StatusPending    Status = "pending"    // waiting for ExecuteAt
	StatusReady      Status = "ready"      // executable now
	StatusMonitoring Status = "monitoring" // tracked only, never executed
	StatusExecuting  Status = "executing"
	StatusExecuted   Status = "executed"
	StatusFailed     Status = "failed"
)

// IsLive reports whether a target in this status blocks a duplicate
func (s Status) IsLive() bool {
	switch s {
	case StatusPending, StatusReady, StatusMonitoring, StatusExecuting:
		return true
	}
	return false
}

// BlocksDuplicate reports whether a target in this status prevents a new one
// for the same symbol and pattern type. An executed target keeps blocking so a
// listing that stays ready is bought once.
func (s Status) BlocksDuplicate() bool {
	return s.IsLive() || s == StatusExecuted
}

// IsExecutable reports whether the engine may claim a target in this status
func (s Status) IsExecutable() bool {
	return s == StatusPending || s == StatusReady
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusExecuting, StatusFailed},
	StatusReady:      {StatusExecuting, StatusFailed},
	StatusMonitoring: {StatusFailed},
	StatusExecuting:  {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EntryStrategy is how the entry order is placed
type EntryStrategy string

const (
	EntryMarket EntryStrategy = "market"
	EntryLimit  EntryStrategy = "limit"
)

// Target is a persisted request to enter a position
type Target struct {
	ID            string               `json:"id"`
	Symbol        string               `json:"symbol"`
	CoinID        string               `json:"coin_id,omitempty"`
	PatternID     string               `json:"pattern_id,omitempty"`
	PatternType   patterns.PatternType `json:"pattern_type"`
	Status        Status               `json:"status"`
	EntryStrategy EntryStrategy        `json:"entry_strategy"`
	Priority      int                  `json:"priority"` // lower runs first
	Confidence    float64              `json:"confidence"`
	PositionSize  float64              `json:"position_size"` // quote currency
	AdvanceHours  float64              `json:"advance_hours,omitempty"`
	PriceScale    *int                 `json:"price_scale,omitempty"`
	QuantityScale *int                 `json:"quantity_scale,omitempty"`
	ExecuteAt     time.Time            `json:"execute_at"`
	Error         string               `json:"error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Request describes a target to create
type Request struct {
	Symbol        string
	CoinID        string
	PatternID     string
	PatternType   patterns.PatternType
	Status        Status
	EntryStrategy EntryStrategy
	Priority      int
	Confidence    float64
	PositionSize  float64
	AdvanceHours  float64
	PriceScale    *int
	QuantityScale *int
	ExecuteAt     time.Time
}

func (r Request) Validate() error {
	if r.Symbol == "" {
		return errors.New("target request has no symbol")
	}
	if r.PatternType == "" {
		return fmt.Errorf("target request for %s has no pattern type", r.Symbol)
	}
	if r.PositionSize <= 0 {
		return fmt.Errorf("target request for %s has non-positive position size", r.Symbol)
	}
	if !patterns.IsValidConfidence(r.Confidence) {
		return fmt.Errorf("target request for %s has invalid confidence %f", r.Symbol, r.Confidence)
	}
	return nil
}

// Repository is the persistence boundary for targets
type Repository interface {
	// Create inserts t unless a live or executed target exists for the same
	// symbol and pattern type, in which case it returns ErrDuplicateTarget.
	Create(ctx context.Context, t *Target) error
	// LastFailure returns when the newest failed target for the symbol and
	// pattern type failed; the zero time when there is none.
	LastFailure(ctx context.Context, symbol string, patternType patterns.PatternType) (time.Time, error)
	Get(ctx context.Context, id string) (*Target, error)
	// ListDue returns executable targets with ExecuteAt <= now, by priority then confidence
	ListDue(ctx context.Context, now time.Time, limit int) ([]Target, error)
	List(ctx context.Context, limit int) ([]Target, error)
	// Transition moves a target from one status to another; ErrInvalidTransition
	// when its current status is not from.
	Transition(ctx context.Context, id string, from, to Status, reason string) error
}
