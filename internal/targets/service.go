package targets

import (
	"context"
	"fmt"
	"time"

	"listing-sniper-bot/internal/events"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher receives target_created events
type Publisher interface {
	Publish(events.Event)
}

// Service creates targets and drives their status transitions
type Service struct {
	repo      Repository
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
	cooldown  time.Duration
}

func NewService(repo Repository, publisher Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With().Str("component", "TargetService").Logger(),
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithFailureCooldown refuses a new target for a symbol and pattern type while
// its last failure is younger than d
func (s *Service) WithFailureCooldown(d time.Duration) *Service {
	s.cooldown = d
	return s
}

// CreateTarget validates and persists a target. A zero ExecuteAt means now and an
// empty status means ready.
func (s *Service) CreateTarget(ctx context.Context, req Request) (*Target, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	if s.cooldown > 0 {
		last, err := s.repo.LastFailure(ctx, req.Symbol, req.PatternType)
		if err != nil {
			return nil, fmt.Errorf("check failures for %s/%s: %w", req.Symbol, req.PatternType, err)
		}
		if !last.IsZero() && now.Sub(last) < s.cooldown {
			return nil, fmt.Errorf("create target %s/%s: last failure %s ago: %w",
				req.Symbol, req.PatternType, now.Sub(last).Round(time.Second), ErrDuplicateTarget)
		}
	}

	t := &Target{
		ID:            uuid.NewString(),
		Symbol:        req.Symbol,
		CoinID:        req.CoinID,
		PatternID:     req.PatternID,
		PatternType:   req.PatternType,
		Status:        req.Status,
		EntryStrategy: req.EntryStrategy,
		Priority:      req.Priority,
		Confidence:    req.Confidence,
		PositionSize:  req.PositionSize,
		AdvanceHours:  req.AdvanceHours,
		PriceScale:    req.PriceScale,
		QuantityScale: req.QuantityScale,
		ExecuteAt:     req.ExecuteAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if t.Status == "" {
		t.Status = StatusReady
	}
	if t.EntryStrategy == "" {
		t.EntryStrategy = EntryMarket
	}
	if t.ExecuteAt.IsZero() {
		t.ExecuteAt = now
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create target %s/%s: %w", t.Symbol, t.PatternType, err)
	}

	s.logger.Info().
		Str("target_id", t.ID).
		Str("symbol", t.Symbol).
		Str("pattern_type", string(t.PatternType)).
		Str("status", string(t.Status)).
		Time("execute_at", t.ExecuteAt).
		Msg("snipe target created")

	if s.publisher != nil {
		s.publisher.Publish(events.Event{Type: events.EventTargetCreated, Data: *t})
	}
	return t, nil
}

// ListExecutable returns targets due at now, highest priority first
func (s *Service) ListExecutable(ctx context.Context, now time.Time, limit int) ([]Target, error) {
	return s.repo.ListDue(ctx, now, limit)
}

// List returns the most recent targets
func (s *Service) List(ctx context.Context, limit int) ([]Target, error) {
	return s.repo.List(ctx, limit)
}

// Claim moves a due target to executing. Only one caller wins the claim.
func (s *Service) Claim(ctx context.Context, t Target) error {
	return s.repo.Transition(ctx, t.ID, t.Status, StatusExecuting, "")
}

func (s *Service) MarkExecuted(ctx context.Context, id string) error {
	return s.repo.Transition(ctx, id, StatusExecuting, StatusExecuted, "")
}

func (s *Service) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.repo.Transition(ctx, id, StatusExecuting, StatusFailed, reason)
}
