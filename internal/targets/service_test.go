package targets

import (
	"context"
	"errors"
	"testing"
	"time"

	"listing-sniper-bot/internal/patterns"

	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func newService() *Service {
	return NewService(NewMemoryRepository(), nil, zerolog.Nop()).WithClock(func() time.Time { return testNow })
}

func req(symbol string, t patterns.PatternType) Request {
	return Request{Symbol: symbol, PatternType: t, Confidence: 90, PositionSize: 100}
}

func TestCreateTargetDefaults(t *testing.T) {
	s := newService()
	target, err := s.CreateTarget(context.Background(), req("ABCUSDT", patterns.PatternReadyState))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if target.Status != StatusReady {
		t.Errorf("Expected ready, got %s", target.Status)
	}
	if target.EntryStrategy != EntryMarket {
		t.Errorf("Expected market entry, got %s", target.EntryStrategy)
	}
	if !target.ExecuteAt.Equal(testNow) {
		t.Errorf("Expected execute now, got %v", target.ExecuteAt)
	}
}

func TestCreateTargetValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"no symbol", Request{PatternType: patterns.PatternReadyState, Confidence: 90, PositionSize: 10}},
		{"no type", Request{Symbol: "A", Confidence: 90, PositionSize: 10}},
		{"zero size", Request{Symbol: "A", PatternType: patterns.PatternReadyState, Confidence: 90}},
		{"bad confidence", Request{Symbol: "A", PatternType: patterns.PatternReadyState, Confidence: 101, PositionSize: 10}},
	}
	s := newService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateTarget(context.Background(), tt.req); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestDuplicateLiveTarget(t *testing.T) {
	s := newService()
	ctx := context.Background()

	first, _ := s.CreateTarget(ctx, req("ABCUSDT", patterns.PatternReadyState))
	if _, err := s.CreateTarget(ctx, req("ABCUSDT", patterns.PatternReadyState)); !errors.Is(err, ErrDuplicateTarget) {
		t.Errorf("Expected ErrDuplicateTarget, got %v", err)
	}
	if _, err := s.CreateTarget(ctx, req("ABCUSDT", patterns.PatternPreReady)); err != nil {
		t.Errorf("Expected other pattern type to be allowed, got %v", err)
	}

	s.Claim(ctx, *first)
	s.MarkExecuted(ctx, first.ID)
	if _, err := s.CreateTarget(ctx, req("ABCUSDT", patterns.PatternReadyState)); !errors.Is(err, ErrDuplicateTarget) {
		t.Errorf("Expected executed target to block a duplicate, got %v", err)
	}
}

func TestFailedTargetAllowsRetryAfterCooldown(t *testing.T) {
	now := testNow
	clock := func() time.Time { return now }
	repo := NewMemoryRepository().WithClock(clock)
	s := NewService(repo, nil, zerolog.Nop()).WithClock(clock).WithFailureCooldown(10 * time.Minute)
	ctx := context.Background()

	first, err := s.CreateTarget(ctx, req("ABCUSDT", patterns.PatternReadyState))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	s.Claim(ctx, *first)
	s.MarkFailed(ctx, first.ID, "order rejected")

	tests := []struct {
		name    string
		elapsed time.Duration
		blocked bool
	}{
		{"just failed", 0, true},
		{"inside cooldown", 9 * time.Minute, true},
		{"cooldown over", 10 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = testNow.Add(tt.elapsed)
			_, err := s.CreateTarget(ctx, req("ABCUSDT", patterns.PatternReadyState))
			if blocked := errors.Is(err, ErrDuplicateTarget); blocked != tt.blocked {
				t.Errorf("Expected blocked=%v, got %v", tt.blocked, err)
			}
		})
	}

	if _, err := s.CreateTarget(ctx, req("XYZUSDT", patterns.PatternReadyState)); err != nil {
		t.Errorf("Expected other symbols unaffected by the cooldown, got %v", err)
	}
}

func TestBlocksDuplicate(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, true},
		{StatusReady, true},
		{StatusMonitoring, true},
		{StatusExecuting, true},
		{StatusExecuted, true},
		{StatusFailed, false},
	}
	for _, tt := range tests {
		if got := tt.status.BlocksDuplicate(); got != tt.want {
			t.Errorf("Expected %s BlocksDuplicate=%v, got %v", tt.status, tt.want, got)
		}
	}
}

func TestListExecutable(t *testing.T) {
	s := newService()
	ctx := context.Background()

	low := req("LOWUSDT", patterns.PatternReadyState)
	low.Priority = 2
	high := req("HIGHUSDT", patterns.PatternReadyState)
	high.Priority = 1
	future := req("FUTUSDT", patterns.PatternLaunchSequence)
	future.Status = StatusPending
	future.ExecuteAt = testNow.Add(time.Hour)
	watch := req("WATCHUSDT", patterns.PatternPreReady)
	watch.Status = StatusMonitoring

	for _, r := range []Request{low, high, future, watch} {
		if _, err := s.CreateTarget(ctx, r); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	due, _ := s.ListExecutable(ctx, testNow, 10)
	if len(due) != 2 {
		t.Fatalf("Expected 2 due targets, got %d", len(due))
	}
	if due[0].Symbol != "HIGHUSDT" {
		t.Errorf("Expected priority order, got %s first", due[0].Symbol)
	}

	later, _ := s.ListExecutable(ctx, testNow.Add(2*time.Hour), 10)
	if len(later) != 3 {
		t.Errorf("Expected pending target to become due, got %d", len(later))
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s := newService()
	ctx := context.Background()
	target, _ := s.CreateTarget(ctx, req("ABCUSDT", patterns.PatternReadyState))

	if err := s.Claim(ctx, *target); err != nil {
		t.Fatalf("Expected first claim to succeed, got %v", err)
	}
	if err := s.Claim(ctx, *target); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected second claim to fail, got %v", err)
	}
	if err := s.MarkFailed(ctx, target.ID, "order rejected"); err != nil {
		t.Errorf("Expected failure transition, got %v", err)
	}

	got, _ := s.repo.Get(ctx, target.ID)
	if got.Status != StatusFailed || got.Error != "order rejected" {
		t.Errorf("Expected failed with reason, got %s %q", got.Status, got.Error)
	}
}
