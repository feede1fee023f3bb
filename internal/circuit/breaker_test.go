package circuit

import (
	"math"
	"sync"
	"testing"
	"time"

	"listing-sniper-bot/internal/events"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func newBreaker() (*CircuitBreaker, *fakeClock, *recordingPublisher) {
	clock := &fakeClock{t: time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	cfg := Config{Enabled: true, MaxLossPerHour: 50, MaxDailyLoss: 80, MaxConsecutiveLosses: 3, CooldownMinutes: 30}
	cb := NewCircuitBreaker(cfg, pub, zerolog.Nop()).WithClock(clock.Now)
	return cb, clock, pub
}

func TestHealthTransitions(t *testing.T) {
	cb, clock, pub := newBreaker()

	if h := cb.Health(); h != HealthNormal {
		t.Errorf("Expected normal, got %s", h)
	}

	for i := 0; i < 3; i++ {
		cb.RecordTrade(-1)
	}
	if h := cb.Health(); h != HealthCritical {
		t.Errorf("Expected critical after consecutive losses, got %s", h)
	}
	if ok, _ := cb.CanTrade(); ok {
		t.Error("Expected trading halted while open")
	}

	clock.Advance(31 * time.Minute)
	if h := cb.Health(); h != HealthDegraded {
		t.Errorf("Expected degraded after cooldown, got %s", h)
	}

	cb.RecordTrade(2)
	if h := cb.Health(); h != HealthNormal {
		t.Errorf("Expected normal after winning trade, got %s", h)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 2 {
		t.Fatalf("Expected trip and recovery alerts, got %d", len(pub.events))
	}
	if sc := pub.events[0].Data.(StateChange); sc.Action != "tripped" {
		t.Errorf("Expected tripped, got %s", sc.Action)
	}
	if sc := pub.events[1].Data.(StateChange); sc.Action != "recovered" {
		t.Errorf("Expected recovered, got %s", sc.Action)
	}
}

func TestLossLimits(t *testing.T) {
	tests := []struct {
		name   string
		trades []float64
		health Health
	}{
		{"small losses", []float64{-5, -5}, HealthNormal},
		{"hourly limit", []float64{-30, 5, -25}, HealthCritical},
		{"winner resets streak", []float64{-1, -1, 1, -1}, HealthNormal},
		{"invalid ignored", []float64{-1, math.NaN(), math.Inf(-1), -1}, HealthNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _, _ := newBreaker()
			for _, p := range tt.trades {
				cb.RecordTrade(p)
			}
			if h := cb.Health(); h != tt.health {
				t.Errorf("Expected %s, got %s", tt.health, h)
			}
		})
	}
}

func TestDisabledBreakerAlwaysNormal(t *testing.T) {
	cb := NewCircuitBreaker(Config{Enabled: false, MaxConsecutiveLosses: 1}, nil, zerolog.Nop())
	cb.RecordTrade(-50)
	if h := cb.Health(); h != HealthNormal {
		t.Errorf("Expected normal when disabled, got %s", h)
	}
	if ok, _ := cb.CanTrade(); !ok {
		t.Error("Expected trading allowed when disabled")
	}
}

func TestForceReset(t *testing.T) {
	cb, _, _ := newBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordTrade(-1)
	}
	cb.ForceReset()
	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after reset, got %s", cb.GetState())
	}
	if ok, reason := cb.CanTrade(); !ok {
		t.Errorf("Expected trading allowed after reset, got %s", reason)
	}
}
