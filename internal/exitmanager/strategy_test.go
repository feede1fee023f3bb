package exitmanager

import (
	"math"
	"testing"

	"listing-sniper-bot/config"
)

func TestMaxProfitPercent(t *testing.T) {
	tests := []struct {
		preset string
		want   float64
	}{
		{"conservative", 20},
		{"balanced", 50},
		{"aggressive", 100},
	}
	for _, tt := range tests {
		s, err := Preset(tt.preset)
		if err != nil {
			t.Fatalf("Expected preset %s, got %v", tt.preset, err)
		}
		if got := s.MaxProfitPercent(); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Expected %s top at %.0f%%, got %f", tt.preset, tt.want, got)
		}
	}
}

// The engine closes everything at its take-profit, so the default must sit
// above the last rung of the default ladder or the upper rungs never fire.
func TestDefaultTakeProfitClearsDefaultLadder(t *testing.T) {
	cfg := config.Default()
	s, err := Preset(cfg.ExitManagerConfig.DefaultPreset)
	if err != nil {
		t.Fatalf("Expected default preset, got %v", err)
	}
	if tp := cfg.ExecutionConfig.TakeProfitPercent; tp <= s.MaxProfitPercent() {
		t.Errorf("Expected take-profit above %.0f%%, got %.0f%%", s.MaxProfitPercent(), tp)
	}

	entry := 100.0
	takeProfit := entry * (1 + cfg.ExecutionConfig.TakeProfitPercent/100)
	top := s.Levels[len(s.Levels)-1]
	if d := Decide(Candidate{Position: testPosition(len(s.Levels) - 1)}, entry*top.TargetMultiplier, s.Levels, 5); !d.Exit || d.Stage != len(s.Levels) {
		t.Errorf("Expected the top rung to fire at %.2f, got %+v", entry*top.TargetMultiplier, d)
	}
	if entry*top.TargetMultiplier >= takeProfit {
		t.Errorf("Expected top rung %.2f below engine take-profit %.2f", entry*top.TargetMultiplier, takeProfit)
	}
}
