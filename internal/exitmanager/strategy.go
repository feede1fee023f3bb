package exitmanager

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrUnknownPreset = errors.New("unknown exit preset")

// Level is one rung of the basic exit ladder: sell SellPercent of the original
// quantity once price reaches TargetMultiplier times the entry price.
type Level struct {
	TargetMultiplier float64 `json:"target_multiplier"`
	SellPercent      float64 `json:"sell_percent"`
}

// TakeProfitLevel is one rung of a multi-level take-profit strategy keyed by profit percentage
type TakeProfitLevel struct {
	Level         int     `json:"level"`
	ProfitPercent float64 `json:"profit_percent"`
	SellPercent   float64 `json:"sell_percent"`
}

// Strategy bundles the ladder, the richer take-profit levels and a stop-loss
type Strategy struct {
	Name            string            `json:"name"`
	Levels          []Level           `json:"levels"`
	TakeProfit      []TakeProfitLevel `json:"take_profit"`
	StopLossPercent float64           `json:"stop_loss_percent"`
}

// Preference is an owner's configured exit strategy: a preset name, custom
// take-profit levels, or both (custom levels win).
type Preference struct {
	Owner           string            `json:"owner"`
	Preset          string            `json:"preset,omitempty"`
	Custom          []TakeProfitLevel `json:"custom,omitempty"`
	StopLossPercent float64           `json:"stop_loss_percent,omitempty"`
}

var presets = map[string]Strategy{
	"conservative": {
		Name:   "conservative",
		Levels: []Level{{1.05, 30}, {1.1, 40}, {1.2, 100}},
		TakeProfit: []TakeProfitLevel{
			{Level: 1, ProfitPercent: 3, SellPercent: 30},
			{Level: 2, ProfitPercent: 6, SellPercent: 40},
			{Level: 3, ProfitPercent: 10, SellPercent: 100},
		},
		StopLossPercent: 3,
	},
	"balanced": {
		Name:   "balanced",
		Levels: []Level{{1.1, 25}, {1.2, 50}, {1.5, 100}},
		TakeProfit: []TakeProfitLevel{
			{Level: 1, ProfitPercent: 5, SellPercent: 25},
			{Level: 2, ProfitPercent: 10, SellPercent: 25},
			{Level: 3, ProfitPercent: 20, SellPercent: 25},
			{Level: 4, ProfitPercent: 40, SellPercent: 100},
		},
		StopLossPercent: 5,
	},
	"aggressive": {
		Name:   "aggressive",
		Levels: []Level{{1.2, 20}, {1.5, 30}, {2.0, 100}},
		TakeProfit: []TakeProfitLevel{
			{Level: 1, ProfitPercent: 10, SellPercent: 20},
			{Level: 2, ProfitPercent: 25, SellPercent: 30},
			{Level: 3, ProfitPercent: 50, SellPercent: 100},
		},
		StopLossPercent: 8,
	},
}

// MaxProfitPercent is the gain at which the strategy has sold everything
func (s Strategy) MaxProfitPercent() float64 {
	top := 0.0
	for _, l := range s.Levels {
		top = math.Max(top, (l.TargetMultiplier-1)*100)
	}
	for _, l := range s.TakeProfit {
		top = math.Max(top, l.ProfitPercent)
	}
	return top
}

// Preset returns a copy of a named preset
func Preset(name string) (Strategy, error) {
	s, ok := presets[name]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	s.Levels = append([]Level(nil), s.Levels...)
	s.TakeProfit = append([]TakeProfitLevel(nil), s.TakeProfit...)
	return s, nil
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a preference before it is stored
func (p Preference) Validate() error {
	if p.Owner == "" {
		return errors.New("exit preference has no owner")
	}
	if p.Preset == "" && len(p.Custom) == 0 {
		return fmt.Errorf("exit preference for %s has neither preset nor custom levels", p.Owner)
	}
	if p.Preset != "" {
		if _, ok := presets[p.Preset]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPreset, p.Preset)
		}
	}
	for _, l := range p.Custom {
		if l.SellPercent <= 0 || l.SellPercent > 100 {
			return fmt.Errorf("take-profit level %d sells %.2f%%", l.Level, l.SellPercent)
		}
		if l.Level <= 0 {
			return fmt.Errorf("take-profit level number must be positive, got %d", l.Level)
		}
	}
	if p.StopLossPercent < 0 || p.StopLossPercent >= 100 {
		return fmt.Errorf("stop loss %.2f%% out of range", p.StopLossPercent)
	}
	return nil
}

// takeProfitLevels resolves the multi-level strategy of a preference
func (p *Preference) takeProfitLevels() []TakeProfitLevel {
	if p == nil {
		return nil
	}
	if len(p.Custom) > 0 {
		return p.Custom
	}
	if s, ok := presets[p.Preset]; ok {
		return s.TakeProfit
	}
	return nil
}
