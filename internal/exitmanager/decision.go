package exitmanager

import (
	"math"

	"listing-sniper-bot/internal/execution"
)

// Candidate is an open position joined with its entry execution and the
// owner's exit preference
type Candidate struct {
	Position   execution.Position
	EntryPrice float64 // executed price of the latest successful entry
	Preference *Preference
}

// Decision is the outcome of evaluating one position at one price
type Decision struct {
	Exit     bool
	Quantity float64 // 0 means the full remaining quantity
	Reason   execution.CloseReason
	Stage    int
}

// Decide evaluates stop-loss first, then the owner's take-profit levels when
// configured, otherwise the basic ladder. The highest qualifying rung wins and
// a rung fires at most once per position.
func Decide(c Candidate, price float64, ladder []Level, defaultStopLoss float64) Decision {
	entry := c.EntryPrice
	if entry <= 0 {
		entry = c.Position.EntryPrice
	}
	if entry <= 0 || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Decision{}
	}
	profitPercent := (price - entry) / entry * 100

	stopLoss := defaultStopLoss
	if c.Preference != nil && c.Preference.StopLossPercent > 0 {
		stopLoss = c.Preference.StopLossPercent
	}
	if stopLoss > 0 && -profitPercent >= stopLoss {
		return Decision{Exit: true, Reason: execution.ReasonStopLoss}
	}

	if levels := c.Preference.takeProfitLevels(); len(levels) > 0 {
		best := -1
		for i, l := range levels {
			if profitPercent >= l.ProfitPercent && (best < 0 || l.ProfitPercent > levels[best].ProfitPercent) {
				best = i
			}
		}
		if best < 0 || levels[best].Level <= c.Position.ExitStage {
			return Decision{}
		}
		return sell(c.Position, levels[best].SellPercent, execution.ReasonTakeProfit, levels[best].Level)
	}

	ratio := price / entry
	best := -1
	for i, l := range ladder {
		if ratio >= l.TargetMultiplier && (best < 0 || l.TargetMultiplier > ladder[best].TargetMultiplier) {
			best = i
		}
	}
	if best < 0 {
		return Decision{}
	}
	stage := ladderStage(ladder, ladder[best].TargetMultiplier)
	if stage <= c.Position.ExitStage {
		return Decision{}
	}
	return sell(c.Position, ladder[best].SellPercent, execution.ReasonLadder, stage)
}

// ladderStage is the 1-based rank of a multiplier within the ladder
func ladderStage(ladder []Level, multiplier float64) int {
	stage := 0
	for _, l := range ladder {
		if l.TargetMultiplier <= multiplier {
			stage++
		}
	}
	return stage
}

func sell(p execution.Position, percent float64, reason execution.CloseReason, stage int) Decision {
	if percent >= 100 {
		return Decision{Exit: true, Reason: reason, Stage: stage}
	}
	base := p.OriginalQuantity
	if base <= 0 {
		base = p.Quantity
	}
	qty := base * percent / 100
	if qty >= p.Quantity {
		qty = 0
	}
	return Decision{Exit: true, Quantity: qty, Reason: reason, Stage: stage}
}
