// Package execution opens positions for due snipe targets, monitors them and
// closes them on stop-loss, take-profit or operator request.
package execution

import (
	"errors"
	"fmt"
	"time"

	"listing-sniper-bot/internal/patterns"
)

var (
	ErrEngineNotRunning  = errors.New("execution engine not running")
	ErrEngineRunning     = errors.New("execution engine already running")
	ErrSafetyCritical    = errors.New("safety monitor in critical state")
	ErrPreflightFailed   = errors.New("preflight check failed")
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionClosed    = errors.New("position already closed or closing")
	ErrInvalidExitAmount = errors.New("invalid exit quantity")
	ErrPositionBackwards = errors.New("position status cannot move backwards")
)

// EngineState of the execution engine
type EngineState string

const (
	StateIdle   EngineState = "idle"
	StateActive EngineState = "active"
	StatePaused EngineState = "paused"
)

// PositionStatus only moves forward: ACTIVE, PARTIAL_FILLED, FILLED, CLOSED.
// Any status may be skipped.
type PositionStatus string

const (
	PositionActive        PositionStatus = "ACTIVE" // entry order placed, no fill yet
	PositionPartialFilled PositionStatus = "PARTIAL_FILLED"
	PositionFilled        PositionStatus = "FILLED"
	PositionClosed        PositionStatus = "CLOSED"
)

var positionRank = map[PositionStatus]int{
	PositionActive:        1,
	PositionPartialFilled: 2,
	PositionFilled:        3,
	PositionClosed:        4,
}

// IsOpen reports whether the position still holds quantity
func (s PositionStatus) IsOpen() bool {
	_, ok := positionRank[s]
	return ok && s != PositionClosed
}

// CanAdvance reports whether from -> to moves strictly forward
func CanAdvance(from, to PositionStatus) bool {
	fr, ok := positionRank[from]
	if !ok {
		return false
	}
	tr, ok := positionRank[to]
	return ok && tr > fr
}

// CloseReason explains why quantity left a position
type CloseReason string

const (
	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonTakeProfit CloseReason = "take_profit"
	ReasonLadder     CloseReason = "exit_ladder"
	ReasonManual     CloseReason = "manual"
	ReasonEmergency  CloseReason = "emergency"
)

// DefaultOwner owns positions when no user is attached
const DefaultOwner = "default"

// Position is an open or closed long spot position
type Position struct {
	ID                   string               `json:"id"`
	Owner                string               `json:"owner"`
	Symbol               string               `json:"symbol"`
	TargetID             string               `json:"target_id,omitempty"`
	PatternID            string               `json:"pattern_id,omitempty"`
	PatternType          patterns.PatternType `json:"pattern_type,omitempty"`
	Side                 string               `json:"side"`
	Status               PositionStatus       `json:"status"`
	EntryPrice           float64              `json:"entry_price"`
	Quantity             float64              `json:"quantity"` // remaining
	OriginalQuantity     float64              `json:"original_quantity"`
	QuantityScale        int                  `json:"quantity_scale"`
	PriceScale           int                  `json:"price_scale"`
	CurrentPrice         float64              `json:"current_price"`
	UnrealizedPnL        float64              `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64              `json:"unrealized_pnl_percent"`
	RealizedPnL          float64              `json:"realized_pnl"`
	StopLossPrice        float64              `json:"stop_loss_price"`
	TakeProfitPrice      float64              `json:"take_profit_price"`
	ExitStage            int                  `json:"exit_stage"` // highest ladder level already taken, 1-based
	ExitPrice            float64              `json:"exit_price,omitempty"`
	CloseReason          CloseReason          `json:"close_reason,omitempty"`
	EntryOrderID         string               `json:"entry_order_id"`
	OpenedAt             time.Time            `json:"opened_at"`
	ClosedAt             *time.Time           `json:"closed_at,omitempty"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// CostBasis is the quote amount still at risk
func (p *Position) CostBasis() float64 {
	return p.EntryPrice * p.Quantity
}

// advance moves the status forward; ErrPositionBackwards otherwise
func (p *Position) advance(to PositionStatus) error {
	if !CanAdvance(p.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrPositionBackwards, p.Status, to)
	}
	p.Status = to
	return nil
}

// markPrice updates the live price and unrealized figures
func (p *Position) markPrice(price float64, now time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
	if p.EntryPrice > 0 {
		p.UnrealizedPnLPercent = (price - p.EntryPrice) / p.EntryPrice * 100
	}
	p.UpdatedAt = now
}

// Action of an execution history entry
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// ExecutionStatus of a history entry
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// HistoryEntry records one order attempt against a position
type HistoryEntry struct {
	ID             string          `json:"id"`
	PositionID     string          `json:"position_id"`
	Symbol         string          `json:"symbol"`
	Action         Action          `json:"action"`
	OrderID        string          `json:"order_id,omitempty"`
	RequestedPrice float64         `json:"requested_price"`
	ExecutedPrice  float64         `json:"executed_price"`
	RequestedQty   float64         `json:"requested_qty"`
	ExecutedQty    float64         `json:"executed_qty"`
	Status         ExecutionStatus `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ExitRequest asks the engine to sell some or all of a position
type ExitRequest struct {
	PositionID string
	Quantity   float64 // 0 or >= remaining closes the position
	Reason     CloseReason
	Stage      int // ladder level being taken, 0 for none
}

// ExitFill is the result of an exit, ready to be persisted
type ExitFill struct {
	Position Position     `json:"position"`
	History  HistoryEntry `json:"history"`
	Closed   bool         `json:"closed"`
}

// Stats is a snapshot of engine activity
type Stats struct {
	State            EngineState `json:"state"`
	OpenPositions    int         `json:"open_positions"`
	DailyTrades      int         `json:"daily_trades"`
	TotalTrades      int         `json:"total_trades"`
	ClosedTrades     int         `json:"closed_trades"`
	ProfitableTrades int         `json:"profitable_trades"`
	FailedOrders     int         `json:"failed_orders"`
	SuccessRate      float64     `json:"success_rate"`
	TotalPnL         float64     `json:"total_pnl"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	LastExecution    *time.Time  `json:"last_execution,omitempty"`
	LastMonitor      *time.Time  `json:"last_monitor,omitempty"`
}
