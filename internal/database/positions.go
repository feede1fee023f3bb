package database

import (
	"context"
	"fmt"

	"listing-sniper-bot/internal/execution"
	"listing-sniper-bot/internal/patterns"

	"github.com/jackc/pgx/v5"
)

// PositionRepository stores positions and execution history
type PositionRepository struct {
	db *DB
}

func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

const upsertPositionSQL = `
	INSERT INTO positions (id, owner, symbol, target_id, pattern_id, pattern_type, side, status,
	                       entry_price, quantity, original_quantity, quantity_scale, price_scale,
	                       current_price, realized_pnl, stop_loss_price, take_profit_price, exit_stage,
	                       exit_price, close_reason, entry_order_id, opened_at, closed_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		quantity = EXCLUDED.quantity,
		current_price = EXCLUDED.current_price,
		realized_pnl = EXCLUDED.realized_pnl,
		exit_stage = EXCLUDED.exit_stage,
		exit_price = EXCLUDED.exit_price,
		close_reason = EXCLUDED.close_reason,
		closed_at = EXCLUDED.closed_at,
		updated_at = EXCLUDED.updated_at
	WHERE positions.status <> 'CLOSED'
`

const insertHistorySQL = `
	INSERT INTO execution_history (id, position_id, symbol, action, order_id, requested_price, executed_price,
	                               requested_qty, executed_qty, status, reason, error, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

func positionArgs(p *execution.Position) []interface{} {
	return []interface{}{
		p.ID, p.Owner, p.Symbol, p.TargetID, p.PatternID, string(p.PatternType), p.Side, string(p.Status),
		p.EntryPrice, p.Quantity, p.OriginalQuantity, p.QuantityScale, p.PriceScale,
		p.CurrentPrice, p.RealizedPnL, p.StopLossPrice, p.TakeProfitPrice, p.ExitStage,
		p.ExitPrice, string(p.CloseReason), p.EntryOrderID, p.OpenedAt, p.ClosedAt, p.UpdatedAt,
	}
}

func historyArgs(h execution.HistoryEntry) []interface{} {
	return []interface{}{
		h.ID, h.PositionID, h.Symbol, string(h.Action), h.OrderID, h.RequestedPrice, h.ExecutedPrice,
		h.RequestedQty, h.ExecutedQty, string(h.Status), h.Reason, h.Error, h.CreatedAt,
	}
}

func (r *PositionRepository) SavePosition(ctx context.Context, p *execution.Position) error {
	if _, err := r.db.Pool.Exec(ctx, upsertPositionSQL, positionArgs(p)...); err != nil {
		return fmt.Errorf("failed to save position %s: %w", p.ID, err)
	}
	return nil
}

func (r *PositionRepository) AppendHistory(ctx context.Context, h execution.HistoryEntry) error {
	if _, err := r.db.Pool.Exec(ctx, insertHistorySQL, historyArgs(h)...); err != nil {
		return fmt.Errorf("failed to append history for %s: %w", h.Symbol, err)
	}
	return nil
}

const positionColumns = `id::text, owner, symbol, COALESCE(target_id, ''), COALESCE(pattern_id, ''),
	COALESCE(pattern_type, ''), side, status, entry_price, quantity, original_quantity, quantity_scale,
	price_scale, COALESCE(current_price, 0), realized_pnl, COALESCE(stop_loss_price, 0),
	COALESCE(take_profit_price, 0), exit_stage, COALESCE(exit_price, 0), COALESCE(close_reason, ''),
	COALESCE(entry_order_id, ''), opened_at, closed_at, updated_at`

func (r *PositionRepository) ListOpenPositions(ctx context.Context) ([]execution.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status <> 'CLOSED' ORDER BY opened_at ASC`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var out []execution.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row, extra ...interface{}) (*execution.Position, error) {
	var (
		p                   execution.Position
		patternType, status string
		reason              string
	)
	dest := []interface{}{
		&p.ID, &p.Owner, &p.Symbol, &p.TargetID, &p.PatternID,
		&patternType, &p.Side, &status, &p.EntryPrice, &p.Quantity, &p.OriginalQuantity, &p.QuantityScale,
		&p.PriceScale, &p.CurrentPrice, &p.RealizedPnL, &p.StopLossPrice,
		&p.TakeProfitPrice, &p.ExitStage, &p.ExitPrice, &reason,
		&p.EntryOrderID, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	p.PatternType = patterns.PatternType(patternType)
	p.Status = execution.PositionStatus(status)
	p.CloseReason = execution.CloseReason(reason)
	return &p, nil
}

// ListHistory returns execution history, newest first
func (r *PositionRepository) ListHistory(ctx context.Context, limit int) ([]execution.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id::text, COALESCE(position_id, ''), symbol, action, COALESCE(order_id, ''),
		       COALESCE(requested_price, 0), COALESCE(executed_price, 0), COALESCE(requested_qty, 0),
		       COALESCE(executed_qty, 0), status, COALESCE(reason, ''), COALESCE(error, ''), created_at
		FROM execution_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution history: %w", err)
	}
	defer rows.Close()

	var out []execution.HistoryEntry
	for rows.Next() {
		var (
			h              execution.HistoryEntry
			action, status string
		)
		if err := rows.Scan(
			&h.ID, &h.PositionID, &h.Symbol, &action, &h.OrderID,
			&h.RequestedPrice, &h.ExecutedPrice, &h.RequestedQty,
			&h.ExecutedQty, &status, &h.Reason, &h.Error, &h.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution history: %w", err)
		}
		h.Action = execution.Action(action)
		h.Status = execution.ExecutionStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ApplyExitBatch writes every position update and history row of a batch in one transaction
func (r *PositionRepository) ApplyExitBatch(ctx context.Context, fills []execution.ExitFill) error {
	if len(fills) == 0 {
		return nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i := range fills {
		batch.Queue(upsertPositionSQL, positionArgs(&fills[i].Position)...)
		batch.Queue(insertHistorySQL, historyArgs(fills[i].History)...)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to apply exit batch statement %d: %w", i+1, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close exit batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var _ execution.Repository = (*PositionRepository)(nil)
