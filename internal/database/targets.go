package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/targets"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// TargetRepository stores snipe targets. The partial unique index on live and
// executed targets enforces one per symbol and pattern type.
type TargetRepository struct {
	db *DB
}

func NewTargetRepository(db *DB) *TargetRepository {
	return &TargetRepository{db: db}
}

const targetColumns = `id::text, symbol, COALESCE(coin_id, ''), COALESCE(pattern_id, ''), pattern_type, status,
	entry_strategy, priority, confidence, position_size, advance_hours, price_scale, quantity_scale,
	execute_at, COALESCE(error, ''), created_at, updated_at`

func (r *TargetRepository) Create(ctx context.Context, t *targets.Target) error {
	query := `
		INSERT INTO snipe_targets (id, symbol, coin_id, pattern_id, pattern_type, status, entry_strategy,
		                           priority, confidence, position_size, advance_hours, price_scale,
		                           quantity_scale, execute_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		t.ID, t.Symbol, t.CoinID, t.PatternID, string(t.PatternType), string(t.Status), string(t.EntryStrategy),
		t.Priority, t.Confidence, t.PositionSize, t.AdvanceHours, t.PriceScale,
		t.QuantityScale, t.ExecuteAt, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return targets.ErrDuplicateTarget
	}
	if err != nil {
		return fmt.Errorf("failed to insert target %s: %w", t.Symbol, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (r *TargetRepository) Get(ctx context.Context, id string) (*targets.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM snipe_targets WHERE id::text = $1`
	t, err := scanTarget(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, targets.ErrTargetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target %s: %w", id, err)
	}
	return t, nil
}

func (r *TargetRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]targets.Target, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + targetColumns + `
		FROM snipe_targets
		WHERE status IN ('pending', 'ready') AND execute_at <= $1
		ORDER BY priority ASC, confidence DESC, created_at ASC
		LIMIT $2
	`
	return r.query(ctx, query, now, limit)
}

func (r *TargetRepository) LastFailure(ctx context.Context, symbol string, patternType patterns.PatternType) (time.Time, error) {
	query := `
		SELECT MAX(updated_at)
		FROM snipe_targets
		WHERE symbol = $1 AND pattern_type = $2 AND status = 'failed'
	`
	var last *time.Time
	if err := r.db.Pool.QueryRow(ctx, query, symbol, string(patternType)).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("failed to query last failure for %s: %w", symbol, err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

func (r *TargetRepository) List(ctx context.Context, limit int) ([]targets.Target, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + targetColumns + ` FROM snipe_targets ORDER BY created_at DESC LIMIT $1`
	return r.query(ctx, query, limit)
}

// Transition is a compare-and-set on status, so concurrent claims have one winner
func (r *TargetRepository) Transition(ctx context.Context, id string, from, to targets.Status, reason string) error {
	if !targets.CanTransition(from, to) {
		return targets.ErrInvalidTransition
	}
	query := `
		UPDATE snipe_targets
		SET status = $3, error = NULLIF($4, ''), updated_at = NOW()
		WHERE id::text = $1 AND status = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("failed to move target %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return targets.ErrInvalidTransition
}

func (r *TargetRepository) query(ctx context.Context, query string, args ...interface{}) ([]targets.Target, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var out []targets.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTarget(row pgx.Row) (*targets.Target, error) {
	var (
		t                             targets.Target
		patternType, status, strategy string
	)
	err := row.Scan(
		&t.ID, &t.Symbol, &t.CoinID, &t.PatternID, &patternType, &status,
		&strategy, &t.Priority, &t.Confidence, &t.PositionSize, &t.AdvanceHours, &t.PriceScale, &t.QuantityScale,
		&t.ExecuteAt, &t.Error, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.PatternType = patterns.PatternType(patternType)
	t.Status = targets.Status(status)
	t.EntryStrategy = targets.EntryStrategy(strategy)
	return &t, nil
}

var _ targets.Repository = (*TargetRepository)(nil)
