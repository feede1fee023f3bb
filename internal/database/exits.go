package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"listing-sniper-bot/internal/exitmanager"

	"github.com/jackc/pgx/v5"
)

// ExitRepository serves the exit manager: one joined read of every open
// position and per-owner exit preferences
type ExitRepository struct {
	db *DB
}

func NewExitRepository(db *DB) *ExitRepository {
	return &ExitRepository{db: db}
}

// LoadOpenCandidates joins each open position with its latest successful entry
// execution and its owner's preference in a single query
func (r *ExitRepository) LoadOpenCandidates(ctx context.Context) ([]exitmanager.Candidate, error) {
	query := `
		SELECT p.id::text, p.owner, p.symbol, COALESCE(p.target_id, ''), COALESCE(p.pattern_id, ''),
		       COALESCE(p.pattern_type, ''), p.side, p.status, p.entry_price, p.quantity, p.original_quantity,
		       p.quantity_scale, p.price_scale, COALESCE(p.current_price, 0), p.realized_pnl,
		       COALESCE(p.stop_loss_price, 0), COALESCE(p.take_profit_price, 0), p.exit_stage,
		       COALESCE(p.exit_price, 0), COALESCE(p.close_reason, ''), COALESCE(p.entry_order_id, ''),
		       p.opened_at, p.closed_at, p.updated_at,
		       COALESCE(e.executed_price, 0),
		       pref.owner, COALESCE(pref.preset, ''), pref.custom_levels, COALESCE(pref.stop_loss_percent, 0)
		FROM positions p
		LEFT JOIN LATERAL (
			SELECT h.executed_price
			FROM execution_history h
			WHERE h.position_id = p.id::text AND h.action = 'buy' AND h.status = 'success'
			ORDER BY h.created_at DESC
			LIMIT 1
		) e ON TRUE
		LEFT JOIN user_exit_preferences pref ON pref.owner = p.owner
		WHERE p.status <> 'CLOSED'
		ORDER BY p.opened_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions for exit: %w", err)
	}
	defer rows.Close()

	var out []exitmanager.Candidate
	for rows.Next() {
		var (
			entry     float64
			prefOwner *string
			preset    string
			custom    []byte
			stopLoss  float64
		)
		p, err := scanPosition(rows, &entry, &prefOwner, &preset, &custom, &stopLoss)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exit candidate: %w", err)
		}

		c := exitmanager.Candidate{Position: *p, EntryPrice: entry}
		if prefOwner != nil {
			pref, err := decodePreference(*prefOwner, preset, custom, stopLoss)
			if err != nil {
				r.db.logger.Warn().Err(err).Str("owner", *prefOwner).Msg("ignoring unreadable exit preference")
			} else {
				c.Preference = pref
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodePreference(owner, preset string, custom []byte, stopLoss float64) (*exitmanager.Preference, error) {
	pref := &exitmanager.Preference{Owner: owner, Preset: preset, StopLossPercent: stopLoss}
	if len(custom) > 0 && string(custom) != "null" {
		if err := json.Unmarshal(custom, &pref.Custom); err != nil {
			return nil, fmt.Errorf("invalid custom levels: %w", err)
		}
	}
	return pref, nil
}

func (r *ExitRepository) GetPreference(ctx context.Context, owner string) (*exitmanager.Preference, error) {
	query := `
		SELECT COALESCE(preset, ''), custom_levels, stop_loss_percent
		FROM user_exit_preferences
		WHERE owner = $1
	`
	var (
		preset   string
		custom   []byte
		stopLoss float64
	)
	err := r.db.Pool.QueryRow(ctx, query, owner).Scan(&preset, &custom, &stopLoss)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exitmanager.ErrPreferenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exit preference for %s: %w", owner, err)
	}
	return decodePreference(owner, preset, custom, stopLoss)
}

func (r *ExitRepository) SavePreference(ctx context.Context, p exitmanager.Preference) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var custom []byte
	if len(p.Custom) > 0 {
		var err error
		if custom, err = json.Marshal(p.Custom); err != nil {
			return fmt.Errorf("failed to marshal custom levels: %w", err)
		}
	}

	query := `
		INSERT INTO user_exit_preferences (owner, preset, custom_levels, stop_loss_percent, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NOW())
		ON CONFLICT (owner) DO UPDATE SET
			preset = EXCLUDED.preset,
			custom_levels = EXCLUDED.custom_levels,
			stop_loss_percent = EXCLUDED.stop_loss_percent,
			updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, p.Owner, p.Preset, custom, p.StopLossPercent); err != nil {
		return fmt.Errorf("failed to save exit preference for %s: %w", p.Owner, err)
	}
	return nil
}

var (
	_ exitmanager.Source          = (*ExitRepository)(nil)
	_ exitmanager.PreferenceStore = (*ExitRepository)(nil)
)
