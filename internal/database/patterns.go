package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/patternstore"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PatternRepository stores detected patterns in pattern_embeddings
type PatternRepository struct {
	db *DB
}

func NewPatternRepository(db *DB) *PatternRepository {
	return &PatternRepository{db: db}
}

func (r *PatternRepository) InsertPattern(ctx context.Context, p *patternstore.StoredPattern) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	match, err := json.Marshal(p.Match)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern match: %w", err)
	}

	var sts, st, tt *int
	if p.Status != nil {
		sts, st, tt = &p.Status.Sts, &p.Status.St, &p.Status.Tt
	}
	embedding := p.Embedding
	if embedding == nil {
		embedding = []float64{}
	}

	query := `
		INSERT INTO pattern_embeddings (id, symbol, pattern_type, sts, st, tt, confidence, advance_hours,
		                                embedding, true_positives, false_positives, match, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.PatternType), sts, st, tt, p.Confidence, p.AdvanceHours,
		embedding, p.TruePositives, p.FalsePositives, match, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pattern %s: %w", p.Symbol, err)
	}
	return nil
}

// OutcomeCounts sums outcome counters over the most recent sampleLimit patterns of a type
func (r *PatternRepository) OutcomeCounts(ctx context.Context, t patterns.PatternType, sampleLimit int) (int, int, error) {
	if sampleLimit <= 0 {
		sampleLimit = 1000
	}
	query := `
		SELECT COALESCE(SUM(true_positives), 0), COALESCE(SUM(true_positives + false_positives), 0)
		FROM (
			SELECT true_positives, false_positives
			FROM pattern_embeddings
			WHERE pattern_type = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
	`
	var tp, total int64
	if err := r.db.Pool.QueryRow(ctx, query, string(t), sampleLimit).Scan(&tp, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to count outcomes for %s: %w", t, err)
	}
	return int(tp), int(total), nil
}

// CandidatePatterns returns recent patterns, newest first, optionally of one type
func (r *PatternRepository) CandidatePatterns(ctx context.Context, t *patterns.PatternType, limit int) ([]patternstore.StoredPattern, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id::text, symbol, pattern_type, sts, st, tt, confidence, advance_hours,
		       embedding, true_positives, false_positives, match, created_at
		FROM pattern_embeddings
		WHERE ($1::text IS NULL OR pattern_type = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	var typeFilter *string
	if t != nil {
		s := string(*t)
		typeFilter = &s
	}

	rows, err := r.db.Pool.Query(ctx, query, typeFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate patterns: %w", err)
	}
	defer rows.Close()

	var out []patternstore.StoredPattern
	for rows.Next() {
		var (
			p           patternstore.StoredPattern
			patternType string
			sts, st, tt *int
			match       []byte
		)
		if err := rows.Scan(
			&p.ID, &p.Symbol, &patternType, &sts, &st, &tt, &p.Confidence, &p.AdvanceHours,
			&p.Embedding, &p.TruePositives, &p.FalsePositives, &match, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.PatternType = patterns.PatternType(patternType)
		if sts != nil && st != nil && tt != nil {
			p.Status = &patterns.StatusVector{Sts: *sts, St: *st, Tt: *tt}
		}
		if len(match) > 0 {
			if err := json.Unmarshal(match, &p.Match); err != nil {
				r.db.logger.Debug().Err(err).Str("pattern_id", p.ID).Msg("skipping pattern with unreadable match")
				continue
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PatternRepository) RecordOutcome(ctx context.Context, id string, truePositive bool) (patterns.PatternType, error) {
	column := "false_positives"
	if truePositive {
		column = "true_positives"
	}
	query := fmt.Sprintf(`
		UPDATE pattern_embeddings
		SET %s = %s + 1
		WHERE id::text = $1
		RETURNING pattern_type
	`, column, column)

	var patternType string
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&patternType)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", patternstore.ErrPatternNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to record outcome for %s: %w", id, err)
	}
	return patterns.PatternType(patternType), nil
}

var _ patternstore.Repository = (*PatternRepository)(nil)
