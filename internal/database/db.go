package database

import (
	"context"
	"fmt"
	"time"

	"listing-sniper-bot/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// DSN builds the connection string of a database config
func DSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode,
	)
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "Database").Logger()
	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("database migrations completed")
	return nil
}

var migrations = []string{
	// Detected patterns with similarity vectors and outcome counters
	`CREATE TABLE IF NOT EXISTS pattern_embeddings (
		id UUID PRIMARY KEY,
		symbol VARCHAR(40) NOT NULL,
		pattern_type VARCHAR(30) NOT NULL,
		sts INTEGER,
		st INTEGER,
		tt INTEGER,
		confidence DECIMAL(6, 2) NOT NULL,
		advance_hours DECIMAL(10, 2) NOT NULL DEFAULT 0,
		embedding DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
		true_positives INTEGER NOT NULL DEFAULT 0,
		false_positives INTEGER NOT NULL DEFAULT 0,
		match JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pattern_embeddings_type_created ON pattern_embeddings(pattern_type, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_pattern_embeddings_created ON pattern_embeddings(created_at DESC)`,

	// Snipe targets
	`CREATE TABLE IF NOT EXISTS snipe_targets (
		id UUID PRIMARY KEY,
		symbol VARCHAR(40) NOT NULL,
		coin_id VARCHAR(100),
		pattern_id VARCHAR(64),
		pattern_type VARCHAR(30) NOT NULL,
		status VARCHAR(20) NOT NULL,
		entry_strategy VARCHAR(10) NOT NULL DEFAULT 'market',
		priority INTEGER NOT NULL DEFAULT 0,
		confidence DECIMAL(6, 2) NOT NULL,
		position_size DECIMAL(20, 8) NOT NULL,
		advance_hours DECIMAL(10, 2) NOT NULL DEFAULT 0,
		price_scale INTEGER,
		quantity_scale INTEGER,
		execute_at TIMESTAMPTZ NOT NULL,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`DROP INDEX IF EXISTS idx_snipe_targets_live`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_snipe_targets_unique
		ON snipe_targets(symbol, pattern_type)
		WHERE status IN ('pending', 'ready', 'monitoring', 'executing', 'executed')`,
	`CREATE INDEX IF NOT EXISTS idx_snipe_targets_failed
		ON snipe_targets(symbol, pattern_type, updated_at DESC)
		WHERE status = 'failed'`,
	`CREATE INDEX IF NOT EXISTS idx_snipe_targets_due ON snipe_targets(status, execute_at)`,

	// Positions
	`CREATE TABLE IF NOT EXISTS positions (
		id UUID PRIMARY KEY,
		owner VARCHAR(100) NOT NULL DEFAULT 'default',
		symbol VARCHAR(40) NOT NULL,
		target_id VARCHAR(64),
		pattern_id VARCHAR(64),
		pattern_type VARCHAR(30),
		side VARCHAR(4) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
		entry_price DECIMAL(30, 12) NOT NULL,
		quantity DECIMAL(30, 12) NOT NULL,
		original_quantity DECIMAL(30, 12) NOT NULL,
		quantity_scale INTEGER NOT NULL DEFAULT -1,
		price_scale INTEGER NOT NULL DEFAULT -1,
		current_price DECIMAL(30, 12),
		realized_pnl DECIMAL(30, 12) NOT NULL DEFAULT 0,
		stop_loss_price DECIMAL(30, 12),
		take_profit_price DECIMAL(30, 12),
		exit_stage INTEGER NOT NULL DEFAULT 0,
		exit_price DECIMAL(30, 12),
		close_reason VARCHAR(20),
		entry_order_id VARCHAR(100),
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE positions ALTER COLUMN status TYPE VARCHAR(20)`,
	`ALTER TABLE positions ALTER COLUMN status SET DEFAULT 'ACTIVE'`,
	`UPDATE positions SET status = 'FILLED' WHERE status = 'OPEN'`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions(owner)`,

	// Execution history
	`CREATE TABLE IF NOT EXISTS execution_history (
		id UUID PRIMARY KEY,
		position_id VARCHAR(64),
		symbol VARCHAR(40) NOT NULL,
		action VARCHAR(10) NOT NULL,
		order_id VARCHAR(100),
		requested_price DECIMAL(30, 12),
		executed_price DECIMAL(30, 12),
		requested_qty DECIMAL(30, 12),
		executed_qty DECIMAL(30, 12),
		status VARCHAR(10) NOT NULL,
		reason VARCHAR(50),
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_history_position ON execution_history(position_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_history_created ON execution_history(created_at DESC)`,

	// Per-owner exit strategy preferences
	`CREATE TABLE IF NOT EXISTS user_exit_preferences (
		owner VARCHAR(100) PRIMARY KEY,
		preset VARCHAR(30),
		custom_levels JSONB,
		stop_loss_percent DECIMAL(6, 2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
