package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ExchangeConfig    ExchangeConfig    `json:"exchange"`
	DatabaseConfig    DatabaseConfig    `json:"database"`
	RedisConfig       RedisConfig       `json:"redis"`
	VaultConfig       VaultConfig       `json:"vault"`
	LoggingConfig     LoggingConfig     `json:"logging"`
	DetectionConfig   DetectionConfig   `json:"detection"`
	BridgeConfig      BridgeConfig      `json:"bridge"`
	ExecutionConfig   ExecutionConfig   `json:"execution"`
	ExitManagerConfig ExitManagerConfig `json:"exit_manager"`
	ListingsConfig    ListingsConfig    `json:"listings"`
	SafetyConfig      SafetyConfig      `json:"safety"`
	ServerConfig      ServerConfig      `json:"server"`
}

type ExchangeConfig struct {
	APIKey         string        `json:"api_key"`
	SecretKey      string        `json:"secret_key"`
	BaseURL        string        `json:"base_url"`        // signed spot REST API
	WebURL         string        `json:"web_url"`         // public listing calendar / symbol feed
	MockMode       bool          `json:"mock_mode"`       // simulated exchange, no network
	RequestTimeout time.Duration `json:"request_timeout"` // per-call timeout
	RecvWindow     int           `json:"recv_window"`     // signed request validity in ms
	QuoteAsset     string        `json:"quote_asset"`     // e.g. USDT
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the shared pattern and price caches
type RedisConfig struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	PoolSize  int    `json:"pool_size"`
	KeyPrefix string `json:"key_prefix"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // debug, info, warn, error
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // false = console writer
	IncludeFile bool   `json:"include_file"` // caller file:line
}

type DetectionConfig struct {
	MinConfidence          float64       `json:"min_confidence"` // global filter applied by the core
	ReadyStateThreshold    float64       `json:"ready_state_threshold"`
	AdvanceThreshold       float64       `json:"advance_threshold"`
	PreReadyThreshold      float64       `json:"pre_ready_threshold"`
	MinAdvanceHours        float64       `json:"min_advance_hours"`
	EnableCorrelations     bool          `json:"enable_correlations"`
	EnableActivityBoost    bool          `json:"enable_activity_boost"`
	StorePatterns          bool          `json:"store_patterns"`
	PatternCacheTTL        time.Duration `json:"pattern_cache_ttl"`
	PatternCacheMaxEntries int           `json:"pattern_cache_max_entries"`
}

type BridgeConfig struct {
	Enabled                bool          `json:"enabled"`
	ReadyStatePositionSize float64       `json:"ready_state_position_size"` // quote currency
	AdvancePositionSize    float64       `json:"advance_position_size"`
	PreReadyPositionSize   float64       `json:"pre_ready_position_size"`
	FailureCooldown        time.Duration `json:"failure_cooldown"` // no new target for a pair that failed this recently
}

type ExecutionConfig struct {
	Enabled                bool          `json:"enabled"`
	DryRun                 bool          `json:"dry_run"`
	MaxOpenPositions       int           `json:"max_open_positions"`
	MaxDailyTrades         int           `json:"max_daily_trades"`
	PositionSize           float64       `json:"position_size"` // quote currency
	MinConfidence          float64       `json:"min_confidence"`
	AllowedPatternTypes    []string      `json:"allowed_pattern_types"`
	StopLossPercent        float64       `json:"stop_loss_percent"`
	TakeProfitPercent      float64       `json:"take_profit_percent"`
	MaxDrawdownPercent     float64       `json:"max_drawdown_percent"`
	EnableAdvanceDetection bool          `json:"enable_advance_detection"`
	AdvanceHoursThreshold  float64       `json:"advance_hours_threshold"`
	SlippageTolerance      float64       `json:"slippage_tolerance"` // percent
	ExecutionInterval      time.Duration `json:"execution_interval"`
	MonitorInterval        time.Duration `json:"monitor_interval"`
}

type ExitManagerConfig struct {
	Enabled                bool          `json:"enabled"`
	BatchSize              int           `json:"batch_size"`
	PriceCacheTTL          time.Duration `json:"price_cache_ttl"`
	Interval               time.Duration `json:"interval"`
	DefaultStopLossPercent float64       `json:"default_stop_loss_percent"`
	DefaultPreset          string        `json:"default_preset"`
}

type ListingsConfig struct {
	Enabled      bool          `json:"enabled"`
	PollInterval time.Duration `json:"poll_interval"`
}

// SafetyConfig feeds the circuit breaker consulted by the engine preflight
type SafetyConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"` // comma separated, "*" for all
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// Load reads .env, an optional config.json and environment overrides, in that order.
func Load() (*Config, error) {
	// .env is optional; real environment variables always win
	_ = godotenv.Load()

	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every section populated
func Default() *Config {
	return &Config{
		ExchangeConfig: ExchangeConfig{
			BaseURL:        "https://api.mexc.com",
			WebURL:         "https://www.mexc.com",
			MockMode:       true,
			RequestTimeout: 10 * time.Second,
			RecvWindow:     5000,
			QuoteAsset:     "USDT",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "sniper",
			Database: "sniper",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:   "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "sniper:",
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "listing-sniper/exchange",
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
		DetectionConfig: DetectionConfig{
			MinConfidence:          60,
			ReadyStateThreshold:    85,
			AdvanceThreshold:       70,
			PreReadyThreshold:      60,
			MinAdvanceHours:        3.5,
			EnableCorrelations:     true,
			EnableActivityBoost:    true,
			StorePatterns:          true,
			PatternCacheTTL:        5 * time.Minute,
			PatternCacheMaxEntries: 1000,
		},
		BridgeConfig: BridgeConfig{
			Enabled:                true,
			ReadyStatePositionSize: 100,
			AdvancePositionSize:    75,
			PreReadyPositionSize:   50,
			FailureCooldown:        30 * time.Minute,
		},
		ExecutionConfig: ExecutionConfig{
			Enabled:                true,
			DryRun:                 true,
			MaxOpenPositions:       5,
			MaxDailyTrades:         10,
			PositionSize:           100,
			MinConfidence:          80,
			AllowedPatternTypes:    []string{"ready_state", "launch_sequence"},
			StopLossPercent:        5,
			TakeProfitPercent:      60, // above the last rung of the balanced exit ladder
			MaxDrawdownPercent:     20,
			EnableAdvanceDetection: true,
			AdvanceHoursThreshold:  3.5,
			SlippageTolerance:      1,
			ExecutionInterval:      5 * time.Second,
			MonitorInterval:        10 * time.Second,
		},
		ExitManagerConfig: ExitManagerConfig{
			Enabled:                true,
			BatchSize:              50,
			PriceCacheTTL:          10 * time.Second,
			Interval:               5 * time.Second,
			DefaultStopLossPercent: 5,
			DefaultPreset:          "balanced",
		},
		ListingsConfig: ListingsConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
		SafetyConfig: SafetyConfig{
			Enabled:              true,
			MaxLossPerHour:       5,
			MaxDailyLoss:         10,
			MaxConsecutiveLosses: 5,
			CooldownMinutes:      30,
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			ShutdownTimeout: 10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange credentials may also be supplied later from Vault.
func applyEnvOverrides(cfg *Config) {
	// Exchange
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("MEXC_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("MEXC_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("MEXC_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.WebURL = getEnvOrDefault("MEXC_WEB_URL", cfg.ExchangeConfig.WebURL)
	cfg.ExchangeConfig.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.ExchangeConfig.MockMode)
	cfg.ExchangeConfig.RequestTimeout = getEnvDurationOrDefault("EXCHANGE_REQUEST_TIMEOUT", cfg.ExchangeConfig.RequestTimeout)
	cfg.ExchangeConfig.QuoteAsset = getEnvOrDefault("EXCHANGE_QUOTE_ASSET", cfg.ExchangeConfig.QuoteAsset)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Detection
	cfg.DetectionConfig.MinConfidence = getEnvFloatOrDefault("DETECTION_MIN_CONFIDENCE", cfg.DetectionConfig.MinConfidence)
	cfg.DetectionConfig.MinAdvanceHours = getEnvFloatOrDefault("DETECTION_MIN_ADVANCE_HOURS", cfg.DetectionConfig.MinAdvanceHours)
	cfg.DetectionConfig.EnableCorrelations = getEnvBoolOrDefault("DETECTION_CORRELATIONS", cfg.DetectionConfig.EnableCorrelations)
	cfg.DetectionConfig.StorePatterns = getEnvBoolOrDefault("DETECTION_STORE_PATTERNS", cfg.DetectionConfig.StorePatterns)

	// Bridge
	cfg.BridgeConfig.Enabled = getEnvBoolOrDefault("BRIDGE_ENABLED", cfg.BridgeConfig.Enabled)
	cfg.BridgeConfig.FailureCooldown = getEnvDurationOrDefault("BRIDGE_FAILURE_COOLDOWN", cfg.BridgeConfig.FailureCooldown)

	// Execution
	cfg.ExecutionConfig.Enabled = getEnvBoolOrDefault("EXECUTION_ENABLED", cfg.ExecutionConfig.Enabled)
	cfg.ExecutionConfig.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.ExecutionConfig.DryRun)
	cfg.ExecutionConfig.MaxOpenPositions = getEnvIntOrDefault("EXECUTION_MAX_OPEN_POSITIONS", cfg.ExecutionConfig.MaxOpenPositions)
	cfg.ExecutionConfig.MaxDailyTrades = getEnvIntOrDefault("EXECUTION_MAX_DAILY_TRADES", cfg.ExecutionConfig.MaxDailyTrades)
	cfg.ExecutionConfig.PositionSize = getEnvFloatOrDefault("EXECUTION_POSITION_SIZE", cfg.ExecutionConfig.PositionSize)
	cfg.ExecutionConfig.MinConfidence = getEnvFloatOrDefault("EXECUTION_MIN_CONFIDENCE", cfg.ExecutionConfig.MinConfidence)
	cfg.ExecutionConfig.StopLossPercent = getEnvFloatOrDefault("EXECUTION_STOP_LOSS_PERCENT", cfg.ExecutionConfig.StopLossPercent)
	cfg.ExecutionConfig.TakeProfitPercent = getEnvFloatOrDefault("EXECUTION_TAKE_PROFIT_PERCENT", cfg.ExecutionConfig.TakeProfitPercent)
	cfg.ExecutionConfig.ExecutionInterval = getEnvDurationOrDefault("EXECUTION_INTERVAL", cfg.ExecutionConfig.ExecutionInterval)
	cfg.ExecutionConfig.MonitorInterval = getEnvDurationOrDefault("EXECUTION_MONITOR_INTERVAL", cfg.ExecutionConfig.MonitorInterval)
	if v := os.Getenv("EXECUTION_ALLOWED_PATTERN_TYPES"); v != "" {
		cfg.ExecutionConfig.AllowedPatternTypes = splitAndTrim(v)
	}

	// Exit manager
	cfg.ExitManagerConfig.Enabled = getEnvBoolOrDefault("EXIT_MANAGER_ENABLED", cfg.ExitManagerConfig.Enabled)
	cfg.ExitManagerConfig.BatchSize = getEnvIntOrDefault("EXIT_MANAGER_BATCH_SIZE", cfg.ExitManagerConfig.BatchSize)
	cfg.ExitManagerConfig.PriceCacheTTL = getEnvDurationOrDefault("EXIT_MANAGER_PRICE_TTL", cfg.ExitManagerConfig.PriceCacheTTL)
	cfg.ExitManagerConfig.Interval = getEnvDurationOrDefault("EXIT_MANAGER_INTERVAL", cfg.ExitManagerConfig.Interval)
	cfg.ExitManagerConfig.DefaultPreset = getEnvOrDefault("EXIT_MANAGER_DEFAULT_PRESET", cfg.ExitManagerConfig.DefaultPreset)

	// Listings
	cfg.ListingsConfig.Enabled = getEnvBoolOrDefault("LISTINGS_ENABLED", cfg.ListingsConfig.Enabled)
	cfg.ListingsConfig.PollInterval = getEnvDurationOrDefault("LISTINGS_POLL_INTERVAL", cfg.ListingsConfig.PollInterval)

	// Safety
	cfg.SafetyConfig.Enabled = getEnvBoolOrDefault("SAFETY_ENABLED", cfg.SafetyConfig.Enabled)
	cfg.SafetyConfig.MaxDailyLoss = getEnvFloatOrDefault("SAFETY_MAX_DAILY_LOSS", cfg.SafetyConfig.MaxDailyLoss)
	cfg.SafetyConfig.MaxConsecutiveLosses = getEnvIntOrDefault("SAFETY_MAX_CONSECUTIVE_LOSSES", cfg.SafetyConfig.MaxConsecutiveLosses)

	// Server
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.ExecutionConfig.MaxOpenPositions <= 0 {
		errs = append(errs, fmt.Errorf("execution.max_open_positions must be positive"))
	}
	if c.ExecutionConfig.PositionSize <= 0 {
		errs = append(errs, fmt.Errorf("execution.position_size must be positive"))
	}
	if c.ExecutionConfig.StopLossPercent <= 0 || c.ExecutionConfig.StopLossPercent >= 100 {
		errs = append(errs, fmt.Errorf("execution.stop_loss_percent must be in (0,100)"))
	}
	if c.ExecutionConfig.TakeProfitPercent <= 0 {
		errs = append(errs, fmt.Errorf("execution.take_profit_percent must be positive"))
	}
	if c.ExecutionConfig.MinConfidence < 0 || c.ExecutionConfig.MinConfidence > 100 {
		errs = append(errs, fmt.Errorf("execution.min_confidence must be in [0,100]"))
	}
	if c.ExitManagerConfig.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("exit_manager.batch_size must be positive"))
	}
	if !c.ExchangeConfig.MockMode && !c.VaultConfig.Enabled && !c.ExecutionConfig.DryRun {
		if c.ExchangeConfig.APIKey == "" || c.ExchangeConfig.SecretKey == "" {
			errs = append(errs, fmt.Errorf("exchange credentials required for live trading"))
		}
	}

	return errors.Join(errs...)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Start from defaults so a partial file keeps sane values
	cfg := Default()
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GenerateSampleConfig writes the default configuration to a file
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
