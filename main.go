package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/api"
	"listing-sniper-bot/internal/bridge"
	"listing-sniper-bot/internal/cache"
	"listing-sniper-bot/internal/circuit"
	"listing-sniper-bot/internal/database"
	"listing-sniper-bot/internal/events"
	"listing-sniper-bot/internal/exchange"
	"listing-sniper-bot/internal/execution"
	"listing-sniper-bot/internal/exitmanager"
	"listing-sniper-bot/internal/listings"
	"listing-sniper-bot/internal/logging"
	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/patternstore"
	"listing-sniper-bot/internal/targets"
	"listing-sniper-bot/internal/vault"

	"github.com/rs/zerolog"
)

const exchangeName = "mexc"

// stores groups the persistence backends, Postgres when enabled and in-process otherwise
type stores struct {
	db        *database.DB
	patterns  patternstore.Repository
	targets   targets.Repository
	positions execution.Repository
	history   api.HistoryStore
	exits     *database.ExitRepository
	prefs     exitmanager.PreferenceStore
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info().Bool("dry_run", cfg.ExecutionConfig.DryRun).Bool("mock_exchange", cfg.ExchangeConfig.MockMode).Msg("Starting listing sniper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	client, feed, err := buildExchange(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize exchange client")
	}

	sharedCache := buildCache(cfg, logger)
	if closer, ok := sharedCache.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	st, err := buildStores(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Pattern detection
	storage := patternstore.NewStorage(st.patterns, sharedCache, cfg.DetectionConfig.PatternCacheTTL, logger)
	calculator := patterns.NewConfidenceCalculator(storage, nil, logger)
	analyzer := patterns.NewAnalyzer(calculator, storage.Embedder(), analyzerConfig(cfg.DetectionConfig), logger)

	var recorder patterns.Recorder
	if cfg.DetectionConfig.StorePatterns {
		recorder = storage
	}
	core := patterns.NewDetectionCore(analyzer, recorder, eventBus, patterns.CoreConfig{
		MinConfidence:      cfg.DetectionConfig.MinConfidence,
		EnableCorrelations: cfg.DetectionConfig.EnableCorrelations,
		StorePatterns:      cfg.DetectionConfig.StorePatterns,
	}, logger)

	// Targets and the pattern bridge
	targetService := targets.NewService(st.targets, eventBus, logger).WithFailureCooldown(cfg.BridgeConfig.FailureCooldown)
	patternBridge := bridge.NewPatternTargetBridge(eventBus, targetService, bridge.FromBridgeConfig(cfg.BridgeConfig), logger)
	if cfg.BridgeConfig.Enabled {
		if err := patternBridge.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start pattern bridge")
		}
	}

	// Execution
	breaker := circuit.NewCircuitBreaker(circuit.FromSafetyConfig(cfg.SafetyConfig), eventBus, logger)
	engine := execution.NewEngine(cfg.ExecutionConfig, execution.Deps{
		Exchange: client,
		Targets:  targetService,
		Safety:   breaker,
		Outcomes: storage,
		Repo:     st.positions,
		Events:   eventBus,
	}, logger)
	if cfg.ExecutionConfig.Enabled {
		if err := engine.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start execution engine")
		}
	}

	// Exit manager
	var exitManager *exitmanager.Manager
	if cfg.ExitManagerConfig.Enabled {
		var source exitmanager.Source = exitmanager.NewEngineSource(engine, st.prefs)
		if st.exits != nil {
			source = st.exits
		}
		prices := exitmanager.NewPriceCache(sharedCache, client, cfg.ExitManagerConfig.PriceCacheTTL, logger)
		exitManager, err = exitmanager.NewManager(cfg.ExitManagerConfig, source, prices, engine, st.positions, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create exit manager")
		}
		if s, err := exitmanager.Preset(cfg.ExitManagerConfig.DefaultPreset); err == nil && cfg.ExecutionConfig.TakeProfitPercent <= s.MaxProfitPercent() {
			logger.Warn().
				Float64("take_profit_percent", cfg.ExecutionConfig.TakeProfitPercent).
				Float64("ladder_top_percent", s.MaxProfitPercent()).
				Msg("Engine take-profit closes positions before the exit ladder completes")
		}
		exitManager.Start()
	}

	// Listing monitor
	var monitor *listings.Monitor
	if cfg.ListingsConfig.Enabled {
		monitor = listings.NewMonitor(feed, core, cfg.ListingsConfig.PollInterval, logger)
		monitor.Start()
	}

	// HTTP API
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		deps := api.Deps{
			Engine:      engine,
			History:     st.history,
			Detector:    core,
			Similar:     storage,
			Safety:      breaker,
			Bridge:      patternBridge,
			Targets:     targetService,
			Preferences: st.prefs,
			EventBus:    eventBus,
		}
		if exitManager != nil {
			deps.Exits = exitManager
		}
		if monitor != nil {
			deps.Listings = monitor
		}
		if st.db != nil {
			deps.Database = st.db
		}

		server, err = api.NewServer(cfg.ServerConfig, deps, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create API server")
		}
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server stopped")
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down web server")
		}
	}
	if monitor != nil {
		monitor.Stop()
	}
	if exitManager != nil {
		exitManager.Stop()
	}
	if err := engine.Stop(); err != nil && cfg.ExecutionConfig.Enabled {
		logger.Warn().Err(err).Msg("Engine stop")
	}
	patternBridge.Stop()
	cancel()
	eventBus.Wait()

	logger.Info().Msg("Shutdown complete")
}

// buildExchange returns the simulated exchange in mock mode, otherwise the REST
// client with credentials from Vault or the environment
func buildExchange(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (exchange.Client, exchange.ListingFeed, error) {
	if cfg.ExchangeConfig.MockMode {
		mock := exchange.NewMockClient()
		return mock, mock, nil
	}

	apiKey, secretKey := cfg.ExchangeConfig.APIKey, cfg.ExchangeConfig.SecretKey
	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return nil, nil, err
		}
		creds, err := vc.GetExchangeCredentials(ctx, exchangeName)
		if err != nil {
			return nil, nil, err
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
		logger.Info().Msg("Exchange credentials loaded from vault")
	}

	rest := exchange.NewRESTClient(exchange.RESTConfig{
		APIKey:     apiKey,
		SecretKey:  secretKey,
		BaseURL:    cfg.ExchangeConfig.BaseURL,
		WebURL:     cfg.ExchangeConfig.WebURL,
		Timeout:    cfg.ExchangeConfig.RequestTimeout,
		RecvWindow: cfg.ExchangeConfig.RecvWindow,
	}, logger)
	return rest, rest, nil
}

// buildCache prefers Redis and falls back to the in-process cache when it is unreachable
func buildCache(cfg *config.Config, logger zerolog.Logger) cache.Cache {
	if cfg.RedisConfig.Enabled {
		rc, err := cache.NewRedisCache(cfg.RedisConfig, logger)
		if err == nil {
			return rc
		}
		logger.Warn().Err(err).Msg("Redis unavailable, using in-memory cache")
	}
	return cache.NewMemoryCache(cfg.DetectionConfig.PatternCacheMaxEntries)
}

func buildStores(cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if !cfg.DatabaseConfig.Enabled {
		positions := execution.NewMemoryRepository()
		return &stores{
			patterns:  patternstore.NewMemoryRepository(),
			targets:   targets.NewMemoryRepository(),
			positions: positions,
			history:   positions,
			prefs:     exitmanager.NewMemoryPreferences(),
		}, nil
	}

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	positions := database.NewPositionRepository(db)
	exits := database.NewExitRepository(db)
	return &stores{
		db:        db,
		patterns:  database.NewPatternRepository(db),
		targets:   database.NewTargetRepository(db),
		positions: positions,
		history:   positions,
		exits:     exits,
		prefs:     exits,
	}, nil
}

func analyzerConfig(c config.DetectionConfig) patterns.AnalyzerConfig {
	ac := patterns.DefaultAnalyzerConfig()
	ac.ReadyStateThreshold = c.ReadyStateThreshold
	ac.PreReadyThreshold = c.PreReadyThreshold
	ac.AdvanceThreshold = c.AdvanceThreshold
	ac.MinAdvanceHours = c.MinAdvanceHours
	ac.EnableActivityBoost = c.EnableActivityBoost
	return ac
}
