// scan_calendar fetches the listing calendar and symbol statuses once, runs
// detection without storing patterns or publishing events, and prints the
// result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/exchange"
	"listing-sniper-bot/internal/listings"
	"listing-sniper-bot/internal/logging"
	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/patternstore"
)

func main() {
	minConfidence := flag.Float64("min-confidence", -1, "override the detection confidence threshold (0-100)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall fetch and analysis timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// logs go to stderr so stdout stays valid JSON
	logger := logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    "stderr",
		Component: "scan_calendar",
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var feed exchange.ListingFeed
	if cfg.ExchangeConfig.MockMode {
		feed = exchange.NewMockClient()
	} else {
		feed = exchange.NewRESTClient(exchange.RESTConfig{
			BaseURL: cfg.ExchangeConfig.BaseURL,
			WebURL:  cfg.ExchangeConfig.WebURL,
			Timeout: cfg.ExchangeConfig.RequestTimeout,
		}, logger)
	}

	snap, err := listings.Fetch(ctx, feed, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Listing feed unavailable")
	}

	calculator := patterns.NewConfidenceCalculator(nil, nil, logger)
	analyzer := patterns.NewAnalyzer(calculator, patternstore.NewHashEmbedder(patternstore.DefaultDimensions), patterns.DefaultAnalyzerConfig(), logger)
	core := patterns.NewDetectionCore(analyzer, nil, nil, patterns.CoreConfig{
		MinConfidence:      cfg.DetectionConfig.MinConfidence,
		EnableCorrelations: true,
	}, logger)

	req := patterns.AnalysisRequest{
		Symbols:             snap.Symbols,
		Calendar:            snap.Calendar,
		Activities:          snap.Activities,
		IncludeCorrelations: true,
		Source:              "scan_calendar",
	}
	if *minConfidence >= 0 {
		req.ConfidenceThreshold = minConfidence
	}

	result := core.Analyze(ctx, req)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Fatal().Err(err).Msg("Failed to write result")
	}
	logger.Info().
		Int("symbols", len(snap.Symbols)).
		Int("calendar", len(snap.Calendar)).
		Int("skipped", snap.Skipped).
		Int("matches", len(result.Matches)).
		Msg("Scan complete")
}
