// Package listings polls the exchange new-listing feed and runs pattern
// detection over each snapshot.
package listings

import (
	"context"
	"sync"
	"time"

	"listing-sniper-bot/internal/exchange"
	"listing-sniper-bot/internal/logging"
	"listing-sniper-bot/internal/patterns"

	"github.com/rs/zerolog"
)

const (
	Source       = "listing_monitor"
	fetchTimeout = 10 * time.Second
	pollTimeout  = 2 * time.Minute
)

// Analyzer runs one detection pass
type Analyzer interface {
	Analyze(ctx context.Context, req patterns.AnalysisRequest) *patterns.AnalysisResult
}

// Snapshot is one poll of the feed after conversion
type Snapshot struct {
	Symbols    []patterns.SymbolStatus
	Calendar   []patterns.CalendarEntry
	Activities map[string][]patterns.ActivityData
	Skipped    int
}

// PollResult summarises the last poll
type PollResult struct {
	At       time.Time `json:"at"`
	Symbols  int       `json:"symbols"`
	Calendar int       `json:"calendar"`
	Skipped  int       `json:"skipped"`
	Matches  int       `json:"matches"`
	Error    string    `json:"error,omitempty"`
}

// Monitor polls the listing feed on an interval
type Monitor struct {
	feed     exchange.ListingFeed
	analyzer Analyzer
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	last     *PollResult
}

func NewMonitor(feed exchange.ListingFeed, analyzer Analyzer, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		feed:     feed,
		analyzer: analyzer,
		interval: interval,
		logger:   logger.With().Str("component", "ListingMonitor").Logger(),
	}
}

// Start begins the poll loop, running one poll immediately
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.run()
	m.logger.Info().Dur("interval", m.interval).Msg("listing monitor started")
}

// Stop waits for an in-flight poll to finish
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("listing monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.pollGuarded()
	for {
		select {
		case <-ticker.C:
			m.pollGuarded()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) pollGuarded() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("listing poll panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	m.Poll(ctx)
}

// Fetch reads and converts one snapshot of the feed. A failing source is
// logged and left empty so the other sources still get analysed.
func Fetch(ctx context.Context, feed exchange.ListingFeed, logger zerolog.Logger) (Snapshot, error) {
	var (
		snap              Snapshot
		symbolErr, calErr error
	)

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	rows, symbolErr := feed.GetSymbolStatuses(fctx)
	cancel()
	if symbolErr != nil {
		logger.Warn().Err(symbolErr).Msg("symbol feed unavailable")
	} else {
		var skipped int
		snap.Symbols, skipped = SymbolStatuses(rows)
		snap.Skipped += skipped
	}

	fctx, cancel = context.WithTimeout(ctx, fetchTimeout)
	cal, calErr := feed.GetCalendar(fctx)
	cancel()
	if calErr != nil {
		logger.Warn().Err(calErr).Msg("listing calendar unavailable")
	} else {
		var skipped int
		snap.Calendar, skipped = CalendarEntries(cal)
		snap.Skipped += skipped
	}

	if symbolErr != nil && calErr != nil {
		return snap, symbolErr
	}

	if cs := currencies(snap.Symbols, snap.Calendar); len(cs) > 0 {
		fctx, cancel = context.WithTimeout(ctx, fetchTimeout)
		acts, err := feed.GetActivities(fctx, cs)
		cancel()
		if err != nil {
			logger.Debug().Err(err).Msg("activities unavailable, continuing without boost")
		} else {
			snap.Activities = Activities(acts)
		}
	}
	return snap, nil
}

// Poll fetches one snapshot and hands it to detection
func (m *Monitor) Poll(ctx context.Context) PollResult {
	ctx, logger := logging.WithTraceContext(ctx, m.logger)
	result := PollResult{At: time.Now()}

	snap, err := Fetch(ctx, m.feed, logger)
	result.Symbols = len(snap.Symbols)
	result.Calendar = len(snap.Calendar)
	result.Skipped = snap.Skipped

	if err != nil {
		result.Error = err.Error()
	} else if len(snap.Symbols) > 0 || len(snap.Calendar) > 0 {
		res := m.analyzer.Analyze(ctx, patterns.AnalysisRequest{
			Symbols:    snap.Symbols,
			Calendar:   snap.Calendar,
			Activities: snap.Activities,
			Source:     Source,
		})
		result.Matches = len(res.Matches)
		if res.Metadata.Error != "" {
			result.Error = res.Metadata.Error
		}
	}

	if result.Matches > 0 || result.Skipped > 0 {
		logger.Info().
			Int("symbols", result.Symbols).
			Int("calendar", result.Calendar).
			Int("skipped", result.Skipped).
			Int("matches", result.Matches).
			Msg("listing poll complete")
	}

	m.mu.Lock()
	m.last = &result
	m.mu.Unlock()
	return result
}

// LastPoll returns the most recent poll, nil before the first
func (m *Monitor) LastPoll() *PollResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}
