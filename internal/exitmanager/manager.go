package exitmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/execution"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	cycleTimeout    = 30 * time.Second
	exitConcurrency = 8
)

// Exiter applies one exit without persisting it
type Exiter interface {
	ExitPosition(ctx context.Context, req execution.ExitRequest) (*execution.ExitFill, error)
}

// BatchWriter persists the fills of one batch together
type BatchWriter interface {
	ApplyExitBatch(ctx context.Context, fills []execution.ExitFill) error
}

// CycleResult summarises one pass over all open positions
type CycleResult struct {
	Positions int           `json:"positions"`
	Batches   int           `json:"batches"`
	Exits     int           `json:"exits"`
	Closed    int           `json:"closed"`
	Failures  int           `json:"failures"`
	Unpriced  int           `json:"unpriced"`
	Duration  time.Duration `json:"duration"`
}

// Manager periodically evaluates open positions in batches against their exit strategy
type Manager struct {
	cfg    config.ExitManagerConfig
	ladder []Level
	source Source
	prices *PriceCache
	exiter Exiter
	writer BatchWriter
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	last     CycleResult
	cycles   int
}

func NewManager(cfg config.ExitManagerConfig, source Source, prices *PriceCache, exiter Exiter, writer BatchWriter, logger zerolog.Logger) (*Manager, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	preset := cfg.DefaultPreset
	if preset == "" {
		preset = "balanced"
	}
	strategy, err := Preset(preset)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultStopLossPercent <= 0 {
		cfg.DefaultStopLossPercent = strategy.StopLossPercent
	}

	return &Manager{
		cfg:    cfg,
		ladder: strategy.Levels,
		source: source,
		prices: prices,
		exiter: exiter,
		writer: writer,
		logger: logger.With().Str("component", "ExitManager").Logger(),
	}, nil
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.loop()

	m.logger.Info().
		Int("batch_size", m.cfg.BatchSize).
		Dur("interval", m.cfg.Interval).
		Msg("exit manager started")
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("exit manager stopped")
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
			m.RunCycle(ctx)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

// RunCycle loads all open positions once and processes them batch by batch
func (m *Manager) RunCycle(ctx context.Context) (result CycleResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("exit cycle panicked")
			result.Failures++
		}
		result.Duration = time.Since(start)
		m.mu.Lock()
		m.last = result
		m.cycles++
		m.mu.Unlock()
	}()

	candidates, err := m.source.LoadOpenCandidates(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to load open positions")
		result.Failures++
		return result
	}
	result.Positions = len(candidates)

	for from := 0; from < len(candidates); from += m.cfg.BatchSize {
		to := from + m.cfg.BatchSize
		if to > len(candidates) {
			to = len(candidates)
		}
		result.Batches++
		m.processBatch(ctx, candidates[from:to], &result)
	}

	if result.Exits > 0 || result.Failures > 0 {
		m.logger.Info().
			Int("positions", result.Positions).
			Int("batches", result.Batches).
			Int("exits", result.Exits).
			Int("closed", result.Closed).
			Int("failures", result.Failures).
			Msg("exit cycle complete")
	}
	return result
}

func (m *Manager) processBatch(ctx context.Context, batch []Candidate, result *CycleResult) {
	symbols := make([]string, 0, len(batch))
	for _, c := range batch {
		symbols = append(symbols, c.Position.Symbol)
	}
	prices, err := m.prices.Prices(ctx, symbols)
	if err != nil {
		m.logger.Warn().Err(err).Int("symbols", len(symbols)).Msg("batch price fetch failed")
	}

	var (
		mu    sync.Mutex
		fills []execution.ExitFill
		g     errgroup.Group
	)
	g.SetLimit(exitConcurrency)

	for _, c := range batch {
		c := c
		price, ok := prices[c.Position.Symbol]
		if !ok {
			result.Unpriced++
			continue
		}
		d := Decide(c, price, m.ladder, m.cfg.DefaultStopLossPercent)
		if !d.Exit {
			continue
		}

		g.Go(func() error {
			fill, err := m.exiter.ExitPosition(ctx, execution.ExitRequest{
				PositionID: c.Position.ID,
				Quantity:   d.Quantity,
				Reason:     d.Reason,
				Stage:      d.Stage,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !isClosed(err) {
					result.Failures++
					m.logger.Warn().Err(err).Str("position_id", c.Position.ID).Str("reason", string(d.Reason)).Msg("exit failed")
				}
				return nil
			}
			fills = append(fills, *fill)
			result.Exits++
			if fill.Closed {
				result.Closed++
			}
			return nil
		})
	}
	g.Wait()

	if len(fills) == 0 || m.writer == nil {
		return
	}
	if err := m.writer.ApplyExitBatch(ctx, fills); err != nil {
		result.Failures++
		m.logger.Error().Err(err).Int("fills", len(fills)).Msg("failed to persist exit batch")
	}
}

func isClosed(err error) bool {
	return errors.Is(err, execution.ErrPositionClosed) || errors.Is(err, execution.ErrPositionNotFound)
}

// LastCycle returns the most recent cycle result and the number of cycles run
func (m *Manager) LastCycle() (CycleResult, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.cycles
}
