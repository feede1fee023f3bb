package exitmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/cache"
	"listing-sniper-bot/internal/exchange"
	"listing-sniper-bot/internal/execution"

	"github.com/rs/zerolog"
)

type staticSource struct {
	candidates []Candidate
}

func (s *staticSource) LoadOpenCandidates(ctx context.Context) ([]Candidate, error) {
	return s.candidates, nil
}

type recordingExiter struct {
	mu       sync.Mutex
	requests []execution.ExitRequest
}

func (r *recordingExiter) ExitPosition(ctx context.Context, req execution.ExitRequest) (*execution.ExitFill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return &execution.ExitFill{
		Position: execution.Position{ID: req.PositionID},
		History:  execution.HistoryEntry{PositionID: req.PositionID, Action: execution.ActionSell},
		Closed:   req.Quantity == 0,
	}, nil
}

type recordingWriter struct {
	batches [][]execution.ExitFill
}

func (w *recordingWriter) ApplyExitBatch(ctx context.Context, fills []execution.ExitFill) error {
	w.batches = append(w.batches, fills)
	return nil
}

func TestPriceCacheFetchesOnlyMissing(t *testing.T) {
	mock := exchange.NewStaticMockClient(map[string]float64{"A": 1, "B": 2, "C": 3})
	c := cache.NewMemoryCache(100)
	pc := NewPriceCache(c, mock, 10*time.Second, zerolog.Nop())
	ctx := context.Background()

	if err := cache.SetJSON(ctx, c, "price:A", 1.5, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	prices, err := pc.Prices(ctx, []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("Expected prices, got %v", err)
	}
	if prices["A"] != 1.5 || prices["B"] != 2 || prices["C"] != 3 {
		t.Errorf("Expected cached A and fetched B, C, got %v", prices)
	}

	calls := mock.BatchCalls()
	if len(calls) != 1 {
		t.Fatalf("Expected exactly one batch call, got %d", len(calls))
	}
	got := append([]string(nil), calls[0]...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Errorf("Expected batch for {B,C}, got %v", got)
	}

	if _, err := pc.Prices(ctx, []string{"A", "B", "C"}); err != nil {
		t.Fatal(err)
	}
	if n := len(mock.BatchCalls()); n != 1 {
		t.Errorf("Expected fully cached second read, got %d calls", n)
	}
}

func TestPriceCacheReportsFetchFailure(t *testing.T) {
	mock := exchange.NewStaticMockClient(map[string]float64{"A": 1})
	mock.PriceErr = exchange.ErrMockUnavailable
	pc := NewPriceCache(cache.NewMemoryCache(10), mock, time.Second, zerolog.Nop())

	prices, err := pc.Prices(context.Background(), []string{"A"})
	if err == nil {
		t.Error("Expected fetch error")
	}
	if len(prices) != 0 {
		t.Errorf("Expected no prices, got %v", prices)
	}
}

func newTestManager(t *testing.T, source Source, mock *exchange.MockClient, exiter Exiter, writer BatchWriter) *Manager {
	t.Helper()
	cfg := config.ExitManagerConfig{BatchSize: 50, PriceCacheTTL: 10 * time.Second, DefaultStopLossPercent: 5, DefaultPreset: "balanced"}
	pc := NewPriceCache(cache.NewMemoryCache(1000), mock, cfg.PriceCacheTTL, zerolog.Nop())
	m, err := NewManager(cfg, source, pc, exiter, writer, zerolog.Nop())
	if err != nil {
		t.Fatalf("Expected manager, got %v", err)
	}
	return m
}

func TestRunCycleBatchesPositions(t *testing.T) {
	prices := make(map[string]float64)
	var candidates []Candidate
	for i := 0; i < 120; i++ {
		symbol := fmt.Sprintf("S%03dUSDT", i)
		prices[symbol] = 100
		p := testPosition(0)
		p.ID = fmt.Sprintf("pos-%d", i)
		p.Symbol = symbol
		candidates = append(candidates, Candidate{Position: p})
	}
	// two positions reach the 1.2 rung, one hits stop-loss
	prices["S000USDT"] = 125
	prices["S060USDT"] = 125
	prices["S110USDT"] = 90

	mock := exchange.NewStaticMockClient(prices)
	exiter := &recordingExiter{}
	writer := &recordingWriter{}
	m := newTestManager(t, &staticSource{candidates: candidates}, mock, exiter, writer)

	result := m.RunCycle(context.Background())

	if result.Positions != 120 || result.Batches != 3 {
		t.Errorf("Expected 120 positions in 3 batches, got %+v", result)
	}
	if n := len(mock.BatchCalls()); n != 3 {
		t.Errorf("Expected one price call per batch, got %d", n)
	}
	if result.Exits != 3 || result.Closed != 1 {
		t.Errorf("Expected 3 exits with 1 close, got %+v", result)
	}
	if len(writer.batches) != 3 {
		t.Errorf("Expected one write per batch with exits, got %d", len(writer.batches))
	}

	reasons := make(map[string]execution.CloseReason)
	for _, r := range exiter.requests {
		reasons[r.PositionID] = r.Reason
	}
	if reasons["pos-110"] != execution.ReasonStopLoss || reasons["pos-0"] != execution.ReasonLadder {
		t.Errorf("Expected stop_loss and ladder exits, got %v", reasons)
	}

	if _, cycles := m.LastCycle(); cycles != 1 {
		t.Errorf("Expected 1 cycle recorded, got %d", cycles)
	}
}

func TestRunCycleWithEngine(t *testing.T) {
	mock := exchange.NewStaticMockClient(map[string]float64{"ABCUSDT": 2})
	repo := execution.NewMemoryRepository()
	engine := execution.NewEngine(config.ExecutionConfig{
		MaxOpenPositions:  5,
		MaxDailyTrades:    5,
		PositionSize:      100,
		StopLossPercent:   5,
		TakeProfitPercent: 1000,
	}, execution.Deps{Exchange: mock, Repo: repo}, zerolog.Nop())

	pos := execution.Position{
		ID:               "pos-1",
		Owner:            execution.DefaultOwner,
		Symbol:           "ABCUSDT",
		Status:           execution.PositionFilled,
		EntryPrice:       2,
		Quantity:         50,
		OriginalQuantity: 50,
		QuantityScale:    -1,
		PriceScale:       -1,
		OpenedAt:         time.Now(),
	}
	if err := repo.SavePosition(context.Background(), &pos); err != nil {
		t.Fatal(err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Expected engine start, got %v", err)
	}
	defer engine.Stop()

	mock.SetPrice("ABCUSDT", 2.5)
	m := newTestManager(t, NewEngineSource(engine, NewMemoryPreferences()), mock, engine, repo)

	result := m.RunCycle(context.Background())
	if result.Exits != 1 || result.Closed != 0 {
		t.Fatalf("Expected one partial exit, got %+v", result)
	}

	open := engine.OpenPositions()
	if len(open) != 1 || open[0].Quantity != 25 || open[0].ExitStage != 2 {
		t.Errorf("Expected 25 left at stage 2, got %+v", open)
	}
	hist, _ := repo.ListHistory(context.Background(), 0)
	if len(hist) != 1 || hist[0].Reason != string(execution.ReasonLadder) {
		t.Errorf("Expected ladder sell persisted by the batch, got %+v", hist)
	}

	// same rung is not sold twice
	result = m.RunCycle(context.Background())
	if result.Exits != 0 {
		t.Errorf("Expected no repeat exit, got %+v", result)
	}
}

func TestEngineSourceAttachesPreference(t *testing.T) {
	prefs := NewMemoryPreferences()
	if err := prefs.SavePreference(context.Background(), Preference{Owner: execution.DefaultOwner, Preset: "aggressive"}); err != nil {
		t.Fatal(err)
	}
	src := NewEngineSource(fakeOpen{testPosition(0)}, prefs)

	got, err := src.LoadOpenCandidates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Preference == nil || got[0].Preference.Preset != "aggressive" {
		t.Errorf("Expected aggressive preference attached, got %+v", got)
	}
}

type fakeOpen []execution.Position

func (f fakeOpen) OpenPositions() []execution.Position { return f }
