package execution

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/circuit"
	"listing-sniper-bot/internal/exchange"
	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/targets"

	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type fakeSafety struct {
	mu     sync.Mutex
	health circuit.Health
	trades []float64
}

func (f *fakeSafety) Health() circuit.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health == "" {
		return circuit.HealthNormal
	}
	return f.health
}

func (f *fakeSafety) RecordTrade(pnl float64) {
	f.mu.Lock()
	f.trades = append(f.trades, pnl)
	f.mu.Unlock()
}

type fakeOutcomes struct {
	mu       sync.Mutex
	outcomes map[string]bool
}

func (f *fakeOutcomes) RecordOutcome(ctx context.Context, id string, tp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string]bool)
	}
	f.outcomes[id] = tp
	return nil
}

type harness struct {
	engine   *Engine
	mock     *exchange.MockClient
	targets  *targets.Service
	repo     *MemoryRepository
	safety   *fakeSafety
	outcomes *fakeOutcomes
}

func testConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		Enabled:             true,
		MaxOpenPositions:    5,
		MaxDailyTrades:      10,
		PositionSize:        100,
		MinConfidence:       80,
		AllowedPatternTypes: []string{"ready_state", "launch_sequence"},
		StopLossPercent:     5,
		TakeProfitPercent:   10,
		ExecutionInterval:   time.Hour,
		MonitorInterval:     time.Hour,
	}
}

func newHarness(cfg config.ExecutionConfig) *harness {
	clock := func() time.Time { return testNow }
	mock := exchange.NewStaticMockClient(map[string]float64{"ABCUSDT": 2, "XYZUSDT": 4})
	svc := targets.NewService(targets.NewMemoryRepository(), nil, zerolog.Nop()).WithClock(clock)
	h := &harness{
		mock:     mock,
		targets:  svc,
		repo:     NewMemoryRepository(),
		safety:   &fakeSafety{},
		outcomes: &fakeOutcomes{},
	}
	h.engine = NewEngine(cfg, Deps{
		Exchange: mock,
		Targets:  svc,
		Safety:   h.safety,
		Outcomes: h.outcomes,
		Repo:     h.repo,
	}, zerolog.Nop()).WithClock(clock)
	h.engine.state = StateActive
	return h
}

func (h *harness) addTarget(t *testing.T, symbol string, pt patterns.PatternType, confidence float64) *targets.Target {
	t.Helper()
	target, err := h.targets.CreateTarget(context.Background(), targets.Request{
		Symbol:       symbol,
		PatternID:    "pattern-" + symbol,
		PatternType:  pt,
		Confidence:   confidence,
		PositionSize: 100,
	})
	if err != nil {
		t.Fatalf("Expected target to be created, got %v", err)
	}
	return target
}

func (h *harness) openOne(t *testing.T) Position {
	t.Helper()
	h.addTarget(t, "ABCUSDT", patterns.PatternReadyState, 90)
	h.engine.RunExecutionCycle(context.Background())
	open := h.engine.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("Expected 1 open position, got %d", len(open))
	}
	return open[0]
}

func TestStartPreflight(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		health  circuit.Health
		wantErr error
	}{
		{"healthy", nil, circuit.HealthNormal, nil},
		{"degraded tolerated", nil, circuit.HealthDegraded, nil},
		{"critical refused", nil, circuit.HealthCritical, ErrSafetyCritical},
		{"exchange down", exchange.ErrMockUnavailable, circuit.HealthNormal, ErrPreflightFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testConfig())
			h.engine.state = StateIdle
			h.mock.PingErr = tt.pingErr
			h.safety.health = tt.health

			err := h.engine.Start(context.Background())
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Expected start, got %v", err)
				}
				if h.engine.State() != StateActive {
					t.Errorf("Expected active, got %s", h.engine.State())
				}
				if err := h.engine.Stop(); err != nil {
					t.Errorf("Expected clean stop, got %v", err)
				}
				if h.engine.State() != StateIdle {
					t.Errorf("Expected idle after stop, got %s", h.engine.State())
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if h.engine.State() != StateIdle {
				t.Errorf("Expected engine to stay idle, got %s", h.engine.State())
			}
		})
	}
}

func TestLifecycleErrors(t *testing.T) {
	h := newHarness(testConfig())
	h.engine.state = StateIdle

	if err := h.engine.Stop(); !errors.Is(err, ErrEngineNotRunning) {
		t.Errorf("Expected ErrEngineNotRunning, got %v", err)
	}
	if err := h.engine.Pause(); !errors.Is(err, ErrEngineNotRunning) {
		t.Errorf("Expected ErrEngineNotRunning on pause, got %v", err)
	}

	h.engine.Start(context.Background())
	defer h.engine.Stop()
	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrEngineRunning) {
		t.Errorf("Expected ErrEngineRunning, got %v", err)
	}
	h.engine.Pause()
	if h.engine.State() != StatePaused {
		t.Errorf("Expected paused, got %s", h.engine.State())
	}
	h.engine.Resume()
	if h.engine.State() != StateActive {
		t.Errorf("Expected active, got %s", h.engine.State())
	}
}

func TestExecutionCycleOpensPosition(t *testing.T) {
	h := newHarness(testConfig())
	target := h.addTarget(t, "ABCUSDT", patterns.PatternReadyState, 90)

	h.engine.RunExecutionCycle(context.Background())

	open := h.engine.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("Expected 1 position, got %d", len(open))
	}
	p := open[0]
	if p.EntryPrice != 2 || p.Quantity != 50 {
		t.Errorf("Expected 50 @ 2, got %f @ %f", p.Quantity, p.EntryPrice)
	}
	if math.Abs(p.StopLossPrice-1.9) > 1e-9 || math.Abs(p.TakeProfitPrice-2.2) > 1e-9 {
		t.Errorf("Expected SL 1.9 TP 2.2, got %f %f", p.StopLossPrice, p.TakeProfitPrice)
	}
	if h.engine.Alerts().Count(AlertPositionOpened) != 1 {
		t.Error("Expected a position_opened alert")
	}

	all, _ := h.targets.List(context.Background(), 0)
	if all[0].ID != target.ID || all[0].Status != targets.StatusExecuted {
		t.Errorf("Expected target executed, got %s", all[0].Status)
	}

	saved, _ := h.repo.ListOpenPositions(context.Background())
	if len(saved) != 1 {
		t.Errorf("Expected position persisted, got %d", len(saved))
	}
}

func TestExecutionCycleFilters(t *testing.T) {
	h := newHarness(testConfig())
	h.addTarget(t, "ABCUSDT", patterns.PatternReadyState, 70)
	h.addTarget(t, "XYZUSDT", patterns.PatternPreReady, 95)

	h.engine.RunExecutionCycle(context.Background())

	if n := len(h.engine.OpenPositions()); n != 0 {
		t.Errorf("Expected no positions, got %d", n)
	}
	all, _ := h.targets.List(context.Background(), 0)
	for _, target := range all {
		if target.Status != targets.StatusFailed {
			t.Errorf("Expected %s rejected, got %s", target.Symbol, target.Status)
		}
	}
}

func TestExecutionCycleRespectsBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenPositions = 1
	h := newHarness(cfg)
	h.addTarget(t, "ABCUSDT", patterns.PatternReadyState, 90)
	h.addTarget(t, "XYZUSDT", patterns.PatternReadyState, 95)

	h.engine.RunExecutionCycle(context.Background())
	h.engine.RunExecutionCycle(context.Background())

	open := h.engine.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("Expected 1 position, got %d", len(open))
	}
	if open[0].Symbol != "XYZUSDT" {
		t.Errorf("Expected higher confidence target first, got %s", open[0].Symbol)
	}
}

func TestPausedEngineDoesNotOpen(t *testing.T) {
	h := newHarness(testConfig())
	h.engine.state = StatePaused
	h.addTarget(t, "ABCUSDT", patterns.PatternReadyState, 90)

	h.engine.RunExecutionCycle(context.Background())
	if n := len(h.engine.OpenPositions()); n != 0 {
		t.Errorf("Expected no positions while paused, got %d", n)
	}
}

func TestMonitorTriggers(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		reason CloseReason
		open   int
	}{
		{"stop loss", 1.8, ReasonStopLoss, 0},
		{"take profit", 2.3, ReasonTakeProfit, 0},
		{"inside band", 2.05, "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testConfig())
			h.openOne(t)
			h.mock.SetPrice("ABCUSDT", tt.price)

			h.engine.RunMonitorCycle(context.Background())

			if n := len(h.engine.OpenPositions()); n != tt.open {
				t.Fatalf("Expected %d open, got %d", tt.open, n)
			}
			if tt.open == 1 {
				p := h.engine.OpenPositions()[0]
				if p.CurrentPrice != tt.price {
					t.Errorf("Expected price refreshed to %f, got %f", tt.price, p.CurrentPrice)
				}
				return
			}
			closed := h.engine.ClosedPositions(0)
			if len(closed) != 1 || closed[0].CloseReason != tt.reason {
				t.Errorf("Expected close reason %s, got %+v", tt.reason, closed)
			}
		})
	}
}

func TestMonitorPriceFailureAlertsOnce(t *testing.T) {
	h := newHarness(testConfig())
	h.openOne(t)
	h.mock.PriceErr = exchange.ErrMockUnavailable

	h.engine.RunMonitorCycle(context.Background())
	h.engine.RunMonitorCycle(context.Background())

	if n := h.engine.Alerts().Count(AlertPriceUnavailable); n != 1 {
		t.Errorf("Expected one price alert, got %d", n)
	}
	if n := len(h.engine.OpenPositions()); n != 1 {
		t.Errorf("Expected position kept open, got %d", n)
	}
}

func TestClosePositionIsIdempotent(t *testing.T) {
	h := newHarness(testConfig())
	p := h.openOne(t)
	h.mock.OrderDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.ClosePosition(context.Background(), p.ID, ReasonManual)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrPositionClosed) {
			t.Errorf("Expected ErrPositionClosed for the loser, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly one successful close, got %d", succeeded)
	}

	sells := 0
	for _, o := range h.mock.Orders() {
		if o.Side == exchange.SideSell {
			sells++
		}
	}
	if sells != 1 {
		t.Errorf("Expected exactly one exit order, got %d", sells)
	}
	if n := h.engine.Alerts().Count(AlertPositionClosed); n != 1 {
		t.Errorf("Expected exactly one position_closed alert, got %d", n)
	}

	if _, err := h.engine.ClosePosition(context.Background(), p.ID, ReasonManual); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("Expected later close to be a no-op, got %v", err)
	}
}

func TestCloseFeedsSafetyAndOutcomes(t *testing.T) {
	h := newHarness(testConfig())
	p := h.openOne(t)
	h.mock.SetPrice("ABCUSDT", 2.1)

	closed, err := h.engine.ClosePosition(context.Background(), p.ID, ReasonManual)
	if err != nil {
		t.Fatalf("Expected close, got %v", err)
	}
	if closed.Status != PositionClosed || closed.RealizedPnL <= 0 {
		t.Errorf("Expected profitable closed position, got %s %f", closed.Status, closed.RealizedPnL)
	}

	if len(h.safety.trades) != 1 || h.safety.trades[0] <= 0 {
		t.Errorf("Expected one positive trade recorded, got %v", h.safety.trades)
	}
	if tp, ok := h.outcomes.outcomes["pattern-ABCUSDT"]; !ok || !tp {
		t.Errorf("Expected true positive outcome, got %v %v", tp, ok)
	}

	s := h.engine.Stats()
	if s.ClosedTrades != 1 || s.SuccessRate != 100 {
		t.Errorf("Expected 1 closed trade at 100%%, got %d %f", s.ClosedTrades, s.SuccessRate)
	}

	hist, _ := h.repo.ListHistory(context.Background(), 0)
	if len(hist) != 2 || hist[0].Action != ActionSell {
		t.Errorf("Expected buy and sell history, got %d entries", len(hist))
	}
}

func TestFailedExitReleasesPosition(t *testing.T) {
	h := newHarness(testConfig())
	p := h.openOne(t)

	h.mock.OrderErr = exchange.ErrMockUnavailable
	if _, err := h.engine.ClosePosition(context.Background(), p.ID, ReasonManual); err == nil {
		t.Fatal("Expected exit failure")
	}
	if h.engine.Alerts().Count(AlertExecutionError) != 1 {
		t.Error("Expected execution error alert")
	}

	h.mock.OrderErr = nil
	if _, err := h.engine.ClosePosition(context.Background(), p.ID, ReasonManual); err != nil {
		t.Errorf("Expected retry to succeed, got %v", err)
	}
}

func TestPartialExit(t *testing.T) {
	h := newHarness(testConfig())
	p := h.openOne(t)

	fill, err := h.engine.ExitPosition(context.Background(), ExitRequest{PositionID: p.ID, Quantity: 25, Reason: ReasonLadder, Stage: 2})
	if err != nil {
		t.Fatalf("Expected partial exit, got %v", err)
	}
	if fill.Closed {
		t.Error("Expected position to stay open")
	}
	open := h.engine.OpenPositions()
	if len(open) != 1 || open[0].Quantity != 25 || open[0].ExitStage != 2 {
		t.Errorf("Expected 25 remaining at stage 2, got %+v", open)
	}

	fill, err = h.engine.ExitPosition(context.Background(), ExitRequest{PositionID: p.ID, Reason: ReasonLadder, Stage: 3})
	if err != nil || !fill.Closed {
		t.Errorf("Expected final exit to close, got %v %v", fill, err)
	}

	hist, _ := h.repo.ListHistory(context.Background(), 0)
	if len(hist) != 1 {
		t.Errorf("Expected batch exits left for the caller to persist, got %d history rows", len(hist))
	}
}

func TestEmergencyCloseAll(t *testing.T) {
	h := newHarness(testConfig())
	h.addTarget(t, "ABCUSDT", patterns.PatternReadyState, 90)
	h.addTarget(t, "XYZUSDT", patterns.PatternReadyState, 90)
	h.engine.RunExecutionCycle(context.Background())

	closed, failed := h.engine.EmergencyCloseAll(context.Background())
	if closed != 2 || failed != 0 {
		t.Errorf("Expected 2 closed 0 failed, got %d %d", closed, failed)
	}
	alerts := h.engine.Alerts().List(false)
	if alerts[0].Type != AlertEmergencyClose || alerts[0].Severity != SeverityCritical {
		t.Errorf("Expected critical summary alert first, got %s %s", alerts[0].Type, alerts[0].Severity)
	}
}

func TestDrawdownPausesEntries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDrawdownPercent = 3
	cfg.StopLossPercent = 50
	h := newHarness(cfg)
	h.openOne(t)
	h.mock.SetPrice("ABCUSDT", 1.9)

	h.engine.RunMonitorCycle(context.Background())

	if h.engine.State() != StatePaused {
		t.Errorf("Expected paused after drawdown breach, got %s", h.engine.State())
	}
	if h.engine.Alerts().Count(AlertDrawdown) != 1 {
		t.Error("Expected drawdown alert")
	}
}

func TestDailyTradeLimitResets(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyTrades = 1
	now := testNow
	h := newHarness(cfg)
	h.engine.WithClock(func() time.Time { return now })

	h.addTarget(t, "ABCUSDT", patterns.PatternReadyState, 90)
	h.addTarget(t, "XYZUSDT", patterns.PatternReadyState, 85)
	h.engine.RunExecutionCycle(context.Background())
	h.engine.RunExecutionCycle(context.Background())
	if n := len(h.engine.OpenPositions()); n != 1 {
		t.Fatalf("Expected daily limit to hold at 1, got %d", n)
	}

	now = testNow.Add(24 * time.Hour)
	h.engine.RunExecutionCycle(context.Background())
	if n := len(h.engine.OpenPositions()); n != 2 {
		t.Errorf("Expected a new trade after the day rolled, got %d", n)
	}
}

func TestEntryFillSetsPositionStatus(t *testing.T) {
	tests := []struct {
		name      string
		fillRatio float64
		status    PositionStatus
		quantity  float64
	}{
		{"full fill", 0, PositionFilled, 50},
		{"partial fill", 0.5, PositionPartialFilled, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testConfig())
			h.mock.FillRatio = tt.fillRatio
			p := h.openOne(t)

			if p.Status != tt.status {
				t.Errorf("Expected %s, got %s", tt.status, p.Status)
			}
			if math.Abs(p.Quantity-tt.quantity) > 1e-9 || p.OriginalQuantity != p.Quantity {
				t.Errorf("Expected %f held, got %f of %f", tt.quantity, p.Quantity, p.OriginalQuantity)
			}

			h.mock.FillRatio = 0
			closed, err := h.engine.ClosePosition(context.Background(), p.ID, ReasonManual)
			if err != nil || closed.Status != PositionClosed {
				t.Errorf("Expected closed, got %v %v", closed, err)
			}
		})
	}
}

func TestPositionStatusNeverMovesBackward(t *testing.T) {
	order := []PositionStatus{PositionActive, PositionPartialFilled, PositionFilled, PositionClosed}
	for i, from := range order {
		for j, to := range order {
			if got, want := CanAdvance(from, to), j > i; got != want {
				t.Errorf("Expected CanAdvance(%s, %s)=%v, got %v", from, to, want, got)
			}
		}
	}
	if CanAdvance("OPEN", PositionClosed) || CanAdvance(PositionActive, "OPEN") {
		t.Error("Expected unknown statuses to be refused")
	}

	p := Position{Status: PositionFilled}
	if err := p.advance(PositionPartialFilled); !errors.Is(err, ErrPositionBackwards) {
		t.Errorf("Expected ErrPositionBackwards, got %v", err)
	}
	if p.Status != PositionFilled {
		t.Errorf("Expected status kept at FILLED, got %s", p.Status)
	}

	for _, s := range order[:3] {
		if !s.IsOpen() {
			t.Errorf("Expected %s to be open", s)
		}
	}
	if PositionClosed.IsOpen() {
		t.Error("Expected CLOSED not to be open")
	}
}

func TestRepositoryKeepsClosedPositionClosed(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	p := Position{ID: "p1", Status: PositionFilled, Quantity: 10}
	repo.SavePosition(ctx, &p)

	closed := p
	closed.Status = PositionClosed
	closed.Quantity = 0
	repo.ApplyExitBatch(ctx, []ExitFill{{Position: closed, Closed: true}})

	repo.SavePosition(ctx, &p)
	if open, _ := repo.ListOpenPositions(ctx); len(open) != 0 {
		t.Errorf("Expected a closed position to stay closed, got %d open", len(open))
	}
}

func TestTriggeredCloseRaisesReasonAlert(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		alert    AlertType
		severity Severity
	}{
		{"stop loss", 1.8, AlertStopLoss, SeverityWarning},
		{"take profit", 2.3, AlertTakeProfit, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testConfig())
			h.openOne(t)
			h.mock.SetPrice("ABCUSDT", tt.price)

			h.engine.RunMonitorCycle(context.Background())

			if n := h.engine.Alerts().Count(tt.alert); n != 1 {
				t.Fatalf("Expected one %s alert, got %d", tt.alert, n)
			}
			if n := h.engine.Alerts().Count(AlertPositionClosed); n != 1 {
				t.Errorf("Expected one position_closed alert, got %d", n)
			}
			for _, a := range h.engine.Alerts().List(false) {
				if a.Type == tt.alert && (a.Severity != tt.severity || a.Symbol != "ABCUSDT") {
					t.Errorf("Expected %s for ABCUSDT, got %s for %s", tt.severity, a.Severity, a.Symbol)
				}
			}
		})
	}
}

func TestManualCloseRaisesNoTriggerAlert(t *testing.T) {
	h := newHarness(testConfig())
	p := h.openOne(t)
	h.engine.ClosePosition(context.Background(), p.ID, ReasonManual)

	if h.engine.Alerts().Count(AlertStopLoss)+h.engine.Alerts().Count(AlertTakeProfit) != 0 {
		t.Error("Expected no trigger alert for a manual close")
	}
}
