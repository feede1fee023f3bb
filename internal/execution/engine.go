package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"listing-sniper-bot/config"
	"listing-sniper-bot/internal/circuit"
	"listing-sniper-bot/internal/events"
	"listing-sniper-bot/internal/exchange"
	"listing-sniper-bot/internal/patterns"
	"listing-sniper-bot/internal/targets"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	preflightTimeout   = 5 * time.Second
	cycleTimeout       = 30 * time.Second
	priceTimeout       = 5 * time.Second
	monitorConcurrency = 8
	maxClosedPositions = 500
	quantityEpsilon    = 1e-9
)

// Publisher is the event channel for position and alert events
type Publisher interface {
	Publish(event events.Event)
}

// TargetSource hands out due snipe targets
type TargetSource interface {
	ListExecutable(ctx context.Context, now time.Time, limit int) ([]targets.Target, error)
	Claim(ctx context.Context, t targets.Target) error
	MarkExecuted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// SafetyMonitor gates engine start and receives closed-trade results
type SafetyMonitor interface {
	Health() circuit.Health
	RecordTrade(pnlPercent float64)
}

// OutcomeRecorder receives pattern outcome feedback on close
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, patternID string, truePositive bool) error
}

// Deps are the collaborators of the engine. Only Exchange is required.
type Deps struct {
	Exchange exchange.Client
	Targets  TargetSource
	Safety   SafetyMonitor
	Outcomes OutcomeRecorder
	Repo     Repository
	Events   Publisher
}

// Engine runs the execution and position-monitoring cycles
type Engine struct {
	cfg       config.ExecutionConfig
	exchange  exchange.Client
	targets   TargetSource
	safety    SafetyMonitor
	outcomes  OutcomeRecorder
	repo      Repository
	publisher Publisher
	alerts    *AlertLog
	guard     *ExitGuard
	logger    zerolog.Logger
	now       func() time.Time

	lifeMu   sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	execMu   sync.Mutex

	mu           sync.RWMutex
	state        EngineState
	positions    map[string]*Position
	closed       []Position
	priceFailing map[string]bool
	tradeDay     time.Time
	dailyTrades  int
	totalTrades  int
	closedTrades int
	profitable   int
	failedOrders int
	totalPnL     float64
	startedAt    *time.Time
	lastExec     *time.Time
	lastMonitor  *time.Time
}

func NewEngine(cfg config.ExecutionConfig, deps Deps, logger zerolog.Logger) *Engine {
	if cfg.ExecutionInterval <= 0 {
		cfg.ExecutionInterval = 5 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}

	e := &Engine{
		cfg:          cfg,
		exchange:     deps.Exchange,
		targets:      deps.Targets,
		safety:       deps.Safety,
		outcomes:     deps.Outcomes,
		repo:         deps.Repo,
		publisher:    deps.Events,
		alerts:       NewAlertLog(deps.Events),
		guard:        NewExitGuard(),
		logger:       logger.With().Str("component", "ExecutionEngine").Logger(),
		now:          time.Now,
		state:        StateIdle,
		positions:    make(map[string]*Position),
		priceFailing: make(map[string]bool),
	}
	e.tradeDay = dayOf(e.now())
	return e
}

// WithClock replaces the time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.alerts.now = now
	e.tradeDay = dayOf(now())
	return e
}

func dayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Start runs preflight checks and launches both cycles
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.State() != StateIdle {
		return ErrEngineRunning
	}
	if err := e.preflight(ctx); err != nil {
		return err
	}
	e.restore(ctx)

	now := e.now()
	e.mu.Lock()
	e.state = StateActive
	e.startedAt = &now
	e.mu.Unlock()

	e.stopChan = make(chan struct{})
	e.wg.Add(2)
	go e.loop("execution", e.cfg.ExecutionInterval, e.RunExecutionCycle)
	go e.loop("monitor", e.cfg.MonitorInterval, e.RunMonitorCycle)

	e.logger.Info().
		Bool("dry_run", e.cfg.DryRun).
		Int("max_open_positions", e.cfg.MaxOpenPositions).
		Int("max_daily_trades", e.cfg.MaxDailyTrades).
		Dur("execution_interval", e.cfg.ExecutionInterval).
		Dur("monitor_interval", e.cfg.MonitorInterval).
		Msg("execution engine started")
	e.publish(events.EventEngineStarted, e.Stats())
	return nil
}

func (e *Engine) preflight(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	if err := e.exchange.Ping(pctx); err != nil {
		return fmt.Errorf("%w: exchange unreachable: %v", ErrPreflightFailed, err)
	}

	if e.safety != nil {
		switch e.safety.Health() {
		case circuit.HealthCritical:
			e.alerts.Raise(AlertSafety, SeverityCritical, "engine start refused: safety monitor critical", nil)
			return ErrSafetyCritical
		case circuit.HealthDegraded:
			e.logger.Warn().Msg("safety monitor degraded, starting anyway")
		}
	}
	return nil
}

// restore loads persisted open positions not yet tracked in memory
func (e *Engine) restore(ctx context.Context) {
	if e.repo == nil {
		return
	}
	open, err := e.repo.ListOpenPositions(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to restore open positions")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range open {
		p := open[i]
		if _, ok := e.positions[p.ID]; !ok {
			e.positions[p.ID] = &p
		}
	}
	if len(open) > 0 {
		e.logger.Info().Int("positions", len(open)).Msg("restored open positions")
	}
}

func (e *Engine) loop(name string, interval time.Duration, cycle func(ctx context.Context)) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runGuarded(name, cycle)
		case <-e.stopChan:
			return
		}
	}
}

// runGuarded keeps a panicking cycle from killing its loop
func (e *Engine) runGuarded(name string, cycle func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("cycle", name).Msg("cycle panicked")
			e.alerts.Raise(AlertExecutionError, SeverityCritical, fmt.Sprintf("%s cycle failed: %v", name, r), nil)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()
	cycle(ctx)
}

// Stop drains both cycles
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.State() == StateIdle {
		return ErrEngineNotRunning
	}
	close(e.stopChan)
	e.wg.Wait()

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	e.logger.Info().Msg("execution engine stopped")
	e.publish(events.EventEngineStopped, e.Stats())
	return nil
}

// Pause stops opening positions. Monitoring continues.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateIdle {
		return ErrEngineNotRunning
	}
	e.state = StatePaused
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateIdle {
		return ErrEngineNotRunning
	}
	e.state = StateActive
	return nil
}

func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// RunExecutionCycle opens positions for due targets within the risk budget
func (e *Engine) RunExecutionCycle(ctx context.Context) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	if e.targets == nil || e.State() != StateActive {
		return
	}

	now := e.now()
	e.mu.Lock()
	if day := dayOf(now); day.After(e.tradeDay) {
		e.tradeDay = day
		e.dailyTrades = 0
	}
	open, daily := len(e.positions), e.dailyTrades
	e.lastExec = &now
	e.mu.Unlock()

	if daily >= e.cfg.MaxDailyTrades || open >= e.cfg.MaxOpenPositions {
		e.logger.Debug().Int("daily_trades", daily).Int("open_positions", open).Msg("risk budget exhausted, skipping cycle")
		return
	}
	budget := e.cfg.MaxOpenPositions - open
	if remaining := e.cfg.MaxDailyTrades - daily; remaining < budget {
		budget = remaining
	}

	due, err := e.targets.ListExecutable(ctx, now, budget*4)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to list executable targets")
		return
	}

	opened := 0
	for _, t := range due {
		if opened >= budget {
			break
		}
		if reason, ok := e.qualifies(t); !ok {
			if err := e.targets.Claim(ctx, t); err == nil {
				e.targets.MarkFailed(ctx, t.ID, reason)
			}
			e.logger.Debug().Str("symbol", t.Symbol).Str("reason", reason).Msg("target rejected")
			continue
		}
		if e.openPosition(ctx, t) {
			opened++
		}
	}
}

func (e *Engine) qualifies(t targets.Target) (string, bool) {
	if t.Confidence < e.cfg.MinConfidence {
		return fmt.Sprintf("confidence %.1f below %.1f", t.Confidence, e.cfg.MinConfidence), false
	}
	if !e.allowedType(t.PatternType) {
		return fmt.Sprintf("pattern type %s not allowed", t.PatternType), false
	}
	if t.PatternType == patterns.PatternLaunchSequence {
		if !e.cfg.EnableAdvanceDetection {
			return "advance detection disabled", false
		}
		if t.AdvanceHours < e.cfg.AdvanceHoursThreshold {
			return fmt.Sprintf("advance notice %.1fh below %.1fh", t.AdvanceHours, e.cfg.AdvanceHoursThreshold), false
		}
	}
	if e.hasOpenPosition(t.Symbol) {
		return "position already open for symbol", false
	}
	return "", true
}

func (e *Engine) allowedType(t patterns.PatternType) bool {
	if len(e.cfg.AllowedPatternTypes) == 0 {
		return true
	}
	for _, allowed := range e.cfg.AllowedPatternTypes {
		if allowed == string(t) {
			return true
		}
	}
	return false
}

func (e *Engine) hasOpenPosition(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.positions {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

func scaleOf(s *int) int {
	if s == nil {
		return -1
	}
	return *s
}

func (e *Engine) openPosition(ctx context.Context, t targets.Target) bool {
	if err := e.targets.Claim(ctx, t); err != nil {
		return false
	}

	size := t.PositionSize
	if size <= 0 {
		size = e.cfg.PositionSize
	}
	req := exchange.OrderRequest{
		Symbol:        t.Symbol,
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		QuoteQuantity: size,
		QuantityScale: scaleOf(t.QuantityScale),
		PriceScale:    scaleOf(t.PriceScale),
		ClientOrderID: "snipe-" + t.ID,
	}

	if t.EntryStrategy == targets.EntryLimit {
		pctx, cancel := context.WithTimeout(ctx, priceTimeout)
		price, err := e.exchange.GetTicker(pctx, t.Symbol)
		cancel()
		if err == nil && price > 0 {
			req.Type = exchange.OrderTypeLimit
			req.Price = price * (1 + e.cfg.SlippageTolerance/100)
			req.Quantity = size / req.Price
			req.QuoteQuantity = 0
		}
	}

	res, err := e.submit(ctx, req)
	now := e.now()
	hist := HistoryEntry{
		ID:             uuid.NewString(),
		Symbol:         t.Symbol,
		Action:         ActionBuy,
		RequestedPrice: req.Price,
		RequestedQty:   req.Quantity,
		Reason:         string(t.PatternType),
		CreatedAt:      now,
	}
	if err == nil && (res.ExecutedQty <= 0 || res.ExecutedPrice <= 0) {
		err = fmt.Errorf("entry order %s not filled: %s", res.OrderID, res.Status)
	}
	if err != nil {
		hist.Status = ExecutionFailed
		hist.Error = err.Error()
		e.recordFailedOrder(ctx, hist)
		e.targets.MarkFailed(ctx, t.ID, err.Error())
		e.alerts.Raise(AlertExecutionError, SeverityWarning, fmt.Sprintf("entry for %s failed: %v", t.Symbol, err), nil)
		e.logger.Warn().Err(err).Str("symbol", t.Symbol).Msg("entry order failed")
		return false
	}

	p := &Position{
		ID:               uuid.NewString(),
		Owner:            DefaultOwner,
		Symbol:           t.Symbol,
		TargetID:         t.ID,
		PatternID:        t.PatternID,
		PatternType:      t.PatternType,
		Side:             string(exchange.SideBuy),
		Status:           PositionActive,
		EntryPrice:       res.ExecutedPrice,
		Quantity:         res.ExecutedQty,
		OriginalQuantity: res.ExecutedQty,
		QuantityScale:    req.QuantityScale,
		PriceScale:       req.PriceScale,
		CurrentPrice:     res.ExecutedPrice,
		StopLossPrice:    res.ExecutedPrice * (1 - e.cfg.StopLossPercent/100),
		TakeProfitPrice:  res.ExecutedPrice * (1 + e.cfg.TakeProfitPercent/100),
		EntryOrderID:     res.OrderID,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	p.advance(entryStatus(req, res))
	hist.PositionID = p.ID
	hist.OrderID = res.OrderID
	hist.ExecutedPrice = res.ExecutedPrice
	hist.ExecutedQty = res.ExecutedQty
	hist.Status = ExecutionSuccess

	e.mu.Lock()
	e.positions[p.ID] = p
	e.dailyTrades++
	e.totalTrades++
	snapshot := *p
	e.mu.Unlock()

	e.persist(ctx, &snapshot, hist)
	if err := e.targets.MarkExecuted(ctx, t.ID); err != nil {
		e.logger.Warn().Err(err).Str("target_id", t.ID).Msg("failed to mark target executed")
	}

	e.logger.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Float64("entry_price", p.EntryPrice).
		Float64("quantity", p.Quantity).
		Float64("stop_loss", p.StopLossPrice).
		Float64("take_profit", p.TakeProfitPrice).
		Str("status", string(p.Status)).
		Msg("position opened")
	e.alerts.Raise(AlertPositionOpened, SeverityInfo,
		fmt.Sprintf("opened %s: %.8f @ %.8f", p.Symbol, p.Quantity, p.EntryPrice), &snapshot)
	e.publish(events.EventPositionOpened, positionEvent(snapshot, p.EntryPrice, ""))
	return true
}

// entryStatus is PARTIAL_FILLED when the exchange filled less than was asked for
func entryStatus(req exchange.OrderRequest, res *exchange.OrderResult) PositionStatus {
	if res.Status == exchange.OrderStatusPartiallyFilled {
		return PositionPartialFilled
	}
	if req.Quantity > 0 && res.ExecutedQty < req.Quantity*(1-quantityEpsilon) {
		return PositionPartialFilled
	}
	return PositionFilled
}

// submit places an order, or simulates a fill at the live price in dry-run mode
func (e *Engine) submit(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	octx, cancel := context.WithTimeout(ctx, priceTimeout)
	defer cancel()

	if !e.cfg.DryRun {
		return e.exchange.PlaceOrder(octx, req)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	price, err := e.exchange.GetTicker(octx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := req.Quantity
	if qty <= 0 {
		qty = req.QuoteQuantity / price
	}
	return &exchange.OrderResult{
		OrderID:       "dry-" + uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		ExecutedPrice: price,
		ExecutedQty:   qty,
		Status:        exchange.OrderStatusFilled,
	}, nil
}

// RunMonitorCycle refreshes every open position and applies stop-loss / take-profit
func (e *Engine) RunMonitorCycle(ctx context.Context) {
	if e.State() == StateIdle {
		return
	}

	ids := e.openIDs()
	var g errgroup.Group
	g.SetLimit(monitorConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			e.monitorPosition(ctx, id)
			return nil
		})
	}
	g.Wait()

	now := e.now()
	e.mu.Lock()
	e.lastMonitor = &now
	e.mu.Unlock()

	e.checkDrawdown()
}

func (e *Engine) openIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) monitorPosition(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("position_id", id).Msg("position monitor panicked")
		}
	}()

	e.mu.RLock()
	pos, ok := e.positions[id]
	var symbol string
	if ok {
		symbol = pos.Symbol
	}
	e.mu.RUnlock()
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, priceTimeout)
	price, err := e.exchange.GetTicker(pctx, symbol)
	cancel()
	if err != nil || price <= 0 {
		e.mu.Lock()
		first := !e.priceFailing[id]
		e.priceFailing[id] = true
		snapshot := *pos
		e.mu.Unlock()
		if first {
			e.alerts.Raise(AlertPriceUnavailable, SeverityWarning, fmt.Sprintf("price for %s unavailable: %v", symbol, err), &snapshot)
		}
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("price refresh failed")
		return
	}

	e.mu.Lock()
	delete(e.priceFailing, id)
	if !pos.Status.IsOpen() {
		e.mu.Unlock()
		return
	}
	pos.markPrice(price, e.now())
	snapshot := *pos
	e.mu.Unlock()

	var reason CloseReason
	switch {
	case price <= snapshot.StopLossPrice:
		reason = ReasonStopLoss
	case price >= snapshot.TakeProfitPrice:
		reason = ReasonTakeProfit
	default:
		e.publish(events.EventPositionUpdate, positionEvent(snapshot, price, ""))
		return
	}

	if _, err := e.ClosePosition(ctx, id, reason); err != nil && !isClosedErr(err) {
		e.logger.Error().Err(err).Str("position_id", id).Str("reason", string(reason)).Msg("triggered close failed")
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, ErrPositionClosed) || errors.Is(err, ErrPositionNotFound)
}

// checkDrawdown pauses the engine when open positions lose more than the configured share of their cost
func (e *Engine) checkDrawdown() {
	if e.cfg.MaxDrawdownPercent <= 0 {
		return
	}

	e.mu.Lock()
	cost, pnl := 0.0, 0.0
	for _, p := range e.positions {
		cost += p.CostBasis()
		pnl += p.UnrealizedPnL
	}
	breach := cost > 0 && -pnl/cost*100 >= e.cfg.MaxDrawdownPercent && e.state == StateActive
	if breach {
		e.state = StatePaused
	}
	e.mu.Unlock()

	if breach {
		e.alerts.Raise(AlertDrawdown, SeverityCritical,
			fmt.Sprintf("open drawdown %.2f%% reached limit %.2f%%, entries paused", -pnl/cost*100, e.cfg.MaxDrawdownPercent), nil)
	}
}

// ClosePosition sells the full remaining quantity. Closing a closed or closing
// position returns ErrPositionClosed without placing an order.
func (e *Engine) ClosePosition(ctx context.Context, id string, reason CloseReason) (*Position, error) {
	fill, err := e.exit(ctx, ExitRequest{PositionID: id, Reason: reason}, true)
	if err != nil {
		return nil, err
	}
	return &fill.Position, nil
}

// ExitPosition applies an exit for a batch caller that persists fills itself
func (e *Engine) ExitPosition(ctx context.Context, req ExitRequest) (*ExitFill, error) {
	return e.exit(ctx, req, false)
}

func (e *Engine) exit(ctx context.Context, req ExitRequest, persist bool) (*ExitFill, error) {
	id := req.PositionID
	if !e.guard.Acquire(id) {
		return nil, ErrPositionClosed
	}

	e.mu.RLock()
	pos, ok := e.positions[id]
	var snapshot Position
	if ok {
		snapshot = *pos
	}
	e.mu.RUnlock()
	if !ok {
		e.guard.Release(id)
		return nil, ErrPositionNotFound
	}

	qty := req.Quantity
	full := qty <= 0 || qty >= snapshot.Quantity*(1-quantityEpsilon)
	if full {
		qty = snapshot.Quantity
	}
	if math.IsNaN(qty) || qty <= 0 {
		e.guard.Release(id)
		return nil, ErrInvalidExitAmount
	}

	res, err := e.submit(ctx, exchange.OrderRequest{
		Symbol:        snapshot.Symbol,
		Side:          exchange.SideSell,
		Type:          exchange.OrderTypeMarket,
		Quantity:      qty,
		QuantityScale: snapshot.QuantityScale,
		PriceScale:    snapshot.PriceScale,
	})
	now := e.now()
	hist := HistoryEntry{
		ID:             uuid.NewString(),
		PositionID:     id,
		Symbol:         snapshot.Symbol,
		Action:         ActionSell,
		RequestedPrice: snapshot.CurrentPrice,
		RequestedQty:   qty,
		Reason:         string(req.Reason),
		CreatedAt:      now,
	}
	if err != nil {
		e.guard.Release(id)
		hist.Status = ExecutionFailed
		hist.Error = err.Error()
		e.recordFailedOrder(ctx, hist)
		e.alerts.Raise(AlertExecutionError, SeverityCritical,
			fmt.Sprintf("exit for %s (%s) failed: %v", snapshot.Symbol, req.Reason, err), &snapshot)
		return nil, fmt.Errorf("exit %s: %w", snapshot.Symbol, err)
	}

	filled := res.ExecutedQty
	if filled <= 0 || filled > snapshot.Quantity {
		filled = qty
	}
	pnl := (res.ExecutedPrice - snapshot.EntryPrice) * filled
	hist.OrderID = res.OrderID
	hist.ExecutedPrice = res.ExecutedPrice
	hist.ExecutedQty = filled
	hist.Status = ExecutionSuccess

	e.mu.Lock()
	pos.Quantity -= filled
	pos.RealizedPnL += pnl
	if req.Stage > pos.ExitStage {
		pos.ExitStage = req.Stage
	}
	pos.markPrice(res.ExecutedPrice, now)
	closed := full || pos.Quantity <= pos.OriginalQuantity*quantityEpsilon
	e.totalPnL += pnl
	if closed {
		pos.Quantity = 0
		pos.UnrealizedPnL = 0
		pos.advance(PositionClosed)
		pos.ExitPrice = res.ExecutedPrice
		pos.CloseReason = req.Reason
		pos.ClosedAt = &now
		delete(e.positions, id)
		delete(e.priceFailing, id)
		e.closed = append(e.closed, *pos)
		if over := len(e.closed) - maxClosedPositions; over > 0 {
			e.closed = append([]Position(nil), e.closed[over:]...)
		}
		e.closedTrades++
		if pos.RealizedPnL > 0 {
			e.profitable++
		}
	}
	snapshot = *pos
	e.mu.Unlock()

	if closed {
		e.guard.Settle(id)
	} else {
		e.guard.Release(id)
	}

	fill := &ExitFill{Position: snapshot, History: hist, Closed: closed}
	if persist {
		e.persist(ctx, &snapshot, hist)
	}

	if !closed {
		e.logger.Info().Str("position_id", id).Float64("quantity", filled).Str("reason", string(req.Reason)).Msg("partial exit")
		e.publish(events.EventPositionUpdate, positionEvent(snapshot, res.ExecutedPrice, string(req.Reason)))
		return fill, nil
	}

	e.onClosed(ctx, snapshot)
	return fill, nil
}

func (e *Engine) onClosed(ctx context.Context, p Position) {
	pnlPercent := 0.0
	if cost := p.EntryPrice * p.OriginalQuantity; cost > 0 {
		pnlPercent = p.RealizedPnL / cost * 100
	}

	if e.safety != nil {
		e.safety.RecordTrade(pnlPercent)
	}
	if e.outcomes != nil && p.PatternID != "" {
		if err := e.outcomes.RecordOutcome(ctx, p.PatternID, p.RealizedPnL > 0); err != nil {
			e.logger.Debug().Err(err).Str("pattern_id", p.PatternID).Msg("pattern outcome not recorded")
		}
	}

	severity := SeverityInfo
	if p.CloseReason == ReasonStopLoss || p.CloseReason == ReasonEmergency {
		severity = SeverityWarning
	}
	e.logger.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("reason", string(p.CloseReason)).
		Float64("exit_price", p.ExitPrice).
		Float64("pnl", p.RealizedPnL).
		Float64("pnl_percent", pnlPercent).
		Msg("position closed")
	switch p.CloseReason {
	case ReasonStopLoss:
		e.alerts.Raise(AlertStopLoss, SeverityWarning,
			fmt.Sprintf("stop-loss hit for %s @ %.8f (stop %.8f)", p.Symbol, p.ExitPrice, p.StopLossPrice), &p)
	case ReasonTakeProfit:
		e.alerts.Raise(AlertTakeProfit, SeverityInfo,
			fmt.Sprintf("take-profit hit for %s @ %.8f (target %.8f)", p.Symbol, p.ExitPrice, p.TakeProfitPrice), &p)
	}
	e.alerts.Raise(AlertPositionClosed, severity,
		fmt.Sprintf("closed %s (%s) @ %.8f, P&L %.4f (%.2f%%)", p.Symbol, p.CloseReason, p.ExitPrice, p.RealizedPnL, pnlPercent), &p)

	ev := positionEvent(p, p.ExitPrice, string(p.CloseReason))
	ev.PnLPercent = pnlPercent
	e.publish(events.EventPositionClosed, ev)
}

// EmergencyCloseAll closes every open position one by one; failures do not stop the rest
func (e *Engine) EmergencyCloseAll(ctx context.Context) (closed, failed int) {
	for _, id := range e.openIDs() {
		if _, err := e.ClosePosition(ctx, id, ReasonEmergency); err != nil {
			if isClosedErr(err) {
				continue
			}
			failed++
			e.logger.Error().Err(err).Str("position_id", id).Msg("emergency close failed")
			continue
		}
		closed++
	}

	e.alerts.Raise(AlertEmergencyClose, SeverityCritical,
		fmt.Sprintf("emergency close: %d closed, %d failed", closed, failed), nil)
	return closed, failed
}

func (e *Engine) recordFailedOrder(ctx context.Context, hist HistoryEntry) {
	e.mu.Lock()
	e.failedOrders++
	e.mu.Unlock()

	if e.repo != nil {
		if err := e.repo.AppendHistory(ctx, hist); err != nil {
			e.logger.Warn().Err(err).Msg("failed to record execution history")
		}
	}
}

func (e *Engine) persist(ctx context.Context, p *Position, hist HistoryEntry) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SavePosition(ctx, p); err != nil {
		e.logger.Warn().Err(err).Str("position_id", p.ID).Msg("failed to persist position")
	}
	if err := e.repo.AppendHistory(ctx, hist); err != nil {
		e.logger.Warn().Err(err).Str("position_id", p.ID).Msg("failed to record execution history")
	}
}

func (e *Engine) publish(t events.EventType, data interface{}) {
	if e.publisher != nil {
		e.publisher.Publish(events.Event{Type: t, Data: data})
	}
}

func positionEvent(p Position, price float64, reason string) events.PositionEvent {
	return events.PositionEvent{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		Price:      price,
		PnL:        p.UnrealizedPnL + p.RealizedPnL,
		PnLPercent: p.UnrealizedPnLPercent,
		Reason:     reason,
	}
}

// OpenPositions returns a snapshot of open positions, oldest first
func (e *Engine) OpenPositions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ClosedPositions returns recently closed positions, newest first
func (e *Engine) ClosedPositions(limit int) []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Position, 0, len(e.closed))
	for i := len(e.closed) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, e.closed[i])
	}
	return out
}

func (e *Engine) Alerts() *AlertLog {
	return e.alerts
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{
		State:            e.state,
		OpenPositions:    len(e.positions),
		DailyTrades:      e.dailyTrades,
		TotalTrades:      e.totalTrades,
		ClosedTrades:     e.closedTrades,
		ProfitableTrades: e.profitable,
		FailedOrders:     e.failedOrders,
		TotalPnL:         e.totalPnL,
		StartedAt:        e.startedAt,
		LastExecution:    e.lastExec,
		LastMonitor:      e.lastMonitor,
	}
	if e.closedTrades > 0 {
		s.SuccessRate = float64(e.profitable) / float64(e.closedTrades) * 100
	}
	return s
}
