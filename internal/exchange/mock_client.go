package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient provides simulated market data and instant fills for dry runs and tests
type MockClient struct {
	mu         sync.RWMutex
	prices     map[string]float64
	balances   map[string]float64
	volatility float64 // max fractional move per price read
	rng        *rand.Rand

	symbols    []SymbolRow
	calendar   []CalendarRow
	activities map[string][]ActivityRow

	orders      []OrderRequest
	batchCalls  [][]string
	tickerCalls int

	PingErr  error
	OrderErr error
	PriceErr error
	// OrderDelay simulates exchange latency on PlaceOrder
	OrderDelay time.Duration
	// FillRatio below 1 fills only that share of each order
	FillRatio float64
}

// NewMockClient creates a mock whose prices random-walk on every read
func NewMockClient() *MockClient {
	return &MockClient{
		prices: map[string]float64{
			"BTCUSDT": 104500.00,
			"ETHUSDT": 3900.00,
			"MXUSDT":  3.10,
		},
		balances:   map[string]float64{"USDT": 10000},
		volatility: 0.005,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		activities: make(map[string][]ActivityRow),
	}
}

// NewStaticMockClient creates a mock with fixed prices
func NewStaticMockClient(prices map[string]float64) *MockClient {
	mc := NewMockClient()
	mc.volatility = 0
	mc.prices = make(map[string]float64, len(prices))
	for s, p := range prices {
		mc.prices[s] = p
	}
	return mc
}

func (mc *MockClient) SetPrice(symbol string, price float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.prices[symbol] = price
}

func (mc *MockClient) SetSymbolStatuses(rows []SymbolRow) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.symbols = append([]SymbolRow(nil), rows...)
}

func (mc *MockClient) SetCalendar(rows []CalendarRow) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.calendar = append([]CalendarRow(nil), rows...)
}

func (mc *MockClient) SetActivities(currency string, rows []ActivityRow) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.activities[currency] = append([]ActivityRow(nil), rows...)
}

// Orders returns every order placed so far
func (mc *MockClient) Orders() []OrderRequest {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return append([]OrderRequest(nil), mc.orders...)
}

// BatchCalls returns the symbol sets of every GetBatchTickers call
func (mc *MockClient) BatchCalls() [][]string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return append([][]string(nil), mc.batchCalls...)
}

func (mc *MockClient) TickerCalls() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.tickerCalls
}

// caller holds mc.mu
func (mc *MockClient) walk(symbol string) (float64, bool) {
	price, ok := mc.prices[symbol]
	if !ok {
		return 0, false
	}
	if mc.volatility > 0 {
		change := (mc.rng.Float64() - 0.5) * 2 * mc.volatility
		price *= 1 + change
		mc.prices[symbol] = price
	}
	return price, true
}

func (mc *MockClient) Ping(ctx context.Context) error {
	return mc.PingErr
}

func (mc *MockClient) GetTicker(ctx context.Context, symbol string) (float64, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.tickerCalls++
	if mc.PriceErr != nil {
		return 0, mc.PriceErr
	}
	price, ok := mc.walk(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return price, nil
}

func (mc *MockClient) GetBatchTickers(ctx context.Context, symbols []string) (map[string]float64, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.batchCalls = append(mc.batchCalls, append([]string(nil), symbols...))
	if mc.PriceErr != nil {
		return nil, mc.PriceErr
	}

	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := mc.walk(s); ok {
			out[s] = p
		}
	}
	return out, nil
}

// PlaceOrder fills market orders immediately at the current price
func (mc *MockClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if mc.OrderDelay > 0 {
		select {
		case <-time.After(mc.OrderDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.OrderErr != nil {
		return nil, mc.OrderErr
	}

	price := req.Price
	if req.Type != OrderTypeLimit {
		p, ok := mc.walk(req.Symbol)
		if !ok {
			return nil, &APIError{StatusCode: 400, Code: 30014, Message: "invalid symbol"}
		}
		price = p
	}

	qty := req.Quantity
	if qty <= 0 {
		qty = req.QuoteQuantity / price
	}

	status := OrderStatusFilled
	if mc.FillRatio > 0 && mc.FillRatio < 1 {
		qty *= mc.FillRatio
		status = OrderStatusPartiallyFilled
	}

	mc.orders = append(mc.orders, req)
	return &OrderResult{
		OrderID:       uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		ExecutedPrice: price,
		ExecutedQty:   qty,
		Status:        status,
	}, nil
}

func (mc *MockClient) GetAccountBalances(ctx context.Context) ([]Balance, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make([]Balance, 0, len(mc.balances))
	for asset, free := range mc.balances {
		out = append(out, Balance{Asset: asset, Free: free})
	}
	return out, nil
}

func (mc *MockClient) GetSymbolStatuses(ctx context.Context) ([]SymbolRow, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return append([]SymbolRow(nil), mc.symbols...), nil
}

func (mc *MockClient) GetCalendar(ctx context.Context) ([]CalendarRow, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return append([]CalendarRow(nil), mc.calendar...), nil
}

func (mc *MockClient) GetActivities(ctx context.Context, currencies []string) (map[string][]ActivityRow, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make(map[string][]ActivityRow)
	for _, c := range currencies {
		if rows, ok := mc.activities[c]; ok {
			out[c] = append([]ActivityRow(nil), rows...)
		}
	}
	return out, nil
}

// ErrMockUnavailable is a convenience error for failure injection
var ErrMockUnavailable = errors.New("mock exchange unavailable")
