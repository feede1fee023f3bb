package exchange

import (
	"context"
	"errors"
	"fmt"
)

// Client defines the exchange operations the trading core depends on
type Client interface {
	Ping(ctx context.Context) error
	GetTicker(ctx context.Context, symbol string) (float64, error)
	GetBatchTickers(ctx context.Context, symbols []string) (map[string]float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetAccountBalances(ctx context.Context) ([]Balance, error)
}

// ListingFeed exposes the public new-listing data of the exchange
type ListingFeed interface {
	GetSymbolStatuses(ctx context.Context) ([]SymbolRow, error)
	GetCalendar(ctx context.Context) ([]CalendarRow, error)
	GetActivities(ctx context.Context, currencies []string) (map[string][]ActivityRow, error)
}

var ErrSymbolNotFound = errors.New("symbol not found")

// APIError is a non-2xx response from the exchange
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("API error: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Order statuses as reported by the exchange
const (
	OrderStatusNew             = "NEW"
	OrderStatusFilled          = "FILLED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
)

// OrderRequest describes an order. For a market buy, QuoteQuantity may be set
// instead of Quantity. Scales of -1 leave the value unrounded.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity,omitempty"`
	QuoteQuantity float64   `json:"quote_quantity,omitempty"`
	Price         float64   `json:"price,omitempty"`
	QuantityScale int       `json:"quantity_scale"`
	PriceScale    int       `json:"price_scale"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("invalid order side %q", r.Side)
	}
	if r.Quantity <= 0 && r.QuoteQuantity <= 0 {
		return fmt.Errorf("order quantity must be positive")
	}
	if r.Type == OrderTypeLimit && r.Price <= 0 {
		return fmt.Errorf("limit order requires a price")
	}
	return nil
}

// OrderResult is the success shape of PlaceOrder
type OrderResult struct {
	OrderID       string  `json:"order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	ExecutedPrice float64 `json:"executed_price"`
	ExecutedQty   float64 `json:"executed_qty"`
	Status        string  `json:"status"`
}

// Balance represents a single asset balance
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// SymbolRow is one entry of the exchange symbol feed. Status fields are
// pointers so that absent values can be told apart from zero.
type SymbolRow struct {
	Code          string `json:"cd"`
	Symbol        string `json:"vn"`
	Sts           *int   `json:"sts"`
	St            *int   `json:"st"`
	Tt            *int   `json:"tt"`
	PriceScale    *int   `json:"ps"`
	QuantityScale *int   `json:"qs"`
	FirstOpenTime int64  `json:"ot"` // ms
}

// CalendarRow is one entry of the new listing calendar
type CalendarRow struct {
	CoinID        string `json:"vcoinId"`
	Symbol        string `json:"vcoinName"`
	ProjectName   string `json:"vcoinNameFull"`
	FirstOpenTime int64  `json:"firstOpenTime"` // ms
	Zone          string `json:"zone,omitempty"`
}

// ActivityRow is a promotional activity attached to a currency
type ActivityRow struct {
	ActivityID   string `json:"activityId"`
	Currency     string `json:"currency"`
	CurrencyID   string `json:"currencyId"`
	ActivityType string `json:"activityType"`
}

var _ Client = (*RESTClient)(nil)
var _ ListingFeed = (*RESTClient)(nil)
var _ Client = (*MockClient)(nil)
var _ ListingFeed = (*MockClient)(nil)
