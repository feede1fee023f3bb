package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	pathPing       = "/api/v3/ping"
	pathTicker     = "/api/v3/ticker/price"
	pathOrder      = "/api/v3/order"
	pathAccount    = "/api/v3/account"
	pathSymbols    = "/api/platform/spot/market-v2/web/symbolsV2"
	pathCalendar   = "/api/operation/new_coin_calendar"
	pathActivities = "/api/operateactivity/activity/list/by/currencies"

	apiKeyHeader = "X-MEXC-APIKEY"
)

// RESTClient talks to the exchange spot REST API. Signed endpoints carry an
// HMAC-SHA256 signature over the encoded query string.
type RESTClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	webURL     string
	recvWindow int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

type RESTConfig struct {
	APIKey     string
	SecretKey  string
	BaseURL    string
	WebURL     string
	Timeout    time.Duration
	RecvWindow int
	// RequestsPerSecond bounds outbound calls; zero means 10/s
	RequestsPerSecond float64
}

func NewRESTClient(cfg RESTConfig, logger zerolog.Logger) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.WebURL == "" {
		cfg.WebURL = cfg.BaseURL
	}
	return &RESTClient{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		webURL:     strings.TrimRight(cfg.WebURL, "/"),
		recvWindow: cfg.RecvWindow,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		logger:     logger.With().Str("component", "ExchangeClient").Logger(),
		now:        time.Now,
	}
}

// Ping checks connectivity to the REST API
func (c *RESTClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.baseURL+pathPing, nil, false)
	if err != nil {
		return fmt.Errorf("error pinging exchange: %w", err)
	}
	return nil
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetTicker fetches the current price for a symbol
func (c *RESTClient) GetTicker(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, c.baseURL+pathTicker, params, false)
	if err != nil {
		return 0, fmt.Errorf("error fetching price for %s: %w", symbol, err)
	}

	var t tickerPrice
	if err := json.Unmarshal(body, &t); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	price := parseFloat(t.Price)
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return price, nil
}

// GetBatchTickers fetches every price in one call and keeps the requested symbols.
// Symbols unknown to the exchange are absent from the result.
func (c *RESTClient) GetBatchTickers(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	body, err := c.do(ctx, http.MethodGet, c.baseURL+pathTicker, nil, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching tickers: %w", err)
	}

	var all []tickerPrice
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("error parsing tickers: %w", err)
	}

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}

	prices := make(map[string]float64, len(symbols))
	for _, t := range all {
		if _, ok := wanted[t.Symbol]; !ok {
			continue
		}
		if p := parseFloat(t.Price); p > 0 {
			prices[t.Symbol] = p
		}
	}
	return prices, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             string `json:"orderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Side                string `json:"side"`
}

// PlaceOrder places a new signed order
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = OrderTypeMarket
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	if req.Quantity > 0 {
		params.Set("quantity", FormatQuantity(req.Quantity, req.QuantityScale))
	} else {
		params.Set("quoteOrderQty", FormatPrice(req.QuoteQuantity, req.PriceScale))
	}
	if req.Type == OrderTypeLimit {
		params.Set("price", FormatPrice(req.Price, req.PriceScale))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	c.logger.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Msg("Placing order")

	body, err := c.do(ctx, http.MethodPost, c.baseURL+pathOrder, params, true)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	result := &OrderResult{
		OrderID:     resp.OrderID,
		Symbol:      resp.Symbol,
		Side:        resp.Side,
		ExecutedQty: parseFloat(resp.ExecutedQty),
		Status:      resp.Status,
	}
	if result.Status == "" {
		result.Status = OrderStatusNew
	}
	if quote := parseFloat(resp.CummulativeQuoteQty); quote > 0 && result.ExecutedQty > 0 {
		result.ExecutedPrice = quote / result.ExecutedQty
	} else {
		result.ExecutedPrice = parseFloat(resp.Price)
	}
	if result.ExecutedQty == 0 {
		result.ExecutedQty = parseFloat(resp.OrigQty)
	}

	return result, nil
}

// GetAccountBalances returns non-zero spot balances
func (c *RESTClient) GetAccountBalances(ctx context.Context) ([]Balance, error) {
	body, err := c.do(ctx, http.MethodGet, c.baseURL+pathAccount, url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching account: %w", err)
	}

	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("error parsing account: %w", err)
	}

	balances := make([]Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		bal := Balance{Asset: b.Asset, Free: parseFloat(b.Free), Locked: parseFloat(b.Locked)}
		if bal.Free == 0 && bal.Locked == 0 {
			continue
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

// GetSymbolStatuses fetches the web symbol feed carrying listing status vectors
func (c *RESTClient) GetSymbolStatuses(ctx context.Context) ([]SymbolRow, error) {
	body, err := c.do(ctx, http.MethodGet, c.webURL+pathSymbols, nil, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching symbols: %w", err)
	}

	var resp struct {
		Data map[string][]SymbolRow `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing symbols: %w", err)
	}

	var rows []SymbolRow
	for _, group := range resp.Data {
		rows = append(rows, group...)
	}
	return rows, nil
}

// GetCalendar fetches upcoming listings
func (c *RESTClient) GetCalendar(ctx context.Context) ([]CalendarRow, error) {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))

	body, err := c.do(ctx, http.MethodGet, c.webURL+pathCalendar, params, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching calendar: %w", err)
	}

	var resp struct {
		Data struct {
			NewCoins []CalendarRow `json:"newCoins"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing calendar: %w", err)
	}
	return resp.Data.NewCoins, nil
}

// GetActivities fetches promotional activities grouped by currency
func (c *RESTClient) GetActivities(ctx context.Context, currencies []string) (map[string][]ActivityRow, error) {
	out := make(map[string][]ActivityRow)
	if len(currencies) == 0 {
		return out, nil
	}

	params := url.Values{}
	params.Set("currencies", strings.Join(currencies, ","))

	body, err := c.do(ctx, http.MethodGet, c.webURL+pathActivities, params, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching activities: %w", err)
	}

	var resp struct {
		Data []ActivityRow `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing activities: %w", err)
	}
	for _, a := range resp.Data {
		out[a.Currency] = append(out[a.Currency], a)
	}
	return out, nil
}

func (c *RESTClient) do(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := ""
	if params != nil {
		if signed {
			params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
			if c.recvWindow > 0 {
				params.Set("recvWindow", strconv.Itoa(c.recvWindow))
			}
			query = params.Encode()
			query += "&signature=" + c.sign(query)
		} else {
			query = params.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = query
	if signed {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return nil, apiErr
	}

	return body, nil
}

// sign creates a signature for authenticated requests
func (c *RESTClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
