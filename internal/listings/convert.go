package listings

import (
	"sort"
	"strings"
	"time"

	"listing-sniper-bot/internal/exchange"
	"listing-sniper-bot/internal/patterns"
)

const quoteAsset = "USDT"

// PairSymbol turns a coin name such as "abc" or "ABC_USDT" into the trading pair "ABCUSDT"
func PairSymbol(coin string) string {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(coin), "_", ""))
	if s == "" || strings.HasSuffix(s, quoteAsset) {
		return s
	}
	return s + quoteAsset
}

func baseAsset(pair string) string {
	return strings.TrimSuffix(pair, quoteAsset)
}

// SymbolStatuses converts raw feed rows, skipping rows without a full status vector or identity
func SymbolStatuses(rows []exchange.SymbolRow) ([]patterns.SymbolStatus, int) {
	out := make([]patterns.SymbolStatus, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		if r.Sts == nil || r.St == nil || r.Tt == nil {
			skipped++
			continue
		}
		s := patterns.SymbolStatus{
			Code:          r.Code,
			Symbol:        PairSymbol(r.Symbol),
			Status:        patterns.StatusVector{Sts: *r.Sts, St: *r.St, Tt: *r.Tt},
			PriceScale:    r.PriceScale,
			QuantityScale: r.QuantityScale,
		}
		if r.FirstOpenTime > 0 {
			s.FirstOpenTime = time.UnixMilli(r.FirstOpenTime).UTC()
		}
		if err := s.Validate(); err != nil {
			skipped++
			continue
		}
		out = append(out, s)
	}
	return out, skipped
}

// CalendarEntries converts raw calendar rows, skipping rows without a symbol or open time
func CalendarEntries(rows []exchange.CalendarRow) ([]patterns.CalendarEntry, int) {
	out := make([]patterns.CalendarEntry, 0, len(rows))
	skipped := 0
	for _, r := range rows {
		e := patterns.CalendarEntry{
			CoinID:      r.CoinID,
			Symbol:      PairSymbol(r.Symbol),
			ProjectName: r.ProjectName,
		}
		if r.FirstOpenTime > 0 {
			e.FirstOpenTime = time.UnixMilli(r.FirstOpenTime).UTC()
		}
		if err := e.Validate(); err != nil {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, skipped
}

// Activities re-keys currency activities by trading pair
func Activities(byCurrency map[string][]exchange.ActivityRow) map[string][]patterns.ActivityData {
	out := make(map[string][]patterns.ActivityData, len(byCurrency))
	for currency, rows := range byCurrency {
		pair := PairSymbol(currency)
		for _, r := range rows {
			if r.ActivityType == "" {
				continue
			}
			out[pair] = append(out[pair], patterns.ActivityData{
				ActivityID:   r.ActivityID,
				Currency:     r.Currency,
				ActivityType: r.ActivityType,
			})
		}
	}
	return out
}

// currencies lists the distinct base assets of the symbols and calendar entries
func currencies(symbols []patterns.SymbolStatus, calendar []patterns.CalendarEntry) []string {
	seen := make(map[string]bool)
	for _, s := range symbols {
		if s.Symbol != "" {
			seen[baseAsset(s.Symbol)] = true
		}
	}
	for _, e := range calendar {
		seen[baseAsset(e.Symbol)] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
