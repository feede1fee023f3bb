package exitmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"listing-sniper-bot/internal/cache"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const priceKeyPrefix = "price:"

// BatchPricer fetches many tickers in one call
type BatchPricer interface {
	GetBatchTickers(ctx context.Context, symbols []string) (map[string]float64, error)
}

// PriceCache serves ticker prices from a short-TTL cache and fetches every
// missing symbol of a request in a single batched call.
type PriceCache struct {
	cache   cache.Cache
	fetcher BatchPricer
	ttl     time.Duration
	group   singleflight.Group
	logger  zerolog.Logger
}

func NewPriceCache(c cache.Cache, fetcher BatchPricer, ttl time.Duration, logger zerolog.Logger) *PriceCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &PriceCache{
		cache:   c,
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger.With().Str("component", "PriceCache").Logger(),
	}
}

// Prices returns what is known for the symbols. Symbols the exchange did not
// price are absent from the result.
func (pc *PriceCache) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	var missing []string
	seen := make(map[string]bool, len(symbols))

	for _, s := range symbols {
		if seen[s] {
			continue
		}
		seen[s] = true

		var price float64
		err := cache.GetJSON(ctx, pc.cache, priceKeyPrefix+s, &price)
		switch {
		case err == nil && price > 0:
			out[s] = price
		case err != nil && !errors.Is(err, cache.ErrMiss):
			pc.logger.Debug().Err(err).Str("symbol", s).Msg("price cache read failed")
			missing = append(missing, s)
		default:
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	sort.Strings(missing)
	v, err, _ := pc.group.Do(strings.Join(missing, ","), func() (interface{}, error) {
		fetched, err := pc.fetcher.GetBatchTickers(ctx, missing)
		if err != nil {
			return nil, err
		}
		for s, p := range fetched {
			if p <= 0 {
				continue
			}
			if err := cache.SetJSON(ctx, pc.cache, priceKeyPrefix+s, p, pc.ttl); err != nil {
				pc.logger.Debug().Err(err).Str("symbol", s).Msg("price cache write failed")
			}
		}
		return fetched, nil
	})
	if err != nil {
		return out, fmt.Errorf("batch price fetch for %d symbols: %w", len(missing), err)
	}

	for s, p := range v.(map[string]float64) {
		if p > 0 {
			out[s] = p
		}
	}
	return out, nil
}
