package price

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/shopspring/decimal"
)

// DefaultCoingeckoLookback is how far before the block timestamp a price sample may be taken.
const DefaultCoingeckoLookback = 6 * time.Hour

// Coingecko prices tokens from the market_chart/range endpoint. The API is time indexed, so
// the block is first mapped to its timestamp and the latest sample at or before it is used.
type Coingecko struct {
	client     *HTTPClient
	platform   string
	blockTimes db.BlockTimes
	lookback   time.Duration
}

type marketChartResponse struct {
	// Each sample is [unix millis, price].
	Prices [][2]decimal.Decimal `json:"prices"`
}

func (c *Coingecko) Price(ctx context.Context, token string, block uint64) (decimal.Decimal, error) {
	at, err := c.blockTimes.BlockTime(ctx, block)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("%w: no timestamp for block %d", ErrPriceUnavailable, block)
		}
		return decimal.Zero, fmt.Errorf("block time %d: %w", block, err)
	}

	path := fmt.Sprintf("/coins/%s/contract/%s/market_chart/range", url.PathEscape(c.platform), url.PathEscape(utils.NormalizeAddress(token)))
	query := url.Values{}
	query.Set("vs_currency", "usd")
	query.Set("from", strconv.FormatInt(at.Add(-c.lookback).Unix(), 10))
	query.Set("to", strconv.FormatInt(at.Unix(), 10))

	var resp marketChartResponse
	if err := c.client.getJSON(ctx, path, query, &resp); err != nil {
		if IsNotFound(err) {
			return decimal.Zero, fmt.Errorf("%w: %s unknown to coingecko", ErrPriceUnavailable, token)
		}
		return decimal.Zero, fmt.Errorf("%w: coingecko price %s@%d: %w", ErrUpstream, token, block, err)
	}

	return latestSample(resp.Prices, at, token, block)
}

// latestSample picks the sample with the greatest timestamp <= at.
func latestSample(samples [][2]decimal.Decimal, at time.Time, token string, block uint64) (decimal.Decimal, error) {
	limit := at.UnixMilli()
	var (
		best   decimal.Decimal
		bestTs int64 = -1
	)
	for _, s := range samples {
		ts := s[0].IntPart()
		if ts > limit || ts < bestTs {
			continue
		}
		best, bestTs = s[1], ts
	}
	if bestTs < 0 {
		return decimal.Zero, fmt.Errorf("%w: no coingecko sample for %s before block %d", ErrPriceUnavailable, token, block)
	}
	if best.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: coingecko returned negative price %s for %s", ErrUpstream, best, token)
	}
	return best, nil
}
