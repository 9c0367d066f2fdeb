package price

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/shopspring/decimal"
)

// Dex prices tokens from a DEX liquidity API that is indexed by block number.
type Dex struct {
	client   *HTTPClient
	platform string
}

type dexPriceResponse struct {
	Token string           `json:"token"`
	Block uint64           `json:"block"`
	Price *decimal.Decimal `json:"price"`
}

func (d *Dex) Price(ctx context.Context, token string, block uint64) (decimal.Decimal, error) {
	path := fmt.Sprintf("/v2/tokens/%s:%s/price", url.PathEscape(d.platform), url.PathEscape(utils.NormalizeAddress(token)))
	query := url.Values{}
	query.Set("block", strconv.FormatUint(block, 10))

	var resp dexPriceResponse
	if err := d.client.getJSON(ctx, path, query, &resp); err != nil {
		if IsNotFound(err) {
			return decimal.Zero, fmt.Errorf("%w: %s@%d unknown to dex api", ErrPriceUnavailable, token, block)
		}
		return decimal.Zero, fmt.Errorf("%w: dex price %s@%d: %w", ErrUpstream, token, block, err)
	}
	if resp.Price == nil {
		return decimal.Zero, fmt.Errorf("%w: dex api has no liquidity for %s@%d", ErrPriceUnavailable, token, block)
	}
	if resp.Price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: dex api returned negative price %s for %s", ErrUpstream, resp.Price, token)
	}
	return *resp.Price, nil
}
