package report

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TokenTVL is the USD value of one held token leg.
type TokenTVL struct {
	PairAddress  string          `json:"pair_address"`
	TokenAddress string          `json:"token_address"`
	ProjectName  string          `json:"project_name,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	USD          decimal.Decimal `json:"usd"`
}

// AddressTVL is the value locked by one address, with its token legs.
type AddressTVL struct {
	Address string          `json:"address"`
	USD     decimal.Decimal `json:"usd"`
	Tokens  []TokenTVL      `json:"tokens"`
}

// GroupTVL is the value locked in one project. Pairs with no registered project are grouped
// under their pair address.
type GroupTVL struct {
	Group string          `json:"group"`
	USD   decimal.Decimal `json:"usd"`
}

// TVL is the value locked by a set of addresses at a block.
type TVL struct {
	Block     uint64          `json:"block"`
	USD       decimal.Decimal `json:"usd"`
	Addresses []AddressTVL    `json:"addresses"`
	Groups    []GroupTVL      `json:"groups"`
}

// TVL prices the holdings of addresses at block. Each token is priced once. A missing price
// fails the report rather than undercounting it.
func (s *Service) TVL(ctx context.Context, addresses []string, block uint64) (*TVL, error) {
	if s.prices == nil {
		return nil, errors.New("tvl report needs a price provider")
	}

	holdings, err := s.resolver.LatestBatch(ctx, addresses, block)
	if err != nil {
		return nil, err
	}

	prices := map[string]decimal.Decimal{}
	byAddress := map[string]*AddressTVL{}
	byGroup := map[string]decimal.Decimal{}
	out := &TVL{Block: block}

	for _, h := range holdings {
		p, ok := prices[h.TokenAddress]
		if !ok {
			p, err = s.prices.Price(ctx, h.TokenAddress, block)
			if err != nil {
				return nil, fmt.Errorf("price %s at %d: %w", h.TokenAddress, block, err)
			}
			prices[h.TokenAddress] = p
		}

		usd := h.Amount.Mul(p)
		a, ok := byAddress[h.Address]
		if !ok {
			a = &AddressTVL{Address: h.Address}
			byAddress[h.Address] = a
		}
		a.Tokens = append(a.Tokens, TokenTVL{
			PairAddress:  h.PairAddress,
			TokenAddress: h.TokenAddress,
			ProjectName:  h.ProjectName,
			Amount:       h.Amount,
			Price:        p,
			USD:          usd,
		})
		a.USD = a.USD.Add(usd)

		group := h.ProjectName
		if group == "" {
			group = h.PairAddress
		}
		byGroup[group] = byGroup[group].Add(usd)
		out.USD = out.USD.Add(usd)
	}

	// holdings arrive ordered by address, pair, token
	out.Addresses = make([]AddressTVL, 0, len(byAddress))
	for _, a := range byAddress {
		out.Addresses = append(out.Addresses, *a)
	}
	sort.Slice(out.Addresses, func(i, j int) bool { return out.Addresses[i].Address < out.Addresses[j].Address })

	out.Groups = make([]GroupTVL, 0, len(byGroup))
	for g, usd := range byGroup {
		out.Groups = append(out.Groups, GroupTVL{Group: g, USD: usd})
	}
	sort.Slice(out.Groups, func(i, j int) bool {
		if c := out.Groups[i].USD.Cmp(out.Groups[j].USD); c != 0 {
			return c > 0
		}
		return out.Groups[i].Group < out.Groups[j].Group
	})

	s.logger.Debug("tvl computed",
		zap.Uint64("block", block),
		zap.Int("addresses", len(out.Addresses)),
		zap.String("usd", out.USD.String()))
	return out, nil
}
