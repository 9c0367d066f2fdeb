package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/points/resolver"
	"github.com/canopy-network/canopyx-points/pkg/price"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AddressPoints is the cumulative points of one address at a block.
type AddressPoints struct {
	Address    string                `json:"address"`
	Block      uint64                `json:"block"`
	Categories points.CategoryTotals `json:"categories"`
	Total      decimal.Decimal       `json:"total"`
}

// Service answers read-only queries over the snapshot store and both ledgers.
type Service struct {
	resolver  *resolver.Resolver
	ledger    db.Ledger
	referrals db.ReferralStore
	prices    price.Provider
	logger    *zap.Logger
}

// New builds a Service. prices is only needed by TVL and may be nil.
func New(res *resolver.Resolver, ledger db.Ledger, referrals db.ReferralStore, prices price.Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		resolver:  res,
		ledger:    ledger,
		referrals: referrals,
		prices:    prices,
		logger:    logger.With(zap.String("component", "report")),
	}
}

// Balances returns the non-zero holdings of addresses at block.
func (s *Service) Balances(ctx context.Context, addresses []string, block uint64) ([]*points.ResolvedBalance, error) {
	out, err := s.resolver.LatestBatch(ctx, addresses, block)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("balances resolved",
		zap.Int("addresses", len(addresses)),
		zap.Int("holdings", len(out)),
		zap.Uint64("block", block))
	return out, nil
}

// Points sums the ledger records of address up to block and adds the referral awards held
// in the referral store under the referral category.
func (s *Service) Points(ctx context.Context, address string, block uint64) (*AddressPoints, error) {
	address = utils.NormalizeAddress(address)
	if address == "" {
		return nil, errors.New("address is required")
	}

	totals, err := s.ledger.PointsAt(ctx, address, block)
	if err != nil {
		return nil, fmt.Errorf("points of %s at %d: %w", address, block, err)
	}
	if totals == nil {
		totals = points.CategoryTotals{}
	}

	if s.referrals != nil {
		referral, err := s.referrals.ReferralPointsAt(ctx, address, block)
		if err != nil {
			return nil, fmt.Errorf("referral points of %s at %d: %w", address, block, err)
		}
		if !referral.IsZero() {
			totals[points.CategoryReferral] = totals[points.CategoryReferral].Add(referral)
		}
	}

	return &AddressPoints{
		Address:    address,
		Block:      block,
		Categories: totals,
		Total:      totals.Total(),
	}, nil
}

// Leaderboard ranks addresses by primary ledger points at block. Referral awards live in
// the referral store and are not part of the ranking.
func (s *Service) Leaderboard(ctx context.Context, block uint64, limit int) ([]points.AddressPoints, error) {
	rows, err := s.ledger.Leaderboard(ctx, block, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard at %d: %w", block, err)
	}
	return rows, nil
}
