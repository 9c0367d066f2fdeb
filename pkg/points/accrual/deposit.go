package accrual

import (
	"context"
	"fmt"

	"github.com/canopy-network/canopyx-points/pkg/config"
	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/price"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DepositService grants the one-time deposit award.
type DepositService struct {
	ledger db.Ledger
	prices price.Provider
	cfg    config.Accrual
	logger *zap.Logger
}

func NewDepositService(ledger db.Ledger, prices price.Provider, cfg config.Accrual, logger *zap.Logger) *DepositService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepositService{ledger: ledger, prices: prices, cfg: cfg, logger: logger.With(zap.String("category", string(points.CategoryDeposit)))}
}

// Qualifying returns, per address, the first deposit of the block that passes the cutoff and
// the USD minimum. It only reads; the award itself is decided by Award inside the block
// transaction. A DepositCutoffBlock of 0 disables the cutoff.
func (s *DepositService) Qualifying(ctx context.Context, block uint64, deposits []*points.Deposit) ([]*points.Deposit, error) {
	if s.cfg.DepositCutoffBlock > 0 && block > s.cfg.DepositCutoffBlock {
		return nil, nil
	}

	seen := map[string]bool{}
	var out []*points.Deposit
	for _, d := range deposits {
		addr := utils.NormalizeAddress(d.Address)
		if seen[addr] || !d.Amount.IsPositive() {
			continue
		}

		p, err := s.prices.Price(ctx, d.TokenAddress, block)
		if err != nil {
			return nil, fmt.Errorf("price deposit %s of %s: %w", d.TxHash, addr, err)
		}
		usd := d.Amount.Mul(p)
		if usd.LessThan(s.cfg.MinDepositUSD) {
			s.logger.Debug("deposit below minimum",
				zap.String("address", addr),
				zap.Uint64("block", block),
				zap.String("usd", usd.String()))
			continue
		}

		seen[addr] = true
		q := *d
		q.Address = addr
		out = append(out, &q)
	}
	return out, nil
}

// Award claims the first-deposit marker of every qualifying address and returns the deposit
// records and referral outbox rows for the claims that succeeded. ctx must carry the block
// transaction so the claims commit or roll back with the records.
func (s *DepositService) Award(ctx context.Context, block uint64, qualifying []*points.Deposit) ([]*points.PointRecord, []*points.PendingReferral, error) {
	var (
		records []*points.PointRecord
		pending []*points.PendingReferral
	)
	for _, d := range qualifying {
		claimed, err := s.ledger.ClaimFirstDeposit(ctx, d.Address, block)
		if err != nil {
			return nil, nil, fmt.Errorf("claim first deposit of %s: %w", d.Address, err)
		}
		if !claimed {
			continue
		}

		s.logger.Debug("first deposit awarded", zap.String("address", d.Address), zap.Uint64("block", block))
		if s.cfg.DepositPoints.IsPositive() {
			records = append(records, &points.PointRecord{
				Address:     d.Address,
				BlockNumber: block,
				Category:    points.CategoryDeposit,
				Amount:      s.cfg.DepositPoints,
			})
		}
		pending = append(pending, &points.PendingReferral{
			Referee:       d.Address,
			BlockNumber:   block,
			DepositPoints: s.cfg.DepositPoints,
		})
	}
	return records, pending, nil
}

// ReferralAmount is the share of a deposit award credited to the referrer.
func ReferralAmount(depositPoints, share decimal.Decimal) decimal.Decimal {
	return depositPoints.Mul(share).Round(PointsScale)
}
