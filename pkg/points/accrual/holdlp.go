package accrual

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/canopyx-points/pkg/config"
	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/points/resolver"
	"github.com/canopy-network/canopyx-points/pkg/price"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PointsScale is the number of decimal places kept on awarded points.
const PointsScale = 18

// PositionIntervals is the constant-balance history of one holding over a settlement window.
type PositionIntervals struct {
	points.AddressPosition
	Intervals []points.BalanceInterval
}

// HoldLpService accrues points for LP balances held over time.
type HoldLpService struct {
	snapshots db.SnapshotStore
	resolver  *resolver.Resolver
	projects  db.ProjectRegistry
	prices    price.Provider
	cfg       config.Accrual
	pool      pond.Pool
	logger    *zap.Logger
}

func NewHoldLpService(snapshots db.SnapshotStore, res *resolver.Resolver, projects db.ProjectRegistry, prices price.Provider, cfg config.Accrual, workers int, logger *zap.Logger) *HoldLpService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}
	if cfg.HoldLpSettleInterval == 0 {
		cfg.HoldLpSettleInterval = 1
	}
	return &HoldLpService{
		snapshots: snapshots,
		resolver:  res,
		projects:  projects,
		prices:    prices,
		cfg:       cfg,
		pool:      pond.NewPool(workers, pond.WithQueueSize(workers*8)),
		logger:    logger.With(zap.String("category", string(points.CategoryHoldLp))),
	}
}

// Close stops the worker pool.
func (s *HoldLpService) Close() {
	s.pool.StopAndWait()
}

// Due reports whether block closes a settlement window that started at settledThrough.
func (s *HoldLpService) Due(settledThrough, block uint64) bool {
	return block > settledThrough && block-settledThrough >= s.cfg.HoldLpSettleInterval
}

// Balances splits the settlement window [from, to) of every active holding into
// per-snapshot intervals. Holdings that hold nothing in the window are left out.
func (s *HoldLpService) Balances(ctx context.Context, from, to uint64) ([]PositionIntervals, error) {
	if from >= to {
		return nil, nil
	}

	positions, err := s.snapshots.ActivePositions(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("active positions in [%d, %d): %w", from, to, err)
	}

	results := make([]PositionIntervals, len(positions))
	errs := make([]error, len(positions))

	group := s.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, ap := range positions {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			ivs, err := s.resolver.Intervals(groupCtx, ap.Address, ap.Position, from, to)
			results[i], errs[i] = PositionIntervals{AddressPosition: ap, Intervals: ivs}, err
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("parallel interval resolution encountered error", zap.Error(err))
	}

	out := make([]PositionIntervals, 0, len(positions))
	for i := range positions {
		if errs[i] != nil {
			return nil, errs[i]
		}
		if holds(results[i].Intervals) {
			out = append(out, results[i])
		}
	}
	return out, nil
}

func holds(ivs []points.BalanceInterval) bool {
	for _, iv := range ivs {
		if iv.Amount.IsPositive() && iv.Blocks() > 0 {
			return true
		}
	}
	return false
}

// Accrue prices every interval at the block of the snapshot that opened it and turns the window into one hold-lp
// record per (address, pair) at block settleAt, summing the token legs of the pair:
//
//	amount * price(token, priceBlock) * (end - start) * HoldLpRate * booster(project)
//
// A missing price fails the whole settlement with price.ErrPriceUnavailable.
func (s *HoldLpService) Accrue(ctx context.Context, settleAt uint64, holdings []PositionIntervals) ([]*points.PointRecord, error) {
	if len(holdings) == 0 || s.cfg.HoldLpRate.IsZero() {
		return nil, nil
	}

	pairs := make([]string, 0, len(holdings))
	for _, h := range holdings {
		pairs = append(pairs, h.PairAddress)
	}
	names, err := s.projects.ProjectNames(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("project names: %w", err)
	}

	values := make([]decimal.Decimal, len(holdings))
	errs := make([]error, len(holdings))

	group := s.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, h := range holdings {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			values[i], errs[i] = s.value(groupCtx, h)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("parallel hold-lp pricing encountered error", zap.Error(err))
	}

	type pairKey struct{ address, pair string }
	sums := map[pairKey]decimal.Decimal{}
	for i, h := range holdings {
		if errs[i] != nil {
			return nil, errs[i]
		}
		booster := s.cfg.Boosters.Multiplier(names[h.PairAddress])
		k := pairKey{h.Address, h.PairAddress}
		sums[k] = sums[k].Add(values[i].Mul(s.cfg.HoldLpRate).Mul(booster))
	}

	records := make([]*points.PointRecord, 0, len(sums))
	for k, sum := range sums {
		sum = sum.Round(PointsScale)
		if sum.IsZero() {
			continue
		}
		records = append(records, &points.PointRecord{
			Address:     k.address,
			BlockNumber: settleAt,
			Category:    points.CategoryHoldLp,
			PairAddress: k.pair,
			Amount:      sum,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key() < records[j].Key() })
	return records, nil
}

// value is the USD-block weight of one holding: sum of amount * price * blocks.
func (s *HoldLpService) value(ctx context.Context, h PositionIntervals) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, iv := range h.Intervals {
		if !iv.Amount.IsPositive() || iv.Blocks() == 0 {
			continue
		}
		p, err := s.prices.Price(ctx, h.TokenAddress, iv.PriceBlock)
		if err != nil {
			return decimal.Zero, fmt.Errorf("price %s at %d for %s: %w", h.TokenAddress, iv.PriceBlock, h.Address, err)
		}
		total = total.Add(iv.Amount.Mul(p).Mul(decimal.NewFromUint64(iv.Blocks())))
	}
	return total, nil
}
