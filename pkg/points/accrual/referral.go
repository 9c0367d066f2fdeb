package accrual

import (
	"context"
	"fmt"

	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReferralService drains the pending_referrals outbox of the primary store into the referral
// store. A row is marked processed only after its award committed, so a failed drain leaves
// the row pending and the next drain retries it. Awards are keyed by (referrer, referee,
// block), which makes the retry harmless.
type ReferralService struct {
	ledger    db.Ledger
	referrals db.ReferralStore
	share     decimal.Decimal
	batchSize int
	logger    *zap.Logger
}

func NewReferralService(ledger db.Ledger, referrals db.ReferralStore, share decimal.Decimal, batchSize int, logger *zap.Logger) *ReferralService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReferralService{
		ledger:    ledger,
		referrals: referrals,
		share:     share,
		batchSize: batchSize,
		logger:    logger.With(zap.String("category", string(points.CategoryReferral))),
	}
}

// Drain processes pending rows until the outbox is empty or an error occurs. It returns the
// number of rows it marked processed.
func (s *ReferralService) Drain(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		batch, err := s.ledger.PendingReferrals(ctx, s.batchSize)
		if err != nil {
			return processed, fmt.Errorf("load pending referrals: %w", err)
		}
		for _, p := range batch {
			if err := s.award(ctx, p); err != nil {
				return processed, err
			}
			processed++
		}
		if len(batch) < s.batchSize {
			if processed > 0 {
				s.logger.Info("referral outbox drained", zap.Int("processed", processed))
			}
			return processed, nil
		}
	}
}

func (s *ReferralService) award(ctx context.Context, p *points.PendingReferral) error {
	referrer, ok, err := s.referrals.Referrer(ctx, p.Referee)
	if err != nil {
		return fmt.Errorf("referrer of %s: %w", p.Referee, err)
	}

	amount := ReferralAmount(p.DepositPoints, s.share)
	if ok && amount.IsPositive() {
		award := &points.ReferralPoint{
			Referrer:    referrer,
			Referee:     p.Referee,
			BlockNumber: p.BlockNumber,
			Amount:      amount,
		}
		err := s.referrals.InTx(ctx, "award_referral", func(txCtx context.Context) error {
			return s.referrals.InsertReferralPoints(txCtx, []*points.ReferralPoint{award})
		})
		if err != nil {
			s.logger.Warn("referral award failed, leaving it pending",
				zap.String("referee", p.Referee),
				zap.Uint64("block", p.BlockNumber),
				zap.Error(err))
			return fmt.Errorf("award referral of %s at %d: %w", p.Referee, p.BlockNumber, err)
		}
		s.logger.Debug("referral awarded",
			zap.String("referrer", referrer),
			zap.String("referee", p.Referee),
			zap.String("amount", amount.String()))
	}

	if err := s.ledger.MarkReferralProcessed(ctx, p.Referee, p.BlockNumber); err != nil {
		return fmt.Errorf("mark referral of %s processed: %w", p.Referee, err)
	}
	return nil
}
