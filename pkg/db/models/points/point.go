package points

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PointsTableName              = "points_history"
	AddressFirstDepositTableName = "address_first_deposits"
	CheckpointTableName          = "points_checkpoint"
	PendingReferralsTableName    = "pending_referrals"
)

// Category classifies a point record.
type Category string

const (
	CategoryDeposit  Category = "deposit"
	CategoryHoldLp   Category = "hold-lp"
	CategoryReferral Category = "referral"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryDeposit, CategoryHoldLp, CategoryReferral:
		return true
	}
	return false
}

// PointRecord is an immutable point delta awarded to an address at a block.
// The cumulative balance at block B is the sum of every record with BlockNumber <= B.
//
// PairAddress is set for hold-lp records (one record per holder and pair per settlement)
// and empty for the other categories.
type PointRecord struct {
	Address     string          `json:"address"`
	BlockNumber uint64          `json:"block_number"`
	Category    Category        `json:"category"`
	PairAddress string          `json:"pair_address,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

func (r *PointRecord) Key() string {
	return fmt.Sprintf("%s:%d:%s:%s", r.Address, r.BlockNumber, r.Category, r.PairAddress)
}

// AddressFirstDeposit marks that the one-time deposit award has been granted.
type AddressFirstDeposit struct {
	Address     string `json:"address"`
	BlockNumber uint64 `json:"block_number"`
}

// Checkpoint is the processor's durable progress marker.
//
// LastBlock is the last block fully committed. HoldLpSettledThrough is the exclusive upper
// bound of hold-lp accrual already awarded; the next settlement accrues from there.
type Checkpoint struct {
	LastBlock            uint64    `json:"last_block"`
	HoldLpSettledThrough uint64    `json:"hold_lp_settled_through"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// CategoryTotals is the cumulative point balance of an address split by category.
type CategoryTotals map[Category]decimal.Decimal

func (t CategoryTotals) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range t {
		sum = sum.Add(v)
	}
	return sum
}

// AddressPoints is one leaderboard row.
type AddressPoints struct {
	Address string          `json:"address"`
	Points  decimal.Decimal `json:"points"`
}
