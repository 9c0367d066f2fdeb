package points

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ReferralEdgesTableName  = "referrals"
	ReferralPointsTableName = "referral_points"
)

// ReferralEdge links a referee to the address that invited it.
type ReferralEdge struct {
	Referrer string `json:"referrer"`
	Referee  string `json:"referee"`
}

// PendingReferral is an outbox row written in the same transaction that granted a deposit
// award. The referral path drains it into the referral store.
type PendingReferral struct {
	Referee       string          `json:"referee"`
	BlockNumber   uint64          `json:"block_number"`
	DepositPoints decimal.Decimal `json:"deposit_points"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReferralPoint is a referral award stored in the referral store.
type ReferralPoint struct {
	Referrer    string          `json:"referrer"`
	Referee     string          `json:"referee"`
	BlockNumber uint64          `json:"block_number"`
	Amount      decimal.Decimal `json:"amount"`
}
