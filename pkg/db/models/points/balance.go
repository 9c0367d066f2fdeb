package points

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const BalanceSnapshotsTableName = "balances_of_lp"

// Position identifies one leg of an LP holding: the pool (pair) and the underlying token.
type Position struct {
	PairAddress  string `ch:"pair_address" json:"pair_address"`
	TokenAddress string `ch:"token_address" json:"token_address"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%s", p.PairAddress, p.TokenAddress)
}

// BalanceSnapshot is one balance observation for an address/position at a block.
//
// Snapshots are written by ingestion only when the balance changes, so the table is sparse:
// the balance at block N is the snapshot with the greatest block_number <= N for the key.
// Rows are append-only and unique per (address, pair_address, token_address, block_number).
type BalanceSnapshot struct {
	Address string `ch:"address" json:"address"`
	Position
	BlockNumber uint64          `ch:"block_number" json:"block_number"`
	Amount      decimal.Decimal `ch:"amount" json:"amount"` // whole token units, decimals already applied by ingestion
}

// Key returns the uniqueness key used to reject duplicate observations.
func (s *BalanceSnapshot) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d", s.Address, s.PairAddress, s.TokenAddress, s.BlockNumber)
}

// AddressPosition is a (holder, position) pair ever observed in the snapshot store.
type AddressPosition struct {
	Address string `json:"address"`
	Position
}

// ResolvedBalance is the latest snapshot at or before a block, enriched with the
// project name of its pair. ProjectName is empty when the pair is not registered.
type ResolvedBalance struct {
	BalanceSnapshot
	ProjectName string `json:"project_name"`
}

// BalanceInterval is a half-open block range [Start, End) covered by one snapshot of an
// address/position. PriceBlock is the block of that snapshot, where its value is priced.
// Start is later than PriceBlock when the range was clipped to a settlement window.
type BalanceInterval struct {
	Start      uint64
	End        uint64
	PriceBlock uint64
	Amount     decimal.Decimal
}

// Blocks returns the interval length in blocks.
func (i BalanceInterval) Blocks() uint64 {
	if i.End <= i.Start {
		return 0
	}
	return i.End - i.Start
}
