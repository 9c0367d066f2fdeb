package points

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DepositsTableName         = "deposits"
	BlockTimesTableName       = "block_times"
	ProjectsTableName         = "projects"
	BlockTokenPricesTableName = "block_token_prices"
)

// Deposit is a bridge/protocol deposit observed by ingestion.
type Deposit struct {
	Address      string          `json:"address"`
	TokenAddress string          `json:"token_address"`
	BlockNumber  uint64          `json:"block_number"`
	Amount       decimal.Decimal `json:"amount"`
	TxHash       string          `json:"tx_hash"`
}

// BlockTime maps a block number to its timestamp, used by time-indexed price APIs.
type BlockTime struct {
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
}

// BlockTokenPrice is the USD price of one whole token unit as looked up for a block.
// Rows are immutable once written.
type BlockTokenPrice struct {
	TokenAddress string          `json:"token_address"`
	BlockNumber  uint64          `json:"block_number"`
	USDPrice     decimal.Decimal `json:"usd_price"`
}

// Project registers a pair under a human readable project name.
type Project struct {
	PairAddress string `json:"pair_address"`
	Name        string `json:"name"`
}
