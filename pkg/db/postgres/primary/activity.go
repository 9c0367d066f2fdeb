package primary

import (
	"context"
	"fmt"
	"time"

	pointsdb "github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/db/postgres"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// initDeposits creates the deposit activity table written by ingestion.
func (db *DB) initDeposits(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS deposits (
			tx_hash TEXT NOT NULL,
			address TEXT NOT NULL,
			token_address TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			amount NUMERIC NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tx_hash, address, token_address)
		);
		CREATE INDEX IF NOT EXISTS idx_deposits_block ON deposits (block_number);
	`

	return db.Exec(ctx, query)
}

// initBlockTimes creates the block timestamp table written by ingestion.
func (db *DB) initBlockTimes(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS block_times (
			block_number BIGINT PRIMARY KEY,
			block_time TIMESTAMP WITH TIME ZONE NOT NULL
		)
	`

	return db.Exec(ctx, query)
}

// initBlockTokenPrices creates the table of prices looked up per block.
func (db *DB) initBlockTokenPrices(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS block_token_prices (
			token_address TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			usd_price NUMERIC NOT NULL CHECK (usd_price >= 0),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (token_address, block_number)
		)
	`

	return db.Exec(ctx, query)
}

// RecordDeposits stores deposits observed by ingestion. Replays of the same transaction are ignored.
func (db *DB) RecordDeposits(ctx context.Context, deposits []*points.Deposit) error {
	if len(deposits) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO deposits (tx_hash, address, token_address, block_number, amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash, address, token_address) DO NOTHING
	`
	for _, d := range deposits {
		batch.Queue(query, d.TxHash, utils.NormalizeAddress(d.Address), utils.NormalizeAddress(d.TokenAddress), d.BlockNumber, d.Amount)
	}

	if err := db.ExecuteBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert deposits: %w", err)
	}
	return nil
}

// DepositsAt returns the deposits of one block in a stable order.
func (db *DB) DepositsAt(ctx context.Context, blockNumber uint64) ([]*points.Deposit, error) {
	query := `
		SELECT address, token_address, block_number, amount, tx_hash
		FROM deposits
		WHERE block_number = $1
		ORDER BY tx_hash, address, token_address
	`

	rows, err := db.Query(ctx, query, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	var out []*points.Deposit
	for rows.Next() {
		var d points.Deposit
		if err := rows.Scan(&d.Address, &d.TokenAddress, &d.BlockNumber, &d.Amount, &d.TxHash); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		out = append(out, &d)
	}

	return out, rows.Err()
}

// RecordBlockTimes stores block timestamps. An existing block keeps its first timestamp.
func (db *DB) RecordBlockTimes(ctx context.Context, times []*points.BlockTime) error {
	if len(times) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO block_times (block_number, block_time)
		VALUES ($1, $2)
		ON CONFLICT (block_number) DO NOTHING
	`
	for _, bt := range times {
		batch.Queue(query, bt.BlockNumber, bt.Timestamp.UTC())
	}

	if err := db.ExecuteBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert block times: %w", err)
	}
	return nil
}

// BlockTime returns the timestamp of a block, db.ErrNotFound when ingestion has not recorded it.
func (db *DB) BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	var ts time.Time
	err := db.QueryRow(ctx, `SELECT block_time FROM block_times WHERE block_number = $1`, blockNumber).Scan(&ts)
	if err != nil {
		if postgres.IsNoRows(err) {
			return time.Time{}, fmt.Errorf("block %d: %w", blockNumber, pointsdb.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("query block time: %w", err)
	}
	return ts.UTC(), nil
}

// RecordBlockPrice stores a looked-up price. An existing (token, block) keeps its first price.
func (db *DB) RecordBlockPrice(ctx context.Context, p *points.BlockTokenPrice) error {
	query := `
		INSERT INTO block_token_prices (token_address, block_number, usd_price)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_address, block_number) DO NOTHING
	`
	if err := db.Exec(ctx, query, utils.NormalizeAddress(p.TokenAddress), p.BlockNumber, p.USDPrice); err != nil {
		return fmt.Errorf("insert block token price: %w", err)
	}
	return nil
}

// BlockPrice returns the stored price of token at a block, false when none was recorded.
func (db *DB) BlockPrice(ctx context.Context, token string, blockNumber uint64) (decimal.Decimal, bool, error) {
	var p decimal.Decimal
	err := db.QueryRow(ctx,
		`SELECT usd_price FROM block_token_prices WHERE token_address = $1 AND block_number = $2`,
		utils.NormalizeAddress(token), blockNumber,
	).Scan(&p)
	if err != nil {
		if postgres.IsNoRows(err) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("query block token price: %w", err)
	}
	return p, true, nil
}
