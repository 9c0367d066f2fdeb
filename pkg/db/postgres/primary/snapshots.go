package primary

import (
	"context"
	"fmt"

	pointsdb "github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/db/postgres"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/jackc/pgx/v5"
)

// initBalancesOfLp creates the balance snapshot table.
// The composite index serves the "greatest block_number <= N per key" lookups.
func (db *DB) initBalancesOfLp(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS balances_of_lp (
			address TEXT NOT NULL,
			pair_address TEXT NOT NULL,
			token_address TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			amount NUMERIC NOT NULL CHECK (amount >= 0),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (address, pair_address, token_address, block_number)
		);
		CREATE INDEX IF NOT EXISTS idx_balances_of_lp_block ON balances_of_lp (block_number);
	`

	return db.Exec(ctx, query)
}

// RecordSnapshot appends one balance observation.
func (db *DB) RecordSnapshot(ctx context.Context, s *points.BalanceSnapshot) error {
	return db.RecordSnapshots(ctx, []*points.BalanceSnapshot{s})
}

// RecordSnapshots appends balance observations in one transaction.
// A duplicate key rejects the whole batch with db.ErrDuplicateSnapshot.
func (db *DB) RecordSnapshots(ctx context.Context, snapshots []*points.BalanceSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO balances_of_lp (address, pair_address, token_address, block_number, amount)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, s := range snapshots {
		if s.Amount.IsNegative() {
			return fmt.Errorf("snapshot %s: negative amount %s", s.Key(), s.Amount)
		}
		batch.Queue(query,
			utils.NormalizeAddress(s.Address),
			utils.NormalizeAddress(s.PairAddress),
			utils.NormalizeAddress(s.TokenAddress),
			s.BlockNumber,
			s.Amount,
		)
	}

	return db.InTx(ctx, "record_snapshots", func(ctx context.Context) error {
		if err := db.ExecuteBatch(ctx, batch); err != nil {
			if postgres.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %v", pointsdb.ErrDuplicateSnapshot, err)
			}
			return fmt.Errorf("insert balance snapshots: %w", err)
		}
		return nil
	})
}

// ResolveLatest returns the snapshot with the greatest block_number <= atBlock for the key,
// or false when the position had not been observed yet at that block.
func (db *DB) ResolveLatest(ctx context.Context, address string, position points.Position, atBlock uint64) (*points.BalanceSnapshot, bool, error) {
	query := `
		SELECT address, pair_address, token_address, block_number, amount
		FROM balances_of_lp
		WHERE address = $1 AND pair_address = $2 AND token_address = $3 AND block_number <= $4
		ORDER BY block_number DESC
		LIMIT 1
	`

	var s points.BalanceSnapshot
	err := db.QueryRow(ctx, query,
		utils.NormalizeAddress(address),
		utils.NormalizeAddress(position.PairAddress),
		utils.NormalizeAddress(position.TokenAddress),
		atBlock,
	).Scan(&s.Address, &s.PairAddress, &s.TokenAddress, &s.BlockNumber, &s.Amount)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("resolve latest balance: %w", err)
	}

	return &s, true, nil
}

// ResolveLatestBatch returns, for every address, the latest snapshot of each position it holds
// at atBlock, enriched with the project name of the pair. Zero balances are left out.
func (db *DB) ResolveLatestBatch(ctx context.Context, addresses []string, atBlock uint64) ([]*points.ResolvedBalance, error) {
	addresses = utils.Dedup(addresses)
	if len(addresses) == 0 {
		return nil, nil
	}

	query := `
		SELECT b.address, b.pair_address, b.token_address, b.block_number, b.amount, COALESCE(p.name, '')
		FROM balances_of_lp b
		INNER JOIN (
			SELECT address, pair_address, token_address, MAX(block_number) AS block_number
			FROM balances_of_lp
			WHERE address = ANY($1) AND block_number <= $2
			GROUP BY address, pair_address, token_address
		) latest
			ON latest.address = b.address
			AND latest.pair_address = b.pair_address
			AND latest.token_address = b.token_address
			AND latest.block_number = b.block_number
		LEFT JOIN projects p ON p.pair_address = b.pair_address
		WHERE b.amount <> 0
		ORDER BY b.address, b.pair_address, b.token_address
	`

	rows, err := db.Query(ctx, query, addresses, atBlock)
	if err != nil {
		return nil, fmt.Errorf("resolve latest balances: %w", err)
	}
	defer rows.Close()

	var out []*points.ResolvedBalance
	for rows.Next() {
		var r points.ResolvedBalance
		if err := rows.Scan(&r.Address, &r.PairAddress, &r.TokenAddress, &r.BlockNumber, &r.Amount, &r.ProjectName); err != nil {
			return nil, fmt.Errorf("scan resolved balance: %w", err)
		}
		out = append(out, &r)
	}

	return out, rows.Err()
}

// SnapshotsInRange returns the snapshots of one key with fromExclusive < block_number < toExclusive,
// in block order.
func (db *DB) SnapshotsInRange(ctx context.Context, address string, position points.Position, fromExclusive, toExclusive uint64) ([]*points.BalanceSnapshot, error) {
	if toExclusive <= fromExclusive+1 {
		return nil, nil
	}

	query := `
		SELECT address, pair_address, token_address, block_number, amount
		FROM balances_of_lp
		WHERE address = $1 AND pair_address = $2 AND token_address = $3
			AND block_number > $4 AND block_number < $5
		ORDER BY block_number ASC
	`

	rows, err := db.Query(ctx, query,
		utils.NormalizeAddress(address),
		utils.NormalizeAddress(position.PairAddress),
		utils.NormalizeAddress(position.TokenAddress),
		fromExclusive, toExclusive,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshots in range: %w", err)
	}
	defer rows.Close()

	var out []*points.BalanceSnapshot
	for rows.Next() {
		var s points.BalanceSnapshot
		if err := rows.Scan(&s.Address, &s.PairAddress, &s.TokenAddress, &s.BlockNumber, &s.Amount); err != nil {
			return nil, fmt.Errorf("scan balance snapshot: %w", err)
		}
		out = append(out, &s)
	}

	return out, rows.Err()
}

// ActivePositions lists the keys whose latest snapshot at or before from is non-zero, plus
// the keys with a snapshot inside (from, to).
func (db *DB) ActivePositions(ctx context.Context, from, to uint64) ([]points.AddressPosition, error) {
	query := `
		SELECT address, pair_address, token_address FROM (
			SELECT DISTINCT ON (address, pair_address, token_address)
				address, pair_address, token_address, amount
			FROM balances_of_lp
			WHERE block_number <= $1
			ORDER BY address, pair_address, token_address, block_number DESC
		) opening
		WHERE opening.amount <> 0
		UNION
		SELECT address, pair_address, token_address
		FROM balances_of_lp
		WHERE block_number > $1 AND block_number < $2
		ORDER BY 1, 2, 3
	`

	rows, err := db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	defer rows.Close()

	var out []points.AddressPosition
	for rows.Next() {
		var ap points.AddressPosition
		if err := rows.Scan(&ap.Address, &ap.PairAddress, &ap.TokenAddress); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, ap)
	}

	return out, rows.Err()
}

// LastObservedBlock returns the highest block with a snapshot, false when the table is empty.
func (db *DB) LastObservedBlock(ctx context.Context) (uint64, bool, error) {
	var height *int64
	if err := db.QueryRow(ctx, `SELECT MAX(block_number) FROM balances_of_lp`).Scan(&height); err != nil {
		return 0, false, fmt.Errorf("query last observed block: %w", err)
	}
	if height == nil {
		return 0, false, nil
	}
	return uint64(*height), true, nil
}
