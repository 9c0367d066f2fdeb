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

// initPointsHistory creates the append-only points ledger.
// pair_address is '' for categories that are not tied to a pair.
func (db *DB) initPointsHistory(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS points_history (
			address TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			category TEXT NOT NULL,
			pair_address TEXT NOT NULL DEFAULT '',
			amount NUMERIC NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (address, block_number, category, pair_address)
		);
		CREATE INDEX IF NOT EXISTS idx_points_history_block ON points_history (block_number);
	`

	return db.Exec(ctx, query)
}

// initAddressFirstDeposits creates the at-most-once deposit marker table.
func (db *DB) initAddressFirstDeposits(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS address_first_deposits (
			address TEXT PRIMARY KEY,
			block_number BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`

	return db.Exec(ctx, query)
}

// initCheckpoint creates the single-row processor checkpoint.
func (db *DB) initCheckpoint(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS points_checkpoint (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			last_block BIGINT NOT NULL,
			hold_lp_settled_through BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`

	return db.Exec(ctx, query)
}

// Checkpoint returns the processor checkpoint, false when nothing has been committed yet.
func (db *DB) Checkpoint(ctx context.Context) (*points.Checkpoint, bool, error) {
	query := `
		SELECT last_block, hold_lp_settled_through, updated_at
		FROM points_checkpoint
		WHERE id = 1
	`

	var cp points.Checkpoint
	err := db.QueryRow(ctx, query).Scan(&cp.LastBlock, &cp.HoldLpSettledThrough, &cp.UpdatedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query checkpoint: %w", err)
	}

	return &cp, true, nil
}

// AdvanceCheckpoint upserts the checkpoint.
// Uses GREATEST so neither field ever goes backwards.
func (db *DB) AdvanceCheckpoint(ctx context.Context, cp *points.Checkpoint) error {
	query := `
		INSERT INTO points_checkpoint (id, last_block, hold_lp_settled_through, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_block = GREATEST(points_checkpoint.last_block, EXCLUDED.last_block),
			hold_lp_settled_through = GREATEST(points_checkpoint.hold_lp_settled_through, EXCLUDED.hold_lp_settled_through),
			updated_at = NOW()
	`

	if err := db.Exec(ctx, query, cp.LastBlock, cp.HoldLpSettledThrough); err != nil {
		return fmt.Errorf("advance checkpoint to %d: %w", cp.LastBlock, err)
	}
	return nil
}

// InsertPointRecords appends point records. Records are immutable: an existing key fails the
// insert with db.ErrDuplicatePoint instead of being overwritten.
func (db *DB) InsertPointRecords(ctx context.Context, records []*points.PointRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO points_history (address, block_number, category, pair_address, amount)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, r := range records {
		if !r.Category.Valid() {
			return fmt.Errorf("point record %s: unknown category %q", r.Key(), r.Category)
		}
		pair := ""
		if r.PairAddress != "" {
			pair = utils.NormalizeAddress(r.PairAddress)
		}
		batch.Queue(query, utils.NormalizeAddress(r.Address), r.BlockNumber, string(r.Category), pair, r.Amount)
	}

	if err := db.ExecuteBatch(ctx, batch); err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", pointsdb.ErrDuplicatePoint, err)
		}
		return fmt.Errorf("insert point records: %w", err)
	}
	return nil
}

// ClaimFirstDeposit writes the first-deposit marker for address and reports whether this call
// created it. A concurrent or earlier claim makes it return false without error.
func (db *DB) ClaimFirstDeposit(ctx context.Context, address string, blockNumber uint64) (bool, error) {
	query := `
		INSERT INTO address_first_deposits (address, block_number)
		VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING
	`

	tag, err := db.GetExecutor(ctx).Exec(ctx, query, utils.NormalizeAddress(address), blockNumber)
	if err != nil {
		return false, fmt.Errorf("claim first deposit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PointsAt sums the ledger of address up to and including atBlock, per category.
func (db *DB) PointsAt(ctx context.Context, address string, atBlock uint64) (points.CategoryTotals, error) {
	query := `
		SELECT category, COALESCE(SUM(amount), 0)
		FROM points_history
		WHERE address = $1 AND block_number <= $2
		GROUP BY category
	`

	rows, err := db.Query(ctx, query, utils.NormalizeAddress(address), atBlock)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	totals := points.CategoryTotals{}
	for rows.Next() {
		var (
			category string
			sum      decimal.Decimal
		)
		if err := rows.Scan(&category, &sum); err != nil {
			return nil, fmt.Errorf("scan points: %w", err)
		}
		totals[points.Category(category)] = sum
	}

	return totals, rows.Err()
}

// Leaderboard ranks addresses by cumulative points at atBlock.
func (db *DB) Leaderboard(ctx context.Context, atBlock uint64, limit int) ([]points.AddressPoints, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT address, SUM(amount) AS total
		FROM points_history
		WHERE block_number <= $1
		GROUP BY address
		ORDER BY total DESC, address ASC
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, atBlock, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []points.AddressPoints
	for rows.Next() {
		var ap points.AddressPoints
		if err := rows.Scan(&ap.Address, &ap.Points); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		out = append(out, ap)
	}

	return out, rows.Err()
}

// initPendingReferrals creates the referral outbox.
func (db *DB) initPendingReferrals(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS pending_referrals (
			referee TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			deposit_points NUMERIC NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMP WITH TIME ZONE,
			PRIMARY KEY (referee, block_number)
		);
		CREATE INDEX IF NOT EXISTS idx_pending_referrals_open
			ON pending_referrals (block_number) WHERE processed_at IS NULL;
	`

	return db.Exec(ctx, query)
}

// EnqueueReferral writes an outbox row. It is meant to run in the same transaction as the
// deposit award it belongs to.
func (db *DB) EnqueueReferral(ctx context.Context, pending *points.PendingReferral) error {
	query := `
		INSERT INTO pending_referrals (referee, block_number, deposit_points)
		VALUES ($1, $2, $3)
		ON CONFLICT (referee, block_number) DO NOTHING
	`

	if err := db.Exec(ctx, query, utils.NormalizeAddress(pending.Referee), pending.BlockNumber, pending.DepositPoints); err != nil {
		return fmt.Errorf("enqueue referral: %w", err)
	}
	return nil
}

// PendingReferrals returns up to limit unprocessed outbox rows, oldest block first.
func (db *DB) PendingReferrals(ctx context.Context, limit int) ([]*points.PendingReferral, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT referee, block_number, deposit_points, created_at
		FROM pending_referrals
		WHERE processed_at IS NULL
		ORDER BY block_number ASC, referee ASC
		LIMIT $1
	`

	rows, err := db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending referrals: %w", err)
	}
	defer rows.Close()

	var out []*points.PendingReferral
	for rows.Next() {
		var p points.PendingReferral
		if err := rows.Scan(&p.Referee, &p.BlockNumber, &p.DepositPoints, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending referral: %w", err)
		}
		out = append(out, &p)
	}

	return out, rows.Err()
}

// MarkReferralProcessed closes an outbox row. Marking an already processed row is a no-op.
func (db *DB) MarkReferralProcessed(ctx context.Context, referee string, blockNumber uint64) error {
	query := `
		UPDATE pending_referrals
		SET processed_at = $3
		WHERE referee = $1 AND block_number = $2 AND processed_at IS NULL
	`

	if err := db.Exec(ctx, query, utils.NormalizeAddress(referee), blockNumber, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark referral processed: %w", err)
	}
	return nil
}
