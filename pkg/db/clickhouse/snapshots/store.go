package snapshots

import (
	"context"
	"fmt"

	pointsdb "github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/clickhouse"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store keeps balance snapshots in ClickHouse. Project names live in the primary
// store, so batch resolution enriches rows through Projects.
type Store struct {
	clickhouse.Client
	Projects pointsdb.ProjectRegistry
}

var _ pointsdb.SnapshotStore = (*Store)(nil)

// New connects to ClickHouse and creates the snapshot table.
func New(ctx context.Context, logger *zap.Logger, dsn, dbName string, projects pointsdb.ProjectRegistry) (*Store, error) {
	client, err := clickhouse.New(ctx, logger.With(zap.String("db", dbName), zap.String("store", "snapshots")), dsn, dbName, nil)
	if err != nil {
		return nil, err
	}

	s := &Store{Client: client, Projects: projects}
	if err := s.initBalancesOfLp(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("init %s: %w", points.BalanceSnapshotsTableName, err)
	}
	return s, nil
}

func (s *Store) initBalancesOfLp(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			address String,
			pair_address String,
			token_address String,
			block_number UInt64,
			amount Decimal(76, 18),
			created_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = MergeTree
		ORDER BY (address, pair_address, token_address, block_number)
	`, points.BalanceSnapshotsTableName)

	return s.Exec(ctx, query)
}

// RecordSnapshot appends one balance observation.
func (s *Store) RecordSnapshot(ctx context.Context, snap *points.BalanceSnapshot) error {
	return s.RecordSnapshots(ctx, []*points.BalanceSnapshot{snap})
}

// RecordSnapshots appends balance observations. MergeTree has no unique constraint, so keys are
// checked before the insert; any existing or repeated key rejects the whole batch.
func (s *Store) RecordSnapshots(ctx context.Context, snapshots []*points.BalanceSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	rows := make([]*points.BalanceSnapshot, 0, len(snapshots))
	seen := make(map[string]bool, len(snapshots))
	addresses := make([]string, 0, len(snapshots))
	blocks := make([]uint64, 0, len(snapshots))
	for _, in := range snapshots {
		if in.Amount.IsNegative() {
			return fmt.Errorf("snapshot %s: negative amount %s", in.Key(), in.Amount)
		}
		snap := normalize(in)
		if seen[snap.Key()] {
			return fmt.Errorf("%w: %s repeated in batch", pointsdb.ErrDuplicateSnapshot, snap.Key())
		}
		seen[snap.Key()] = true
		rows = append(rows, snap)
		addresses = append(addresses, snap.Address)
		blocks = append(blocks, snap.BlockNumber)
	}

	existing, err := s.Query(ctx, fmt.Sprintf(`
		SELECT address, pair_address, token_address, block_number
		FROM %s
		WHERE address IN ? AND block_number IN ?
	`, points.BalanceSnapshotsTableName), utils.Dedup(addresses), blocks)
	if err != nil {
		return fmt.Errorf("check existing snapshots: %w", err)
	}
	for existing.Next() {
		var snap points.BalanceSnapshot
		if err := existing.Scan(&snap.Address, &snap.PairAddress, &snap.TokenAddress, &snap.BlockNumber); err != nil {
			_ = existing.Close()
			return fmt.Errorf("scan existing snapshot: %w", err)
		}
		if seen[snap.Key()] {
			_ = existing.Close()
			return fmt.Errorf("%w: %s", pointsdb.ErrDuplicateSnapshot, snap.Key())
		}
	}
	if err := existing.Close(); err != nil {
		return err
	}

	batch, err := s.PrepareBatch(ctx, fmt.Sprintf(
		`INSERT INTO %s (address, pair_address, token_address, block_number, amount)`,
		points.BalanceSnapshotsTableName))
	if err != nil {
		return fmt.Errorf("prepare snapshot batch: %w", err)
	}
	for _, snap := range rows {
		if err := batch.Append(snap.Address, snap.PairAddress, snap.TokenAddress, snap.BlockNumber, snap.Amount); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append snapshot %s: %w", snap.Key(), err)
		}
	}
	return batch.Send()
}

// ResolveLatest returns the snapshot with the greatest block_number <= atBlock for the key.
func (s *Store) ResolveLatest(ctx context.Context, address string, position points.Position, atBlock uint64) (*points.BalanceSnapshot, bool, error) {
	query := fmt.Sprintf(`
		SELECT count() AS n, max(block_number) AS latest_block, argMax(amount, block_number) AS latest_amount
		FROM %s
		WHERE address = ? AND pair_address = ? AND token_address = ? AND block_number <= ?
	`, points.BalanceSnapshotsTableName)

	snap := normalize(&points.BalanceSnapshot{Address: address, Position: position})
	var (
		n      uint64
		block  uint64
		amount decimal.Decimal
	)
	if err := s.QueryRow(ctx, query, snap.Address, snap.PairAddress, snap.TokenAddress, atBlock).Scan(&n, &block, &amount); err != nil {
		return nil, false, fmt.Errorf("resolve latest balance: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	snap.BlockNumber = block
	snap.Amount = amount
	return snap, true, nil
}

// ResolveLatestBatch returns the latest non-zero snapshot of every position held by addresses
// at atBlock, enriched with project names from the registry.
func (s *Store) ResolveLatestBatch(ctx context.Context, addresses []string, atBlock uint64) ([]*points.ResolvedBalance, error) {
	addresses = utils.Dedup(addresses)
	if len(addresses) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT address, pair_address, token_address,
			max(block_number) AS latest_block,
			argMax(amount, block_number) AS latest_amount
		FROM %s
		WHERE address IN ? AND block_number <= ?
		GROUP BY address, pair_address, token_address
		HAVING latest_amount != 0
		ORDER BY address, pair_address, token_address
	`, points.BalanceSnapshotsTableName)

	rows, err := s.Query(ctx, query, addresses, atBlock)
	if err != nil {
		return nil, fmt.Errorf("resolve latest balances: %w", err)
	}
	defer rows.Close()

	var (
		out   []*points.ResolvedBalance
		pairs []string
	)
	for rows.Next() {
		var r points.ResolvedBalance
		if err := rows.Scan(&r.Address, &r.PairAddress, &r.TokenAddress, &r.BlockNumber, &r.Amount); err != nil {
			return nil, fmt.Errorf("scan resolved balance: %w", err)
		}
		out = append(out, &r)
		pairs = append(pairs, r.PairAddress)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.Projects != nil && len(out) > 0 {
		names, err := s.Projects.ProjectNames(ctx, pairs)
		if err != nil {
			return nil, err
		}
		for _, r := range out {
			r.ProjectName = names[r.PairAddress]
		}
	}

	return out, nil
}

// SnapshotsInRange returns the snapshots of one key strictly between the bounds, in block order.
func (s *Store) SnapshotsInRange(ctx context.Context, address string, position points.Position, fromExclusive, toExclusive uint64) ([]*points.BalanceSnapshot, error) {
	if toExclusive <= fromExclusive+1 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT block_number, amount
		FROM %s
		WHERE address = ? AND pair_address = ? AND token_address = ?
			AND block_number > ? AND block_number < ?
		ORDER BY block_number ASC
	`, points.BalanceSnapshotsTableName)

	key := normalize(&points.BalanceSnapshot{Address: address, Position: position})
	rows, err := s.Query(ctx, query, key.Address, key.PairAddress, key.TokenAddress, fromExclusive, toExclusive)
	if err != nil {
		return nil, fmt.Errorf("query snapshots in range: %w", err)
	}
	defer rows.Close()

	var out []*points.BalanceSnapshot
	for rows.Next() {
		snap := &points.BalanceSnapshot{Address: key.Address, Position: key.Position}
		if err := rows.Scan(&snap.BlockNumber, &snap.Amount); err != nil {
			return nil, fmt.Errorf("scan balance snapshot: %w", err)
		}
		out = append(out, snap)
	}

	return out, rows.Err()
}

// ActivePositions lists the keys whose latest snapshot at or before from is non-zero, plus
// the keys with a snapshot inside (from, to).
func (s *Store) ActivePositions(ctx context.Context, from, to uint64) ([]points.AddressPosition, error) {
	rows, err := s.Query(ctx, fmt.Sprintf(`
		SELECT address, pair_address, token_address
		FROM (
			SELECT address, pair_address, token_address,
				countIf(block_number <= ?) AS opened,
				argMaxIf(amount, block_number, block_number <= ?) AS opening_amount,
				countIf(block_number > ?) AS changes
			FROM %s
			WHERE block_number < ?
			GROUP BY address, pair_address, token_address
		)
		WHERE (opened > 0 AND opening_amount != 0) OR changes > 0
		ORDER BY address, pair_address, token_address
	`, points.BalanceSnapshotsTableName), from, from, from, to)
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
func (s *Store) LastObservedBlock(ctx context.Context) (uint64, bool, error) {
	var n, block uint64
	query := fmt.Sprintf(`SELECT count(), max(block_number) FROM %s`, points.BalanceSnapshotsTableName)
	if err := s.QueryRow(ctx, query).Scan(&n, &block); err != nil {
		return 0, false, fmt.Errorf("query last observed block: %w", err)
	}
	return block, n > 0, nil
}

func normalize(in *points.BalanceSnapshot) *points.BalanceSnapshot {
	return &points.BalanceSnapshot{
		Address: utils.NormalizeAddress(in.Address),
		Position: points.Position{
			PairAddress:  utils.NormalizeAddress(in.PairAddress),
			TokenAddress: utils.NormalizeAddress(in.TokenAddress),
		},
		BlockNumber: in.BlockNumber,
		Amount:      in.Amount,
	}
}
