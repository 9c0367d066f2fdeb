package db

import (
	"context"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/shopspring/decimal"
)

// TxScope runs fn inside one store transaction. The transaction travels in the context
// handed to fn, so repository calls made with that context join it. Transient connectivity
// failures replay the whole transaction; any other error rolls it back and is returned.
type TxScope interface {
	InTx(ctx context.Context, operation string, fn func(ctx context.Context) error) error
}

// SnapshotStore is the append-only balance snapshot store.
type SnapshotStore interface {
	RecordSnapshot(ctx context.Context, s *points.BalanceSnapshot) error
	RecordSnapshots(ctx context.Context, snapshots []*points.BalanceSnapshot) error
	ResolveLatest(ctx context.Context, address string, position points.Position, atBlock uint64) (*points.BalanceSnapshot, bool, error)
	ResolveLatestBatch(ctx context.Context, addresses []string, atBlock uint64) ([]*points.ResolvedBalance, error)
	SnapshotsInRange(ctx context.Context, address string, position points.Position, fromExclusive, toExclusive uint64) ([]*points.BalanceSnapshot, error)
	// ActivePositions lists the positions that may hold a balance in [from, to): non-zero at
	// from, or with a snapshot strictly inside the window.
	ActivePositions(ctx context.Context, from, to uint64) ([]points.AddressPosition, error)
	LastObservedBlock(ctx context.Context) (uint64, bool, error)
}

// ProjectRegistry maps pair addresses to project names.
type ProjectRegistry interface {
	ProjectNames(ctx context.Context, pairAddresses []string) (map[string]string, error)
	RegisterProject(ctx context.Context, project *points.Project) error
}

// Ledger is the append-only points ledger plus the processor checkpoint.
type Ledger interface {
	Checkpoint(ctx context.Context) (*points.Checkpoint, bool, error)
	AdvanceCheckpoint(ctx context.Context, cp *points.Checkpoint) error
	InsertPointRecords(ctx context.Context, records []*points.PointRecord) error
	// ClaimFirstDeposit writes the first-deposit marker and reports whether this call created it.
	ClaimFirstDeposit(ctx context.Context, address string, blockNumber uint64) (bool, error)
	EnqueueReferral(ctx context.Context, pending *points.PendingReferral) error
	PendingReferrals(ctx context.Context, limit int) ([]*points.PendingReferral, error)
	MarkReferralProcessed(ctx context.Context, referee string, blockNumber uint64) error
	PointsAt(ctx context.Context, address string, atBlock uint64) (points.CategoryTotals, error)
	Leaderboard(ctx context.Context, atBlock uint64, limit int) ([]points.AddressPoints, error)
}

// ActivitySource exposes per-block activity produced by ingestion.
type ActivitySource interface {
	DepositsAt(ctx context.Context, blockNumber uint64) ([]*points.Deposit, error)
}

// BlockTimes resolves block timestamps for time-indexed price sources.
type BlockTimes interface {
	BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error)
}

// BlockPrices persists the token prices looked up per block.
type BlockPrices interface {
	BlockPrice(ctx context.Context, token string, blockNumber uint64) (decimal.Decimal, bool, error)
	// RecordBlockPrice keeps the first price written for a (token, block).
	RecordBlockPrice(ctx context.Context, p *points.BlockTokenPrice) error
}

// PrimaryStore is everything the processor needs from the primary database.
type PrimaryStore interface {
	TxScope
	SnapshotStore
	ProjectRegistry
	Ledger
	ActivitySource
	BlockTimes
	BlockPrices
	Close() error
}

// ReferralStore is the separate referral database.
type ReferralStore interface {
	TxScope
	Referrer(ctx context.Context, referee string) (string, bool, error)
	AddReferralEdge(ctx context.Context, edge *points.ReferralEdge) error
	InsertReferralPoints(ctx context.Context, awards []*points.ReferralPoint) error
	ReferralPointsAt(ctx context.Context, referrer string, atBlock uint64) (decimal.Decimal, error)
	Close() error
}
