package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"go.uber.org/zap"
)

const (
	defaultWorkers   = 8
	defaultBatchSize = 200
)

// Resolver answers "what was the balance at block N" over the sparse snapshot store.
type Resolver struct {
	store     db.SnapshotStore
	logger    *zap.Logger
	pool      pond.Pool
	batchSize int
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithBatchSize sets how many addresses go into one store query in LatestBatch.
func WithBatchSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New builds a Resolver. workers bounds the concurrent store queries issued by LatestBatch.
func New(store db.SnapshotStore, logger *zap.Logger, workers int, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	r := &Resolver{
		store:     store,
		logger:    logger,
		pool:      pond.NewPool(workers, pond.WithQueueSize(workers*4)),
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close stops the worker pool after in-flight lookups finish.
func (r *Resolver) Close() {
	r.pool.StopAndWait()
}

// Latest returns the snapshot with the greatest block <= atBlock, false when the position had
// not been observed by then. Such positions hold nothing; they are never given a phantom balance.
func (r *Resolver) Latest(ctx context.Context, address string, position points.Position, atBlock uint64) (*points.BalanceSnapshot, bool, error) {
	return r.store.ResolveLatest(ctx, address, position, atBlock)
}

// Intervals splits [from, to) into one interval per snapshot that covers part of it.
// Coverage starts at the first snapshot when the position did not exist at from, so the
// result may begin after from. Snapshots are never merged, even with an unchanged amount:
// each one is priced at its own block, which keeps the split independent of the window.
func (r *Resolver) Intervals(ctx context.Context, address string, position points.Position, from, to uint64) ([]points.BalanceInterval, error) {
	if from >= to {
		return nil, nil
	}

	opening, found, err := r.store.ResolveLatest(ctx, address, position, from)
	if err != nil {
		return nil, fmt.Errorf("resolve balance of %s %s at %d: %w", address, position, from, err)
	}
	changes, err := r.store.SnapshotsInRange(ctx, address, position, from, to)
	if err != nil {
		return nil, fmt.Errorf("snapshots of %s %s in [%d, %d): %w", address, position, from, to, err)
	}

	var out []points.BalanceInterval
	var current *points.BalanceInterval
	if found {
		current = &points.BalanceInterval{Start: from, PriceBlock: opening.BlockNumber, Amount: opening.Amount}
	}

	for _, s := range changes {
		if s.BlockNumber <= from || s.BlockNumber >= to {
			continue
		}
		if current != nil {
			current.End = s.BlockNumber
			if current.Blocks() > 0 {
				out = append(out, *current)
			}
		}
		current = &points.BalanceInterval{Start: s.BlockNumber, PriceBlock: s.BlockNumber, Amount: s.Amount}
	}

	if current != nil {
		current.End = to
		if current.Blocks() > 0 {
			out = append(out, *current)
		}
	}

	return out, nil
}

// LatestBatch resolves every position held by addresses at atBlock. Addresses are split into
// chunks queried concurrently on the worker pool; the result is ordered by address, pair, token.
func (r *Resolver) LatestBatch(ctx context.Context, addresses []string, atBlock uint64) ([]*points.ResolvedBalance, error) {
	chunks := utils.Chunk(utils.Dedup(addresses), r.batchSize)
	if len(chunks) == 0 {
		return nil, nil
	}

	results := make([][]*points.ResolvedBalance, len(chunks))
	errs := make([]error, len(chunks))

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, chunk := range chunks {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = r.store.ResolveLatestBatch(groupCtx, chunk, atBlock)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("parallel balance resolution encountered error",
			zap.Uint64("block", atBlock),
			zap.Error(err))
	}

	var out []*points.ResolvedBalance
	for i := range chunks {
		if errs[i] != nil {
			return nil, fmt.Errorf("resolve balances at %d: %w", atBlock, errs[i])
		}
		out = append(out, results[i]...)
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Address != out[b].Address {
			return out[a].Address < out[b].Address
		}
		if out[a].PairAddress != out[b].PairAddress {
			return out[a].PairAddress < out[b].PairAddress
		}
		return out[a].TokenAddress < out[b].TokenAddress
	})

	return out, nil
}
