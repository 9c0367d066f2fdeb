package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/canopy-network/canopyx-points/pkg/db/memory"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	holder = "0x00000000000000000000000000000000000000a1"
	pos    = points.Position{PairAddress: "0x0000000000000000000000000000000000000p01", TokenAddress: "0x00000000000000000000000000000000000000t1"}
)

func snap(addr string, p points.Position, block uint64, amount int64) *points.BalanceSnapshot {
	return &points.BalanceSnapshot{Address: addr, Position: p, BlockNumber: block, Amount: decimal.NewFromInt(amount)}
}

func newStore(t *testing.T, snaps ...*points.BalanceSnapshot) *memory.Primary {
	t.Helper()
	store := memory.NewPrimary()
	require.NoError(t, store.RecordSnapshots(context.Background(), snaps))
	return store
}

func TestLatest_MaxBlockAtOrBelowThreshold(t *testing.T) {
	store := newStore(t, snap(holder, pos, 10, 100), snap(holder, pos, 20, 200), snap(holder, pos, 30, 300))
	r := New(store, zaptest.NewLogger(t), 2)
	defer r.Close()

	tests := []struct {
		at     uint64
		found  bool
		amount int64
	}{
		{at: 5, found: false},
		{at: 10, found: true, amount: 100},
		{at: 19, found: true, amount: 100},
		{at: 25, found: true, amount: 200},
		{at: 30, found: true, amount: 300},
		{at: 1_000, found: true, amount: 300},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("at_%d", tt.at), func(t *testing.T) {
			got, ok, err := r.Latest(context.Background(), holder, pos, tt.at)
			require.NoError(t, err)
			require.Equal(t, tt.found, ok)
			if tt.found {
				assert.True(t, decimal.NewFromInt(tt.amount).Equal(got.Amount), "got %s", got.Amount)
				assert.LessOrEqual(t, got.BlockNumber, tt.at)
			}
		})
	}
}

func TestRecordSnapshots_RejectsDuplicateKey(t *testing.T) {
	store := newStore(t, snap(holder, pos, 10, 100))

	err := store.RecordSnapshots(context.Background(), []*points.BalanceSnapshot{snap(holder, pos, 11, 1), snap(holder, pos, 10, 5)})
	require.Error(t, err)

	// the batch is rejected as a whole, so block 11 was not written either
	got, ok, err := store.ResolveLatest(context.Background(), holder, pos, 11)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), got.BlockNumber)
	assert.Equal(t, "100", got.Amount.String())
}

func TestIntervals_Piecewise(t *testing.T) {
	store := newStore(t, snap(holder, pos, 0, 100), snap(holder, pos, 10, 50))
	r := New(store, zaptest.NewLogger(t), 1)
	defer r.Close()

	got, err := r.Intervals(context.Background(), holder, pos, 0, 25)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, uint64(0), got[0].Start)
	assert.Equal(t, uint64(10), got[0].End)
	assert.Equal(t, "100", got[0].Amount.String())
	assert.Equal(t, uint64(10), got[1].Start)
	assert.Equal(t, uint64(25), got[1].End)
	assert.Equal(t, "50", got[1].Amount.String())
}

func TestIntervals_NoPhantomBalanceBeforeFirstSnapshot(t *testing.T) {
	store := newStore(t, snap(holder, pos, 12, 70))
	r := New(store, zaptest.NewLogger(t), 1)
	defer r.Close()

	got, err := r.Intervals(context.Background(), holder, pos, 5, 20)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, points.BalanceInterval{Start: 12, End: 20, PriceBlock: 12, Amount: decimal.NewFromInt(70)}, got[0])

	got, err = r.Intervals(context.Background(), holder, pos, 0, 12)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIntervals_EverySnapshotOpensInterval(t *testing.T) {
	store := newStore(t, snap(holder, pos, 1, 10), snap(holder, pos, 4, 10), snap(holder, pos, 6, 0), snap(holder, pos, 8, 3))
	r := New(store, zaptest.NewLogger(t), 1)
	defer r.Close()

	got, err := r.Intervals(context.Background(), holder, pos, 2, 9)
	require.NoError(t, err)
	require.Len(t, got, 4)

	// the opening interval is clipped to the window but priced at its snapshot
	assert.Equal(t, uint64(2), got[0].Start)
	assert.Equal(t, uint64(4), got[0].End)
	assert.Equal(t, uint64(1), got[0].PriceBlock)

	assert.Equal(t, uint64(4), got[1].Start)
	assert.Equal(t, uint64(4), got[1].PriceBlock)
	assert.Equal(t, "10", got[1].Amount.String())
	assert.True(t, got[2].Amount.IsZero())
	assert.Equal(t, uint64(8), got[3].Start)
	assert.Equal(t, uint64(9), got[3].End)
	assert.Equal(t, uint64(8), got[3].PriceBlock)
}

func TestIntervals_PriceBlockStableAcrossWindows(t *testing.T) {
	store := newStore(t, snap(holder, pos, 3, 10), snap(holder, pos, 11, 4))
	r := New(store, zaptest.NewLogger(t), 1)
	defer r.Close()

	for from := uint64(3); from < 15; from++ {
		got, err := r.Intervals(context.Background(), holder, pos, from, from+1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		want := uint64(3)
		if from >= 11 {
			want = 11
		}
		assert.Equal(t, want, got[0].PriceBlock, "window at %d", from)
	}
}

func TestIntervals_ResumeSplitsAddUp(t *testing.T) {
	store := newStore(t, snap(holder, pos, 0, 100), snap(holder, pos, 10, 50))
	r := New(store, zaptest.NewLogger(t), 1)
	defer r.Close()

	weighted := func(ivs []points.BalanceInterval) decimal.Decimal {
		sum := decimal.Zero
		for _, iv := range ivs {
			sum = sum.Add(iv.Amount.Mul(decimal.NewFromInt(int64(iv.Blocks()))))
		}
		return sum
	}

	whole, err := r.Intervals(context.Background(), holder, pos, 0, 25)
	require.NoError(t, err)
	first, err := r.Intervals(context.Background(), holder, pos, 0, 7)
	require.NoError(t, err)
	second, err := r.Intervals(context.Background(), holder, pos, 7, 25)
	require.NoError(t, err)

	assert.True(t, weighted(whole).Equal(weighted(first).Add(weighted(second))))
	assert.Equal(t, "1750", weighted(whole).String())
}

func TestIntervals_EmptyRange(t *testing.T) {
	r := New(newStore(t), zaptest.NewLogger(t), 1)
	defer r.Close()

	got, err := r.Intervals(context.Background(), holder, pos, 5, 5)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLatestBatch_ChunksAndEnriches(t *testing.T) {
	var snaps []*points.BalanceSnapshot
	var addrs []string
	for i := 0; i < 7; i++ {
		addr := fmt.Sprintf("0x%040d", i+1)
		addrs = append(addrs, addr)
		snaps = append(snaps, snap(addr, pos, 5, int64(i+1)))
	}
	// zero balance at the query block is not a holding
	snaps = append(snaps, snap(addrs[0], pos, 8, 0))
	store := newStore(t, snaps...)
	require.NoError(t, store.RegisterProject(context.Background(), &points.Project{PairAddress: pos.PairAddress, Name: "alpha"}))

	r := New(store, zaptest.NewLogger(t), 3, WithBatchSize(2))
	defer r.Close()

	got, err := r.LatestBatch(context.Background(), append(addrs, addrs[3]), 10)
	require.NoError(t, err)
	require.Len(t, got, 6)
	for i, rb := range got {
		assert.Equal(t, addrs[i+1], rb.Address)
		assert.Equal(t, "alpha", rb.ProjectName)
	}
}

type failingStore struct {
	*memory.Primary
}

func (f failingStore) ResolveLatestBatch(context.Context, []string, uint64) ([]*points.ResolvedBalance, error) {
	return nil, errors.New("boom")
}

func TestLatestBatch_PropagatesErrors(t *testing.T) {
	r := New(failingStore{memory.NewPrimary()}, zaptest.NewLogger(t), 2)
	defer r.Close()

	_, err := r.LatestBatch(context.Background(), []string{"0x01", "0x02"}, 1)
	assert.ErrorContains(t, err, "boom")
}
