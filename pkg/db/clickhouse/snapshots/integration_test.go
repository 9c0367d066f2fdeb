//go:build integration

package snapshots_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	pointsdb "github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/clickhouse/snapshots"
	"github.com/canopy-network/canopyx-points/pkg/db/memory"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"go.uber.org/zap"
)

var (
	testDSN    string
	testLogger *zap.Logger
)

// TestMain starts one ClickHouse container; every test gets its own database on it.
func TestMain(m *testing.M) {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	ctx := context.Background()
	testLogger = zap.NewNop()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:23.8-alpine",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start clickhouse container: %v\n", err)
		exitCode = 1
		return
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.ConnectionHost(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection host: %v\n", err)
		exitCode = 1
		return
	}
	testDSN = fmt.Sprintf("clickhouse://%s?sslmode=disable", host)

	exitCode = m.Run()
}

func newStore(t *testing.T, projects pointsdb.ProjectRegistry) *snapshots.Store {
	t.Helper()
	s, err := snapshots.New(context.Background(), testLogger, testDSN, fmt.Sprintf("points_%d", time.Now().UnixNano()), projects)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
	pos   = points.Position{PairAddress: "0x00000000000000000000000000000000000000c3", TokenAddress: "0x00000000000000000000000000000000000000d4"}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSnapshots_ResolveLatest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.NewPrimary())

	_, ok, err := s.LastObservedBlock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RecordSnapshots(ctx, []*points.BalanceSnapshot{
		{Address: alice, Position: pos, BlockNumber: 10, Amount: dec("100")},
		{Address: alice, Position: pos, BlockNumber: 20, Amount: dec("200")},
		{Address: alice, Position: pos, BlockNumber: 30, Amount: dec("300")},
	}))

	_, ok, err = s.ResolveLatest(ctx, alice, pos, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	for at, want := range map[uint64]string{10: "100", 19: "100", 25: "200", 1000: "300"} {
		got, ok, err := s.ResolveLatest(ctx, alice, pos, at)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got.Amount.String(), "at %d", at)
	}

	last, ok, err := s.LastObservedBlock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(30), last)

	changes, err := s.SnapshotsInRange(ctx, alice, pos, 10, 30)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, uint64(20), changes[0].BlockNumber)
}

func TestSnapshots_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.NewPrimary())

	require.NoError(t, s.RecordSnapshot(ctx, &points.BalanceSnapshot{Address: alice, Position: pos, BlockNumber: 10, Amount: dec("1")}))
	err := s.RecordSnapshot(ctx, &points.BalanceSnapshot{Address: alice, Position: pos, BlockNumber: 10, Amount: dec("2")})
	assert.ErrorIs(t, err, pointsdb.ErrDuplicateSnapshot)

	err = s.RecordSnapshots(ctx, []*points.BalanceSnapshot{
		{Address: bob, Position: pos, BlockNumber: 11, Amount: dec("1")},
		{Address: bob, Position: pos, BlockNumber: 11, Amount: dec("3")},
	})
	assert.ErrorIs(t, err, pointsdb.ErrDuplicateSnapshot)

	got, _, err := s.ResolveLatest(ctx, alice, pos, 10)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Amount.String())

	// a rejected batch writes nothing
	_, ok, err := s.ResolveLatest(ctx, bob, pos, 11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshots_LatestBatchEnriched(t *testing.T) {
	ctx := context.Background()
	projects := memory.NewPrimary()
	require.NoError(t, projects.RegisterProject(ctx, &points.Project{PairAddress: pos.PairAddress, Name: "alpha"}))
	s := newStore(t, projects)

	require.NoError(t, s.RecordSnapshots(ctx, []*points.BalanceSnapshot{
		{Address: alice, Position: pos, BlockNumber: 1, Amount: dec("5")},
		{Address: bob, Position: pos, BlockNumber: 1, Amount: dec("5")},
		{Address: bob, Position: pos, BlockNumber: 4, Amount: dec("0")},
	}))

	got, err := s.ResolveLatestBatch(ctx, []string{alice, bob}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alice, got[0].Address)
	assert.Equal(t, "5", got[0].Amount.String())
	assert.Equal(t, "alpha", got[0].ProjectName)
}

func TestSnapshots_ActivePositions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.NewPrimary())
	other := points.Position{PairAddress: pos.PairAddress, TokenAddress: "0x00000000000000000000000000000000000000e5"}

	require.NoError(t, s.RecordSnapshots(ctx, []*points.BalanceSnapshot{
		{Address: alice, Position: pos, BlockNumber: 1, Amount: dec("10")},
		{Address: bob, Position: pos, BlockNumber: 1, Amount: dec("5")},
		{Address: bob, Position: pos, BlockNumber: 2, Amount: dec("0")},
		{Address: bob, Position: other, BlockNumber: 8, Amount: dec("1")},
	}))

	got, err := s.ActivePositions(ctx, 5, 6)
	require.NoError(t, err)
	assert.Equal(t, []points.AddressPosition{{Address: alice, Position: pos}}, got)

	got, err = s.ActivePositions(ctx, 5, 9)
	require.NoError(t, err)
	assert.Equal(t, []points.AddressPosition{{Address: alice, Position: pos}, {Address: bob, Position: other}}, got)
}
