package report

import (
	"context"
	"testing"

	"github.com/canopy-network/canopyx-points/pkg/db/memory"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/points/resolver"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
	pair  = "0x00000000000000000000000000000000000000c3"
	token = "0x00000000000000000000000000000000000000d4"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T) (*Service, *memory.Primary, *memory.Referral) {
	t.Helper()
	primary := memory.NewPrimary()
	referrals := memory.NewReferral()
	res := resolver.New(primary, zaptest.NewLogger(t), 2)
	t.Cleanup(res.Close)
	return New(res, primary, referrals, nil, zaptest.NewLogger(t)), primary, referrals
}

func TestPoints_CombinesLedgers(t *testing.T) {
	ctx := context.Background()
	svc, primary, referrals := newService(t)

	require.NoError(t, primary.InsertPointRecords(ctx, []*points.PointRecord{
		{Address: alice, BlockNumber: 3, Category: points.CategoryDeposit, Amount: dec("100")},
		{Address: alice, BlockNumber: 5, Category: points.CategoryHoldLp, PairAddress: pair, Amount: dec("2.5")},
		{Address: alice, BlockNumber: 9, Category: points.CategoryHoldLp, PairAddress: pair, Amount: dec("4")},
	}))
	require.NoError(t, referrals.InsertReferralPoints(ctx, []*points.ReferralPoint{
		{Referrer: alice, Referee: bob, BlockNumber: 4, Amount: dec("10")},
	}))

	got, err := svc.Points(ctx, "0x00000000000000000000000000000000000000A1", 5)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Address)
	assert.Equal(t, "100", got.Categories[points.CategoryDeposit].String())
	assert.Equal(t, "2.5", got.Categories[points.CategoryHoldLp].String())
	assert.Equal(t, "10", got.Categories[points.CategoryReferral].String())
	assert.Equal(t, "112.5", got.Total.String())

	got, err = svc.Points(ctx, bob, 100)
	require.NoError(t, err)
	assert.True(t, got.Total.IsZero())
}

func TestPoints_RequiresAddress(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Points(context.Background(), " ", 1)
	assert.Error(t, err)
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	svc, primary, _ := newService(t)
	require.NoError(t, primary.InsertPointRecords(ctx, []*points.PointRecord{
		{Address: alice, BlockNumber: 1, Category: points.CategoryDeposit, Amount: dec("5")},
		{Address: bob, BlockNumber: 1, Category: points.CategoryDeposit, Amount: dec("7")},
		{Address: alice, BlockNumber: 8, Category: points.CategoryHoldLp, PairAddress: pair, Amount: dec("10")},
	}))

	rows, err := svc.Leaderboard(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, bob, rows[0].Address)

	rows, err = svc.Leaderboard(ctx, 8, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, alice, rows[0].Address)
	assert.Equal(t, "15", rows[0].Points.String())
}

func TestBalances(t *testing.T) {
	ctx := context.Background()
	svc, primary, _ := newService(t)
	position := points.Position{PairAddress: pair, TokenAddress: token}
	require.NoError(t, primary.RecordSnapshots(ctx, []*points.BalanceSnapshot{
		{Address: alice, Position: position, BlockNumber: 2, Amount: dec("3")},
		{Address: alice, Position: position, BlockNumber: 6, Amount: dec("4")},
		{Address: bob, Position: position, BlockNumber: 9, Amount: dec("1")},
	}))

	got, err := svc.Balances(ctx, []string{alice, bob}, 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alice, got[0].Address)
	assert.Equal(t, "4", got[0].Amount.String())
}
