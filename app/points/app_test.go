package pointsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/config"
	"github.com/canopy-network/canopyx-points/pkg/db/memory"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/points/accrual"
	"github.com/canopy-network/canopyx-points/pkg/points/processor"
	"github.com/canopy-network/canopyx-points/pkg/points/resolver"
	"github.com/canopy-network/canopyx-points/pkg/price"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type noPrices struct{}

func (noPrices) Price(context.Context, string, uint64) (decimal.Decimal, error) {
	return decimal.Zero, price.ErrPriceUnavailable
}

// failingApp wires an App whose first block commit fails with a non-transient error.
func failingApp(t *testing.T, processOnStart bool) (*App, *memory.Primary) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store := memory.NewPrimary()
	require.NoError(t, store.RecordSnapshot(ctx, &points.BalanceSnapshot{
		Address:     "0x00000000000000000000000000000000000000a1",
		Position:    points.Position{PairAddress: "0x00000000000000000000000000000000000000c3", TokenAddress: "0x00000000000000000000000000000000000000d4"},
		BlockNumber: 0,
		Amount:      decimal.NewFromInt(1),
	}))
	store.BeforeCommit = func(string) error { return errors.New("disk full") }

	cfg := config.Accrual{HoldLpRate: decimal.RequireFromString("0.01"), HoldLpSettleInterval: 1}
	res := resolver.New(store, logger, 1)
	holdLp := accrual.NewHoldLpService(store, res, store, noPrices{}, cfg, 1, logger)
	deposits := accrual.NewDepositService(store, noPrices{}, cfg, logger)

	app := &App{
		Config:    config.Config{ProcessorCron: "@every 1h", ProcessOnStart: processOnStart},
		Resolver:  res,
		HoldLp:    holdLp,
		Processor: processor.New(store, store, store, store, deposits, holdLp, processor.Options{}, logger),
		Referrals: accrual.NewReferralService(store, memory.NewReferral(), decimal.RequireFromString("0.1"), 10, logger),
		Logger:    logger,
		halted:    make(chan struct{}),
	}
	require.NoError(t, app.SetupScheduler(ctx))
	return app, store
}

func TestTick_FailedProcessorStaysDown(t *testing.T) {
	app, store := failingApp(t, false)
	t.Cleanup(func() {
		app.HoldLp.Close()
		app.Resolver.Close()
	})

	err := app.Tick(context.Background())
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, processor.StateFailed, app.Processor.State())

	store.BeforeCommit = nil
	err = app.Tick(context.Background())
	require.ErrorIs(t, err, processor.ErrHalted)
	assert.Empty(t, store.Records())

	_, ok, err := store.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStart_ReturnsWhenProcessorFails(t *testing.T) {
	app, _ := failingApp(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := app.Start(ctx)
	require.ErrorContains(t, err, "disk full")
	assert.NoError(t, ctx.Err(), "Start must return on failure, not on shutdown")
}

func TestStart_ReturnsNilOnShutdown(t *testing.T) {
	app, store := failingApp(t, false)
	store.BeforeCommit = nil

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, app.Start(ctx))
}
