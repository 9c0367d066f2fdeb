package primary

import (
	"context"
	"fmt"
	"sync"
	"time"

	pointsdb "github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB is the primary points database: balance snapshots, project registry, points ledger,
// checkpoint, pending-referral outbox and the activity tables written by ingestion.
type DB struct {
	postgres.Client
	Name string
}

var _ pointsdb.PrimaryStore = (*DB)(nil)

// New connects to the primary database and creates its tables.
func New(ctx context.Context, logger *zap.Logger, opts postgres.Options) (*DB, error) {
	opts.Store = "primary"
	if opts.Pool == nil {
		opts.Pool = postgres.GetPoolConfigForComponent("processor_primary")
	}

	client, err := postgres.New(ctx, logger.With(
		zap.String("db", opts.DBName),
		zap.String("store", opts.Store),
	), opts)
	if err != nil {
		return nil, err
	}

	primaryDB := &DB{
		Client: client,
		Name:   opts.DBName,
	}

	if err := primaryDB.InitializeDB(ctx); err != nil {
		_ = primaryDB.Close()
		return nil, err
	}

	return primaryDB, nil
}

// InitializeDB ensures the required tables exist
// Creates all tables in parallel for efficiency
func (db *DB) InitializeDB(ctx context.Context) error {
	initStart := time.Now()

	db.Logger.Info("Initializing primary database", zap.String("database", db.Name))

	initOps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"balances_of_lp", db.initBalancesOfLp},
		{"projects", db.initProjects},
		{"points_history", db.initPointsHistory},
		{"address_first_deposits", db.initAddressFirstDeposits},
		{"points_checkpoint", db.initCheckpoint},
		{"pending_referrals", db.initPendingReferrals},
		{"deposits", db.initDeposits},
		{"block_times", db.initBlockTimes},
		{"block_token_prices", db.initBlockTokenPrices},
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(initOps))

	for _, op := range initOps {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			db.Logger.Debug("Initializing table", zap.String("table", name))
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("init %s: %w", name, err)
			}
		}(op.name, op.fn)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}

	db.Logger.Info("Primary database initialized successfully",
		zap.String("database", db.Name),
		zap.Duration("duration", time.Since(initStart)))

	return nil
}
