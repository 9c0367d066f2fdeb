package referral

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
	"go.uber.org/zap"
)

// DB is the referral database: referral edges and the referral awards derived from them.
// It is a separate store from the primary database and has its own transaction scope.
type DB struct {
	postgres.Client
	Name string
}

var _ pointsdb.ReferralStore = (*DB)(nil)

// New connects to the referral database and creates its tables.
func New(ctx context.Context, logger *zap.Logger, opts postgres.Options) (*DB, error) {
	opts.Store = "referral"
	if opts.Pool == nil {
		opts.Pool = postgres.GetPoolConfigForComponent("processor_referral")
	}

	client, err := postgres.New(ctx, logger.With(
		zap.String("db", opts.DBName),
		zap.String("store", opts.Store),
	), opts)
	if err != nil {
		return nil, err
	}

	referralDB := &DB{
		Client: client,
		Name:   opts.DBName,
	}

	if err := referralDB.InitializeDB(ctx); err != nil {
		_ = referralDB.Close()
		return nil, err
	}

	return referralDB, nil
}

// InitializeDB ensures the referral tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	initStart := time.Now()

	for _, fn := range []func(context.Context) error{db.initReferrals, db.initReferralPoints} {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("initialize referral database: %w", err)
		}
	}

	db.Logger.Info("Referral database initialized successfully",
		zap.String("database", db.Name),
		zap.Duration("duration", time.Since(initStart)))

	return nil
}

func (db *DB) initReferrals(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS referrals (
			referee TEXT PRIMARY KEY,
			referrer TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CHECK (referee <> referrer)
		);
		CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals (referrer);
	`

	return db.Exec(ctx, query)
}

func (db *DB) initReferralPoints(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS referral_points (
			referrer TEXT NOT NULL,
			referee TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			amount NUMERIC NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (referrer, referee, block_number)
		)
	`

	return db.Exec(ctx, query)
}

// Referrer returns the address that referred referee, false when there is none.
func (db *DB) Referrer(ctx context.Context, referee string) (string, bool, error) {
	var referrer string
	err := db.QueryRow(ctx, `SELECT referrer FROM referrals WHERE referee = $1`, utils.NormalizeAddress(referee)).Scan(&referrer)
	if err != nil {
		if postgres.IsNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query referrer: %w", err)
	}
	return referrer, true, nil
}

// AddReferralEdge records who referred whom. A referee keeps its first referrer.
func (db *DB) AddReferralEdge(ctx context.Context, edge *points.ReferralEdge) error {
	referrer := utils.NormalizeAddress(edge.Referrer)
	referee := utils.NormalizeAddress(edge.Referee)
	if referrer == "" || referee == "" || referrer == referee {
		return fmt.Errorf("invalid referral edge %s -> %s", edge.Referrer, edge.Referee)
	}

	query := `
		INSERT INTO referrals (referee, referrer)
		VALUES ($1, $2)
		ON CONFLICT (referee) DO NOTHING
	`

	return db.Exec(ctx, query, referee, referrer)
}

// InsertReferralPoints stores referral awards. Replaying the same award is a no-op, which
// makes the outbox drain safe to repeat after a partial failure.
func (db *DB) InsertReferralPoints(ctx context.Context, awards []*points.ReferralPoint) error {
	if len(awards) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO referral_points (referrer, referee, block_number, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (referrer, referee, block_number) DO NOTHING
	`
	for _, a := range awards {
		batch.Queue(query, utils.NormalizeAddress(a.Referrer), utils.NormalizeAddress(a.Referee), a.BlockNumber, a.Amount)
	}

	if err := db.ExecuteBatch(ctx, batch); err != nil {
		return fmt.Errorf("insert referral points: %w", err)
	}
	return nil
}

// ReferralPointsAt sums the referral awards earned by referrer up to and including atBlock.
func (db *DB) ReferralPointsAt(ctx context.Context, referrer string, atBlock uint64) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM referral_points
		WHERE referrer = $1 AND block_number <= $2
	`

	var sum decimal.Decimal
	if err := db.QueryRow(ctx, query, utils.NormalizeAddress(referrer), atBlock).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("query referral points: %w", err)
	}
	return sum, nil
}
