package pointsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/config"
	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/clickhouse/snapshots"
	"github.com/canopy-network/canopyx-points/pkg/db/postgres"
	"github.com/canopy-network/canopyx-points/pkg/db/postgres/primary"
	"github.com/canopy-network/canopyx-points/pkg/db/postgres/referral"
	"github.com/canopy-network/canopyx-points/pkg/logging"
	"github.com/canopy-network/canopyx-points/pkg/points/accrual"
	"github.com/canopy-network/canopyx-points/pkg/points/processor"
	"github.com/canopy-network/canopyx-points/pkg/points/resolver"
	"github.com/canopy-network/canopyx-points/pkg/price"
	"github.com/canopy-network/canopyx-points/pkg/redis"
	"github.com/canopy-network/canopyx-points/pkg/retry"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// BlockProcessedChannel receives one message per committed block.
const BlockProcessedChannel = "points:block.processed"

// tickTimeout bounds one scheduled processor run plus the referral drain.
const tickTimeout = 10 * time.Minute

// BlockProcessedEvent is the payload published on BlockProcessedChannel.
type BlockProcessedEvent struct {
	Block       uint64    `json:"block"`
	ProcessedAt time.Time `json:"processed_at"`
}

// App drives the points processor on a cron schedule and drains referral awards after
// every run.
type App struct {
	Config config.Config

	PrimaryDB  *primary.DB
	ReferralDB *referral.DB
	Snapshots  db.SnapshotStore
	Redis      *redis.Client

	Resolver  *resolver.Resolver
	HoldLp    *accrual.HoldLpService
	Processor *processor.Processor
	Referrals *accrual.ReferralService

	// Cron triggers Tick according to Config.ProcessorCron.
	Cron *cron.Cron

	// Server serves the health probes.
	Server *http.Server

	Logger *zap.Logger

	closers []func() error

	halted   chan struct{}
	haltOnce sync.Once
	haltErr  error
}

// Initialize connects every store and builds the processing pipeline.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New("points")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger, halted: make(chan struct{})}
	if err := app.connect(ctx); err != nil {
		app.close()
		return nil, err
	}
	app.build()

	if err := app.SetupScheduler(ctx); err != nil {
		app.close()
		return nil, err
	}
	app.SetupServer()

	return app, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	storeRetry := retry.ConnectivityConfig(cfg.DBRetryDelay, cfg.DBRetryAttempts)

	primaryDB, err := primary.New(ctx, a.Logger, postgres.Options{
		URL:    cfg.PrimaryPostgresURL,
		DBName: cfg.PrimaryDBName,
		Retry:  storeRetry,
	})
	if err != nil {
		return fmt.Errorf("primary store: %w", err)
	}
	a.PrimaryDB = primaryDB
	a.closers = append(a.closers, primaryDB.Close)

	referralDB, err := referral.New(ctx, a.Logger, postgres.Options{
		URL:    cfg.ReferralPostgresURL,
		DBName: cfg.ReferralDBName,
		Retry:  storeRetry,
	})
	if err != nil {
		return fmt.Errorf("referral store: %w", err)
	}
	a.ReferralDB = referralDB
	a.closers = append(a.closers, referralDB.Close)

	a.Snapshots = primaryDB
	if cfg.SnapshotBackend == config.SnapshotBackendClickHouse {
		store, err := snapshots.New(ctx, a.Logger, cfg.ClickHouseAddr, cfg.ClickHouseDB, primaryDB)
		if err != nil {
			return fmt.Errorf("clickhouse snapshot store: %w", err)
		}
		a.Snapshots = store
		a.closers = append(a.closers, store.Close)
	}

	if cfg.RedisHost != "" {
		rc, err := redis.NewClient(ctx, a.Logger, cfg.RedisHost)
		if err != nil {
			// the cache and notifications are optional
			a.Logger.Warn("Redis unavailable, continuing without shared cache", zap.Error(err))
		} else {
			a.Redis = rc
			a.closers = append(a.closers, rc.Close)
		}
	}

	return nil
}

func (a *App) build() {
	cfg := a.Config

	inner, err := price.NewProvider(a.Logger, price.Options{
		Kind:       cfg.PriceProvider,
		BaseURL:    cfg.PriceAPIURL,
		APIKey:     cfg.PriceAPIKey,
		Platform:   cfg.PricePlatform,
		RPS:        cfg.PriceRPS,
		BlockTimes: a.PrimaryDB,
	})
	if err != nil {
		// config.Load already validated every provider option
		a.Logger.Fatal("Unable to build price provider", zap.Error(err))
	}
	var shared price.Cache
	if a.Redis != nil {
		shared = a.Redis
	}
	prices := price.NewCached(inner, shared, cfg.PriceCacheTTL, a.Logger, price.WithBlockPrices(a.PrimaryDB))

	a.Resolver = resolver.New(a.Snapshots, a.Logger, cfg.ReportWorkers)
	a.HoldLp = accrual.NewHoldLpService(a.Snapshots, a.Resolver, a.PrimaryDB, prices, cfg.Accrual, cfg.ReportWorkers, a.Logger)
	deposits := accrual.NewDepositService(a.PrimaryDB, prices, cfg.Accrual, a.Logger)
	a.Referrals = accrual.NewReferralService(a.PrimaryDB, a.ReferralDB, cfg.Accrual.ReferralShare, cfg.ReferralBatchSize, a.Logger)

	a.Processor = processor.New(a.PrimaryDB, a.Snapshots, a.PrimaryDB, a.PrimaryDB, deposits, a.HoldLp, processor.Options{
		MaxBlocksPerRun: cfg.MaxBlocksPerRun,
		StartBlock:      cfg.StartBlock,
		ReadRetry:       retry.ConnectivityConfig(cfg.DBRetryDelay, cfg.DBRetryAttempts),
		OnCommitted:     a.publishBlock,
	}, a.Logger)
}

func (a *App) publishBlock(ctx context.Context, block uint64) {
	if a.Redis == nil {
		return
	}
	payload, err := json.Marshal(BlockProcessedEvent{Block: block, ProcessedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	a.Redis.Publish(ctx, BlockProcessedChannel, string(payload))
}

// SetupScheduler sets up the cron scheduler. Overlapping ticks are skipped so the processor
// keeps a single writer.
func (a *App) SetupScheduler(ctx context.Context) error {
	logger := cronLogger{a.Logger.Sugar()}
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := a.Cron.AddFunc(a.Config.ProcessorCron, func() {
		rctx, cancel := context.WithTimeout(ctx, tickTimeout)
		defer cancel()
		if err := a.Tick(rctx); err != nil {
			a.halt(err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", a.Config.ProcessorCron, err)
	}
	return nil
}

// Tick runs the processor once, then drains the referral outbox. A referral failure never
// undoes committed blocks; the rows stay pending for the next tick. The returned error is
// non-nil only when the processor failed and must not run again.
func (a *App) Tick(ctx context.Context) error {
	res, err := a.Processor.Run(ctx)
	switch {
	case errors.Is(err, processor.ErrAlreadyRunning):
		a.Logger.Debug("processor busy, skipping tick")
		return nil
	case errors.Is(err, processor.ErrHalted):
		return err
	case err != nil && res.State == processor.StateFailed:
		a.Logger.Error("processor run failed",
			zap.String("state", string(res.State)),
			zap.Int("committed", res.Committed),
			zap.Error(err))
		return err
	case err != nil:
		a.Logger.Warn("processor run stopped",
			zap.String("state", string(res.State)),
			zap.Int("committed", res.Committed),
			zap.Error(err))
	case res.Committed > 0:
		a.Logger.Info("processor run finished",
			zap.String("state", string(res.State)),
			zap.Uint64("from", res.From),
			zap.Uint64("to", res.To))
	}

	if _, err := a.Referrals.Drain(ctx); err != nil {
		a.Logger.Warn("referral drain incomplete", zap.Error(err))
	}
	return nil
}

// halt records the first fatal error and wakes Start.
func (a *App) halt(err error) {
	a.haltOnce.Do(func() {
		a.haltErr = err
		close(a.halted)
	})
}

// SetupServer sets up the HTTP server for the health probes.
func (a *App) SetupServer() {
	if a.Config.HealthAddr == "" {
		return
	}

	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if a.Ready(req.Context()) {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods("GET")

	a.Server = &http.Server{Addr: a.Config.HealthAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

// Ready reports whether the primary store answers and the last run did not fail.
func (a *App) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.PrimaryDB.Pool.Ping(ctx); err != nil {
		return false
	}
	return a.Processor.State() != processor.StateFailed
}

// Start runs the scheduler until ctx is canceled or the processor fails. A failure is
// returned so the process exits and resumes from the checkpoint on restart.
func (a *App) Start(ctx context.Context) error {
	if a.halted == nil {
		a.halted = make(chan struct{})
	}

	if a.Server != nil {
		go func() {
			if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("health server stopped", zap.Error(err))
			}
		}()
	}

	if a.Config.ProcessOnStart {
		go func() {
			rctx, cancel := context.WithTimeout(ctx, tickTimeout)
			defer cancel()
			if err := a.Tick(rctx); err != nil {
				a.halt(err)
			}
		}()
	}

	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.Config.ProcessorCron))

	var err error
	select {
	case <-ctx.Done():
	case <-a.halted:
		err = a.haltErr
		a.Logger.Error("processor halted, stopping", zap.Error(err))
	}
	a.Stop()
	return err
}

// Stop waits for the running tick and releases every connection.
func (a *App) Stop() {
	a.Logger.Info("shutting down…")
	if a.Server != nil {
		_ = a.Server.Close()
	}
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if a.HoldLp != nil {
		a.HoldLp.Close()
	}
	if a.Resolver != nil {
		a.Resolver.Close()
	}
	a.close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
	_ = a.Logger.Sync()
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// cronLogger routes robfig/cron messages into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
