package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Executor is an interface that both *pgxpool.Pool and pgx.Tx implement.
// This allows methods to work with either a connection pool or a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client wraps a PostgreSQL connection pool and provides helper methods
type Client struct {
	Logger         *zap.Logger
	Pool           *pgxpool.Pool
	TargetDatabase string // Target database name
	Store          string // Logical store name (primary, referral), used in errors and logs
	Retry          retry.Config
}

// PoolConfig defines connection pool settings for a specific component
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string // For logging/debugging
}

// Options describes how to reach one logical store.
type Options struct {
	URL      string // server URL; its database is used for CREATE DATABASE
	DBName   string // target database, created when missing
	Store    string
	Pool     *PoolConfig
	Retry    retry.Config
	NoCreate bool // skip CREATE DATABASE (managed databases without the privilege)
}

// New connects to the target database, creating it first when needed.
// Both the bootstrap and the final connection are retried with the store's retry policy.
func New(ctx context.Context, logger *zap.Logger, opts Options) (client Client, err error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client.Logger = logger
	client.TargetDatabase = opts.DBName
	client.Store = opts.Store
	client.Retry = opts.Retry

	config, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse %s postgres url: %w", opts.Store, err)
	}

	poolConf := PoolConfig{
		MinConns:        2,
		MaxConns:        20,
		ConnMaxLifetime: 1 * time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		Component:       opts.Store,
	}
	if opts.Pool != nil {
		poolConf = *opts.Pool
	}

	config.MinConns = poolConf.MinConns
	config.MaxConns = poolConf.MaxConns
	config.MaxConnLifetime = poolConf.ConnMaxLifetime
	config.MaxConnIdleTime = poolConf.ConnMaxIdleTime

	// Connect to the server database first so the target can be created, then reconnect to it.
	if !opts.NoCreate && opts.DBName != "" && opts.DBName != config.ConnConfig.Database {
		bootstrap, err := connect(connCtx, logger, opts, config.Copy())
		if err != nil {
			return Client{}, err
		}
		boot := Client{Logger: logger, Pool: bootstrap, Store: opts.Store}
		createErr := boot.CreateDbIfNotExists(connCtx, opts.DBName)
		bootstrap.Close()
		if createErr != nil {
			return Client{}, createErr
		}
	}
	if opts.DBName != "" {
		config.ConnConfig.Database = opts.DBName
	}

	pool, err := connect(connCtx, logger, opts, config)
	if err != nil {
		return Client{}, err
	}
	client.Pool = pool

	logger.Info("PostgreSQL connection pool configured",
		zap.String("store", opts.Store),
		zap.String("database", opts.DBName),
		zap.String("component", poolConf.Component),
		zap.Int32("min_conns", poolConf.MinConns),
		zap.Int32("max_conns", poolConf.MaxConns),
		zap.Duration("conn_max_lifetime", poolConf.ConnMaxLifetime),
		zap.Duration("conn_max_idle_time", poolConf.ConnMaxIdleTime),
	)

	return client, nil
}

func connect(ctx context.Context, logger *zap.Logger, opts Options, config *pgxpool.Config) (*pgxpool.Pool, error) {
	connectRetry := opts.Retry
	// Startup has no transaction to protect; retry any error, not only transient ones.
	connectRetry.Retryable = nil

	var pool *pgxpool.Pool
	retryErr := retry.WithBackoff(ctx, connectRetry, logger, opts.Store+"_postgres_connection", func() error {
		p, openErr := pgxpool.NewWithConfig(ctx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}

		logger.Debug("Pinging PostgreSQL connection",
			zap.String("store", opts.Store),
			zap.String("db", config.ConnConfig.Database),
		)

		if pingErr := p.Ping(ctx); pingErr != nil {
			p.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		pool = p
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}
	return pool, nil
}

// CreateDbIfNotExists ensures that the specified database exists by creating it if it does not already exist.
// Note: This requires connecting to a default database (like 'postgres') first.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	var exists bool
	query := "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)"
	err := c.Pool.QueryRow(ctx, query, dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		// Note: Cannot use parameterized query for CREATE DATABASE
		query := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize())
		c.Logger.Info("Creating database", zap.String("database", dbName))
		_, err = c.Pool.Exec(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	return nil
}

// Exec executes a statement on the transaction in ctx, or on the pool when there is none.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

// Query executes a query that returns rows
// IMPORTANT: Caller MUST call rows.Close() when done to release the connection
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.GetExecutor(ctx).Query(ctx, query, args...)
}

// QueryRow executes a query that is expected to return at most one row
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.GetExecutor(ctx).QueryRow(ctx, query, args...)
}

// Close closes the connection pool
func (c *Client) Close() error {
	if c.Pool != nil {
		c.Pool.Close()
	}
	return nil
}

// ctxKey is the type used for context keys to avoid collisions
type ctxKey string

// txKey is the context key for storing the transaction
const txKey ctxKey = "pgx_tx"

// WithTx returns a new context with the transaction embedded
// This allows methods to automatically use the transaction when present
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// InTx runs fn in a single transaction. A transaction already present in ctx is joined
// instead of nesting. Transient connectivity failures replay the whole transaction with the
// client's retry policy; when the policy is exhausted the returned error wraps
// retry.ErrExhausted and nothing from fn has been committed.
func (c *Client) InTx(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return fn(ctx)
	}

	err := retry.WithBackoff(ctx, c.Retry, c.Logger, c.Store+"."+operation, func() error {
		return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
			return fn(c.WithTx(ctx, tx))
		})
	})
	if err != nil {
		return &StoreError{Store: c.Store, Operation: operation, Err: err}
	}
	return nil
}

// GetExecutor returns an Executor from the context
// If a transaction is present in the context, it returns the transaction
// Otherwise, it returns the connection pool for non-transactional operations
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// ExecuteBatch sends a queued batch and checks every statement result.
func (c *Client) ExecuteBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := c.GetExecutor(ctx).SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return br.Close()
}

// StoreError tags a failure with the logical store and operation it happened in.
type StoreError struct {
	Store     string
	Operation string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Store, e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports a 23505 unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetPoolConfigForComponent returns deterministic pool settings for each component
func GetPoolConfigForComponent(component string) *PoolConfig {
	var minConns, maxConns int32
	connMaxLifetime := 5 * time.Minute
	connMaxIdleTime := 2 * time.Minute

	switch component {
	case "processor_primary":
		minConns = 2
		maxConns = 20
	case "processor_referral":
		minConns = 1
		maxConns = 5
	case "report":
		minConns = 1
		maxConns = 10
	default:
		minConns = 2
		maxConns = 20
	}

	return &PoolConfig{
		MinConns:        minConns,
		MaxConns:        maxConns,
		ConnMaxLifetime: connMaxLifetime,
		ConnMaxIdleTime: connMaxIdleTime,
		Component:       component,
	}
}
