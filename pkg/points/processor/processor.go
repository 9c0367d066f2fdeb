package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/points/accrual"
	"github.com/canopy-network/canopyx-points/pkg/price"
	"github.com/canopy-network/canopyx-points/pkg/retry"
	"go.uber.org/zap"
)

// State is the processor's position in its per-block state machine.
type State string

const (
	StateIdle            State = "idle"
	StateLoadBlock       State = "load_block"
	StateResolveBalances State = "resolve_balances"
	StateComputePoints   State = "compute_points"
	StatePersist         State = "persist"
	StateAdvance         State = "advance"
	StateCaughtUp        State = "caught_up"
	StateFailed          State = "failed"
)

// ErrAlreadyRunning is returned when Run is called while another Run is in progress.
var ErrAlreadyRunning = errors.New("processor already running")

// ErrHalted is returned by every Run after one ended in StateFailed. Recovery is a process
// restart, which resumes from the durable checkpoint.
var ErrHalted = errors.New("processor halted after a failed run")

// Store names reported on BlockError.
const (
	StorePrimary   = "primary"
	StoreSnapshots = "snapshots"
	StorePrice     = "price"
)

// BlockError reports the block and step a run stopped on.
type BlockError struct {
	Block    uint64
	Store    string
	Category points.Category
	Err      error
}

func (e *BlockError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("block %d: %s store (%s): %v", e.Block, e.Store, e.Category, e.Err)
	}
	return fmt.Sprintf("block %d: %s store: %v", e.Block, e.Store, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// Result summarizes one Run.
type Result struct {
	State State
	// From and To are the first and last block committed by this run. Committed is 0 when
	// nothing was committed and From/To are then meaningless.
	From      uint64
	To        uint64
	Committed int
}

// Options tunes a Processor.
type Options struct {
	// MaxBlocksPerRun bounds the blocks committed by one Run. Zero means unbounded.
	MaxBlocksPerRun uint64
	// StartBlock is where processing begins when no checkpoint exists.
	StartBlock uint64
	// ReadRetry wraps the read-only part of a block (activity, balances, prices).
	// The commit relies on the store's own transaction retry.
	ReadRetry retry.Config
	// OnCommitted is called after each block commit.
	OnCommitted func(ctx context.Context, block uint64)
}

// Processor walks blocks in order and commits the points of each block atomically together
// with the checkpoint. It is the only writer of the ledger.
type Processor struct {
	tx        db.TxScope
	snapshots db.SnapshotStore
	ledger    db.Ledger
	activity  db.ActivitySource
	deposits  *accrual.DepositService
	holdLp    *accrual.HoldLpService
	opts      Options
	logger    *zap.Logger

	running atomic.Bool
	mu      sync.RWMutex
	state   State
}

// New builds a Processor. tx must be the transaction scope of the store behind ledger.
func New(tx db.TxScope, snapshots db.SnapshotStore, ledger db.Ledger, activity db.ActivitySource,
	deposits *accrual.DepositService, holdLp *accrual.HoldLpService, opts Options, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadRetry.MaxRetries == 0 {
		opts.ReadRetry = retry.ConnectivityConfig(0, 0)
	}
	return &Processor{
		tx:        tx,
		snapshots: snapshots,
		ledger:    ledger,
		activity:  activity,
		deposits:  deposits,
		holdLp:    holdLp,
		opts:      opts,
		logger:    logger.With(zap.String("component", "processor")),
		state:     StateIdle,
	}
}

// State returns the current state.
func (p *Processor) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run processes blocks from the checkpoint up to the last observed block. It ends in
// CaughtUp when nothing is left, Idle when it stopped early (block budget, price lookup
// failure, cancellation) and Failed on any other error. Failed is terminal.
func (p *Processor) Run(ctx context.Context) (Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Result{State: p.State()}, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	if p.State() == StateFailed {
		return Result{State: StateFailed}, ErrHalted
	}

	res := Result{}
	finish := func(s State, err error) (Result, error) {
		p.setState(s)
		res.State = s
		return res, err
	}

	next, settled, err := p.resume(ctx)
	if err != nil {
		return finish(p.classify(err), &BlockError{Block: next, Store: StorePrimary, Err: fmt.Errorf("load checkpoint: %w", err)})
	}

	last, ok, err := p.snapshots.LastObservedBlock(ctx)
	if err != nil {
		return finish(p.classify(err), &BlockError{Block: next, Store: StoreSnapshots, Err: fmt.Errorf("last observed block: %w", err)})
	}
	if !ok || next > last {
		return finish(StateCaughtUp, nil)
	}

	upper := last
	if p.opts.MaxBlocksPerRun > 0 && last-next >= p.opts.MaxBlocksPerRun {
		upper = next + p.opts.MaxBlocksPerRun - 1
	}

	p.logger.Debug("processing blocks", zap.Uint64("from", next), zap.Uint64("to", upper), zap.Uint64("last_observed", last))

	for block := next; block <= upper; block++ {
		settled, err = p.processBlock(ctx, block, settled)
		if err != nil {
			state := p.classify(err)
			if state == StateIdle {
				p.logger.Warn("block not processed, will retry",
					zap.Uint64("block", block),
					zap.Error(err))
			} else {
				p.logger.Error("block processing failed",
					zap.Uint64("block", block),
					zap.Error(err))
			}
			return finish(state, err)
		}

		if res.Committed == 0 {
			res.From = block
		}
		res.To = block
		res.Committed++

		if p.opts.OnCommitted != nil {
			p.opts.OnCommitted(ctx, block)
		}
	}

	if upper < last {
		p.logger.Info("block budget reached",
			zap.Uint64("from", res.From),
			zap.Uint64("to", res.To),
			zap.Uint64("remaining", last-upper))
		return finish(StateIdle, nil)
	}
	p.logger.Info("caught up", zap.Uint64("last_block", res.To), zap.Int("committed", res.Committed))
	return finish(StateCaughtUp, nil)
}

// resume returns the next block to process and the hold-lp settlement bound.
func (p *Processor) resume(ctx context.Context) (uint64, uint64, error) {
	cp, ok, err := p.ledger.Checkpoint(ctx)
	if err != nil {
		return p.opts.StartBlock, p.opts.StartBlock, err
	}
	if !ok {
		return p.opts.StartBlock, p.opts.StartBlock, nil
	}
	return cp.LastBlock + 1, cp.HoldLpSettledThrough, nil
}

// classify maps a run-stopping error to the state the run ends in.
func (p *Processor) classify(err error) State {
	switch {
	case price.IsLookupError(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return StateIdle
	default:
		return StateFailed
	}
}

// blockWork is everything computed for one block before its transaction opens.
type blockWork struct {
	qualifying []*points.Deposit
	holdLp     []*points.PointRecord
	settled    uint64
}

// processBlock computes and commits one block and returns the new settlement bound.
func (p *Processor) processBlock(ctx context.Context, block, settled uint64) (uint64, error) {
	work, err := p.prepare(ctx, block, settled)
	if err != nil {
		return settled, err
	}

	p.setState(StatePersist)
	err = p.tx.InTx(ctx, "commit_block", func(txCtx context.Context) error {
		records, pending, err := p.deposits.Award(txCtx, block, work.qualifying)
		if err != nil {
			return &BlockError{Block: block, Store: StorePrimary, Category: points.CategoryDeposit, Err: err}
		}
		records = append(records, work.holdLp...)
		if len(records) > 0 {
			if err := p.ledger.InsertPointRecords(txCtx, records); err != nil {
				return &BlockError{Block: block, Store: StorePrimary, Err: fmt.Errorf("insert point records: %w", err)}
			}
		}
		for _, row := range pending {
			if err := p.ledger.EnqueueReferral(txCtx, row); err != nil {
				return &BlockError{Block: block, Store: StorePrimary, Category: points.CategoryReferral, Err: err}
			}
		}

		p.setState(StateAdvance)
		if err := p.ledger.AdvanceCheckpoint(txCtx, &points.Checkpoint{LastBlock: block, HoldLpSettledThrough: work.settled}); err != nil {
			return &BlockError{Block: block, Store: StorePrimary, Err: fmt.Errorf("advance checkpoint: %w", err)}
		}
		return nil
	})
	if err != nil {
		var be *BlockError
		if !errors.As(err, &be) {
			err = &BlockError{Block: block, Store: StorePrimary, Err: err}
		}
		return settled, err
	}

	p.logger.Debug("block committed",
		zap.Uint64("block", block),
		zap.Int("deposits", len(work.qualifying)),
		zap.Int("hold_lp_records", len(work.holdLp)),
		zap.Uint64("hold_lp_settled_through", work.settled))
	return work.settled, nil
}

// prepare runs the read-only steps of a block with connectivity retries. Price lookup
// failures are not replayed here; the block is retried on the next run instead.
func (p *Processor) prepare(ctx context.Context, block, settled uint64) (*blockWork, error) {
	cfg := p.opts.ReadRetry
	retryable := cfg.Retryable
	cfg.Retryable = func(err error) bool {
		if price.IsLookupError(err) {
			return false
		}
		return retryable == nil || retryable(err)
	}

	var work *blockWork
	err := retry.WithBackoff(ctx, cfg, p.logger, "prepare_block", func() error {
		w, err := p.compute(ctx, block, settled)
		work = w
		return err
	})
	return work, err
}

func (p *Processor) compute(ctx context.Context, block, settled uint64) (*blockWork, error) {
	work := &blockWork{settled: settled}

	p.setState(StateLoadBlock)
	deposits, err := p.activity.DepositsAt(ctx, block)
	if err != nil {
		return nil, &BlockError{Block: block, Store: StorePrimary, Category: points.CategoryDeposit, Err: fmt.Errorf("load deposits: %w", err)}
	}

	var holdings []accrual.PositionIntervals
	due := p.holdLp.Due(settled, block)
	if due {
		p.setState(StateResolveBalances)
		holdings, err = p.holdLp.Balances(ctx, settled, block)
		if err != nil {
			return nil, &BlockError{Block: block, Store: StoreSnapshots, Category: points.CategoryHoldLp, Err: err}
		}
	}

	p.setState(StateComputePoints)
	work.qualifying, err = p.deposits.Qualifying(ctx, block, deposits)
	if err != nil {
		return nil, &BlockError{Block: block, Store: storeOf(err), Category: points.CategoryDeposit, Err: err}
	}
	if due {
		work.holdLp, err = p.holdLp.Accrue(ctx, block, holdings)
		if err != nil {
			return nil, &BlockError{Block: block, Store: storeOf(err), Category: points.CategoryHoldLp, Err: err}
		}
		work.settled = block
	}
	return work, nil
}

func storeOf(err error) string {
	if price.IsLookupError(err) {
		return StorePrice
	}
	return StorePrimary
}
