package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/shopspring/decimal"
)

// Primary is an in-process PrimaryStore with real transaction rollback. It backs the
// processor, accrual, report and app tests.
type Primary struct {
	mu    sync.Mutex
	state primaryState
	txKey *int

	// BeforeCommit runs after a transaction body succeeded. A non-nil error rolls the
	// transaction back as if the commit had been lost.
	BeforeCommit func(operation string) error
}

var _ db.PrimaryStore = (*Primary)(nil)

type pendingRow struct {
	row       points.PendingReferral
	processed bool
}

type primaryState struct {
	snapshots     map[string][]*points.BalanceSnapshot // per key, ordered by block
	projects      map[string]string
	records       map[string]*points.PointRecord
	firstDeposits map[string]uint64
	checkpoint    *points.Checkpoint
	pending       map[string]*pendingRow
	deposits      map[uint64][]*points.Deposit
	blockTimes    map[uint64]time.Time
	blockPrices   map[string]decimal.Decimal
}

func NewPrimary() *Primary {
	return &Primary{
		txKey: new(int),
		state: primaryState{
			snapshots:     map[string][]*points.BalanceSnapshot{},
			projects:      map[string]string{},
			records:       map[string]*points.PointRecord{},
			firstDeposits: map[string]uint64{},
			pending:       map[string]*pendingRow{},
			deposits:      map[uint64][]*points.Deposit{},
			blockTimes:    map[uint64]time.Time{},
			blockPrices:   map[string]decimal.Decimal{},
		},
	}
}

func (s primaryState) clone() primaryState {
	out := primaryState{
		snapshots:     make(map[string][]*points.BalanceSnapshot, len(s.snapshots)),
		projects:      make(map[string]string, len(s.projects)),
		records:       make(map[string]*points.PointRecord, len(s.records)),
		firstDeposits: make(map[string]uint64, len(s.firstDeposits)),
		pending:       make(map[string]*pendingRow, len(s.pending)),
		deposits:      make(map[uint64][]*points.Deposit, len(s.deposits)),
		blockTimes:    make(map[uint64]time.Time, len(s.blockTimes)),
		blockPrices:   make(map[string]decimal.Decimal, len(s.blockPrices)),
	}
	for k, v := range s.snapshots {
		out.snapshots[k] = append([]*points.BalanceSnapshot(nil), v...)
	}
	for k, v := range s.projects {
		out.projects[k] = v
	}
	for k, v := range s.records {
		out.records[k] = v
	}
	for k, v := range s.firstDeposits {
		out.firstDeposits[k] = v
	}
	for k, v := range s.pending {
		cp := *v
		out.pending[k] = &cp
	}
	for k, v := range s.deposits {
		out.deposits[k] = append([]*points.Deposit(nil), v...)
	}
	for k, v := range s.blockTimes {
		out.blockTimes[k] = v
	}
	for k, v := range s.blockPrices {
		out.blockPrices[k] = v
	}
	if s.checkpoint != nil {
		cp := *s.checkpoint
		out.checkpoint = &cp
	}
	return out
}

// lock takes the store mutex unless ctx already runs inside one of this store's transactions.
func (p *Primary) lock(ctx context.Context) func() {
	if ctx.Value(p.txKey) != nil {
		return func() {}
	}
	p.mu.Lock()
	return p.mu.Unlock
}

// InTx runs fn with the store locked and restores the previous state when fn or BeforeCommit fails.
func (p *Primary) InTx(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if ctx.Value(p.txKey) != nil {
		return fn(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	saved := p.state.clone()
	err := fn(context.WithValue(ctx, p.txKey, true))
	if err == nil && p.BeforeCommit != nil {
		err = p.BeforeCommit(operation)
	}
	if err != nil {
		p.state = saved
		return err
	}
	return nil
}

func snapshotKey(address string, position points.Position) string {
	return address + "|" + position.PairAddress + "|" + position.TokenAddress
}

func normalizeSnapshot(in *points.BalanceSnapshot) *points.BalanceSnapshot {
	return &points.BalanceSnapshot{
		Address: utils.NormalizeAddress(in.Address),
		Position: points.Position{
			PairAddress:  utils.NormalizeAddress(in.PairAddress),
			TokenAddress: utils.NormalizeAddress(in.TokenAddress),
		},
		BlockNumber: in.BlockNumber,
		Amount:      in.Amount,
	}
}

func normalizePosition(p points.Position) points.Position {
	return points.Position{PairAddress: utils.NormalizeAddress(p.PairAddress), TokenAddress: utils.NormalizeAddress(p.TokenAddress)}
}

func (p *Primary) RecordSnapshot(ctx context.Context, s *points.BalanceSnapshot) error {
	return p.RecordSnapshots(ctx, []*points.BalanceSnapshot{s})
}

func (p *Primary) RecordSnapshots(ctx context.Context, snapshots []*points.BalanceSnapshot) error {
	return p.InTx(ctx, "record_snapshots", func(ctx context.Context) error {
		for _, in := range snapshots {
			if in.Amount.IsNegative() {
				return fmt.Errorf("snapshot %s: negative amount %s", in.Key(), in.Amount)
			}
			s := normalizeSnapshot(in)
			key := snapshotKey(s.Address, s.Position)
			list := p.state.snapshots[key]
			idx := sort.Search(len(list), func(i int) bool { return list[i].BlockNumber >= s.BlockNumber })
			if idx < len(list) && list[idx].BlockNumber == s.BlockNumber {
				return fmt.Errorf("%w: %s", db.ErrDuplicateSnapshot, s.Key())
			}
			list = append(list, nil)
			copy(list[idx+1:], list[idx:])
			list[idx] = s
			p.state.snapshots[key] = list
		}
		return nil
	})
}

func (p *Primary) ResolveLatest(ctx context.Context, address string, position points.Position, atBlock uint64) (*points.BalanceSnapshot, bool, error) {
	defer p.lock(ctx)()
	list := p.state.snapshots[snapshotKey(utils.NormalizeAddress(address), normalizePosition(position))]
	idx := sort.Search(len(list), func(i int) bool { return list[i].BlockNumber > atBlock })
	if idx == 0 {
		return nil, false, nil
	}
	s := *list[idx-1]
	return &s, true, nil
}

func (p *Primary) ResolveLatestBatch(ctx context.Context, addresses []string, atBlock uint64) ([]*points.ResolvedBalance, error) {
	defer p.lock(ctx)()
	wanted := map[string]bool{}
	for _, a := range utils.Dedup(addresses) {
		wanted[a] = true
	}
	var out []*points.ResolvedBalance
	for _, list := range p.state.snapshots {
		if len(list) == 0 || !wanted[list[0].Address] {
			continue
		}
		idx := sort.Search(len(list), func(i int) bool { return list[i].BlockNumber > atBlock })
		if idx == 0 || list[idx-1].Amount.IsZero() {
			continue
		}
		s := list[idx-1]
		out = append(out, &points.ResolvedBalance{BalanceSnapshot: *s, ProjectName: p.state.projects[s.PairAddress]})
	}
	sort.Slice(out, func(i, j int) bool {
		return snapshotKey(out[i].Address, out[i].Position) < snapshotKey(out[j].Address, out[j].Position)
	})
	return out, nil
}

func (p *Primary) SnapshotsInRange(ctx context.Context, address string, position points.Position, fromExclusive, toExclusive uint64) ([]*points.BalanceSnapshot, error) {
	defer p.lock(ctx)()
	var out []*points.BalanceSnapshot
	for _, s := range p.state.snapshots[snapshotKey(utils.NormalizeAddress(address), normalizePosition(position))] {
		if s.BlockNumber > fromExclusive && s.BlockNumber < toExclusive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (p *Primary) ActivePositions(ctx context.Context, from, to uint64) ([]points.AddressPosition, error) {
	defer p.lock(ctx)()
	out := make([]points.AddressPosition, 0, len(p.state.snapshots))
	for _, list := range p.state.snapshots {
		idx := sort.Search(len(list), func(i int) bool { return list[i].BlockNumber > from })
		open := idx > 0 && !list[idx-1].Amount.IsZero()
		changed := idx < len(list) && list[idx].BlockNumber < to
		if open || changed {
			out = append(out, points.AddressPosition{Address: list[0].Address, Position: list[0].Position})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return snapshotKey(out[i].Address, out[i].Position) < snapshotKey(out[j].Address, out[j].Position)
	})
	return out, nil
}

func (p *Primary) LastObservedBlock(ctx context.Context) (uint64, bool, error) {
	defer p.lock(ctx)()
	var (
		last  uint64
		found bool
	)
	for _, list := range p.state.snapshots {
		if n := len(list); n > 0 && (!found || list[n-1].BlockNumber > last) {
			last, found = list[n-1].BlockNumber, true
		}
	}
	return last, found, nil
}

func (p *Primary) RegisterProject(ctx context.Context, project *points.Project) error {
	defer p.lock(ctx)()
	p.state.projects[utils.NormalizeAddress(project.PairAddress)] = project.Name
	return nil
}

func (p *Primary) ProjectNames(ctx context.Context, pairAddresses []string) (map[string]string, error) {
	defer p.lock(ctx)()
	out := map[string]string{}
	for _, pair := range utils.Dedup(pairAddresses) {
		if name, ok := p.state.projects[pair]; ok {
			out[pair] = name
		}
	}
	return out, nil
}

func (p *Primary) Checkpoint(ctx context.Context) (*points.Checkpoint, bool, error) {
	defer p.lock(ctx)()
	if p.state.checkpoint == nil {
		return nil, false, nil
	}
	cp := *p.state.checkpoint
	return &cp, true, nil
}

func (p *Primary) AdvanceCheckpoint(ctx context.Context, cp *points.Checkpoint) error {
	defer p.lock(ctx)()
	next := points.Checkpoint{LastBlock: cp.LastBlock, HoldLpSettledThrough: cp.HoldLpSettledThrough, UpdatedAt: time.Now().UTC()}
	if cur := p.state.checkpoint; cur != nil {
		next.LastBlock = max(cur.LastBlock, next.LastBlock)
		next.HoldLpSettledThrough = max(cur.HoldLpSettledThrough, next.HoldLpSettledThrough)
	}
	p.state.checkpoint = &next
	return nil
}

func (p *Primary) InsertPointRecords(ctx context.Context, records []*points.PointRecord) error {
	defer p.lock(ctx)()
	staged := make(map[string]*points.PointRecord, len(records))
	for _, in := range records {
		if !in.Category.Valid() {
			return fmt.Errorf("point record %s: unknown category %q", in.Key(), in.Category)
		}
		r := *in
		r.Address = utils.NormalizeAddress(r.Address)
		if r.PairAddress != "" {
			r.PairAddress = utils.NormalizeAddress(r.PairAddress)
		}
		if _, exists := p.state.records[r.Key()]; exists {
			return fmt.Errorf("%w: %s", db.ErrDuplicatePoint, r.Key())
		}
		if _, exists := staged[r.Key()]; exists {
			return fmt.Errorf("%w: %s", db.ErrDuplicatePoint, r.Key())
		}
		staged[r.Key()] = &r
	}
	for k, r := range staged {
		p.state.records[k] = r
	}
	return nil
}

func (p *Primary) ClaimFirstDeposit(ctx context.Context, address string, blockNumber uint64) (bool, error) {
	defer p.lock(ctx)()
	address = utils.NormalizeAddress(address)
	if _, exists := p.state.firstDeposits[address]; exists {
		return false, nil
	}
	p.state.firstDeposits[address] = blockNumber
	return true, nil
}

func pendingKey(referee string, block uint64) string {
	return fmt.Sprintf("%s|%020d", referee, block)
}

func (p *Primary) EnqueueReferral(ctx context.Context, pending *points.PendingReferral) error {
	defer p.lock(ctx)()
	row := *pending
	row.Referee = utils.NormalizeAddress(row.Referee)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	key := pendingKey(row.Referee, row.BlockNumber)
	if _, exists := p.state.pending[key]; !exists {
		p.state.pending[key] = &pendingRow{row: row}
	}
	return nil
}

func (p *Primary) PendingReferrals(ctx context.Context, limit int) ([]*points.PendingReferral, error) {
	defer p.lock(ctx)()
	if limit <= 0 {
		limit = 100
	}
	var out []*points.PendingReferral
	for _, r := range p.state.pending {
		if !r.processed {
			row := r.row
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Referee < out[j].Referee
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *Primary) MarkReferralProcessed(ctx context.Context, referee string, blockNumber uint64) error {
	defer p.lock(ctx)()
	if r, ok := p.state.pending[pendingKey(utils.NormalizeAddress(referee), blockNumber)]; ok {
		r.processed = true
	}
	return nil
}

func (p *Primary) PointsAt(ctx context.Context, address string, atBlock uint64) (points.CategoryTotals, error) {
	defer p.lock(ctx)()
	address = utils.NormalizeAddress(address)
	totals := points.CategoryTotals{}
	for _, r := range p.state.records {
		if r.Address == address && r.BlockNumber <= atBlock {
			totals[r.Category] = totals[r.Category].Add(r.Amount)
		}
	}
	return totals, nil
}

func (p *Primary) Leaderboard(ctx context.Context, atBlock uint64, limit int) ([]points.AddressPoints, error) {
	defer p.lock(ctx)()
	if limit <= 0 {
		limit = 100
	}
	sums := map[string]decimal.Decimal{}
	for _, r := range p.state.records {
		if r.BlockNumber <= atBlock {
			sums[r.Address] = sums[r.Address].Add(r.Amount)
		}
	}
	out := make([]points.AddressPoints, 0, len(sums))
	for addr, sum := range sums {
		out = append(out, points.AddressPoints{Address: addr, Points: sum})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Points.Cmp(out[j].Points); c != 0 {
			return c > 0
		}
		return out[i].Address < out[j].Address
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordDeposits stores deposits observed by ingestion.
func (p *Primary) RecordDeposits(ctx context.Context, deposits []*points.Deposit) error {
	defer p.lock(ctx)()
	for _, in := range deposits {
		d := *in
		d.Address = utils.NormalizeAddress(d.Address)
		d.TokenAddress = utils.NormalizeAddress(d.TokenAddress)
		p.state.deposits[d.BlockNumber] = append(p.state.deposits[d.BlockNumber], &d)
	}
	return nil
}

func (p *Primary) DepositsAt(ctx context.Context, blockNumber uint64) ([]*points.Deposit, error) {
	defer p.lock(ctx)()
	out := make([]*points.Deposit, 0, len(p.state.deposits[blockNumber]))
	for _, d := range p.state.deposits[blockNumber] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// RecordBlockTimes stores block timestamps.
func (p *Primary) RecordBlockTimes(ctx context.Context, times []*points.BlockTime) error {
	defer p.lock(ctx)()
	for _, bt := range times {
		if _, exists := p.state.blockTimes[bt.BlockNumber]; !exists {
			p.state.blockTimes[bt.BlockNumber] = bt.Timestamp.UTC()
		}
	}
	return nil
}

func (p *Primary) BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	defer p.lock(ctx)()
	ts, ok := p.state.blockTimes[blockNumber]
	if !ok {
		return time.Time{}, fmt.Errorf("block %d: %w", blockNumber, db.ErrNotFound)
	}
	return ts, nil
}

func blockPriceKey(token string, block uint64) string {
	return fmt.Sprintf("%s|%d", utils.NormalizeAddress(token), block)
}

func (p *Primary) RecordBlockPrice(ctx context.Context, bp *points.BlockTokenPrice) error {
	defer p.lock(ctx)()
	key := blockPriceKey(bp.TokenAddress, bp.BlockNumber)
	if _, exists := p.state.blockPrices[key]; !exists {
		p.state.blockPrices[key] = bp.USDPrice
	}
	return nil
}

func (p *Primary) BlockPrice(ctx context.Context, token string, blockNumber uint64) (decimal.Decimal, bool, error) {
	defer p.lock(ctx)()
	v, ok := p.state.blockPrices[blockPriceKey(token, blockNumber)]
	return v, ok, nil
}

// Records returns every point record, ordered by block then key.
func (p *Primary) Records() []*points.PointRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*points.PointRecord, 0, len(p.state.records))
	for _, r := range p.state.records {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func (p *Primary) Close() error { return nil }
