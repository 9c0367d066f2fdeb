package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/utils"
	"github.com/shopspring/decimal"
)

// Referral is an in-process ReferralStore.
type Referral struct {
	mu     sync.Mutex
	edges  map[string]string // referee -> referrer
	awards map[string]*points.ReferralPoint
	txKey  *int

	// FailTx, when set, fails a transaction before its body runs.
	FailTx func(operation string) error
}

var _ db.ReferralStore = (*Referral)(nil)

func NewReferral() *Referral {
	return &Referral{
		edges:  map[string]string{},
		awards: map[string]*points.ReferralPoint{},
		txKey:  new(int),
	}
}

func (r *Referral) lock(ctx context.Context) func() {
	if ctx.Value(r.txKey) != nil {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *Referral) InTx(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if ctx.Value(r.txKey) != nil {
		return fn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailTx != nil {
		if err := r.FailTx(operation); err != nil {
			return err
		}
	}

	savedEdges := make(map[string]string, len(r.edges))
	for k, v := range r.edges {
		savedEdges[k] = v
	}
	savedAwards := make(map[string]*points.ReferralPoint, len(r.awards))
	for k, v := range r.awards {
		savedAwards[k] = v
	}

	if err := fn(context.WithValue(ctx, r.txKey, true)); err != nil {
		r.edges, r.awards = savedEdges, savedAwards
		return err
	}
	return nil
}

func (r *Referral) Referrer(ctx context.Context, referee string) (string, bool, error) {
	defer r.lock(ctx)()
	referrer, ok := r.edges[utils.NormalizeAddress(referee)]
	return referrer, ok, nil
}

func (r *Referral) AddReferralEdge(ctx context.Context, edge *points.ReferralEdge) error {
	defer r.lock(ctx)()
	referrer := utils.NormalizeAddress(edge.Referrer)
	referee := utils.NormalizeAddress(edge.Referee)
	if referrer == "" || referee == "" || referrer == referee {
		return fmt.Errorf("invalid referral edge %s -> %s", edge.Referrer, edge.Referee)
	}
	if _, exists := r.edges[referee]; !exists {
		r.edges[referee] = referrer
	}
	return nil
}

func (r *Referral) InsertReferralPoints(ctx context.Context, awards []*points.ReferralPoint) error {
	defer r.lock(ctx)()
	for _, in := range awards {
		a := *in
		a.Referrer = utils.NormalizeAddress(a.Referrer)
		a.Referee = utils.NormalizeAddress(a.Referee)
		key := fmt.Sprintf("%s|%s|%d", a.Referrer, a.Referee, a.BlockNumber)
		if _, exists := r.awards[key]; !exists {
			r.awards[key] = &a
		}
	}
	return nil
}

func (r *Referral) ReferralPointsAt(ctx context.Context, referrer string, atBlock uint64) (decimal.Decimal, error) {
	defer r.lock(ctx)()
	referrer = utils.NormalizeAddress(referrer)
	sum := decimal.Zero
	for _, a := range r.awards {
		if a.Referrer == referrer && a.BlockNumber <= atBlock {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

// Awards returns the number of stored referral awards.
func (r *Referral) Awards() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awards)
}

func (r *Referral) Close() error { return nil }
