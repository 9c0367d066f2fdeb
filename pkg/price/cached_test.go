package price

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/db/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Price(ctx context.Context, token string, block uint64) (decimal.Decimal, error) {
	args := m.Called(ctx, token, block)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (c *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func TestCached_MemoizesSuccess(t *testing.T) {
	inner := &mockProvider{}
	inner.On("Price", mock.Anything, "0xabc", uint64(7)).Return(decimal.NewFromInt(3), nil).Once()

	shared := &mapCache{data: map[string]string{}}
	c := NewCached(inner, shared, time.Hour, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		p, err := c.Price(context.Background(), "0xABC", 7)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(3).Equal(p))
	}

	inner.AssertExpectations(t)
	assert.Equal(t, "3", shared.data["price:0xabc:7"])
}

func TestCached_ReadsSharedCache(t *testing.T) {
	inner := &mockProvider{}
	shared := &mapCache{data: map[string]string{"price:0xabc:9": "1.5"}}
	c := NewCached(inner, shared, 0, zaptest.NewLogger(t))

	p, err := c.Price(context.Background(), "0xabc", 9)
	require.NoError(t, err)
	assert.Equal(t, "1.5", p.String())
	inner.AssertNotCalled(t, "Price", mock.Anything, mock.Anything, mock.Anything)
}

func TestCached_DoesNotCacheFailures(t *testing.T) {
	inner := &mockProvider{}
	inner.On("Price", mock.Anything, "0xabc", uint64(1)).Return(decimal.Zero, ErrPriceUnavailable).Once()
	inner.On("Price", mock.Anything, "0xabc", uint64(1)).Return(decimal.NewFromInt(2), nil).Once()

	c := NewCached(inner, nil, 0, zaptest.NewLogger(t))

	_, err := c.Price(context.Background(), "0xabc", 1)
	assert.True(t, errors.Is(err, ErrPriceUnavailable))

	p, err := c.Price(context.Background(), "0xabc", 1)
	require.NoError(t, err)
	assert.Equal(t, "2", p.String())
	inner.AssertExpectations(t)
}

func TestCached_ResetsMemoOnOverflow(t *testing.T) {
	inner := &mockProvider{}
	inner.On("Price", mock.Anything, mock.Anything, mock.Anything).Return(decimal.NewFromInt(1), nil)

	c := NewCached(inner, nil, 0, zaptest.NewLogger(t))
	c.maxEntries = 2

	for block := uint64(0); block < 5; block++ {
		_, err := c.Price(context.Background(), "0xabc", block)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, c.memo.Size(), 2)
}

func TestCached_PersistsBlockPrices(t *testing.T) {
	store := memory.NewPrimary()

	inner := &mockProvider{}
	inner.On("Price", mock.Anything, "0xabc", uint64(4)).Return(decimal.RequireFromString("2.75"), nil).Once()
	first := NewCached(inner, nil, 0, zaptest.NewLogger(t), WithBlockPrices(store))

	p, err := first.Price(context.Background(), "0xABC", 4)
	require.NoError(t, err)
	assert.Equal(t, "2.75", p.String())

	stored, ok, err := store.BlockPrice(context.Background(), "0xabc", 4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2.75", stored.String())

	// a restarted process starts with an empty memo and reads the stored price
	restarted := &mockProvider{}
	second := NewCached(restarted, nil, 0, zaptest.NewLogger(t), WithBlockPrices(store))
	p, err = second.Price(context.Background(), "0xabc", 4)
	require.NoError(t, err)
	assert.Equal(t, "2.75", p.String())
	restarted.AssertNotCalled(t, "Price", mock.Anything, mock.Anything, mock.Anything)
	inner.AssertExpectations(t)
}
