package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWithBackoffRetriesTransientErrors(t *testing.T) {
	cfg := ConnectivityConfig(time.Millisecond, 5)
	calls := 0

	err := WithBackoff(context.Background(), cfg, zaptest.NewLogger(t), "flaky", func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "08006", Message: "connection failure"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffStopsOnPermanentError(t *testing.T) {
	cfg := ConnectivityConfig(time.Millisecond, 5)
	calls := 0
	permanent := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}

	err := WithBackoff(context.Background(), cfg, zaptest.NewLogger(t), "unique", func() error {
		calls++
		return permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, ErrExhausted))
	assert.ErrorIs(t, err, permanent)
}

func TestWithBackoffExhaustion(t *testing.T) {
	cfg := ConnectivityConfig(time.Millisecond, 3)
	calls := 0
	cause := Transient(errors.New("dial tcp: connection refused"))

	err := WithBackoff(context.Background(), cfg, zaptest.NewLogger(t), "down", func() error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, cause)
}

func TestWithBackoffHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithBackoff(ctx, DefaultConfig(), zaptest.NewLogger(t), "cancelled", func() error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	fixed := ConnectivityConfig(3*time.Second, 70)
	assert.Equal(t, 3*time.Second, calculateBackoff(fixed, 1))
	assert.Equal(t, 3*time.Second, calculateBackoff(fixed, 40))

	exp := Config{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, calculateBackoff(exp, 1))
	assert.Equal(t, 4*time.Second, calculateBackoff(exp, 3))
	assert.Equal(t, 5*time.Second, calculateBackoff(exp, 6))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection exception", &pgconn.PgError{Code: "08001"}, true},
		{"admin shutdown", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "57P01"}), true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"marked", Transient(errors.New("boom")), true},
		{"refused message", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("price unavailable"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
