package config

import (
	"testing"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/price"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBoosters(t *testing.T) {
	b, err := ParseBoosters(" alpha=2, beta = 1.5 ,,")
	require.NoError(t, err)

	assert.Equal(t, "2", b.Multiplier("alpha").String())
	assert.Equal(t, "1.5", b.Multiplier("beta").String())
	assert.Equal(t, "1", b.Multiplier("unknown").String())
	assert.Equal(t, []string{"alpha", "beta"}, b.Projects())

	for _, bad := range []string{"alpha", "=2", "alpha=x", "alpha=-1", "a=1,a=2"} {
		_, err := ParseBoosters(bad)
		assert.Error(t, err, bad)
	}
}

func TestBoosters_ZeroValue(t *testing.T) {
	var b Boosters
	assert.Equal(t, "1", b.Multiplier("anything").String())
	assert.Empty(t, b.Projects())
}

func TestNewBoosters_Copies(t *testing.T) {
	src := map[string]decimal.Decimal{"alpha": decimal.NewFromInt(3)}
	b := NewBoosters(src)
	src["alpha"] = decimal.NewFromInt(9)
	assert.Equal(t, "3", b.Multiplier("alpha").String())
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PRICE_API_URL", "https://api.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SnapshotBackendPostgres, cfg.SnapshotBackend)
	assert.Equal(t, 3*time.Second, cfg.DBRetryDelay)
	assert.Equal(t, 70, cfg.DBRetryAttempts)
	assert.Equal(t, uint64(1), cfg.Accrual.HoldLpSettleInterval)
	assert.Equal(t, price.KindCoingecko, cfg.PriceProvider)
	assert.Equal(t, "*/15 * * * * *", cfg.ProcessorCron)
	assert.Empty(t, cfg.RedisHost)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PRICE_API_URL", "https://api.example.com")
	t.Setenv("PRICE_PROVIDER", "dex")
	t.Setenv("DEPOSIT_MIN_USD", "25.5")
	t.Setenv("DEPOSIT_CUTOFF_BLOCK", "1000")
	t.Setenv("DEPOSIT_POINTS", "100")
	t.Setenv("REFERRAL_SHARE", "0.1")
	t.Setenv("HOLD_LP_RATE", "0.0001")
	t.Setenv("HOLD_LP_SETTLE_INTERVAL", "10")
	t.Setenv("PROJECT_BOOSTERS", "alpha=2")
	t.Setenv("DB_RETRY_DELAY", "500ms")
	t.Setenv("DB_RETRY_ATTEMPTS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, price.KindDex, cfg.PriceProvider)
	assert.Equal(t, "25.5", cfg.Accrual.MinDepositUSD.String())
	assert.Equal(t, uint64(1000), cfg.Accrual.DepositCutoffBlock)
	assert.Equal(t, "100", cfg.Accrual.DepositPoints.String())
	assert.Equal(t, "0.1", cfg.Accrual.ReferralShare.String())
	assert.Equal(t, "0.0001", cfg.Accrual.HoldLpRate.String())
	assert.Equal(t, uint64(10), cfg.Accrual.HoldLpSettleInterval)
	assert.Equal(t, "2", cfg.Accrual.Boosters.Multiplier("alpha").String())
	assert.Equal(t, 500*time.Millisecond, cfg.DBRetryDelay)
	assert.Equal(t, 4, cfg.DBRetryAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("PRICE_API_URL", "")
	t.Setenv("PRICE_PROVIDER", "oracle")
	t.Setenv("SNAPSHOT_BACKEND", "sqlite")
	t.Setenv("HOLD_LP_RATE", "-1")
	t.Setenv("HOLD_LP_SETTLE_INTERVAL", "0")

	_, err := Load()
	require.Error(t, err)
	for _, want := range []string{"PRICE_PROVIDER", "SNAPSHOT_BACKEND", "HOLD_LP_RATE", "HOLD_LP_SETTLE_INTERVAL", "PRICE_API_URL"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_DistinctStores(t *testing.T) {
	t.Setenv("PRICE_API_URL", "https://api.example.com")
	t.Setenv("PRIMARY_DB_NAME", "points")
	t.Setenv("REFERRAL_DB_NAME", "points")

	_, err := Load()
	assert.ErrorContains(t, err, "distinct")
}
