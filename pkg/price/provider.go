package price

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/canopy-network/canopyx-points/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrPriceUnavailable means the provider has no USD price for the token at the requested block.
// Callers must not treat it as a zero price.
var ErrPriceUnavailable = errors.New("price unavailable")

// ErrUpstream wraps every other failure of the upstream price API: outages, rate limits,
// endpoints in cooldown and malformed payloads.
var ErrUpstream = errors.New("price api failure")

// IsLookupError reports whether err was raised by a price lookup rather than by a store.
func IsLookupError(err error) bool {
	return errors.Is(err, ErrPriceUnavailable) || errors.Is(err, ErrUpstream)
}

// Provider returns the USD price of one whole token unit as of a block.
type Provider interface {
	Price(ctx context.Context, token string, block uint64) (decimal.Decimal, error)
}

// Kind selects a provider implementation.
type Kind string

const (
	KindCoingecko Kind = "coingecko"
	KindDex       Kind = "dex"
)

// ParseKind validates a configured provider name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCoingecko, KindDex:
		return k, nil
	case "":
		return KindCoingecko, nil
	default:
		return "", fmt.Errorf("unknown price provider %q (want %s or %s)", s, KindCoingecko, KindDex)
	}
}

// Options configures NewProvider.
type Options struct {
	Kind     Kind
	BaseURL  string // comma separated endpoints are tried in order
	APIKey   string
	Platform string // chain identifier used by the upstream API (e.g. "ethereum")
	RPS      int
	Timeout  time.Duration

	// BlockTimes maps blocks to timestamps for time-indexed APIs (coingecko).
	BlockTimes db.BlockTimes
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// NewProvider builds the provider selected by opts.Kind.
func NewProvider(logger *zap.Logger, opts Options) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		return nil, errors.New("price api url is required")
	}

	headers := http.Header{}
	switch opts.Kind {
	case KindCoingecko:
		if opts.BlockTimes == nil {
			return nil, errors.New("coingecko provider needs block timestamps")
		}
		if opts.APIKey != "" {
			headers.Set("x-cg-pro-api-key", opts.APIKey)
		}
	case KindDex:
		if opts.APIKey != "" {
			headers.Set("Authorization", "Bearer "+opts.APIKey)
		}
	default:
		return nil, fmt.Errorf("unknown price provider %q", opts.Kind)
	}

	client := NewHTTPWithOpts(Opts{
		Endpoints:  strings.Split(opts.BaseURL, ","),
		Headers:    headers,
		Timeout:    opts.Timeout,
		RPS:        opts.RPS,
		HTTPClient: opts.HTTPClient,
	})

	platform := opts.Platform
	if platform == "" {
		platform = "ethereum"
	}

	logger.Info("Price provider configured",
		zap.String("kind", string(opts.Kind)),
		zap.String("platform", platform),
		zap.Int("rps", opts.RPS))

	if opts.Kind == KindCoingecko {
		return &Coingecko{
			client:     client,
			platform:   platform,
			blockTimes: opts.BlockTimes,
			lookback:   DefaultCoingeckoLookback,
		}, nil
	}
	return &Dex{client: client, platform: platform}, nil
}
