package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"dscledger/internal/fpmath"
	"dscledger/internal/observability"
	"dscledger/internal/registry"
)

// StaleWindow is the maximum age of a price quote before it is rejected.
const StaleWindow = 3 * time.Hour

var (
	// ErrStalePrice is returned when a quote is older than StaleWindow.
	ErrStalePrice = errors.New("oracle: stale price")

	// ErrNonPositivePrice is returned when a feed reports a zero or
	// negative value.
	ErrNonPositivePrice = errors.New("oracle: non-positive price")

	// ErrUnknownSource is returned for a price source ID with no backing feed.
	ErrUnknownSource = errors.New("oracle: unknown price source")
)

// PriceSource is the external price provider for one asset.
// Value is 8-decimal fixed point and may be non-positive; the adapter
// validates it before use.
type PriceSource interface {
	LatestQuote(ctx context.Context) (value *big.Int, updatedAt time.Time, err error)
}

// Adapter fetches and validates quotes and converts between token amounts
// and USD values at the engine's 18-decimal working precision. Quotes are
// never cached; every call re-fetches.
type Adapter struct {
	sources map[registry.PriceSourceID]PriceSource
	now     func() time.Time
	metrics *observability.Metrics
}

// NewAdapter builds an adapter over the given feeds.
func NewAdapter(sources map[registry.PriceSourceID]PriceSource) *Adapter {
	return &Adapter{sources: sources, now: time.Now}
}

// NewAdapterWithClock is NewAdapter with an injectable clock for tests.
func NewAdapterWithClock(sources map[registry.PriceSourceID]PriceSource, now func() time.Time) *Adapter {
	return &Adapter{sources: sources, now: now}
}

// SetMetrics attaches quote counters. Call before serving traffic.
func (a *Adapter) SetMetrics(m *observability.Metrics) {
	a.metrics = m
}

// Quote returns a validated quote for the source: positive value, not older
// than StaleWindow.
func (a *Adapter) Quote(ctx context.Context, source registry.PriceSourceID) (*big.Int, time.Time, error) {
	feed, ok := a.sources[source]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	value, updatedAt, err := feed.LatestQuote(ctx)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("oracle: fetch quote for %s: %w", source, err)
	}
	if value == nil || value.Sign() <= 0 {
		return nil, time.Time{}, fmt.Errorf("%w: source %s", ErrNonPositivePrice, source)
	}
	if a.now().Sub(updatedAt) > StaleWindow {
		if a.metrics != nil {
			a.metrics.OracleStale.Inc()
		}
		return nil, time.Time{}, fmt.Errorf("%w: source %s updated at %s", ErrStalePrice, source, updatedAt.UTC())
	}
	if a.metrics != nil {
		a.metrics.OracleQuotes.Inc()
	}
	return value, updatedAt, nil
}

// ToUsd converts an 18-decimal token amount to an 18-decimal USD value:
// usd18 = value8 * 1e10 * amount18 / 1e18.
func (a *Adapter) ToUsd(ctx context.Context, source registry.PriceSourceID, amount *big.Int) (*big.Int, error) {
	value, _, err := a.Quote(ctx, source)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Int).Mul(value, fpmath.FeedScaleUp)
	return fpmath.MulDiv(scaled, amount, fpmath.Precision), nil
}

// FromUsd converts an 18-decimal USD value to an 18-decimal token amount:
// amount18 = usd18 * 1e18 / (value8 * 1e10). Truncates; the round trip
// through ToUsd loses at most one unit.
func (a *Adapter) FromUsd(ctx context.Context, source registry.PriceSourceID, usd *big.Int) (*big.Int, error) {
	value, _, err := a.Quote(ctx, source)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Int).Mul(value, fpmath.FeedScaleUp)
	return fpmath.MulDiv(usd, fpmath.Precision, scaled), nil
}
