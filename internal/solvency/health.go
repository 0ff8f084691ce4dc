package solvency

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"dscledger/internal/fpmath"
	"dscledger/internal/ledger"
	"dscledger/internal/oracle"
	"dscledger/internal/registry"
)

// LiquidationThreshold is the percentage of raw collateral value counted
// toward solvency (50 -> 200% over-collateralization required).
const LiquidationThreshold = 50

const thresholdPrecision = 100

// MinHealthFactor is the solvency floor: a position with debt is healthy
// iff healthFactor >= 1e18.
var MinHealthFactor = new(big.Int).Set(fpmath.Precision)

// BrokenHealthFactorError reports a post-condition solvency violation,
// carrying the offending ratio.
type BrokenHealthFactorError struct {
	Ratio *big.Int
}

func (e *BrokenHealthFactorError) Error() string {
	return fmt.Sprintf("solvency: health factor broken: %s < %s", e.Ratio, MinHealthFactor)
}

// Calculator derives collateral USD value and the health factor from the
// two ledgers plus the oracle. It holds no state of its own.
type Calculator struct {
	registry   *registry.Registry
	oracle     *oracle.Adapter
	collateral *ledger.CollateralLedger
	debt       *ledger.DebtLedger
}

func NewCalculator(
	reg *registry.Registry,
	orc *oracle.Adapter,
	collateral *ledger.CollateralLedger,
	debt *ledger.DebtLedger,
) *Calculator {
	return &Calculator{
		registry:   reg,
		oracle:     orc,
		collateral: collateral,
		debt:       debt,
	}
}

// TotalCollateralUsd sums the USD value of the user's collateral over every
// registered asset, in registration order.
func (c *Calculator) TotalCollateralUsd(ctx context.Context, user uuid.UUID) (*big.Int, error) {
	total := new(big.Int)

	for _, asset := range c.registry.Assets() {
		balance := c.collateral.BalanceOf(user, asset)
		if balance.Sign() == 0 {
			continue
		}

		source, _ := c.registry.PriceSourceOf(asset)
		usd, err := c.oracle.ToUsd(ctx, source, balance)
		if err != nil {
			return nil, fmt.Errorf("value collateral %s: %w", asset, err)
		}
		total.Add(total, usd)
	}

	return total, nil
}

// HealthFactor returns the scaled solvency ratio:
// (totalCollateralUsd * LIQUIDATION_THRESHOLD / 100) * 1e18 / debt.
// A position with zero debt is vacuously healthy and returns the maximum
// representable ratio instead of dividing by zero.
func (c *Calculator) HealthFactor(ctx context.Context, user uuid.UUID) (*big.Int, error) {
	debt := c.debt.DebtOf(user)
	if debt.Sign() == 0 {
		return fpmath.Clone(fpmath.MaxRatio), nil
	}

	totalUsd, err := c.TotalCollateralUsd(ctx, user)
	if err != nil {
		return nil, err
	}

	adjusted := fpmath.MulDiv(totalUsd, big.NewInt(LiquidationThreshold), big.NewInt(thresholdPrecision))
	return fpmath.MulDiv(adjusted, fpmath.Precision, debt), nil
}

// AssertHealthy fails with *BrokenHealthFactorError if the user's health
// factor is below MinHealthFactor.
func (c *Calculator) AssertHealthy(ctx context.Context, user uuid.UUID) error {
	ratio, err := c.HealthFactor(ctx, user)
	if err != nil {
		return err
	}
	if ratio.Cmp(MinHealthFactor) < 0 {
		return &BrokenHealthFactorError{Ratio: ratio}
	}
	return nil
}
