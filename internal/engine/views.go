package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"dscledger/internal/registry"
)

// Read-only surface. None of these mutate state or take the position lock;
// they read a consistent snapshot of the ledgers at call time.

// HealthFactor returns the user's current solvency ratio (1e18-scaled).
func (e *Engine) HealthFactor(ctx context.Context, user uuid.UUID) (*big.Int, error) {
	return e.solvency.HealthFactor(ctx, user)
}

// AccountInformation returns the user's minted debt and total collateral
// USD value.
func (e *Engine) AccountInformation(ctx context.Context, user uuid.UUID) (debt, totalCollateralUsd *big.Int, err error) {
	totalCollateralUsd, err = e.solvency.TotalCollateralUsd(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return e.debt.DebtOf(user), totalCollateralUsd, nil
}

// CollateralBalance returns the user's deposited amount of one asset.
func (e *Engine) CollateralBalance(user uuid.UUID, asset registry.AssetID) *big.Int {
	return e.collateral.BalanceOf(user, asset)
}

// TotalCollateralUsd returns the USD value of all the user's collateral.
func (e *Engine) TotalCollateralUsd(ctx context.Context, user uuid.UUID) (*big.Int, error) {
	return e.solvency.TotalCollateralUsd(ctx, user)
}

// PriceInUsd values an 18-decimal token amount against a price source.
func (e *Engine) PriceInUsd(ctx context.Context, source registry.PriceSourceID, amount *big.Int) (*big.Int, error) {
	return e.oracle.ToUsd(ctx, source, amount)
}

// TokenAmountFromUsd converts an 18-decimal USD value into the equivalent
// amount of a registered asset.
func (e *Engine) TokenAmountFromUsd(ctx context.Context, asset registry.AssetID, usd *big.Int) (*big.Int, error) {
	source, ok := e.registry.PriceSourceOf(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset)
	}
	return e.oracle.FromUsd(ctx, source, usd)
}

// AllowedCollaterals returns the accepted assets in registration order.
func (e *Engine) AllowedCollaterals() []registry.AssetID {
	return e.registry.Assets()
}

// PriceSource returns the price source backing a registered asset.
func (e *Engine) PriceSource(asset registry.AssetID) (registry.PriceSourceID, bool) {
	return e.registry.PriceSourceOf(asset)
}
