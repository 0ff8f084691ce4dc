package engine

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrZeroAmount rejects any zero (or negative) amount parameter.
	ErrZeroAmount = errors.New("engine: amount must be positive")

	// ErrAssetNotAllowed rejects operations referencing unregistered assets.
	ErrAssetNotAllowed = errors.New("engine: asset not accepted as collateral")

	// ErrTransferFromFailed maps a declined external token pull.
	ErrTransferFromFailed = errors.New("engine: token pull declined")

	// ErrTransferFailed maps a declined external token push.
	ErrTransferFailed = errors.New("engine: token push declined")

	// ErrMintFailed maps a declined debt token mint.
	ErrMintFailed = errors.New("engine: debt token mint declined")

	// ErrHealthNotImproved rejects a liquidation whose repair step did not
	// strictly raise the target's health factor.
	ErrHealthNotImproved = errors.New("engine: liquidation did not improve health factor")
)

// PositionHealthyError rejects liquidating a solvent position, carrying the
// position's health factor at call time.
type PositionHealthyError struct {
	Ratio *big.Int
}

func (e *PositionHealthyError) Error() string {
	return fmt.Sprintf("engine: position is healthy (health factor %s)", e.Ratio)
}
