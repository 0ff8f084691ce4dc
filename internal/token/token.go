package token

import (
	"context"
	"math/big"

	"github.com/google/uuid"
)

// CollateralToken is the external custody interface for one collateral
// asset. A false return without an error is a declined transfer, not an
// exception; the engine maps it to its transfer error taxonomy.
type CollateralToken interface {
	TransferFrom(ctx context.Context, from, to uuid.UUID, amount *big.Int) (bool, error)
	Transfer(ctx context.Context, to uuid.UUID, amount *big.Int) (bool, error)
}

// DebtController is the mint/burn authority over the debt token. It is
// granted to the engine once at system setup and never reassigned.
type DebtController interface {
	// Mint issues amount of debt token to the recipient.
	Mint(ctx context.Context, to uuid.UUID, amount *big.Int) (bool, error)

	// Burn destroys amount from the engine's own holdings, after a prior
	// TransferFrom pull.
	Burn(ctx context.Context, amount *big.Int) error

	// TransferFrom moves debt token between accounts (used to pull
	// repayments into the engine before burning).
	TransferFrom(ctx context.Context, from, to uuid.UUID, amount *big.Int) (bool, error)
}
