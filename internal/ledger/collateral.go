package ledger

import (
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"dscledger/internal/registry"
)

// ErrUnderflow is returned when a removal exceeds the stored balance.
// Balances are unsigned and never wrap.
var ErrUnderflow = errors.New("ledger: amount exceeds balance")

type collateralKey struct {
	User  uuid.UUID
	Asset registry.AssetID
}

// CollateralLedger stores deposited collateral per (user, asset).
// Pure storage: no validation beyond the underflow rule, no side effects.
type CollateralLedger struct {
	mu       sync.RWMutex
	balances map[collateralKey]*big.Int
}

func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{
		balances: make(map[collateralKey]*big.Int),
	}
}

// Add credits amount to the user's balance for the asset.
func (l *CollateralLedger) Add(user uuid.UUID, asset registry.AssetID, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := collateralKey{User: user, Asset: asset}
	bal, ok := l.balances[key]
	if !ok {
		bal = new(big.Int)
		l.balances[key] = bal
	}
	bal.Add(bal, amount)
}

// Remove debits amount from the user's balance for the asset.
// Fails with ErrUnderflow if amount exceeds the balance; the balance is
// untouched in that case.
func (l *CollateralLedger) Remove(user uuid.UUID, asset registry.AssetID, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := collateralKey{User: user, Asset: asset}
	bal, ok := l.balances[key]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrUnderflow
	}
	bal.Sub(bal, amount)
	return nil
}

// BalanceOf returns a copy of the user's balance for the asset.
func (l *CollateralLedger) BalanceOf(user uuid.UUID, asset registry.AssetID) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if bal, ok := l.balances[collateralKey{User: user, Asset: asset}]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}
