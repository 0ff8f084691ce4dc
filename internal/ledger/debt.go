package ledger

import (
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// DebtLedger stores minted debt per user. Same storage contract as
// CollateralLedger: atomic increment/decrement, underflow-checked.
type DebtLedger struct {
	mu       sync.RWMutex
	balances map[uuid.UUID]*big.Int
}

func NewDebtLedger() *DebtLedger {
	return &DebtLedger{
		balances: make(map[uuid.UUID]*big.Int),
	}
}

// Add credits minted debt to the user.
func (l *DebtLedger) Add(user uuid.UUID, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[user]
	if !ok {
		bal = new(big.Int)
		l.balances[user] = bal
	}
	bal.Add(bal, amount)
}

// Remove debits burned debt from the user. Fails with ErrUnderflow if
// amount exceeds the outstanding debt.
func (l *DebtLedger) Remove(user uuid.UUID, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[user]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrUnderflow
	}
	bal.Sub(bal, amount)
	return nil
}

// DebtOf returns a copy of the user's outstanding debt.
func (l *DebtLedger) DebtOf(user uuid.UUID) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if bal, ok := l.balances[user]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}
