package token

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// MemoryToken is an in-process CollateralToken with per-account balances.
// It backs local development and the engine test suite; transfers decline
// (return false) on insufficient balance, mirroring ERC20 semantics.
// Push transfers debit the custody account given at construction (the
// engine vault).
type MemoryToken struct {
	mu       sync.Mutex
	custody  uuid.UUID
	balances map[uuid.UUID]*big.Int

	// Failure switches for exercising the engine's rollback paths.
	DeclineTransferFrom bool
	DeclineTransfer     bool
}

func NewMemoryToken(custody uuid.UUID) *MemoryToken {
	return &MemoryToken{
		custody:  custody,
		balances: make(map[uuid.UUID]*big.Int),
	}
}

// Fund credits an account out of thin air (test/dev seeding).
func (m *MemoryToken) Fund(account uuid.UUID, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(account, amount)
}

// BalanceOf returns a copy of the account balance.
func (m *MemoryToken) BalanceOf(account uuid.UUID) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (m *MemoryToken) TransferFrom(_ context.Context, from, to uuid.UUID, amount *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeclineTransferFrom {
		return false, nil
	}
	return m.move(from, to, amount), nil
}

func (m *MemoryToken) Transfer(_ context.Context, to uuid.UUID, amount *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeclineTransfer {
		return false, nil
	}
	return m.move(m.custody, to, amount), nil
}

func (m *MemoryToken) move(from, to uuid.UUID, amount *big.Int) bool {
	bal, ok := m.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return false
	}
	bal.Sub(bal, amount)
	m.credit(to, amount)
	return true
}

func (m *MemoryToken) credit(account uuid.UUID, amount *big.Int) {
	bal, ok := m.balances[account]
	if !ok {
		bal = new(big.Int)
		m.balances[account] = bal
	}
	bal.Add(bal, amount)
}

// MemoryController is an in-process DebtController. Only the holder of the
// controller value can mint or burn, which models the one-time authority
// grant: construction hands the capability to the engine and nothing else.
type MemoryController struct {
	token  *MemoryToken
	vault  uuid.UUID
	supply *big.Int
	mu     sync.Mutex

	DeclineMint bool
}

// NewMemoryController creates a controller whose Burn operates on the
// engine vault account's holdings.
func NewMemoryController(vault uuid.UUID) *MemoryController {
	return &MemoryController{
		token:  NewMemoryToken(vault),
		vault:  vault,
		supply: new(big.Int),
	}
}

func (c *MemoryController) Mint(_ context.Context, to uuid.UUID, amount *big.Int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.DeclineMint {
		return false, nil
	}
	c.token.Fund(to, amount)
	c.supply.Add(c.supply, amount)
	return true, nil
}

func (c *MemoryController) Burn(_ context.Context, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token.mu.Lock()
	defer c.token.mu.Unlock()

	bal, ok := c.token.balances[c.vault]
	if !ok || bal.Cmp(amount) < 0 {
		return errors.New("token: burn exceeds engine holdings")
	}
	bal.Sub(bal, amount)
	c.supply.Sub(c.supply, amount)
	return nil
}

func (c *MemoryController) TransferFrom(ctx context.Context, from, to uuid.UUID, amount *big.Int) (bool, error) {
	return c.token.TransferFrom(ctx, from, to, amount)
}

// TotalSupply returns a copy of the outstanding debt token supply.
func (c *MemoryController) TotalSupply() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.supply)
}

// BalanceOf returns a copy of an account's debt token balance.
func (c *MemoryController) BalanceOf(account uuid.UUID) *big.Int {
	return c.token.BalanceOf(account)
}

// Fund credits an account with debt token directly (test seeding).
func (c *MemoryController) Fund(account uuid.UUID, amount *big.Int) {
	c.token.Fund(account, amount)
}
