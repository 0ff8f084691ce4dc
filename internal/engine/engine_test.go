package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dscledger/internal/engine"
	"dscledger/internal/event"
	"dscledger/internal/ledger"
	"dscledger/internal/oracle"
	"dscledger/internal/registry"
	"dscledger/internal/solvency"
	"dscledger/internal/token"
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func e8(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000))
}

// stale returns a timestamp just outside the accepted price window.
func stale() time.Time {
	return time.Now().Add(-oracle.StaleWindow - time.Minute)
}

// harness wires an engine over in-memory tokens and static feeds:
// WETH at $2000, WBTC at $1000.
type harness struct {
	engine     *engine.Engine
	weth       *oracle.StaticSource
	wbtc       *oracle.StaticSource
	wethToken  *token.MemoryToken
	wbtcToken  *token.MemoryToken
	controller *token.MemoryController
	vault      uuid.UUID
	events     chan event.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	reg, err := registry.New(
		[]registry.AssetID{"WETH", "WBTC"},
		[]registry.PriceSourceID{"feed-weth", "feed-wbtc"},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	h := &harness{
		weth:   oracle.NewStaticSource(e8(2000)),
		wbtc:   oracle.NewStaticSource(e8(1000)),
		vault:  uuid.New(),
		events: make(chan event.Envelope, 256),
	}
	h.wethToken = token.NewMemoryToken(h.vault)
	h.wbtcToken = token.NewMemoryToken(h.vault)
	h.controller = token.NewMemoryController(h.vault)

	orc := oracle.NewAdapter(map[registry.PriceSourceID]oracle.PriceSource{
		"feed-weth": h.weth,
		"feed-wbtc": h.wbtc,
	})

	h.engine, err = engine.New(engine.Config{
		Registry: reg,
		Oracle:   orc,
		Tokens: map[registry.AssetID]token.CollateralToken{
			"WETH": h.wethToken,
			"WBTC": h.wbtcToken,
		},
		Controller:  h.controller,
		Vault:       h.vault,
		Logger:      zerolog.Nop(),
		PersistChan: h.events,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return h
}

// fundedUser creates a user holding 10 WETH and 10 WBTC.
func (h *harness) fundedUser() uuid.UUID {
	user := uuid.New()
	h.wethToken.Fund(user, e18(10))
	h.wbtcToken.Fund(user, e18(10))
	return user
}

// drainEvents returns all currently buffered committed events.
func (h *harness) drainEvents() []event.Envelope {
	var out []event.Envelope
	for {
		select {
		case env := <-h.events:
			out = append(out, env)
		default:
			return out
		}
	}
}

func (h *harness) mustHealthFactor(t *testing.T, user uuid.UUID) *big.Int {
	t.Helper()
	hf, err := h.engine.HealthFactor(context.Background(), user)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	return hf
}

// ============================================================================
// Test: DepositCollateral
// ============================================================================

func TestDepositCollateral_UpdatesLedgerAndCustody(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(e18(1)) != 0 {
		t.Errorf("ledger balance: got %s, want %s", got, e18(1))
	}
	if got := h.wethToken.BalanceOf(h.vault); got.Cmp(e18(1)) != 0 {
		t.Errorf("vault custody: got %s, want %s", got, e18(1))
	}
	if got := h.wethToken.BalanceOf(user); got.Cmp(e18(9)) != 0 {
		t.Errorf("user wallet: got %s, want %s", got, e18(9))
	}

	// 1 WETH at $2000.
	total, err := h.engine.TotalCollateralUsd(ctx, user)
	if err != nil {
		t.Fatalf("TotalCollateralUsd: %v", err)
	}
	if total.Cmp(e18(2000)) != 0 {
		t.Errorf("total collateral USD: got %s, want %s", total, e18(2000))
	}

	events := h.drainEvents()
	if len(events) != 1 || events[0].EventType != event.EventTypeCollateralDeposited {
		t.Errorf("expected one CollateralDeposited event, got %v", events)
	}
}

func TestDepositCollateral_AssetNotAllowed(t *testing.T) {
	h := newHarness(t)

	err := h.engine.DepositCollateral(context.Background(), h.fundedUser(), "DOGE", e18(1))
	if !errors.Is(err, engine.ErrAssetNotAllowed) {
		t.Errorf("got %v, want ErrAssetNotAllowed", err)
	}
}

func TestDepositCollateral_PullDeclined_RollsBack(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	h.wethToken.DeclineTransferFrom = true

	err := h.engine.DepositCollateral(context.Background(), user, "WETH", e18(1))
	if !errors.Is(err, engine.ErrTransferFromFailed) {
		t.Fatalf("got %v, want ErrTransferFromFailed", err)
	}

	if got := h.engine.CollateralBalance(user, "WETH"); got.Sign() != 0 {
		t.Errorf("ledger should be rolled back, got %s", got)
	}
	if events := h.drainEvents(); len(events) != 0 {
		t.Errorf("aborted operation must emit no events, got %d", len(events))
	}
}

// ============================================================================
// Test: MintDebt
// ============================================================================

func TestMintDebt_AtExactMinimum(t *testing.T) {
	// 1 WETH ($2000, adjusted $1000) supports exactly 1000 debt.
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.engine.MintDebt(ctx, user, e18(1000)); err != nil {
		t.Fatalf("mint at exact minimum should succeed: %v", err)
	}

	if hf := h.mustHealthFactor(t, user); hf.Cmp(solvency.MinHealthFactor) != 0 {
		t.Errorf("health factor: got %s, want exactly %s", hf, solvency.MinHealthFactor)
	}
	if got := h.controller.BalanceOf(user); got.Cmp(e18(1000)) != 0 {
		t.Errorf("user debt token balance: got %s, want %s", got, e18(1000))
	}
	if got := h.controller.TotalSupply(); got.Cmp(e18(1000)) != 0 {
		t.Errorf("debt token supply: got %s, want %s", got, e18(1000))
	}
}

func TestMintDebt_BreaksHealthFactor_RollsBack(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := h.engine.MintDebt(ctx, user, e18(1001))
	var broken *solvency.BrokenHealthFactorError
	if !errors.As(err, &broken) {
		t.Fatalf("got %v, want BrokenHealthFactorError", err)
	}

	debt, _, infoErr := h.engine.AccountInformation(ctx, user)
	if infoErr != nil {
		t.Fatalf("AccountInformation: %v", infoErr)
	}
	if debt.Sign() != 0 {
		t.Errorf("debt ledger should be rolled back, got %s", debt)
	}
	if got := h.controller.TotalSupply(); got.Sign() != 0 {
		t.Errorf("no debt token should be minted, supply %s", got)
	}
}

func TestMintDebt_MintDeclined_RollsBack(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h.controller.DeclineMint = true

	err := h.engine.MintDebt(ctx, user, e18(100))
	if !errors.Is(err, engine.ErrMintFailed) {
		t.Fatalf("got %v, want ErrMintFailed", err)
	}

	debt, _, _ := h.engine.AccountInformation(ctx, user)
	if debt.Sign() != 0 {
		t.Errorf("debt ledger should be rolled back, got %s", debt)
	}
}

// ============================================================================
// Test: composite deposit+mint
// ============================================================================

func TestDepositAndMint_Success(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(2), e18(1500)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	// 2 WETH = $4000, adjusted $2000 vs 1500 debt.
	if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(e18(2)) != 0 {
		t.Errorf("collateral: got %s, want %s", got, e18(2))
	}
	debt, _, _ := h.engine.AccountInformation(ctx, user)
	if debt.Cmp(e18(1500)) != 0 {
		t.Errorf("debt: got %s, want %s", debt, e18(1500))
	}

	events := h.drainEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != event.EventTypeCollateralDeposited ||
		events[1].EventType != event.EventTypeDebtMinted {
		t.Errorf("unexpected event order: %v, %v", events[0].Type, events[1].Type)
	}
	if events[1].Sequence != events[0].Sequence+1 {
		t.Errorf("sequences not monotonic: %d, %d", events[0].Sequence, events[1].Sequence)
	}
}

func TestDepositAndMint_MintFails_UnwindsDeposit(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(1001))
	var broken *solvency.BrokenHealthFactorError
	if !errors.As(err, &broken) {
		t.Fatalf("got %v, want BrokenHealthFactorError", err)
	}

	if got := h.engine.CollateralBalance(user, "WETH"); got.Sign() != 0 {
		t.Errorf("deposit should be unwound, collateral %s", got)
	}
	if got := h.wethToken.BalanceOf(user); got.Cmp(e18(10)) != 0 {
		t.Errorf("user wallet should be restored, got %s", got)
	}
	if events := h.drainEvents(); len(events) != 0 {
		t.Errorf("aborted composite must emit no events, got %d", len(events))
	}
}

// ============================================================================
// Test: BurnDebt
// ============================================================================

func TestBurnDebt_ReducesDebtAndSupply(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := h.engine.BurnDebt(ctx, user, e18(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	debt, _, _ := h.engine.AccountInformation(ctx, user)
	if debt.Cmp(e18(600)) != 0 {
		t.Errorf("debt: got %s, want %s", debt, e18(600))
	}
	if got := h.controller.TotalSupply(); got.Cmp(e18(600)) != 0 {
		t.Errorf("supply: got %s, want %s", got, e18(600))
	}
	if got := h.controller.BalanceOf(user); got.Cmp(e18(600)) != 0 {
		t.Errorf("user debt tokens: got %s, want %s", got, e18(600))
	}
}

func TestBurnDebt_MoreThanDebt_Underflow(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(100)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := h.engine.BurnDebt(ctx, user, e18(101)); !errors.Is(err, ledger.ErrUnderflow) {
		t.Errorf("got %v, want ErrUnderflow", err)
	}
}

func TestBurnDebt_PullDeclined_RollsBack(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(100)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	// Move the user's debt tokens away so the repayment pull declines.
	if ok, err := h.controller.TransferFrom(ctx, user, uuid.New(), e18(100)); err != nil || !ok {
		t.Fatalf("move tokens: ok=%v err=%v", ok, err)
	}

	err := h.engine.BurnDebt(ctx, user, e18(100))
	if !errors.Is(err, engine.ErrTransferFromFailed) {
		t.Fatalf("got %v, want ErrTransferFromFailed", err)
	}

	debt, _, _ := h.engine.AccountInformation(ctx, user)
	if debt.Cmp(e18(100)) != 0 {
		t.Errorf("debt should be restored, got %s", debt)
	}
}

// ============================================================================
// Test: RedeemCollateral
// ============================================================================

func TestRedeemCollateral_Success(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateral(ctx, user, "WETH", e18(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h.drainEvents()

	if err := h.engine.RedeemCollateral(ctx, user, "WETH", e18(2)); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if got := h.engine.CollateralBalance(user, "WETH"); got.Sign() != 0 {
		t.Errorf("collateral: got %s, want 0", got)
	}
	if got := h.wethToken.BalanceOf(user); got.Cmp(e18(10)) != 0 {
		t.Errorf("user wallet: got %s, want %s", got, e18(10))
	}

	events := h.drainEvents()
	if len(events) != 1 || events[0].EventType != event.EventTypeCollateralRedeemed {
		t.Errorf("expected one CollateralRedeemed event, got %v", events)
	}
}

func TestRedeemCollateral_ZeroAmount(t *testing.T) {
	h := newHarness(t)

	err := h.engine.RedeemCollateral(context.Background(), uuid.New(), "WETH", big.NewInt(0))
	if !errors.Is(err, engine.ErrZeroAmount) {
		t.Errorf("got %v, want ErrZeroAmount", err)
	}
}

func TestRedeemCollateral_MoreThanBalance_Underflow(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := h.engine.RedeemCollateral(ctx, user, "WETH", e18(2))
	if !errors.Is(err, ledger.ErrUnderflow) {
		t.Errorf("got %v, want ErrUnderflow", err)
	}
}

func TestRedeemCollateral_WouldBreakSolvency_RollsBack(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	err := h.engine.RedeemCollateral(ctx, user, "WETH", big.NewInt(1))
	var broken *solvency.BrokenHealthFactorError
	if !errors.As(err, &broken) {
		t.Fatalf("got %v, want BrokenHealthFactorError", err)
	}

	if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(e18(1)) != 0 {
		t.Errorf("collateral should be restored, got %s", got)
	}
}

// ============================================================================
// Test: composite burn+redeem
// ============================================================================

func TestBurnAndRedeem_ClosesPosition(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(500)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := h.engine.BurnDebtAndRedeemCollateral(ctx, user, "WETH", e18(1), e18(500)); err != nil {
		t.Fatalf("burn and redeem: %v", err)
	}

	debt, totalUsd, err := h.engine.AccountInformation(ctx, user)
	if err != nil {
		t.Fatalf("AccountInformation: %v", err)
	}
	if debt.Sign() != 0 || totalUsd.Sign() != 0 {
		t.Errorf("position should be closed: debt=%s collateral=%s", debt, totalUsd)
	}
	if got := h.wethToken.BalanceOf(user); got.Cmp(e18(10)) != 0 {
		t.Errorf("user wallet: got %s, want %s", got, e18(10))
	}
}

func TestBurnAndRedeem_RedeemFails_UnwindsBurn(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	h.drainEvents()

	// Burning 400 leaves 600 debt; redeeming 0.9 WETH would leave $100
	// adjusted collateral against it.
	tenthWeth := new(big.Int).Quo(e18(9), big.NewInt(10))
	err := h.engine.BurnDebtAndRedeemCollateral(ctx, user, "WETH", tenthWeth, e18(400))
	var broken *solvency.BrokenHealthFactorError
	if !errors.As(err, &broken) {
		t.Fatalf("got %v, want BrokenHealthFactorError", err)
	}

	debt, _, _ := h.engine.AccountInformation(ctx, user)
	if debt.Cmp(e18(1000)) != 0 {
		t.Errorf("debt should be restored, got %s", debt)
	}
	if got := h.controller.BalanceOf(user); got.Cmp(e18(1000)) != 0 {
		t.Errorf("user debt tokens should be restored, got %s", got)
	}
	if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(e18(1)) != 0 {
		t.Errorf("collateral should be untouched, got %s", got)
	}
	if events := h.drainEvents(); len(events) != 0 {
		t.Errorf("aborted composite must emit no events, got %d", len(events))
	}
}

// ============================================================================
// Test: Liquidate
// ============================================================================

func TestLiquidate_HealthyPosition_Rejected(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(500)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	err := h.engine.Liquidate(ctx, uuid.New(), user, "WETH", e18(100))
	var healthy *engine.PositionHealthyError
	if !errors.As(err, &healthy) {
		t.Fatalf("got %v, want PositionHealthyError", err)
	}
	if healthy.Ratio.Cmp(solvency.MinHealthFactor) < 0 {
		t.Errorf("reported ratio %s should be at or above minimum", healthy.Ratio)
	}
}

func TestLiquidate_ImprovesHealthAndPaysBonus(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	liquidator := uuid.New()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// WETH drops to $1800: adjusted collateral $900 vs 1000 debt.
	h.weth.Set(e8(1800))
	startingHealth := h.mustHealthFactor(t, user)
	if startingHealth.Cmp(solvency.MinHealthFactor) >= 0 {
		t.Fatalf("setup: position should be liquidatable, health %s", startingHealth)
	}

	h.controller.Fund(liquidator, e18(500))
	h.drainEvents()

	if err := h.engine.Liquidate(ctx, liquidator, user, "WETH", e18(500)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Seized collateral = debt equivalent + 10% bonus.
	base, err := h.engine.TokenAmountFromUsd(ctx, "WETH", e18(500))
	if err != nil {
		t.Fatalf("TokenAmountFromUsd: %v", err)
	}
	bonus := new(big.Int).Quo(new(big.Int).Mul(base, big.NewInt(10)), big.NewInt(100))
	seized := new(big.Int).Add(base, bonus)

	wantRemaining := new(big.Int).Sub(e18(1), seized)
	if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(wantRemaining) != 0 {
		t.Errorf("user collateral: got %s, want %s", got, wantRemaining)
	}
	if got := h.wethToken.BalanceOf(liquidator); got.Cmp(seized) != 0 {
		t.Errorf("liquidator collateral: got %s, want %s", got, seized)
	}

	debt, _, _ := h.engine.AccountInformation(ctx, user)
	if debt.Cmp(e18(500)) != 0 {
		t.Errorf("user debt: got %s, want %s", debt, e18(500))
	}
	if got := h.controller.BalanceOf(liquidator); got.Sign() != 0 {
		t.Errorf("liquidator debt tokens should be spent, got %s", got)
	}
	if got := h.controller.TotalSupply(); got.Cmp(e18(500)) != 0 {
		t.Errorf("debt supply: got %s, want %s", got, e18(500))
	}

	endingHealth := h.mustHealthFactor(t, user)
	if endingHealth.Cmp(startingHealth) <= 0 {
		t.Errorf("health must strictly improve: %s -> %s", startingHealth, endingHealth)
	}

	events := h.drainEvents()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].EventType != event.EventTypePositionLiquidated {
		t.Errorf("last event should be PositionLiquidated, got %s", events[2].Type)
	}
}

func TestLiquidate_HealthNotImproved_RollsBack(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	liquidator := uuid.New()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// At $1000 collateral value equals debt; seizing the 10% bonus worsens
	// the ratio, so the liquidation must fail whole.
	h.weth.Set(e8(1000))
	h.controller.Fund(liquidator, e18(500))

	err := h.engine.Liquidate(ctx, liquidator, user, "WETH", e18(500))
	if !errors.Is(err, engine.ErrHealthNotImproved) {
		t.Fatalf("got %v, want ErrHealthNotImproved", err)
	}

	if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(e18(1)) != 0 {
		t.Errorf("collateral should be restored, got %s", got)
	}
	debt, _, _ := h.engine.AccountInformation(ctx, user)
	if debt.Cmp(e18(1000)) != 0 {
		t.Errorf("debt should be restored, got %s", debt)
	}
	if got := h.controller.BalanceOf(liquidator); got.Cmp(e18(500)) != 0 {
		t.Errorf("liquidator tokens should be untouched, got %s", got)
	}
}

func TestLiquidate_BonusUnderfunded_Underflow(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	liquidator := uuid.New()
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// At $400 covering 400 debt needs 1.1 WETH of collateral; only 1 exists.
	// The bonus is never partially paid.
	h.weth.Set(e8(400))
	h.controller.Fund(liquidator, e18(400))

	err := h.engine.Liquidate(ctx, liquidator, user, "WETH", e18(400))
	if !errors.Is(err, ledger.ErrUnderflow) {
		t.Fatalf("got %v, want ErrUnderflow", err)
	}
	if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(e18(1)) != 0 {
		t.Errorf("collateral should be untouched, got %s", got)
	}
}

func TestLiquidate_PullDeclined_RollsBack(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	liquidator := uuid.New() // holds no debt tokens
	ctx := context.Background()

	if err := h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", e18(1), e18(1000)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	h.weth.Set(e8(1800))

	err := h.engine.Liquidate(ctx, liquidator, user, "WETH", e18(500))
	if !errors.Is(err, engine.ErrTransferFromFailed) {
		t.Fatalf("got %v, want ErrTransferFromFailed", err)
	}

	if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(e18(1)) != 0 {
		t.Errorf("collateral should be restored, got %s", got)
	}
	debt, _, _ := h.engine.AccountInformation(ctx, user)
	if debt.Cmp(e18(1000)) != 0 {
		t.Errorf("debt should be restored, got %s", debt)
	}
}

// ============================================================================
// Test: zero-amount rejection across all entry points
// ============================================================================

func TestAllMutatingOps_RejectZeroAmount(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	ctx := context.Background()
	zero := big.NewInt(0)
	one := e18(1)

	cases := []struct {
		name string
		call func() error
	}{
		{"deposit", func() error { return h.engine.DepositCollateral(ctx, user, "WETH", zero) }},
		{"mint", func() error { return h.engine.MintDebt(ctx, user, zero) }},
		{"deposit_and_mint_collateral", func() error {
			return h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", zero, one)
		}},
		{"deposit_and_mint_debt", func() error {
			return h.engine.DepositCollateralAndMintDebt(ctx, user, "WETH", one, zero)
		}},
		{"burn", func() error { return h.engine.BurnDebt(ctx, user, zero) }},
		{"redeem", func() error { return h.engine.RedeemCollateral(ctx, user, "WETH", zero) }},
		{"burn_and_redeem_collateral", func() error {
			return h.engine.BurnDebtAndRedeemCollateral(ctx, user, "WETH", zero, one)
		}},
		{"burn_and_redeem_debt", func() error {
			return h.engine.BurnDebtAndRedeemCollateral(ctx, user, "WETH", one, zero)
		}},
		{"liquidate", func() error { return h.engine.Liquidate(ctx, uuid.New(), user, "WETH", zero) }},
		{"nil_amount", func() error { return h.engine.DepositCollateral(ctx, user, "WETH", nil) }},
	}

	for _, tc := range cases {
		if err := tc.call(); !errors.Is(err, engine.ErrZeroAmount) {
			t.Errorf("%s: got %v, want ErrZeroAmount", tc.name, err)
		}
	}
}

// ============================================================================
// Test: oracle staleness blocks solvency-dependent operations
// ============================================================================

func TestStaleOracle_BlocksMint(t *testing.T) {
	h := newHarness(t)
	user := h.fundedUser()
	ctx := context.Background()

	if err := h.engine.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	h.weth.SetAt(e8(2000), stale())
	err := h.engine.MintDebt(ctx, user, e18(100))
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}

	debt, _, infoErr := h.engine.AccountInformation(ctx, user)
	if infoErr == nil && debt.Sign() != 0 {
		t.Errorf("debt should be rolled back, got %s", debt)
	}
}

// ============================================================================
// Test: invariant over an operation sequence
// ============================================================================

func TestInvariant_HealthyAfterEveryOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users := []uuid.UUID{h.fundedUser(), h.fundedUser()}

	ops := []func() error{
		func() error { return h.engine.DepositCollateral(ctx, users[0], "WETH", e18(2)) },
		func() error { return h.engine.MintDebt(ctx, users[0], e18(1500)) },
		func() error { return h.engine.DepositCollateralAndMintDebt(ctx, users[1], "WBTC", e18(4), e18(2000)) },
		func() error { return h.engine.MintDebt(ctx, users[0], e18(1000)) }, // over the limit, must fail
		func() error { return h.engine.BurnDebt(ctx, users[0], e18(500)) },
		func() error { return h.engine.RedeemCollateral(ctx, users[0], "WETH", e18(1)) },
		func() error { return h.engine.RedeemCollateral(ctx, users[1], "WBTC", e18(4)) }, // must fail
		func() error { return h.engine.BurnDebtAndRedeemCollateral(ctx, users[1], "WBTC", e18(2), e18(2000)) },
	}

	for i, op := range ops {
		op() // failures are allowed; the invariant must hold either way

		for _, user := range users {
			debt, _, err := h.engine.AccountInformation(ctx, user)
			if err != nil {
				t.Fatalf("op %d: AccountInformation: %v", i, err)
			}
			if debt.Sign() == 0 {
				continue
			}
			if hf := h.mustHealthFactor(t, user); hf.Cmp(solvency.MinHealthFactor) < 0 {
				t.Fatalf("op %d: user %s unhealthy with debt: health %s", i, user, hf)
			}
		}
	}
}

// ============================================================================
// Test: concurrency across users
// ============================================================================

func TestConcurrentOperations_DifferentUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const workers = 8
	users := make([]uuid.UUID, workers)
	for i := range users {
		users[i] = h.fundedUser()
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(user uuid.UUID) {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if err := h.engine.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
					errs <- fmt.Errorf("deposit: %w", err)
					return
				}
			}
			if err := h.engine.MintDebt(ctx, user, e18(1000)); err != nil {
				errs <- fmt.Errorf("mint: %w", err)
			}
		}(users[i])
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("worker error: %v", err)
	}

	for _, user := range users {
		if got := h.engine.CollateralBalance(user, "WETH"); got.Cmp(e18(4)) != 0 {
			t.Errorf("user %s collateral: got %s, want %s", user, got, e18(4))
		}
	}
	if got := h.wethToken.BalanceOf(h.vault); got.Cmp(e18(4*workers)) != 0 {
		t.Errorf("vault custody: got %s, want %s", got, e18(4*workers))
	}
}

// ============================================================================
// Test: read-only surface
// ============================================================================

func TestViews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assets := h.engine.AllowedCollaterals()
	if len(assets) != 2 || assets[0] != "WETH" || assets[1] != "WBTC" {
		t.Errorf("AllowedCollaterals: %v", assets)
	}

	src, ok := h.engine.PriceSource("WBTC")
	if !ok || src != "feed-wbtc" {
		t.Errorf("PriceSource(WBTC) = %q, %v", src, ok)
	}

	usd, err := h.engine.PriceInUsd(ctx, "feed-weth", e18(3))
	if err != nil {
		t.Fatalf("PriceInUsd: %v", err)
	}
	if usd.Cmp(e18(6000)) != 0 {
		t.Errorf("PriceInUsd: got %s, want %s", usd, e18(6000))
	}

	amount, err := h.engine.TokenAmountFromUsd(ctx, "WBTC", e18(500))
	if err != nil {
		t.Fatalf("TokenAmountFromUsd: %v", err)
	}
	half := new(big.Int).Quo(e18(1), big.NewInt(2))
	if amount.Cmp(half) != 0 {
		t.Errorf("TokenAmountFromUsd: got %s, want %s", amount, half)
	}

	if _, err := h.engine.TokenAmountFromUsd(ctx, "DOGE", e18(1)); !errors.Is(err, engine.ErrAssetNotAllowed) {
		t.Errorf("unregistered asset: got %v, want ErrAssetNotAllowed", err)
	}
}

// ============================================================================
// Test: event numbering across restarts
// ============================================================================

// A restarted process must resume numbering after the operation log's tail.
// The log keys rows by sequence and discards duplicates on insert, so a
// sequence reused by a later run would silently lose its audit record.
func TestStartSequence_ResumesNumberingAfterRestart(t *testing.T) {
	reg, err := registry.New(
		[]registry.AssetID{"WETH"},
		[]registry.PriceSourceID{"feed-weth"},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	orc := oracle.NewAdapter(map[registry.PriceSourceID]oracle.PriceSource{
		"feed-weth": oracle.NewStaticSource(e8(2000)),
	})

	// Ledgers and channel survive across the two engines, standing in for
	// state that outlives a process: Postgres rows and token custody.
	collateral := ledger.NewCollateralLedger()
	debt := ledger.NewDebtLedger()
	vault := uuid.New()
	wethToken := token.NewMemoryToken(vault)
	events := make(chan event.Envelope, 16)

	build := func(startSeq int64) *engine.Engine {
		eng, err := engine.New(engine.Config{
			Registry:   reg,
			Oracle:     orc,
			Collateral: collateral,
			Debt:       debt,
			Tokens: map[registry.AssetID]token.CollateralToken{
				"WETH": wethToken,
			},
			Controller:    token.NewMemoryController(vault),
			Vault:         vault,
			Logger:        zerolog.Nop(),
			PersistChan:   events,
			StartSequence: startSeq,
		})
		if err != nil {
			t.Fatalf("engine.New: %v", err)
		}
		return eng
	}

	ctx := context.Background()
	user := uuid.New()
	wethToken.Fund(user, e18(4))

	first := build(0)
	if err := first.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
		t.Fatalf("deposit before restart: %v", err)
	}
	before := <-events
	if before.Sequence != 1 {
		t.Fatalf("first sequence: got %d, want 1", before.Sequence)
	}

	second := build(before.Sequence)
	if err := second.DepositCollateral(ctx, user, "WETH", e18(1)); err != nil {
		t.Fatalf("deposit after restart: %v", err)
	}
	after := <-events
	if after.Sequence != before.Sequence+1 {
		t.Errorf("sequence after restart: got %d, want %d", after.Sequence, before.Sequence+1)
	}
}
