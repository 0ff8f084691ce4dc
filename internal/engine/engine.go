package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dscledger/internal/event"
	"dscledger/internal/fpmath"
	"dscledger/internal/ledger"
	"dscledger/internal/observability"
	"dscledger/internal/oracle"
	"dscledger/internal/registry"
	"dscledger/internal/solvency"
	"dscledger/internal/token"
)

// LiquidationBonusPercent is the extra collateral awarded to a liquidator
// beyond the debt-equivalent amount.
const LiquidationBonusPercent = 10

// Engine is the position orchestrator: the only component that mutates both
// ledgers and calls the external token interfaces. Every operation is
// all-or-nothing: a failure at any step compensates earlier ledger writes
// and external calls before returning, and events are emitted only for
// operations that fully committed.
type Engine struct {
	registry   *registry.Registry
	oracle     *oracle.Adapter
	collateral *ledger.CollateralLedger
	debt       *ledger.DebtLedger
	solvency   *solvency.Calculator
	tokens     map[registry.AssetID]token.CollateralToken
	controller token.DebtController
	vault      uuid.UUID

	locks   *userLocks
	seq     atomic.Int64
	log     zerolog.Logger
	metrics *observability.Metrics

	// persistChan receives every committed event with a blocking send; the
	// engine stalls rather than lose an audit record. publishChan is
	// best-effort fan-out and drops when full.
	persistChan chan<- event.Envelope
	publishChan chan<- event.Envelope

	now func() time.Time
}

// Config wires the engine's collaborators. Registry, Oracle, Tokens,
// Controller and Vault are required; ledgers default to fresh in-memory
// stores and channels are optional.
type Config struct {
	Registry   *registry.Registry
	Oracle     *oracle.Adapter
	Collateral *ledger.CollateralLedger
	Debt       *ledger.DebtLedger
	Tokens     map[registry.AssetID]token.CollateralToken
	Controller token.DebtController
	Vault      uuid.UUID

	Logger      zerolog.Logger
	Metrics     *observability.Metrics
	PersistChan chan<- event.Envelope
	PublishChan chan<- event.Envelope

	// StartSequence is the highest sequence already present in the
	// operation log; committed events number from StartSequence+1.
	// Zero starts a fresh log.
	StartSequence int64
}

func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Oracle == nil {
		return nil, errors.New("engine: oracle adapter is required")
	}
	if cfg.Controller == nil {
		return nil, errors.New("engine: debt controller is required")
	}
	if cfg.Vault == uuid.Nil {
		return nil, errors.New("engine: vault account is required")
	}
	for _, asset := range cfg.Registry.Assets() {
		if _, ok := cfg.Tokens[asset]; !ok {
			return nil, fmt.Errorf("engine: no token interface for asset %s", asset)
		}
	}

	collateral := cfg.Collateral
	if collateral == nil {
		collateral = ledger.NewCollateralLedger()
	}
	debt := cfg.Debt
	if debt == nil {
		debt = ledger.NewDebtLedger()
	}

	e := &Engine{
		registry:    cfg.Registry,
		oracle:      cfg.Oracle,
		collateral:  collateral,
		debt:        debt,
		solvency:    solvency.NewCalculator(cfg.Registry, cfg.Oracle, collateral, debt),
		tokens:      cfg.Tokens,
		controller:  cfg.Controller,
		vault:       cfg.Vault,
		locks:       newUserLocks(),
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
		now:         time.Now,
	}
	e.seq.Store(cfg.StartSequence)
	return e, nil
}

// eventBuf stages domain events during an operation. Sequences are assigned
// and channels fed only at commit, so an aborted operation is invisible.
type eventBuf struct {
	events []event.Event
}

func (b *eventBuf) add(ev event.Event) {
	b.events = append(b.events, ev)
}

// DepositCollateral pulls amount of asset from the user into engine custody
// and credits the collateral ledger.
func (e *Engine) DepositCollateral(ctx context.Context, user uuid.UUID, asset registry.AssetID, amount *big.Int) error {
	return e.instrument("deposit_collateral", func() error {
		if err := validateAmount(amount); err != nil {
			return err
		}
		if !e.registry.IsAccepted(asset) {
			return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset)
		}

		unlock := e.locks.acquire(user)
		defer unlock()

		buf := &eventBuf{}
		if err := e.depositLocked(ctx, user, asset, amount, buf); err != nil {
			return err
		}
		e.commit(buf)
		return nil
	})
}

func (e *Engine) depositLocked(ctx context.Context, user uuid.UUID, asset registry.AssetID, amount *big.Int, buf *eventBuf) error {
	e.collateral.Add(user, asset, amount)

	ok, err := e.tokens[asset].TransferFrom(ctx, user, e.vault, amount)
	if err != nil || !ok {
		// The ledger must not retain a discrepancy with token custody.
		if rbErr := e.collateral.Remove(user, asset, amount); rbErr != nil {
			e.log.Error().Err(rbErr).Str("user", user.String()).Msg("deposit rollback failed")
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFromFailed, err)
		}
		return ErrTransferFromFailed
	}

	buf.add(&event.CollateralDeposited{User: user, Asset: asset, Amount: amount.String()})
	return nil
}

// undoDeposit reverses a committed depositLocked: debits the ledger and
// pushes the pulled tokens back to the user.
func (e *Engine) undoDeposit(ctx context.Context, user uuid.UUID, asset registry.AssetID, amount *big.Int) {
	if err := e.collateral.Remove(user, asset, amount); err != nil {
		e.log.Error().Err(err).Str("user", user.String()).Msg("deposit unwind: ledger debit failed")
	}
	if ok, err := e.tokens[asset].Transfer(ctx, user, amount); err != nil || !ok {
		e.log.Error().Err(err).Str("user", user.String()).Str("asset", string(asset)).
			Msg("deposit unwind: token return failed")
	}
}

// MintDebt issues new debt to the user, subject to the post-mint health check.
func (e *Engine) MintDebt(ctx context.Context, user uuid.UUID, amount *big.Int) error {
	return e.instrument("mint_debt", func() error {
		if err := validateAmount(amount); err != nil {
			return err
		}

		unlock := e.locks.acquire(user)
		defer unlock()

		buf := &eventBuf{}
		if err := e.mintLocked(ctx, user, amount, buf); err != nil {
			return err
		}
		e.commit(buf)
		return nil
	})
}

func (e *Engine) mintLocked(ctx context.Context, user uuid.UUID, amount *big.Int, buf *eventBuf) error {
	e.debt.Add(user, amount)

	// Post-condition check against the new debt.
	if err := e.solvency.AssertHealthy(ctx, user); err != nil {
		e.debt.Remove(user, amount)
		return err
	}

	ok, err := e.controller.Mint(ctx, user, amount)
	if err != nil || !ok {
		e.debt.Remove(user, amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMintFailed, err)
		}
		return ErrMintFailed
	}

	buf.add(&event.DebtMinted{User: user, Amount: amount.String()})
	return nil
}

// DepositCollateralAndMintDebt composes deposit and mint under one position
// lock. If the mint step fails the deposit is unwound, so the composite has
// no observable effect.
func (e *Engine) DepositCollateralAndMintDebt(ctx context.Context, user uuid.UUID, asset registry.AssetID, collateralAmount, debtAmount *big.Int) error {
	return e.instrument("deposit_and_mint", func() error {
		if err := validateAmount(collateralAmount); err != nil {
			return err
		}
		if err := validateAmount(debtAmount); err != nil {
			return err
		}
		if !e.registry.IsAccepted(asset) {
			return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset)
		}

		unlock := e.locks.acquire(user)
		defer unlock()

		buf := &eventBuf{}
		if err := e.depositLocked(ctx, user, asset, collateralAmount, buf); err != nil {
			return err
		}
		if err := e.mintLocked(ctx, user, debtAmount, buf); err != nil {
			e.undoDeposit(ctx, user, asset, collateralAmount)
			return err
		}
		e.commit(buf)
		return nil
	})
}

// BurnDebt repays amount of the user's own debt: the debt token is pulled
// from the user, burned, and the ledger debited.
func (e *Engine) BurnDebt(ctx context.Context, user uuid.UUID, amount *big.Int) error {
	return e.instrument("burn_debt", func() error {
		if err := validateAmount(amount); err != nil {
			return err
		}

		unlock := e.locks.acquire(user)
		defer unlock()

		buf := &eventBuf{}
		if err := e.burnLocked(ctx, user, user, amount, buf); err != nil {
			return err
		}
		e.commit(buf)
		return nil
	})
}

// burnLocked debits onBehalfOf's debt, paid with payer's debt tokens.
// The ledger is debited first so the defensive health check sees the
// post-burn position; external calls follow and compensate on failure.
func (e *Engine) burnLocked(ctx context.Context, onBehalfOf, payer uuid.UUID, amount *big.Int, buf *eventBuf) error {
	if err := e.debt.Remove(onBehalfOf, amount); err != nil {
		return err
	}

	// Burning debt can only raise the health factor; this check is
	// defensive. It still surfaces oracle failures.
	if err := e.solvency.AssertHealthy(ctx, onBehalfOf); err != nil {
		e.debt.Add(onBehalfOf, amount)
		return err
	}

	ok, err := e.controller.TransferFrom(ctx, payer, e.vault, amount)
	if err != nil || !ok {
		e.debt.Add(onBehalfOf, amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFromFailed, err)
		}
		return ErrTransferFromFailed
	}

	if err := e.controller.Burn(ctx, amount); err != nil {
		e.debt.Add(onBehalfOf, amount)
		if _, refundErr := e.controller.TransferFrom(ctx, e.vault, payer, amount); refundErr != nil {
			e.log.Error().Err(refundErr).Str("payer", payer.String()).Msg("burn refund failed")
		}
		return fmt.Errorf("engine: burn debt token: %w", err)
	}

	buf.add(&event.DebtBurned{OnBehalfOf: onBehalfOf, PaidBy: payer, Amount: amount.String()})
	return nil
}

// undoBurn reverses a committed burnLocked: restores the debt ledger and
// re-mints the burned tokens to the payer.
func (e *Engine) undoBurn(ctx context.Context, onBehalfOf, payer uuid.UUID, amount *big.Int) {
	e.debt.Add(onBehalfOf, amount)
	if ok, err := e.controller.Mint(ctx, payer, amount); err != nil || !ok {
		e.log.Error().Err(err).Str("payer", payer.String()).Msg("burn unwind: remint failed")
	}
}

// RedeemCollateral returns amount of asset to the user, rejected after the
// fact if the withdrawal would break solvency.
func (e *Engine) RedeemCollateral(ctx context.Context, user uuid.UUID, asset registry.AssetID, amount *big.Int) error {
	return e.instrument("redeem_collateral", func() error {
		if err := validateAmount(amount); err != nil {
			return err
		}

		unlock := e.locks.acquire(user)
		defer unlock()

		buf := &eventBuf{}
		if err := e.redeemLocked(ctx, user, user, asset, amount, buf); err != nil {
			return err
		}
		e.commit(buf)
		return nil
	})
}

// redeemLocked debits from's collateral and pushes it to the recipient,
// rejected when the withdrawal leaves the position below the minimum.
// Liquidation does not route through here; it seizes directly under its
// own strict-improvement check.
func (e *Engine) redeemLocked(ctx context.Context, from, to uuid.UUID, asset registry.AssetID, amount *big.Int, buf *eventBuf) error {
	if err := e.collateral.Remove(from, asset, amount); err != nil {
		return err
	}

	if err := e.solvency.AssertHealthy(ctx, from); err != nil {
		e.collateral.Add(from, asset, amount)
		return err
	}

	ok, err := e.tokens[asset].Transfer(ctx, to, amount)
	if err != nil || !ok {
		e.collateral.Add(from, asset, amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return ErrTransferFailed
	}

	buf.add(&event.CollateralRedeemed{
		RedeemedFrom: from,
		RedeemedTo:   to,
		Asset:        asset,
		Amount:       amount.String(),
	})
	return nil
}

// BurnDebtAndRedeemCollateral composes burn and redeem under one position
// lock. Burn runs first; it can only improve the health factor, so only the
// redeem step carries the binding solvency check. If the redeem step fails
// the burn is unwound.
func (e *Engine) BurnDebtAndRedeemCollateral(ctx context.Context, user uuid.UUID, asset registry.AssetID, collateralAmount, debtAmount *big.Int) error {
	return e.instrument("burn_and_redeem", func() error {
		if err := validateAmount(collateralAmount); err != nil {
			return err
		}
		if err := validateAmount(debtAmount); err != nil {
			return err
		}
		if !e.registry.IsAccepted(asset) {
			return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset)
		}

		unlock := e.locks.acquire(user)
		defer unlock()

		buf := &eventBuf{}
		if err := e.burnLocked(ctx, user, user, debtAmount, buf); err != nil {
			return err
		}
		if err := e.redeemLocked(ctx, user, user, asset, collateralAmount, buf); err != nil {
			e.undoBurn(ctx, user, user, debtAmount)
			return err
		}
		e.commit(buf)
		return nil
	})
}

// Liquidate lets a third party repay debtToCover of an under-collateralized
// user's debt in exchange for the equivalent collateral plus a 10% bonus.
// The liquidation must leave the position strictly healthier or it fails
// whole. The liquidator's own position is not touched or checked.
func (e *Engine) Liquidate(ctx context.Context, liquidator, user uuid.UUID, asset registry.AssetID, debtToCover *big.Int) error {
	return e.instrument("liquidate", func() error {
		err := e.liquidate(ctx, liquidator, user, asset, debtToCover)
		if e.metrics != nil {
			if err == nil {
				e.metrics.LiquidationsTotal.Inc()
			} else {
				e.metrics.LiquidationsFailed.WithLabelValues(rejectReason(err)).Inc()
			}
		}
		return err
	})
}

func (e *Engine) liquidate(ctx context.Context, liquidator, user uuid.UUID, asset registry.AssetID, debtToCover *big.Int) error {
	if err := validateAmount(debtToCover); err != nil {
		return err
	}
	if !e.registry.IsAccepted(asset) {
		return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset)
	}

	unlock := e.locks.acquire(user)
	defer unlock()

	startingHealth, err := e.solvency.HealthFactor(ctx, user)
	if err != nil {
		return err
	}
	if startingHealth.Cmp(solvency.MinHealthFactor) >= 0 {
		return &PositionHealthyError{Ratio: startingHealth}
	}

	source, _ := e.registry.PriceSourceOf(asset)
	baseAmount, err := e.oracle.FromUsd(ctx, source, debtToCover)
	if err != nil {
		return err
	}
	bonus := fpmath.PercentOf(baseAmount, LiquidationBonusPercent)
	seized := new(big.Int).Add(baseAmount, bonus)

	// Ledger repair step. If aggregate collateralization has slipped to or
	// below 100% the bonus cannot be fully funded; the underflow failure
	// here is the accepted behavior, not partial bonus payment.
	if err := e.collateral.Remove(user, asset, seized); err != nil {
		return err
	}
	if err := e.debt.Remove(user, debtToCover); err != nil {
		e.collateral.Add(user, asset, seized)
		return err
	}

	restore := func() {
		e.collateral.Add(user, asset, seized)
		e.debt.Add(user, debtToCover)
	}

	endingHealth, err := e.solvency.HealthFactor(ctx, user)
	if err != nil {
		restore()
		return err
	}
	if endingHealth.Cmp(startingHealth) <= 0 {
		restore()
		return ErrHealthNotImproved
	}

	// External settlement: pull the repayment, burn it, push the seized
	// collateral. The pull is refundable and a declined push is compensated
	// by re-minting the burned amount, so no failure strands value.
	ok, err := e.controller.TransferFrom(ctx, liquidator, e.vault, debtToCover)
	if err != nil || !ok {
		restore()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFromFailed, err)
		}
		return ErrTransferFromFailed
	}
	if err := e.controller.Burn(ctx, debtToCover); err != nil {
		restore()
		if _, refundErr := e.controller.TransferFrom(ctx, e.vault, liquidator, debtToCover); refundErr != nil {
			e.log.Error().Err(refundErr).Str("liquidator", liquidator.String()).Msg("liquidation refund failed")
		}
		return fmt.Errorf("engine: burn covered debt: %w", err)
	}

	ok, err = e.tokens[asset].Transfer(ctx, liquidator, seized)
	if err != nil || !ok {
		restore()
		if _, mintErr := e.controller.Mint(ctx, liquidator, debtToCover); mintErr != nil {
			e.log.Error().Err(mintErr).Str("liquidator", liquidator.String()).Msg("liquidation remint failed")
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		return ErrTransferFailed
	}

	buf := &eventBuf{}
	buf.add(&event.CollateralRedeemed{
		RedeemedFrom: user,
		RedeemedTo:   liquidator,
		Asset:        asset,
		Amount:       seized.String(),
	})
	buf.add(&event.DebtBurned{OnBehalfOf: user, PaidBy: liquidator, Amount: debtToCover.String()})
	buf.add(&event.PositionLiquidated{
		User:             user,
		Liquidator:       liquidator,
		Asset:            asset,
		DebtCovered:      debtToCover.String(),
		CollateralSeized: seized.String(),
		EndingHealth:     endingHealth.String(),
	})
	e.commit(buf)

	e.log.Info().
		Str("user", user.String()).
		Str("liquidator", liquidator.String()).
		Str("asset", string(asset)).
		Str("debt_covered", debtToCover.String()).
		Str("collateral_seized", seized.String()).
		Msg("position liquidated")
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return nil
}

// commit assigns sequences to the staged events and feeds the outbound
// channels. Called only after every ledger write and external call of the
// operation has succeeded.
func (e *Engine) commit(buf *eventBuf) {
	at := e.now()
	for _, payload := range buf.events {
		env := event.Wrap(e.seq.Add(1), at, payload)

		if e.persistChan != nil {
			e.persistChan <- env
		}
		if e.publishChan != nil {
			select {
			case e.publishChan <- env:
			default:
				if e.metrics != nil {
					e.metrics.PublishDrops.Inc()
				}
				e.log.Warn().Int64("sequence", env.Sequence).Str("event", env.Type).
					Msg("publish channel full, event dropped")
			}
		}
	}
}

func (e *Engine) instrument(op string, fn func() error) error {
	start := time.Now()
	err := fn()

	if e.metrics != nil {
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			e.metrics.OpsApplied.WithLabelValues(op).Inc()
		} else {
			e.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
			var broken *solvency.BrokenHealthFactorError
			if errors.As(err, &broken) {
				e.metrics.HealthChecksFailed.Inc()
			}
		}
	}
	if err != nil {
		e.log.Debug().Err(err).Str("op", op).Msg("operation aborted")
	}
	return err
}

func rejectReason(err error) string {
	var broken *solvency.BrokenHealthFactorError
	var healthy *PositionHealthyError

	switch {
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrAssetNotAllowed):
		return "asset_not_allowed"
	case errors.Is(err, ledger.ErrUnderflow):
		return "underflow"
	case errors.Is(err, ErrTransferFromFailed):
		return "transfer_from_failed"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrHealthNotImproved):
		return "health_not_improved"
	case errors.As(err, &broken):
		return "health_factor_broken"
	case errors.As(err, &healthy):
		return "position_healthy"
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, oracle.ErrNonPositivePrice), errors.Is(err, oracle.ErrUnknownSource):
		return "oracle"
	default:
		return "internal"
	}
}
