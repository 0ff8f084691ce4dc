package event

import (
	"github.com/google/uuid"

	"dscledger/internal/registry"
)

// Amounts are serialized as decimal strings: they are 18-decimal big.Int
// values that do not fit in JSON numbers.

type CollateralDeposited struct {
	User   uuid.UUID        `json:"user"`
	Asset  registry.AssetID `json:"asset"`
	Amount string           `json:"amount"`
}

func (e *CollateralDeposited) EventType() EventType { return EventTypeCollateralDeposited }

type CollateralRedeemed struct {
	RedeemedFrom uuid.UUID        `json:"redeemed_from"`
	RedeemedTo   uuid.UUID        `json:"redeemed_to"`
	Asset        registry.AssetID `json:"asset"`
	Amount       string           `json:"amount"`
}

func (e *CollateralRedeemed) EventType() EventType { return EventTypeCollateralRedeemed }

type DebtMinted struct {
	User   uuid.UUID `json:"user"`
	Amount string    `json:"amount"`
}

func (e *DebtMinted) EventType() EventType { return EventTypeDebtMinted }

type DebtBurned struct {
	OnBehalfOf uuid.UUID `json:"on_behalf_of"`
	PaidBy     uuid.UUID `json:"paid_by"`
	Amount     string    `json:"amount"`
}

func (e *DebtBurned) EventType() EventType { return EventTypeDebtBurned }

type PositionLiquidated struct {
	User             uuid.UUID        `json:"user"`
	Liquidator       uuid.UUID        `json:"liquidator"`
	Asset            registry.AssetID `json:"asset"`
	DebtCovered      string           `json:"debt_covered"`
	CollateralSeized string           `json:"collateral_seized"`
	EndingHealth     string           `json:"ending_health_factor"`
}

func (e *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }
