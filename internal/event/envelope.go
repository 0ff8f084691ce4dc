package event

import "time"

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposited
	EventTypeCollateralRedeemed
	EventTypeDebtMinted
	EventTypeDebtBurned
	EventTypePositionLiquidated
)

func (t EventType) String() string {
	switch t {
	case EventTypeCollateralDeposited:
		return "collateral_deposited"
	case EventTypeCollateralRedeemed:
		return "collateral_redeemed"
	case EventTypeDebtMinted:
		return "debt_minted"
	case EventTypeDebtBurned:
		return "debt_burned"
	case EventTypePositionLiquidated:
		return "position_liquidated"
	default:
		return "unknown"
	}
}

// Event is the interface all domain event payloads implement.
type Event interface {
	EventType() EventType
}

// Envelope wraps a committed domain event. The sequence is assigned by the
// engine, monotonically, only for operations that fully committed; an
// aborted operation leaves no envelope behind.
type Envelope struct {
	Sequence  int64     `json:"sequence"`
	EventType EventType `json:"-"`
	Type      string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}

// Wrap builds an envelope around a payload.
func Wrap(sequence int64, at time.Time, payload Event) Envelope {
	return Envelope{
		Sequence:  sequence,
		EventType: payload.EventType(),
		Type:      payload.EventType().String(),
		Timestamp: at,
		Payload:   payload,
	}
}
