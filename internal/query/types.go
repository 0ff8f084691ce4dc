package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CollateralBalance is a single asset position inside an account view.
// Amounts are 18-decimal fixed point rendered as decimal strings.
type CollateralBalance struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Source   string `json:"price_source"`
	UsdValue string `json:"usd_value"`
}

// AccountResponse is the full read-only view of a user position.
type AccountResponse struct {
	UserID             uuid.UUID           `json:"user_id"`
	Debt               string              `json:"debt"`
	TotalCollateralUsd string              `json:"total_collateral_usd"`
	HealthFactor       string              `json:"health_factor"`
	Collaterals        []CollateralBalance `json:"collaterals"`
}

// AssetInfo describes one accepted collateral asset.
type AssetInfo struct {
	Asset       string `json:"asset"`
	PriceSource string `json:"price_source"`
	PriceUsd    string `json:"price_usd"`
}

// HistoryEntry is one committed operation event read back from the
// operation log. Payload is the event body as stored.
type HistoryEntry struct {
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
