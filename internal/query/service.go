package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"dscledger/internal/registry"
)

// ErrHistoryUnavailable is returned when the service runs without an
// operation-log database attached.
var ErrHistoryUnavailable = errors.New("query: operation history is unavailable")

// AccountViews is the slice of the accounting engine the query service reads.
type AccountViews interface {
	HealthFactor(ctx context.Context, user uuid.UUID) (*big.Int, error)
	AccountInformation(ctx context.Context, user uuid.UUID) (debt, totalCollateralUsd *big.Int, err error)
	CollateralBalance(user uuid.UUID, asset registry.AssetID) *big.Int
	PriceInUsd(ctx context.Context, source registry.PriceSourceID, amount *big.Int) (*big.Int, error)
	AllowedCollaterals() []registry.AssetID
	PriceSource(asset registry.AssetID) (registry.PriceSourceID, bool)
}

// Service serves read-only views. Account state is read live from the
// engine; operation history is read back from the Postgres operation log
// and may be absent in setups that run without persistence.
type Service struct {
	views AccountViews
	db    *sql.DB
}

func NewService(views AccountViews, db *sql.DB) *Service {
	return &Service{views: views, db: db}
}

// GetAccount returns the full position view for a user: debt, per-asset
// collateral with USD values, and the health factor.
func (s *Service) GetAccount(ctx context.Context, user uuid.UUID) (*AccountResponse, error) {
	debt, totalUsd, err := s.views.AccountInformation(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("account information: %w", err)
	}
	health, err := s.views.HealthFactor(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("health factor: %w", err)
	}

	var collaterals []CollateralBalance
	for _, asset := range s.views.AllowedCollaterals() {
		amount := s.views.CollateralBalance(user, asset)
		if amount.Sign() == 0 {
			continue
		}
		source, _ := s.views.PriceSource(asset)
		usd, err := s.views.PriceInUsd(ctx, source, amount)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", asset, err)
		}
		collaterals = append(collaterals, CollateralBalance{
			Asset:    string(asset),
			Amount:   amount.String(),
			Source:   string(source),
			UsdValue: usd.String(),
		})
	}

	return &AccountResponse{
		UserID:             user,
		Debt:               debt.String(),
		TotalCollateralUsd: totalUsd.String(),
		HealthFactor:       health.String(),
		Collaterals:        collaterals,
	}, nil
}

// ListAssets returns every accepted collateral asset with its current
// unit price in USD.
func (s *Service) ListAssets(ctx context.Context) ([]AssetInfo, error) {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	var out []AssetInfo
	for _, asset := range s.views.AllowedCollaterals() {
		source, _ := s.views.PriceSource(asset)
		price, err := s.views.PriceInUsd(ctx, source, one)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", asset, err)
		}
		out = append(out, AssetInfo{
			Asset:       string(asset),
			PriceSource: string(source),
			PriceUsd:    price.String(),
		})
	}
	return out, nil
}

// GetHistory returns committed operation events newest first, with
// cursor pagination: pass the smallest sequence of the previous page
// as beforeSeq to fetch the next one.
func (s *Service) GetHistory(ctx context.Context, limit int, beforeSeq *int64) ([]HistoryEntry, error) {
	if s.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT sequence, event_type, created_at, payload
		FROM ledger.operations
	`
	args := []interface{}{}
	if beforeSeq != nil {
		query += " WHERE sequence < $1"
		args = append(args, *beforeSeq)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Sequence, &e.Type, &e.Timestamp, &e.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
