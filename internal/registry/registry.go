package registry

import "errors"

// AssetID identifies a collateral asset (opaque handle, e.g. a token address).
type AssetID string

// PriceSourceID identifies the price feed backing an asset.
type PriceSourceID string

var (
	// ErrEmpty is returned when the registry is constructed with no assets.
	ErrEmpty = errors.New("registry: asset list is empty")

	// ErrLengthMismatch is returned when the asset and price source lists
	// differ in length.
	ErrLengthMismatch = errors.New("registry: asset and price source lists differ in length")

	// ErrDuplicateAsset is returned when the same asset appears twice.
	ErrDuplicateAsset = errors.New("registry: duplicate asset")
)

// Registry is the immutable mapping of accepted collateral assets to their
// price sources. Iteration order equals registration order, which keeps
// total-collateral-value accumulation deterministic.
type Registry struct {
	order   []AssetID
	sources map[AssetID]PriceSourceID
}

// New constructs the registry once. No mutation is possible afterwards.
func New(assets []AssetID, sources []PriceSourceID) (*Registry, error) {
	if len(assets) != len(sources) {
		return nil, ErrLengthMismatch
	}
	if len(assets) == 0 {
		return nil, ErrEmpty
	}

	r := &Registry{
		order:   make([]AssetID, 0, len(assets)),
		sources: make(map[AssetID]PriceSourceID, len(assets)),
	}
	for i, asset := range assets {
		if _, exists := r.sources[asset]; exists {
			return nil, ErrDuplicateAsset
		}
		r.order = append(r.order, asset)
		r.sources[asset] = sources[i]
	}
	return r, nil
}

// IsAccepted reports whether the asset is registered collateral.
func (r *Registry) IsAccepted(asset AssetID) bool {
	_, ok := r.sources[asset]
	return ok
}

// PriceSourceOf returns the price source for a registered asset.
func (r *Registry) PriceSourceOf(asset AssetID) (PriceSourceID, bool) {
	src, ok := r.sources[asset]
	return src, ok
}

// Assets returns the accepted assets in registration order.
func (r *Registry) Assets() []AssetID {
	out := make([]AssetID, len(r.order))
	copy(out, r.order)
	return out
}
