package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// StaticSource is an in-process price source with a settable 8-decimal value.
// Used for local development and tests; production deployments plug in a
// real feed behind the PriceSource interface.
type StaticSource struct {
	mu        sync.RWMutex
	value     *big.Int
	updatedAt time.Time
}

// NewStaticSource creates a source reporting the given 8-decimal value as of now.
func NewStaticSource(value *big.Int) *StaticSource {
	return &StaticSource{
		value:     new(big.Int).Set(value),
		updatedAt: time.Now(),
	}
}

// Set updates the reported value and refreshes the quote timestamp.
func (s *StaticSource) Set(value *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = new(big.Int).Set(value)
	s.updatedAt = time.Now()
}

// SetAt updates the reported value with an explicit timestamp.
func (s *StaticSource) SetAt(value *big.Int, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = new(big.Int).Set(value)
	s.updatedAt = updatedAt
}

// LatestQuote implements PriceSource.
func (s *StaticSource) LatestQuote(_ context.Context) (*big.Int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.value), s.updatedAt, nil
}
