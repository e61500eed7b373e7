package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticFeed is an in-process feed whose prices are set explicitly. Used for
// development and tests.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	now    func() time.Time
}

// NewStaticFeed creates an empty feed stamping updates with now.
// Pass nil to use time.Now.
func NewStaticFeed(now func() time.Time) *StaticFeed {
	if now == nil {
		now = time.Now
	}
	return &StaticFeed{
		quotes: make(map[string]Quote),
		now:    now,
	}
}

// Set records a new price for asset, stamped with the feed clock.
func (f *StaticFeed) Set(asset string, price int64, decimals int32) {
	f.SetQuote(asset, Quote{
		Price:     decimal.NewFromInt(price),
		Decimals:  decimals,
		UpdatedAt: f.now().UTC(),
	})
}

// SetQuote records a quote as-is.
func (f *StaticFeed) SetQuote(asset string, q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[asset] = q
}

// Remove drops an asset so later reads fail.
func (f *StaticFeed) Remove(asset string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.quotes, asset)
}

func (f *StaticFeed) LatestPrice(_ context.Context, asset string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	q, ok := f.quotes[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: unknown asset %s", ErrOracleUnavailable, asset)
	}
	return q, nil
}
