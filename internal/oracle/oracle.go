// Package oracle is the read-only price source consulted at round start and
// round end. Feeds report raw integer prices with a decimals exponent, the
// way on-chain aggregators do.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena/internal/model"
)

var (
	// ErrStalePrice is returned when a quote is too old, non-positive, or
	// missing from a snapshot that should contain it.
	ErrStalePrice = errors.New("oracle: stale or invalid price")

	// ErrOracleUnavailable is returned when the feed cannot be reached or
	// does not know the asset.
	ErrOracleUnavailable = errors.New("oracle: price feed unavailable")
)

// Quote is a single feed reading.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	Decimals  int32           `json:"decimals"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Oracle resolves an asset identifier to its latest price.
type Oracle interface {
	LatestPrice(ctx context.Context, asset string) (Quote, error)
}

// Snapshot reads every asset once and returns the readings keyed by asset.
// It fails on the first unusable quote so callers never persist a partial
// snapshot. maxAge <= 0 disables the age check.
func Snapshot(ctx context.Context, o Oracle, assets []string, now time.Time, maxAge time.Duration) (map[string]model.PriceSnapshot, error) {
	sorted := append([]string(nil), assets...)
	sort.Strings(sorted)

	out := make(map[string]model.PriceSnapshot, len(sorted))
	for _, asset := range sorted {
		if _, seen := out[asset]; seen {
			continue
		}
		q, err := o.LatestPrice(ctx, asset)
		if err != nil {
			if errors.Is(err, ErrStalePrice) || errors.Is(err, ErrOracleUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, asset, err)
		}
		if !q.Price.IsPositive() {
			return nil, fmt.Errorf("%w: %s reported %s", ErrStalePrice, asset, q.Price)
		}
		if maxAge > 0 && now.Sub(q.UpdatedAt) > maxAge {
			return nil, fmt.Errorf("%w: %s last updated %s", ErrStalePrice, asset, q.UpdatedAt.UTC().Format(time.RFC3339))
		}
		out[asset] = model.PriceSnapshot{
			Asset:     asset,
			Price:     q.Price,
			Decimals:  q.Decimals,
			UpdatedAt: q.UpdatedAt,
		}
	}
	return out, nil
}
