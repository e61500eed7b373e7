// Package portfolio holds the pure arithmetic of the arena: allocation
// validation, performance scoring, winner selection and prize splitting.
//
// Nothing here keeps state. Every function takes its inputs explicitly so the
// round manager can call it from inside a locked section.
//
// All values use shopspring/decimal. Scores are fixed-point integers scaled by
// ScoreScale; each per-asset term is truncated toward zero so a given pair of
// snapshots always produces the same score.
package portfolio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena/internal/model"
	"github.com/atmx/arena/internal/oracle"
)

var (
	// ErrEmptyAllocation is returned when an allocation has no holdings.
	ErrEmptyAllocation = errors.New("portfolio: allocation is empty")

	// ErrTooManyAssets is returned when an allocation exceeds the asset cap.
	ErrTooManyAssets = errors.New("portfolio: too many assets")

	// ErrZeroWeight is returned when a weight is zero or negative.
	ErrZeroWeight = errors.New("portfolio: weights must be positive")

	// ErrDuplicateAsset is returned when an asset appears twice.
	ErrDuplicateAsset = errors.New("portfolio: duplicate asset")

	// ErrEmptyAsset is returned for a blank asset identifier.
	ErrEmptyAsset = errors.New("portfolio: empty asset identifier")

	// ErrLengthMismatch is returned when assets and weights differ in length.
	ErrLengthMismatch = errors.New("portfolio: assets and weights differ in length")
)

// ScoreScale is the fixed-point unit of a score: a weight-1 holding whose
// price doubles scores exactly ScoreScale.
var ScoreScale = decimal.New(1, 18)

// NewAllocation pairs parallel asset and weight slices.
func NewAllocation(assets []string, weights []int64) (model.Allocation, error) {
	if len(assets) != len(weights) {
		return nil, fmt.Errorf("%w: %d assets, %d weights", ErrLengthMismatch, len(assets), len(weights))
	}
	out := make(model.Allocation, len(assets))
	for i := range assets {
		out[i] = model.Holding{Asset: strings.TrimSpace(assets[i]), Weight: weights[i]}
	}
	return out, nil
}

// ValidateAllocation checks an allocation against the asset cap.
func ValidateAllocation(a model.Allocation, maxAssets int) error {
	if len(a) == 0 {
		return ErrEmptyAllocation
	}
	if len(a) > maxAssets {
		return fmt.Errorf("%w: %d > %d", ErrTooManyAssets, len(a), maxAssets)
	}

	seen := make(map[string]struct{}, len(a))
	for i, h := range a {
		if h.Weight <= 0 {
			return fmt.Errorf("%w: holding %d has weight %d", ErrZeroWeight, i, h.Weight)
		}
		if h.Asset == "" {
			return fmt.Errorf("%w: holding %d", ErrEmptyAsset, i)
		}
		if _, dup := seen[h.Asset]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAsset, h.Asset)
		}
		seen[h.Asset] = struct{}{}
	}
	return nil
}

// Score computes Σ weight × (end − start) × ScoreScale / start over the
// holdings. Both snapshots must contain every asset with a positive price.
func Score(a model.Allocation, start, end map[string]model.PriceSnapshot) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, h := range a {
		s, ok := start[h.Asset]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: no start price for %s", oracle.ErrStalePrice, h.Asset)
		}
		e, ok := end[h.Asset]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: no end price for %s", oracle.ErrStalePrice, h.Asset)
		}

		sv, ev := s.Value(), e.Value()
		if !sv.IsPositive() || !ev.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: non-positive price for %s", oracle.ErrStalePrice, h.Asset)
		}

		num := decimal.NewFromInt(h.Weight).Mul(ev.Sub(sv)).Mul(ScoreScale)
		term, _ := num.QuoRem(sv, 0)
		total = total.Add(term)
	}
	return total, nil
}

// Rank scores every portfolio. Standings keep the input order.
func Rank(portfolios []model.Portfolio, start, end map[string]model.PriceSnapshot) ([]model.Standing, error) {
	out := make([]model.Standing, 0, len(portfolios))
	for _, p := range portfolios {
		score, err := Score(p.Allocation, start, end)
		if err != nil {
			return nil, fmt.Errorf("portfolio %s: %w", p.ID, err)
		}
		out = append(out, model.Standing{
			PortfolioID: p.ID,
			Participant: p.Participant,
			Type:        p.Type,
			Score:       score,
		})
	}
	return out, nil
}

// Winners returns the distinct participants holding a portfolio with the
// maximum score, in first-seen order. Equal scores all win.
func Winners(standings []model.Standing) []string {
	if len(standings) == 0 {
		return nil
	}

	best := standings[0].Score
	for _, s := range standings[1:] {
		if s.Score.GreaterThan(best) {
			best = s.Score
		}
	}

	var out []string
	seen := make(map[string]struct{})
	for _, s := range standings {
		if !s.Score.Equal(best) {
			continue
		}
		if _, ok := seen[s.Participant]; ok {
			continue
		}
		seen[s.Participant] = struct{}{}
		out = append(out, s.Participant)
	}
	return out
}

// PrizeShare splits pool evenly between winners using integer division.
// The remainder is returned separately and belongs to no one.
func PrizeShare(pool decimal.Decimal, winners int) (share, remainder decimal.Decimal) {
	if winners <= 0 {
		return decimal.Zero, pool
	}
	return pool.QuoRem(decimal.NewFromInt(int64(winners)), 0)
}
