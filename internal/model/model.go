// Package model defines the core domain types shared across the arena engine.
// All amounts, prices and scores use shopspring/decimal, never float64.
// Amounts are integers in the fee token's native unit.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RoundStatus is the lifecycle state of a round. Transitions are strictly
// forward: pending → active → ended.
type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundActive  RoundStatus = "active"
	RoundEnded   RoundStatus = "ended"
)

// Next returns the only status a round may move to from s.
func (s RoundStatus) Next() (RoundStatus, bool) {
	switch s {
	case RoundPending:
		return RoundActive, true
	case RoundActive:
		return RoundEnded, true
	default:
		return "", false
	}
}

// NormalizeAddress canonicalizes a principal identifier for comparisons.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Holding is one (asset, weight) pair of an allocation. Weights are relative
// stake, not percentages.
type Holding struct {
	Asset  string `json:"asset"`
	Weight int64  `json:"weight"`
}

// Allocation is the ordered list of holdings declared for a portfolio.
type Allocation []Holding

// Assets returns the asset identifiers in declaration order.
func (a Allocation) Assets() []string {
	out := make([]string, len(a))
	for i, h := range a {
		out[i] = h.Asset
	}
	return out
}

// Weights returns the weights in declaration order.
func (a Allocation) Weights() []int64 {
	out := make([]int64, len(a))
	for i, h := range a {
		out[i] = h.Weight
	}
	return out
}

// Portfolio is a participant's entry for one round and one portfolio type.
// Immutable once recorded.
type Portfolio struct {
	ID          string          `json:"id" db:"id"`
	RoundID     int64           `json:"round_id" db:"round_id"`
	Participant string          `json:"participant" db:"participant"`
	Type        string          `json:"portfolio_type" db:"portfolio_type"`
	TypeIndex   int             `json:"type_index" db:"type_index"`
	Allocation  Allocation      `json:"allocation" db:"allocation"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	FeeToken    string          `json:"fee_token" db:"fee_token"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PriceSnapshot is an oracle reading frozen at round start or end.
type PriceSnapshot struct {
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"` // raw integer as reported
	Decimals  int32           `json:"decimals"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Value returns the price scaled by its decimals.
func (p PriceSnapshot) Value() decimal.Decimal {
	return p.Price.Shift(-p.Decimals)
}

// Standing is one portfolio's score in an ended round.
type Standing struct {
	PortfolioID string          `json:"portfolio_id"`
	Participant string          `json:"participant"`
	Type        string          `json:"portfolio_type"`
	Score       decimal.Decimal `json:"score"`
}

// Round is one competition epoch.
type Round struct {
	ID              int64                    `json:"id" db:"id"`
	Status          RoundStatus              `json:"status" db:"status"`
	FeeToken        string                   `json:"fee_token" db:"fee_token"`
	CreatedAt       time.Time                `json:"created_at" db:"created_at"`
	StartedAt       time.Time                `json:"started_at,omitzero" db:"started_at"`
	EndedAt         time.Time                `json:"ended_at,omitzero" db:"ended_at"`
	DurationSeconds int64                    `json:"duration_seconds" db:"duration_seconds"`
	PrizePool       decimal.Decimal          `json:"prize_pool" db:"prize_pool"`
	Entries         int                      `json:"entries" db:"entries"`
	StartPrices     map[string]PriceSnapshot `json:"start_prices,omitempty" db:"start_prices"`
	EndPrices       map[string]PriceSnapshot `json:"end_prices,omitempty" db:"end_prices"`
	Standings       []Standing               `json:"standings,omitempty" db:"standings"`
	Winners         []string                 `json:"winners,omitempty" db:"winners"`
}

// Duration returns the minimum running time of the round.
func (r *Round) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

// Elapsed reports whether the round's duration has passed at now.
func (r *Round) Elapsed(now time.Time) bool {
	return !now.Before(r.StartedAt.Add(r.Duration()))
}

// HasWinner reports whether participant is in the finalized winner set.
func (r *Round) HasWinner(participant string) bool {
	participant = NormalizeAddress(participant)
	for _, w := range r.Winners {
		if w == participant {
			return true
		}
	}
	return false
}

// Withdrawal is the paid flag for one winner in one round. Its existence
// means the prize has been claimed.
type Withdrawal struct {
	RoundID     int64           `json:"round_id" db:"round_id"`
	Participant string          `json:"participant" db:"participant"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	WithdrawnAt time.Time       `json:"withdrawn_at" db:"withdrawn_at"`
}

// Settings is the global configuration record. Only the owner may change it,
// and never while a round is active.
type Settings struct {
	FeeToken    string          `json:"fee_token" db:"fee_token"`
	CreationFee decimal.Decimal `json:"creation_fee" db:"creation_fee"`
	MaxAssets   int             `json:"max_assets" db:"max_assets"`
	MaxPriceAge time.Duration   `json:"max_price_age" db:"max_price_age"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
