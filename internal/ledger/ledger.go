// Package ledger is the fungible-token boundary of the engine. The round
// manager only ever moves fee tokens through the Ledger interface; balances
// live with the ledger, never in the engine.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrTransferFailed        = errors.New("ledger: transfer failed")
	ErrInvalidAmount         = errors.New("ledger: amount must be a non-negative integer")
	ErrUnknownToken          = errors.New("ledger: unknown token")
)

// Ledger moves integer amounts of one token between accounts. Every call
// either fully applies or fails with no effect.
type Ledger interface {
	// TransferFrom moves amount from owner to recipient using spender's
	// allowance on owner's balance.
	TransferFrom(ctx context.Context, spender, owner, recipient string, amount decimal.Decimal) error

	// Transfer moves amount from sender's own balance to recipient.
	Transfer(ctx context.Context, sender, recipient string, amount decimal.Decimal) error

	// BalanceOf returns the account balance.
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
}

// Directory resolves a fee token identifier to its ledger.
type Directory struct {
	mu      sync.RWMutex
	ledgers map[string]Ledger
}

// NewDirectory creates an empty token directory.
func NewDirectory() *Directory {
	return &Directory{ledgers: make(map[string]Ledger)}
}

// Register binds token to l, replacing any previous binding.
func (d *Directory) Register(token string, l Ledger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ledgers[token] = l
}

// Resolve returns the ledger for token.
func (d *Directory) Resolve(token string) (Ledger, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	l, ok := d.ledgers[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	return l, nil
}

// Tokens lists the registered token identifiers.
func (d *Directory) Tokens() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.ledgers))
	for t := range d.ledgers {
		out = append(out, t)
	}
	return out
}

// ValidAmount reports whether amount is a non-negative whole number of units.
func ValidAmount(amount decimal.Decimal) bool {
	return !amount.IsNegative() && amount.Equal(amount.Truncate(0))
}
