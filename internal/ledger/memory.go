package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena/internal/model"
)

// MemoryLedger is an in-process token with balances and allowances. Used for
// development and testing. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu         sync.Mutex
	symbol     string
	decimals   int32
	balances   map[string]decimal.Decimal
	allowances map[string]map[string]decimal.Decimal // owner → spender → amount
}

// NewMemoryLedger creates an empty token ledger.
func NewMemoryLedger(symbol string, decimals int32) *MemoryLedger {
	return &MemoryLedger{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
	}
}

// Symbol returns the token symbol.
func (l *MemoryLedger) Symbol() string { return l.symbol }

// Decimals returns the token's display decimals. Amounts are never scaled.
func (l *MemoryLedger) Decimals() int32 { return l.decimals }

// Mint credits amount to account.
func (l *MemoryLedger) Mint(account string, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	account = model.NormalizeAddress(account)
	l.balances[account] = l.balances[account].Add(amount)
	return nil
}

// Approve sets spender's allowance over owner's balance.
func (l *MemoryLedger) Approve(owner, spender string, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	owner = model.NormalizeAddress(owner)
	spender = model.NormalizeAddress(spender)
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[string]decimal.Decimal)
	}
	l.allowances[owner][spender] = amount
	return nil
}

// Allowance returns spender's remaining allowance over owner's balance.
func (l *MemoryLedger) Allowance(owner, spender string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[model.NormalizeAddress(owner)][model.NormalizeAddress(spender)]
}

func (l *MemoryLedger) TransferFrom(_ context.Context, spender, owner, recipient string, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	spender = model.NormalizeAddress(spender)
	owner = model.NormalizeAddress(owner)
	recipient = model.NormalizeAddress(recipient)

	allowed := l.allowances[owner][spender]
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s allows %s %s, need %s", ErrInsufficientAllowance, owner, spender, allowed, amount)
	}
	if l.balances[owner].LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, owner, l.balances[owner], amount)
	}

	l.allowances[owner][spender] = allowed.Sub(amount)
	l.move(owner, recipient, amount)
	return nil
}

func (l *MemoryLedger) Transfer(_ context.Context, sender, recipient string, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sender = model.NormalizeAddress(sender)
	recipient = model.NormalizeAddress(recipient)

	if l.balances[sender].LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, sender, l.balances[sender], amount)
	}
	l.move(sender, recipient, amount)
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[model.NormalizeAddress(account)], nil
}

// move must be called with l.mu held.
func (l *MemoryLedger) move(from, to string, amount decimal.Decimal) {
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
}
