// Package registry is the authorization gate in front of the arena store.
// The owner manages the portfolio type catalogue and the set of authorized
// callers; only authorized callers may record portfolios, move rounds through
// their lifecycle, or flag withdrawals. The registry never moves funds.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena/internal/model"
	"github.com/atmx/arena/internal/portfolio"
	"github.com/atmx/arena/internal/store"
)

var (
	ErrNotOwner          = errors.New("registry: caller is not the owner")
	ErrUnauthorized      = errors.New("registry: caller is not authorized")
	ErrInvalidType       = errors.New("registry: invalid portfolio type")
	ErrInvalidTransition = errors.New("registry: invalid round transition")
	ErrPoolExhausted     = errors.New("registry: payout would exceed prize pool")
	ErrNoWinners         = errors.New("registry: round has no winners")
)

// PortfolioStore gates a store.Store behind owner and authorized-caller
// checks.
type PortfolioStore struct {
	owner  string
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a registry owned by owner. A nil logger uses slog.Default().
func New(owner string, s store.Store, logger *slog.Logger) *PortfolioStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortfolioStore{
		owner:  model.NormalizeAddress(owner),
		store:  s,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the timestamp source. Used in tests.
func (r *PortfolioStore) WithClock(now func() time.Time) *PortfolioStore {
	r.now = now
	return r
}

// Owner returns the owner address.
func (r *PortfolioStore) Owner() string { return r.owner }

// Store exposes the underlying store for read-only projections.
func (r *PortfolioStore) Store() store.Store { return r.store }

func (r *PortfolioStore) requireOwner(caller string) error {
	if model.NormalizeAddress(caller) != r.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller)
	}
	return nil
}

func (r *PortfolioStore) requireAuthorized(ctx context.Context, caller string) error {
	ok, err := r.store.IsAuthorizedCaller(ctx, model.NormalizeAddress(caller))
	if err != nil {
		return fmt.Errorf("check authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	return nil
}

// --- Owner surface ---

// Authorize adds addr to the authorized-caller set. Idempotent.
func (r *PortfolioStore) Authorize(ctx context.Context, caller, addr string) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	addr = model.NormalizeAddress(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty address", ErrUnauthorized)
	}
	if err := r.store.AddAuthorizedCaller(ctx, addr); err != nil {
		return fmt.Errorf("authorize %s: %w", addr, err)
	}
	r.logger.Info("caller authorized", "address", addr)
	return nil
}

// IsAuthorized reports whether addr may mutate the store.
func (r *PortfolioStore) IsAuthorized(ctx context.Context, addr string) (bool, error) {
	return r.store.IsAuthorizedCaller(ctx, model.NormalizeAddress(addr))
}

// AddPortfolioType appends name to the catalogue and returns its index.
func (r *PortfolioStore) AddPortfolioType(ctx context.Context, caller, name string) (int, error) {
	if err := r.requireOwner(caller); err != nil {
		return 0, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrInvalidType)
	}
	idx, err := r.store.AddPortfolioType(ctx, name)
	if err != nil {
		return 0, err
	}
	r.logger.Info("portfolio type added", "type", name, "index", idx)
	return idx, nil
}

// PortfolioTypes returns the catalogue in insertion order.
func (r *PortfolioStore) PortfolioTypes(ctx context.Context) ([]string, error) {
	return r.store.ListPortfolioTypes(ctx)
}

// --- Authorized surface ---

// RecordPortfolio persists p and adds its fee to the round's prize pool.
func (r *PortfolioStore) RecordPortfolio(ctx context.Context, caller string, p *model.Portfolio) error {
	if err := r.requireAuthorized(ctx, caller); err != nil {
		return err
	}
	rd, err := r.store.GetRound(ctx, p.RoundID)
	if err != nil {
		return err
	}
	if rd.Status != model.RoundPending {
		return fmt.Errorf("%w: round %d is %s", ErrInvalidTransition, rd.ID, rd.Status)
	}
	return r.store.InsertPortfolio(ctx, p)
}

// Portfolio returns the portfolio for (round, type, participant).
func (r *PortfolioStore) Portfolio(ctx context.Context, roundID int64, portfolioType, participant string) (*model.Portfolio, error) {
	return r.store.GetPortfolio(ctx, roundID, portfolioType, model.NormalizeAddress(participant))
}

// OpenRound creates round id in the pending state.
func (r *PortfolioStore) OpenRound(ctx context.Context, caller string, id int64, feeToken string) (*model.Round, error) {
	if err := r.requireAuthorized(ctx, caller); err != nil {
		return nil, err
	}
	rd := &model.Round{
		ID:        id,
		Status:    model.RoundPending,
		FeeToken:  feeToken,
		CreatedAt: r.now().UTC(),
		PrizePool: decimal.Zero,
	}
	if err := r.store.CreateRound(ctx, rd); err != nil {
		return nil, err
	}
	r.logger.Info("round opened", "round", id, "fee_token", feeToken)
	return rd, nil
}

// OpenRoundWithPortfolio creates round id in the pending state with p as
// its first entry. Either both persist or neither does.
func (r *PortfolioStore) OpenRoundWithPortfolio(ctx context.Context, caller string, id int64, feeToken string, p *model.Portfolio) (*model.Round, error) {
	if err := r.requireAuthorized(ctx, caller); err != nil {
		return nil, err
	}
	if p.RoundID != id {
		return nil, fmt.Errorf("%w: portfolio targets round %d, not %d", ErrInvalidTransition, p.RoundID, id)
	}
	rd := &model.Round{
		ID:        id,
		Status:    model.RoundPending,
		FeeToken:  feeToken,
		CreatedAt: r.now().UTC(),
		PrizePool: decimal.Zero,
	}
	if err := r.store.CreateRoundWithPortfolio(ctx, rd, p); err != nil {
		return nil, err
	}
	rd.PrizePool = p.Fee
	rd.Entries = 1
	r.logger.Info("round opened", "round", id, "fee_token", feeToken)
	return rd, nil
}

// ActivateRound moves a pending round to active with its start snapshot.
func (r *PortfolioStore) ActivateRound(ctx context.Context, caller string, id int64, startedAt time.Time, duration time.Duration, start map[string]model.PriceSnapshot) (*model.Round, error) {
	rd, err := r.transition(ctx, caller, id, model.RoundActive)
	if err != nil {
		return nil, err
	}
	rd.Status = model.RoundActive
	rd.StartedAt = startedAt.UTC()
	rd.DurationSeconds = int64(duration / time.Second)
	rd.StartPrices = start
	if err := r.store.UpdateRound(ctx, rd); err != nil {
		return nil, err
	}
	return rd, nil
}

// FinalizeRound moves an active round to ended with its results.
func (r *PortfolioStore) FinalizeRound(ctx context.Context, caller string, id int64, endedAt time.Time, end map[string]model.PriceSnapshot, standings []model.Standing, winners []string) (*model.Round, error) {
	rd, err := r.transition(ctx, caller, id, model.RoundEnded)
	if err != nil {
		return nil, err
	}
	rd.Status = model.RoundEnded
	rd.EndedAt = endedAt.UTC()
	rd.EndPrices = end
	rd.Standings = standings
	rd.Winners = winners
	if err := r.store.UpdateRound(ctx, rd); err != nil {
		return nil, err
	}
	return rd, nil
}

func (r *PortfolioStore) transition(ctx context.Context, caller string, id int64, to model.RoundStatus) (*model.Round, error) {
	if err := r.requireAuthorized(ctx, caller); err != nil {
		return nil, err
	}
	rd, err := r.store.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}
	if next, ok := rd.Status.Next(); !ok || next != to {
		return nil, fmt.Errorf("%w: round %d %s → %s", ErrInvalidTransition, id, rd.Status, to)
	}
	return rd, nil
}

// MarkWithdrawn sets the paid flag for participant in an ended round and
// returns the payable share of the prize pool. The flag is written before
// any funds move.
func (r *PortfolioStore) MarkWithdrawn(ctx context.Context, caller string, roundID int64, participant string) (decimal.Decimal, error) {
	if err := r.requireAuthorized(ctx, caller); err != nil {
		return decimal.Zero, err
	}
	participant = model.NormalizeAddress(participant)

	rd, err := r.store.GetRound(ctx, roundID)
	if err != nil {
		return decimal.Zero, err
	}
	if rd.Status != model.RoundEnded {
		return decimal.Zero, fmt.Errorf("%w: round %d is %s", ErrInvalidTransition, roundID, rd.Status)
	}
	if len(rd.Winners) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrNoWinners, roundID)
	}

	share, _ := portfolio.PrizeShare(rd.PrizePool, len(rd.Winners))

	paid, err := r.store.ListWithdrawals(ctx, roundID)
	if err != nil {
		return decimal.Zero, err
	}
	total := share
	for _, w := range paid {
		if w.Participant == participant {
			return decimal.Zero, fmt.Errorf("%w: round %d, %s", store.ErrAlreadyWithdrawn, roundID, participant)
		}
		total = total.Add(w.Amount)
	}
	if total.GreaterThan(rd.PrizePool) {
		return decimal.Zero, fmt.Errorf("%w: round %d pays %s of %s", ErrPoolExhausted, roundID, total, rd.PrizePool)
	}

	if err := r.store.InsertWithdrawal(ctx, &model.Withdrawal{
		RoundID:     roundID,
		Participant: participant,
		Amount:      share,
		WithdrawnAt: r.now().UTC(),
	}); err != nil {
		return decimal.Zero, err
	}
	return share, nil
}

// RevertWithdrawal clears the paid flag after the payout transfer failed.
func (r *PortfolioStore) RevertWithdrawal(ctx context.Context, caller string, roundID int64, participant string) error {
	if err := r.requireAuthorized(ctx, caller); err != nil {
		return err
	}
	return r.store.DeleteWithdrawal(ctx, roundID, model.NormalizeAddress(participant))
}
