// Package round orchestrates the arena: it collects creation fees into
// escrow, moves rounds through pending → active → ended, ranks portfolios
// and pays each winner exactly once.
//
// The Manager is the only authorized caller of the registry in normal
// operation and the only component that moves funds. Every state-changing
// call is serialized and all-or-nothing: on failure nothing is persisted and
// no funds stay moved.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/atmx/arena/internal/ledger"
	"github.com/atmx/arena/internal/metrics"
	"github.com/atmx/arena/internal/model"
	"github.com/atmx/arena/internal/oracle"
	"github.com/atmx/arena/internal/portfolio"
	"github.com/atmx/arena/internal/registry"
	"github.com/atmx/arena/internal/store"
)

var (
	ErrRoundAlreadyActive   = errors.New("round: a round is already active")
	ErrRoundNotActive       = errors.New("round: no round is active")
	ErrDurationNotElapsed   = errors.New("round: duration has not elapsed")
	ErrRoundNotEnded        = errors.New("round: round has not ended")
	ErrRoundInProgress      = errors.New("round: settings are locked while a round is in progress")
	ErrNotAWinner           = errors.New("round: caller is not a winner")
	ErrUnknownPortfolioType = errors.New("round: unknown portfolio type")
	ErrInvalidDuration      = errors.New("round: duration must be at least one second")
	ErrInvalidSettings      = errors.New("round: invalid settings")
	ErrReentrantCall        = errors.New("round: reentrant call rejected")
)

// Config identifies the principals the manager acts for.
type Config struct {
	// Owner may start and end rounds and change settings.
	Owner string
	// Address is the manager's own account: fees are escrowed in it and it
	// is the identity the registry authorizes.
	Address string
}

// Manager runs the round lifecycle.
type Manager struct {
	owner   string
	address string

	registry *registry.PortfolioStore
	ledgers  *ledger.Directory
	oracle   oracle.Oracle
	events   Notifier
	logger   *slog.Logger
	now      func() time.Time

	// gate serializes mutations; views share it.
	gate *semaphore.Weighted
}

// NewManager wires a manager. events may be nil; a nil logger uses
// slog.Default().
func NewManager(cfg Config, reg *registry.PortfolioStore, ledgers *ledger.Directory, o oracle.Oracle, events Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		owner:    model.NormalizeAddress(cfg.Owner),
		address:  model.NormalizeAddress(cfg.Address),
		registry: reg,
		ledgers:  ledgers,
		oracle:   o,
		events:   events,
		logger:   logger,
		now:      time.Now,
		gate:     semaphore.NewWeighted(gateWeight),
	}
}

// WithClock overrides the wall clock. Used in tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Owner returns the owner address.
func (m *Manager) Owner() string { return m.owner }

// Address returns the manager's escrow account.
func (m *Manager) Address() string { return m.address }

// --- Call guard ---

// callKey marks a context as belonging to an in-flight manager call.
// Collaborators receive the marked context; if they call back in, mutating
// entry points refuse and views skip the lock the outer call holds.
//
// A collaborator that calls back with an unmarked context cannot be told
// apart from a concurrent caller, so it waits for the gate like one. That
// wait ends when its context is done; a callback on a context that is never
// done blocks the manager.
type callKey struct{}

// gateWeight is what a mutation acquires; each view acquires one unit.
const gateWeight = 1 << 20

func (m *Manager) inCall(ctx context.Context) bool {
	owner, _ := ctx.Value(callKey{}).(*Manager)
	return owner == m
}

// enter takes the whole gate and returns the marked context.
func (m *Manager) enter(ctx context.Context) (context.Context, func(), error) {
	if m.inCall(ctx) {
		return nil, nil, ErrReentrantCall
	}
	if err := m.gate.Acquire(ctx, gateWeight); err != nil {
		return nil, nil, fmt.Errorf("round: waiting for in-flight call: %w", err)
	}
	return context.WithValue(ctx, callKey{}, m), func() { m.gate.Release(gateWeight) }, nil
}

// view takes one unit of the gate unless ctx is already inside a manager
// call.
func (m *Manager) view(ctx context.Context) (func(), error) {
	if m.inCall(ctx) {
		return func() {}, nil
	}
	if err := m.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("round: waiting for in-flight call: %w", err)
	}
	return func() { m.gate.Release(1) }, nil
}

func (m *Manager) requireOwner(caller string) error {
	if model.NormalizeAddress(caller) != m.owner {
		return fmt.Errorf("%w: %s", registry.ErrNotOwner, caller)
	}
	return nil
}

// observe records latency and, on failure, a rejection for op. errp points
// at the caller's named result so the deferred call sees the final error.
func observe(op string, start time.Time, errp *error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *errp != nil {
		metrics.Rejections.WithLabelValues(op, reason(*errp)).Inc()
	}
}

// reason turns an error into a bounded metric label.
func reason(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		if j := strings.Index(msg[i+2:], ":"); j >= 0 {
			return msg[i+2 : i+2+j]
		}
		return msg[i+2:]
	}
	return msg
}

func (m *Manager) publish(ev Event) {
	if m.events == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = m.now().UTC()
	m.events.Publish(ev)
}

// --- Bootstrap ---

// Bootstrap seeds a fresh deployment: it authorizes the manager in the
// registry, stores defaults if no settings exist, and appends any missing
// portfolio types. Safe to call on every start.
func (m *Manager) Bootstrap(ctx context.Context, defaults model.Settings, types []string) error {
	gctx, leave, err := m.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if err := m.registry.Authorize(gctx, m.owner, m.address); err != nil {
		return fmt.Errorf("authorize manager: %w", err)
	}

	st := m.registry.Store()
	if _, err := st.GetSettings(gctx); errors.Is(err, store.ErrNotFound) {
		if err := validateSettings(defaults.FeeToken, defaults.CreationFee, defaults.MaxAssets); err != nil {
			return err
		}
		defaults.UpdatedAt = m.now().UTC()
		if err := st.SaveSettings(gctx, &defaults); err != nil {
			return fmt.Errorf("seed settings: %w", err)
		}
		m.logger.Info("settings seeded",
			"fee_token", defaults.FeeToken,
			"creation_fee", defaults.CreationFee.String(),
			"max_assets", defaults.MaxAssets,
		)
	} else if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	existing, err := m.registry.PortfolioTypes(gctx)
	if err != nil {
		return err
	}
	for _, name := range types {
		if slices.Contains(existing, name) {
			continue
		}
		if _, err := m.registry.AddPortfolioType(gctx, m.owner, name); err != nil {
			return fmt.Errorf("seed portfolio type %s: %w", name, err)
		}
	}
	return nil
}

// --- Owner surface ---

// Authorize adds addr to the registry's authorized callers.
func (m *Manager) Authorize(ctx context.Context, caller, addr string) error {
	gctx, leave, err := m.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	return m.registry.Authorize(gctx, caller, addr)
}

// AddPortfolioType appends a type to the catalogue and returns its index.
func (m *Manager) AddPortfolioType(ctx context.Context, caller, name string) (int, error) {
	gctx, leave, err := m.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()
	return m.registry.AddPortfolioType(gctx, caller, name)
}

// UpdateSettings replaces the fee token, creation fee and asset cap. It is
// refused while a round is active, and a token change is refused while a
// pending round exists because its entries are escrowed in the old token.
func (m *Manager) UpdateSettings(ctx context.Context, caller, token string, fee decimal.Decimal, maxAssets int) (settings *model.Settings, err error) {
	defer observe("update_settings", time.Now(), &err)

	gctx, leave, err := m.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	if err := m.requireOwner(caller); err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if err := validateSettings(token, fee, maxAssets); err != nil {
		return nil, err
	}
	if _, err := m.ledgers.Resolve(token); err != nil {
		return nil, err
	}

	current, err := m.settings(gctx)
	if err != nil {
		return nil, err
	}
	active, pending, err := m.openRounds(gctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: round %d is active", ErrRoundInProgress, active.ID)
	}
	if pending != nil && token != current.FeeToken {
		return nil, fmt.Errorf("%w: round %d holds entries in %s", ErrRoundInProgress, pending.ID, current.FeeToken)
	}

	next := *current
	next.FeeToken = token
	next.CreationFee = fee
	next.MaxAssets = maxAssets
	next.UpdatedAt = m.now().UTC()
	if err := m.registry.Store().SaveSettings(gctx, &next); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}

	m.logger.Info("settings updated",
		"fee_token", token,
		"creation_fee", fee.String(),
		"max_assets", maxAssets,
	)
	m.publish(Event{Type: EventSettingsUpdated, Amount: fee.String()})
	return &next, nil
}

func validateSettings(token string, fee decimal.Decimal, maxAssets int) error {
	switch {
	case token == "":
		return fmt.Errorf("%w: fee token is required", ErrInvalidSettings)
	case !ledger.ValidAmount(fee):
		return fmt.Errorf("%w: creation fee %s must be a non-negative integer", ErrInvalidSettings, fee)
	case maxAssets < 1:
		return fmt.Errorf("%w: max assets %d must be positive", ErrInvalidSettings, maxAssets)
	}
	return nil
}

// StartRound snapshots start prices for every asset held in the pending
// round and activates it. With no pending round an empty round is opened and
// started.
func (m *Manager) StartRound(ctx context.Context, caller string, duration time.Duration) (rd *model.Round, err error) {
	defer observe("start_round", time.Now(), &err)

	gctx, leave, err := m.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	if err := m.requireOwner(caller); err != nil {
		return nil, err
	}
	if duration < time.Second {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDuration, duration)
	}

	active, pending, err := m.openRounds(gctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("%w: round %d", ErrRoundAlreadyActive, active.ID)
	}
	settings, err := m.settings(gctx)
	if err != nil {
		return nil, err
	}

	var assets []string
	if pending != nil {
		entries, err := m.registry.Store().ListPortfolios(gctx, pending.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range entries {
			assets = append(assets, p.Allocation.Assets()...)
		}
	}

	now := m.now()
	start, err := oracle.Snapshot(gctx, m.oracle, assets, now, settings.MaxPriceAge)
	if err != nil {
		return nil, err
	}

	if pending == nil {
		id, err := m.nextRoundID(gctx)
		if err != nil {
			return nil, err
		}
		if pending, err = m.registry.OpenRound(gctx, m.address, id, settings.FeeToken); err != nil {
			return nil, err
		}
	}

	rd, err = m.registry.ActivateRound(gctx, m.address, pending.ID, now, duration, start)
	if err != nil {
		return nil, err
	}

	metrics.RoundTransitions.WithLabelValues(string(model.RoundActive)).Inc()
	metrics.CurrentRound.Set(float64(rd.ID))
	metrics.RoundActive.Set(1)
	m.logger.Info("round started",
		"round", rd.ID,
		"duration", duration.String(),
		"entries", rd.Entries,
		"prize_pool", rd.PrizePool.String(),
		"assets", len(start),
	)
	m.publish(Event{Type: EventRoundStarted, RoundID: rd.ID, PrizePool: rd.PrizePool.String()})
	return rd, nil
}

// EndRound snapshots end prices for the assets priced at start, ranks every
// portfolio and records the winners.
func (m *Manager) EndRound(ctx context.Context, caller string) (rd *model.Round, err error) {
	defer observe("end_round", time.Now(), &err)

	gctx, leave, err := m.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	if err := m.requireOwner(caller); err != nil {
		return nil, err
	}
	active, _, err := m.openRounds(gctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, ErrRoundNotActive
	}

	now := m.now()
	if !active.Elapsed(now) {
		remaining := active.StartedAt.Add(active.Duration()).Sub(now)
		return nil, fmt.Errorf("%w: round %d has %s left", ErrDurationNotElapsed, active.ID, remaining.Round(time.Second))
	}

	settings, err := m.settings(gctx)
	if err != nil {
		return nil, err
	}
	assets := make([]string, 0, len(active.StartPrices))
	for asset := range active.StartPrices {
		assets = append(assets, asset)
	}
	end, err := oracle.Snapshot(gctx, m.oracle, assets, now, settings.MaxPriceAge)
	if err != nil {
		return nil, err
	}

	entries, err := m.registry.Store().ListPortfolios(gctx, active.ID)
	if err != nil {
		return nil, err
	}
	standings, err := portfolio.Rank(entries, active.StartPrices, end)
	if err != nil {
		return nil, err
	}
	winners := portfolio.Winners(standings)

	rd, err = m.registry.FinalizeRound(gctx, m.address, active.ID, now, end, standings, winners)
	if err != nil {
		return nil, err
	}

	metrics.RoundTransitions.WithLabelValues(string(model.RoundEnded)).Inc()
	metrics.RoundActive.Set(0)
	m.logger.Info("round ended",
		"round", rd.ID,
		"entries", len(standings),
		"winners", len(winners),
		"prize_pool", rd.PrizePool.String(),
	)
	m.publish(Event{Type: EventRoundEnded, RoundID: rd.ID, PrizePool: rd.PrizePool.String(), Winners: winners})
	return rd, nil
}

// --- Participant surface ---

// CreatePortfolioNextRound registers caller's allocation for the next round:
// the latest round if it is still pending, otherwise a new round. The
// creation fee is pulled from caller before the entry is recorded; an entry
// never exists without its fee, and a fee never stays pulled without its
// entry.
func (m *Manager) CreatePortfolioNextRound(ctx context.Context, caller, portfolioType string, assets []string, weights []int64) (p *model.Portfolio, err error) {
	defer observe("create_portfolio", time.Now(), &err)

	gctx, leave, err := m.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	caller = model.NormalizeAddress(caller)
	if caller == "" {
		return nil, fmt.Errorf("%w: anonymous caller", registry.ErrUnauthorized)
	}

	settings, err := m.settings(gctx)
	if err != nil {
		return nil, err
	}
	types, err := m.registry.PortfolioTypes(gctx)
	if err != nil {
		return nil, err
	}
	typeIndex := slices.Index(types, portfolioType)
	if typeIndex < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPortfolioType, portfolioType)
	}

	alloc, err := portfolio.NewAllocation(assets, weights)
	if err != nil {
		return nil, err
	}
	if err := portfolio.ValidateAllocation(alloc, settings.MaxAssets); err != nil {
		return nil, err
	}

	latest, err := m.latestRound(gctx)
	if err != nil {
		return nil, err
	}
	var target int64 = 1
	feeToken := settings.FeeToken
	open := true
	switch {
	case latest != nil && latest.Status == model.RoundPending:
		target, feeToken, open = latest.ID, latest.FeeToken, false
	case latest != nil:
		target = latest.ID + 1
	}

	if !open {
		_, err := m.registry.Portfolio(gctx, target, portfolioType, caller)
		if err == nil {
			return nil, fmt.Errorf("%w: round %d, %s, %s", store.ErrDuplicatePortfolio, target, portfolioType, caller)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	l, err := m.ledgers.Resolve(feeToken)
	if err != nil {
		return nil, err
	}
	fee := settings.CreationFee
	if fee.IsPositive() {
		if err := l.TransferFrom(gctx, m.address, caller, m.address, fee); err != nil {
			return nil, ledgerError(err)
		}
	}

	p = &model.Portfolio{
		ID:          uuid.NewString(),
		RoundID:     target,
		Participant: caller,
		Type:        portfolioType,
		TypeIndex:   typeIndex,
		Allocation:  alloc,
		Fee:         fee,
		FeeToken:    feeToken,
		CreatedAt:   m.now().UTC(),
	}

	if open {
		_, err = m.registry.OpenRoundWithPortfolio(gctx, m.address, target, feeToken, p)
	} else {
		err = m.registry.RecordPortfolio(gctx, m.address, p)
	}
	if err != nil {
		m.refund(gctx, l, caller, fee, err)
		return nil, err
	}

	metrics.PortfoliosCreated.WithLabelValues(portfolioType).Inc()
	metrics.FeesCollected.WithLabelValues(feeToken).Add(fee.InexactFloat64())
	m.logger.Info("portfolio created",
		"id", p.ID,
		"round", target,
		"participant", caller,
		"type", portfolioType,
		"assets", len(alloc),
		"fee", fee.String(),
	)
	m.publish(Event{
		Type:          EventPortfolioCreated,
		RoundID:       target,
		Participant:   caller,
		PortfolioType: portfolioType,
		Amount:        fee.String(),
	})
	return p, nil
}

// refund returns a pulled fee after recording failed.
func (m *Manager) refund(ctx context.Context, l ledger.Ledger, to string, fee decimal.Decimal, cause error) {
	if !fee.IsPositive() {
		return
	}
	if err := l.Transfer(ctx, m.address, to, fee); err != nil {
		m.logger.Error("fee refund failed",
			"participant", to,
			"fee", fee.String(),
			"cause", cause,
			"err", err,
		)
		return
	}
	m.logger.Warn("fee refunded", "participant", to, "fee", fee.String(), "cause", cause)
}

// WithdrawPrize pays caller's share of an ended round's pool. The paid flag
// is written before the transfer and cleared again if the transfer fails.
func (m *Manager) WithdrawPrize(ctx context.Context, caller string, roundID int64) (share decimal.Decimal, err error) {
	defer observe("withdraw_prize", time.Now(), &err)

	gctx, leave, err := m.enter(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer leave()

	caller = model.NormalizeAddress(caller)
	rd, err := m.registry.Store().GetRound(gctx, roundID)
	if err != nil {
		return decimal.Zero, err
	}
	if rd.Status != model.RoundEnded {
		return decimal.Zero, fmt.Errorf("%w: round %d is %s", ErrRoundNotEnded, roundID, rd.Status)
	}
	if !rd.HasWinner(caller) {
		return decimal.Zero, fmt.Errorf("%w: %s in round %d", ErrNotAWinner, caller, roundID)
	}

	l, err := m.ledgers.Resolve(rd.FeeToken)
	if err != nil {
		return decimal.Zero, err
	}

	share, err = m.registry.MarkWithdrawn(gctx, m.address, roundID, caller)
	if err != nil {
		return decimal.Zero, err
	}

	if share.IsPositive() {
		if err := l.Transfer(gctx, m.address, caller, share); err != nil {
			if rerr := m.registry.RevertWithdrawal(gctx, m.address, roundID, caller); rerr != nil {
				m.logger.Error("withdrawal flag revert failed", "round", roundID, "participant", caller, "err", rerr)
			}
			return decimal.Zero, ledgerError(err)
		}
	}

	metrics.PrizesPaid.WithLabelValues(rd.FeeToken).Add(share.InexactFloat64())
	m.logger.Info("prize withdrawn",
		"round", roundID,
		"participant", caller,
		"amount", share.String(),
	)
	m.publish(Event{Type: EventPrizeWithdrawn, RoundID: roundID, Participant: caller, Amount: share.String()})
	return share, nil
}

// ledgerError keeps ledger sentinels and classifies anything else as a
// failed transfer.
func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrTransferFailed),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ErrReentrantCall):
		return err
	}
	return fmt.Errorf("%w: %v", ledger.ErrTransferFailed, err)
}

// --- Views ---

// Settings returns the current settings.
func (m *Manager) Settings(ctx context.Context) (*model.Settings, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return m.settings(ctx)
}

// PortfolioTypes returns the catalogue in insertion order.
func (m *Manager) PortfolioTypes(ctx context.Context) ([]string, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return m.registry.PortfolioTypes(ctx)
}

// Round returns a round by id.
func (m *Manager) Round(ctx context.Context, id int64) (*model.Round, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return m.registry.Store().GetRound(ctx, id)
}

// Rounds returns every round by ascending id.
func (m *Manager) Rounds(ctx context.Context) ([]model.Round, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return m.registry.Store().ListRounds(ctx)
}

// ViewPortfolio returns participant's portfolio in a round. index is the
// portfolio type's position in the catalogue.
func (m *Manager) ViewPortfolio(ctx context.Context, roundID int64, index int, participant string) (*model.Portfolio, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	types, err := m.registry.PortfolioTypes(ctx)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(types) {
		return nil, fmt.Errorf("%w: portfolio type index %d", store.ErrNotFound, index)
	}
	return m.registry.Portfolio(ctx, roundID, types[index], participant)
}

// PrizePool returns the fees accumulated in a round.
func (m *Manager) PrizePool(ctx context.Context, roundID int64) (decimal.Decimal, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer leave()

	rd, err := m.registry.Store().GetRound(ctx, roundID)
	if err != nil {
		return decimal.Zero, err
	}
	return rd.PrizePool, nil
}

// Winners returns the winner set of an ended round.
func (m *Manager) Winners(ctx context.Context, roundID int64) ([]string, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	rd, err := m.endedRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	return rd.Winners, nil
}

// IsWinner reports whether participant won an ended round.
func (m *Manager) IsWinner(ctx context.Context, participant string, roundID int64) (bool, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return false, err
	}
	defer leave()

	rd, err := m.endedRound(ctx, roundID)
	if err != nil {
		return false, err
	}
	return rd.HasWinner(participant), nil
}

// IsOwnerWinner reports whether the owner won an ended round.
func (m *Manager) IsOwnerWinner(ctx context.Context, roundID int64) (bool, error) {
	return m.IsWinner(ctx, m.owner, roundID)
}

// Standings returns every portfolio's score in an ended round.
func (m *Manager) Standings(ctx context.Context, roundID int64) ([]model.Standing, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	rd, err := m.endedRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	return rd.Standings, nil
}

// Withdrawals lists the payouts made for a round.
func (m *Manager) Withdrawals(ctx context.Context, roundID int64) ([]model.Withdrawal, error) {
	leave, err := m.view(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	return m.registry.Store().ListWithdrawals(ctx, roundID)
}

// --- Internal lookups (caller holds the lock) ---

func (m *Manager) settings(ctx context.Context) (*model.Settings, error) {
	st, err := m.registry.Store().GetSettings(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: not configured", ErrInvalidSettings)
	}
	return st, err
}

func (m *Manager) latestRound(ctx context.Context) (*model.Round, error) {
	rd, err := m.registry.Store().LatestRound(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rd, err
}

func (m *Manager) nextRoundID(ctx context.Context) (int64, error) {
	latest, err := m.latestRound(ctx)
	if err != nil || latest == nil {
		return 1, err
	}
	return latest.ID + 1, nil
}

// openRounds returns the active round and the pending round, either of which
// may be nil. Only the two most recent rounds can be open: a round opens for
// entries only after its predecessor has started.
func (m *Manager) openRounds(ctx context.Context) (active, pending *model.Round, err error) {
	latest, err := m.latestRound(ctx)
	if err != nil || latest == nil {
		return nil, nil, err
	}
	switch latest.Status {
	case model.RoundActive:
		return latest, nil, nil
	case model.RoundEnded:
		return nil, nil, nil
	}

	pending = latest
	if latest.ID > 1 {
		prev, err := m.registry.Store().GetRound(ctx, latest.ID-1)
		if err != nil {
			return nil, nil, err
		}
		if prev.Status == model.RoundActive {
			active = prev
		}
	}
	return active, pending, nil
}

func (m *Manager) endedRound(ctx context.Context, roundID int64) (*model.Round, error) {
	rd, err := m.registry.Store().GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if rd.Status != model.RoundEnded {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotEnded, roundID, rd.Status)
	}
	return rd, nil
}
