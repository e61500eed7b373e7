// Package store defines the persistence interface for the arena engine.
// Implementations include PostgreSQL (source of truth), SQLite (single node),
// Redis (read-through cache over either), and in-memory (for testing).
//
// A Store performs no authorization. Callers reach it through
// registry.PortfolioStore, which gates every mutation.
package store

import (
	"context"
	"errors"

	"github.com/atmx/arena/internal/model"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrDuplicatePortfolio = errors.New("store: portfolio already exists for round, type and participant")
	ErrDuplicateType      = errors.New("store: portfolio type already exists")
	ErrDuplicateRound     = errors.New("store: round already exists")
	ErrAlreadyWithdrawn   = errors.New("store: prize already withdrawn")
)

// Store is the persistence interface.
type Store interface {
	// --- Portfolio type catalogue (append-only) ---

	// AddPortfolioType appends name and returns its zero-based index.
	AddPortfolioType(ctx context.Context, name string) (int, error)

	// ListPortfolioTypes returns the catalogue in insertion order.
	ListPortfolioTypes(ctx context.Context) ([]string, error)

	// --- Authorized callers (append-only) ---

	// AddAuthorizedCaller adds addr. Adding an existing caller is a no-op.
	AddAuthorizedCaller(ctx context.Context, addr string) error

	IsAuthorizedCaller(ctx context.Context, addr string) (bool, error)

	// --- Settings (single record) ---

	// GetSettings returns ErrNotFound before the first SaveSettings.
	GetSettings(ctx context.Context) (*model.Settings, error)

	SaveSettings(ctx context.Context, s *model.Settings) error

	// --- Rounds ---

	CreateRound(ctx context.Context, r *model.Round) error

	GetRound(ctx context.Context, id int64) (*model.Round, error)

	// LatestRound returns the round with the highest id, or ErrNotFound.
	LatestRound(ctx context.Context) (*model.Round, error)

	// ListRounds returns all rounds by ascending id.
	ListRounds(ctx context.Context) ([]model.Round, error)

	// UpdateRound persists lifecycle fields: status, timestamps, duration,
	// snapshots, standings and winners. PrizePool and Entries are owned by
	// InsertPortfolio and never overwritten here.
	UpdateRound(ctx context.Context, r *model.Round) error

	// --- Portfolios ---

	// InsertPortfolio persists p and adds its fee to the round's prize pool
	// in one atomic step. Fails with ErrDuplicatePortfolio if the
	// (round, type, participant) key exists and ErrNotFound if the round
	// does not.
	InsertPortfolio(ctx context.Context, p *model.Portfolio) error

	// CreateRoundWithPortfolio creates r and inserts its first portfolio p
	// as one atomic step; on failure neither exists.
	CreateRoundWithPortfolio(ctx context.Context, r *model.Round, p *model.Portfolio) error

	GetPortfolio(ctx context.Context, roundID int64, portfolioType, participant string) (*model.Portfolio, error)

	// ListPortfolios returns a round's portfolios in creation order.
	ListPortfolios(ctx context.Context, roundID int64) ([]model.Portfolio, error)

	// --- Withdrawals ---

	// InsertWithdrawal sets the paid flag; ErrAlreadyWithdrawn if set.
	InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error

	// DeleteWithdrawal clears the paid flag after a failed payout.
	DeleteWithdrawal(ctx context.Context, roundID int64, participant string) error

	ListWithdrawals(ctx context.Context, roundID int64) ([]model.Withdrawal, error)
}
