package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/arena/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
//
// Authorization checks and withdrawals are never cached: they guard money
// and must always read the source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AddPortfolioType(ctx context.Context, name string) (int, error) {
	idx, err := s.primary.AddPortfolioType(ctx, name)
	if err != nil {
		return 0, err
	}
	s.rdb.Del(ctx, typesKey)
	return idx, nil
}

func (s *CachedStore) SaveSettings(ctx context.Context, st *model.Settings) error {
	if err := s.primary.SaveSettings(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey)
	return nil
}

func (s *CachedStore) CreateRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.CreateRound(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, roundKey(r.ID))
	return nil
}

func (s *CachedStore) UpdateRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.UpdateRound(ctx, r); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, roundKey(r.ID))
	return nil
}

func (s *CachedStore) InsertPortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.InsertPortfolio(ctx, p); err != nil {
		return err
	}
	// Prize pool changed.
	s.rdb.Del(ctx, roundKey(p.RoundID))
	return nil
}

func (s *CachedStore) CreateRoundWithPortfolio(ctx context.Context, r *model.Round, p *model.Portfolio) error {
	if err := s.primary.CreateRoundWithPortfolio(ctx, r, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, roundKey(r.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRound(ctx context.Context, id int64) (*model.Round, error) {
	var r model.Round
	if s.getJSON(ctx, roundKey(id), &r) {
		return &r, nil
	}

	// Cache miss: read from primary.
	rp, err := s.primary.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, roundKey(id), rp)
	return rp, nil
}

func (s *CachedStore) ListPortfolioTypes(ctx context.Context) ([]string, error) {
	var types []string
	if s.getJSON(ctx, typesKey, &types) {
		return types, nil
	}

	types, err := s.primary.ListPortfolioTypes(ctx)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, typesKey, types)
	return types, nil
}

func (s *CachedStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	if s.getJSON(ctx, settingsKey, &st) {
		return &st, nil
	}

	sp, err := s.primary.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, settingsKey, sp)
	return sp, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) AddAuthorizedCaller(ctx context.Context, addr string) error {
	return s.primary.AddAuthorizedCaller(ctx, addr)
}

func (s *CachedStore) IsAuthorizedCaller(ctx context.Context, addr string) (bool, error) {
	return s.primary.IsAuthorizedCaller(ctx, addr)
}

func (s *CachedStore) LatestRound(ctx context.Context) (*model.Round, error) {
	return s.primary.LatestRound(ctx)
}

func (s *CachedStore) ListRounds(ctx context.Context) ([]model.Round, error) {
	return s.primary.ListRounds(ctx)
}

func (s *CachedStore) GetPortfolio(ctx context.Context, roundID int64, portfolioType, participant string) (*model.Portfolio, error) {
	return s.primary.GetPortfolio(ctx, roundID, portfolioType, participant)
}

func (s *CachedStore) ListPortfolios(ctx context.Context, roundID int64) ([]model.Portfolio, error) {
	return s.primary.ListPortfolios(ctx, roundID)
}

func (s *CachedStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	return s.primary.InsertWithdrawal(ctx, w)
}

func (s *CachedStore) DeleteWithdrawal(ctx context.Context, roundID int64, participant string) error {
	return s.primary.DeleteWithdrawal(ctx, roundID, participant)
}

func (s *CachedStore) ListWithdrawals(ctx context.Context, roundID int64) ([]model.Withdrawal, error) {
	return s.primary.ListWithdrawals(ctx, roundID)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	typesKey    = "arena:portfolio-types"
	settingsKey = "arena:settings"
)

func roundKey(id int64) string { return fmt.Sprintf("arena:round:%d", id) }
