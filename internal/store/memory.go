package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/atmx/arena/internal/model"
)

type portfolioKey struct {
	round       int64
	typ         string
	participant string
}

type withdrawalKey struct {
	round       int64
	participant string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	types       []string
	callers     map[string]struct{}
	settings    *model.Settings
	rounds      map[int64]*model.Round
	lastRound   int64
	portfolios  map[portfolioKey]*model.Portfolio
	byRound     map[int64][]portfolioKey // creation order
	withdrawals map[withdrawalKey]model.Withdrawal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		callers:     make(map[string]struct{}),
		rounds:      make(map[int64]*model.Round),
		portfolios:  make(map[portfolioKey]*model.Portfolio),
		byRound:     make(map[int64][]portfolioKey),
		withdrawals: make(map[withdrawalKey]model.Withdrawal),
	}
}

func (s *MemoryStore) AddPortfolioType(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.types, name) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateType, name)
	}
	s.types = append(s.types, name)
	return len(s.types) - 1, nil
}

func (s *MemoryStore) ListPortfolioTypes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.types), nil
}

func (s *MemoryStore) AddAuthorizedCaller(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers[addr] = struct{}{}
	return nil
}

func (s *MemoryStore) IsAuthorizedCaller(_ context.Context, addr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.callers[addr]
	return ok, nil
}

func (s *MemoryStore) GetSettings(_ context.Context) (*model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, fmt.Errorf("%w: settings", ErrNotFound)
	}
	copy := *s.settings
	return &copy, nil
}

func (s *MemoryStore) SaveSettings(_ context.Context, settings *model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *settings
	s.settings = &copy
	return nil
}

func (s *MemoryStore) CreateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRound(r)
}

func (s *MemoryStore) createRound(r *model.Round) error {
	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateRound, r.ID)
	}
	s.rounds[r.ID] = cloneRound(r)
	s.lastRound = max(s.lastRound, r.ID)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id int64) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrNotFound, id)
	}
	return cloneRound(r), nil
}

func (s *MemoryStore) LatestRound(ctx context.Context) (*model.Round, error) {
	s.mu.RLock()
	last := s.lastRound
	s.mu.RUnlock()

	if last == 0 {
		return nil, fmt.Errorf("%w: no rounds", ErrNotFound)
	}
	return s.GetRound(ctx, last)
}

func (s *MemoryStore) ListRounds(_ context.Context) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(s.rounds))
	rounds := make([]model.Round, 0, len(ids))
	for _, id := range ids {
		rounds = append(rounds, *cloneRound(s.rounds[id]))
	}
	return rounds, nil
}

func (s *MemoryStore) UpdateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rounds[r.ID]
	if !ok {
		return fmt.Errorf("%w: round %d", ErrNotFound, r.ID)
	}
	updated := cloneRound(r)
	updated.PrizePool = existing.PrizePool
	updated.Entries = existing.Entries
	updated.CreatedAt = existing.CreatedAt
	s.rounds[r.ID] = updated
	return nil
}

func (s *MemoryStore) InsertPortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPortfolio(p)
}

// CreateRoundWithPortfolio checks the portfolio key before creating the
// round so a failure leaves neither behind.
func (s *MemoryStore) CreateRoundWithPortfolio(_ context.Context, r *model.Round, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.RoundID != r.ID {
		return fmt.Errorf("%w: round %d", ErrNotFound, p.RoundID)
	}
	if _, dup := s.portfolios[portfolioKey{p.RoundID, p.Type, p.Participant}]; dup {
		return fmt.Errorf("%w: round %d, %s, %s", ErrDuplicatePortfolio, p.RoundID, p.Type, p.Participant)
	}
	if err := s.createRound(r); err != nil {
		return err
	}
	return s.insertPortfolio(p)
}

func (s *MemoryStore) insertPortfolio(p *model.Portfolio) error {
	r, ok := s.rounds[p.RoundID]
	if !ok {
		return fmt.Errorf("%w: round %d", ErrNotFound, p.RoundID)
	}
	key := portfolioKey{p.RoundID, p.Type, p.Participant}
	if _, dup := s.portfolios[key]; dup {
		return fmt.Errorf("%w: round %d, %s, %s", ErrDuplicatePortfolio, p.RoundID, p.Type, p.Participant)
	}

	copy := *p
	copy.Allocation = slices.Clone(p.Allocation)
	s.portfolios[key] = &copy
	s.byRound[p.RoundID] = append(s.byRound[p.RoundID], key)

	r.PrizePool = r.PrizePool.Add(p.Fee)
	r.Entries++
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, roundID int64, portfolioType, participant string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[portfolioKey{roundID, portfolioType, participant}]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio round %d, %s, %s", ErrNotFound, roundID, portfolioType, participant)
	}
	copy := *p
	copy.Allocation = slices.Clone(p.Allocation)
	return &copy, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context, roundID int64) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byRound[roundID]
	out := make([]model.Portfolio, 0, len(keys))
	for _, k := range keys {
		p := *s.portfolios[k]
		p.Allocation = slices.Clone(p.Allocation)
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) InsertWithdrawal(_ context.Context, w *model.Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := withdrawalKey{w.RoundID, w.Participant}
	if _, ok := s.withdrawals[key]; ok {
		return fmt.Errorf("%w: round %d, %s", ErrAlreadyWithdrawn, w.RoundID, w.Participant)
	}
	s.withdrawals[key] = *w
	return nil
}

func (s *MemoryStore) DeleteWithdrawal(_ context.Context, roundID int64, participant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := withdrawalKey{roundID, participant}
	if _, ok := s.withdrawals[key]; !ok {
		return fmt.Errorf("%w: withdrawal round %d, %s", ErrNotFound, roundID, participant)
	}
	delete(s.withdrawals, key)
	return nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, roundID int64) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Withdrawal
	for k, w := range s.withdrawals {
		if k.round == roundID {
			out = append(out, w)
		}
	}
	slices.SortFunc(out, func(a, b model.Withdrawal) int {
		return cmp.Or(a.WithdrawnAt.Compare(b.WithdrawnAt), strings.Compare(a.Participant, b.Participant))
	})
	return out, nil
}

// cloneRound deep-copies r so callers never share maps or slices with the
// store.
func cloneRound(r *model.Round) *model.Round {
	c := *r
	c.StartPrices = maps.Clone(r.StartPrices)
	c.EndPrices = maps.Clone(r.EndPrices)
	c.Standings = slices.Clone(r.Standings)
	c.Winners = slices.Clone(r.Winners)
	return &c
}
