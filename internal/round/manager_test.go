package round

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/arena/internal/ledger"
	"github.com/atmx/arena/internal/model"
	"github.com/atmx/arena/internal/oracle"
	"github.com/atmx/arena/internal/portfolio"
	"github.com/atmx/arena/internal/registry"
	"github.com/atmx/arena/internal/store"
)

const (
	owner  = "0xowner"
	escrow = "0xarena"
	week   = 7 * 24 * time.Hour
)

var t0 = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

func amt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	m      *Manager
	store  *store.MemoryStore
	token  *ledger.MemoryLedger
	ledger *ledger.Directory
	feed   *oracle.StaticFeed
	events *recorder
	now    time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T, fee int64) *fixture {
	t.Helper()
	f := &fixture{now: t0, events: &recorder{}}

	f.store = store.NewMemoryStore()
	reg := registry.New(owner, f.store, nil).WithClock(f.clock)

	f.token = ledger.NewMemoryLedger("mUSDT", 6)
	f.ledger = ledger.NewDirectory()
	f.ledger.Register("mUSDT", f.token)
	f.ledger.Register("mDAI", ledger.NewMemoryLedger("mDAI", 18))

	f.feed = oracle.NewStaticFeed(f.clock)
	f.feed.Set("BTC", 100_000_000000, 6)
	f.feed.Set("ETH", 3_000_000000, 6)

	f.m = NewManager(Config{Owner: owner, Address: escrow}, reg, f.ledger, f.feed, f.events, nil).WithClock(f.clock)
	require.NoError(t, f.m.Bootstrap(context.Background(), model.Settings{
		FeeToken:    "mUSDT",
		CreationFee: amt(fee),
		MaxAssets:   5,
		MaxPriceAge: time.Hour,
	}, []string{"Crypto", "Equities"}))
	return f
}

// fund mints n tokens to participant and approves the arena for all of them.
func (f *fixture) fund(t *testing.T, participant string, n int64) {
	t.Helper()
	require.NoError(t, f.token.Mint(participant, amt(n)))
	require.NoError(t, f.token.Approve(participant, escrow, amt(n)))
}

func (f *fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := f.token.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	return b
}

// reprice sets fresh quotes stamped at the fixture clock.
func (f *fixture) reprice(btc, eth int64) {
	f.feed.Set("BTC", btc, 6)
	f.feed.Set("ETH", eth, 6)
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(amt(want)), "want %d, got %s", want, got)
}

func TestBootstrap_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	require.NoError(t, f.m.Bootstrap(ctx, model.Settings{
		FeeToken:    "mDAI",
		CreationFee: amt(99),
		MaxAssets:   1,
	}, []string{"Crypto", "Commodities"}))

	types, err := f.m.PortfolioTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Crypto", "Equities", "Commodities"}, types)

	settings, err := f.m.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mUSDT", settings.FeeToken)
	assertAmount(t, 10, settings.CreationFee)

	ok, err := f.store.IsAuthorizedCaller(ctx, escrow)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreatePortfolio_PullsFeeIntoEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1_000_000)
	f.fund(t, "alice", 5_000_000)

	p, err := f.m.CreatePortfolioNextRound(ctx, "ALICE", "Crypto", []string{"BTC", "ETH"}, []int64{3, 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.RoundID)
	assert.Equal(t, "alice", p.Participant)
	assert.Equal(t, 0, p.TypeIndex)
	assert.Equal(t, "mUSDT", p.FeeToken)
	assert.NotEmpty(t, p.ID)

	assertAmount(t, 4_000_000, f.balance(t, "alice"))
	assertAmount(t, 1_000_000, f.balance(t, escrow))

	rd, err := f.m.Round(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RoundPending, rd.Status)
	assert.Equal(t, 1, rd.Entries)
	assertAmount(t, 1_000_000, rd.PrizePool)

	assert.Equal(t, []string{EventPortfolioCreated}, f.events.types())
}

func TestCreatePortfolio_DuplicateRejectedWithoutSecondFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.fund(t, "alice", 1_000)

	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)

	_, err = f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"ETH"}, []int64{2})
	require.ErrorIs(t, err, store.ErrDuplicatePortfolio)
	assertAmount(t, 900, f.balance(t, "alice"))

	// A different type is a separate entry.
	_, err = f.m.CreatePortfolioNextRound(ctx, "alice", "Equities", []string{"ETH"}, []int64{2})
	require.NoError(t, err)

	rd, err := f.m.Round(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rd.Entries)
	assertAmount(t, 200, rd.PrizePool)
	assertAmount(t, 200, f.balance(t, escrow))
}

func TestCreatePortfolio_InvalidInputPullsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	f.fund(t, "alice", 1_000)

	tests := []struct {
		name    string
		typ     string
		assets  []string
		weights []int64
		want    error
	}{
		{"empty allocation", "Crypto", nil, nil, portfolio.ErrEmptyAllocation},
		{"too many assets", "Crypto", []string{"A", "B", "C", "D", "E", "F"}, []int64{1, 1, 1, 1, 1, 1}, portfolio.ErrTooManyAssets},
		{"zero weight", "Crypto", []string{"BTC", "ETH"}, []int64{1, 0}, portfolio.ErrZeroWeight},
		{"duplicate asset", "Crypto", []string{"BTC", "BTC"}, []int64{1, 1}, portfolio.ErrDuplicateAsset},
		{"length mismatch", "Crypto", []string{"BTC"}, []int64{1, 2}, portfolio.ErrLengthMismatch},
		{"unknown type", "Bonds", []string{"BTC"}, []int64{1}, ErrUnknownPortfolioType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.CreatePortfolioNextRound(ctx, "alice", tt.typ, tt.assets, tt.weights)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assertAmount(t, 1_000, f.balance(t, "alice"))
	rounds, err := f.m.Rounds(ctx)
	require.NoError(t, err)
	assert.Empty(t, rounds)
}

func TestCreatePortfolio_InsufficientAllowance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	require.NoError(t, f.token.Mint("alice", amt(1_000)))

	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	rounds, err := f.m.Rounds(ctx)
	require.NoError(t, err)
	assert.Empty(t, rounds)
}

func TestCreatePortfolio_ZeroFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	// No allowance needed when nothing is pulled.
	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)

	pool, err := f.m.PrizePool(ctx, 1)
	require.NoError(t, err)
	assert.True(t, pool.IsZero())
}

func TestCreatePortfolio_TargetsNextRoundWhileActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.fund(t, "alice", 100)
	f.fund(t, "bob", 100)

	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)
	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.NoError(t, err)

	p, err := f.m.CreatePortfolioNextRound(ctx, "bob", "Crypto", []string{"ETH"}, []int64{1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.RoundID)

	p, err = f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"ETH"}, []int64{1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.RoundID)

	active, err := f.m.Round(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Entries)
	assertAmount(t, 10, active.PrizePool)

	next, err := f.m.Round(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.RoundPending, next.Status)
	assert.Equal(t, 2, next.Entries)
}

func TestStartRound_Gates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.fund(t, "alice", 100)
	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)

	_, err = f.m.StartRound(ctx, "alice", time.Hour)
	require.ErrorIs(t, err, registry.ErrNotOwner)

	_, err = f.m.StartRound(ctx, owner, 500*time.Millisecond)
	require.ErrorIs(t, err, ErrInvalidDuration)

	rd, err := f.m.StartRound(ctx, owner, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, model.RoundActive, rd.Status)
	assert.Equal(t, t0, rd.StartedAt)
	require.Contains(t, rd.StartPrices, "BTC")
	assert.NotContains(t, rd.StartPrices, "ETH")

	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.ErrorIs(t, err, ErrRoundAlreadyActive)

	// Still refused once the next round has entries.
	_, err = f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"ETH"}, []int64{1})
	require.NoError(t, err)
	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.ErrorIs(t, err, ErrRoundAlreadyActive)
}

func TestStartRound_EmptyRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	rd, err := f.m.StartRound(ctx, owner, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rd.ID)
	assert.Empty(t, rd.StartPrices)

	f.advance(time.Minute)
	rd, err = f.m.EndRound(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, rd.Winners)

	_, err = f.m.WithdrawPrize(ctx, "alice", 1)
	require.ErrorIs(t, err, ErrNotAWinner)
}

func TestStartRound_StaleOracleLeavesRoundPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.fund(t, "alice", 100)
	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.ErrorIs(t, err, oracle.ErrStalePrice)

	rd, err := f.m.Round(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RoundPending, rd.Status)
	assert.Empty(t, rd.StartPrices)

	f.reprice(100_000_000000, 3_000_000000)
	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.NoError(t, err)
}

func TestStartRound_UnknownAsset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.fund(t, "alice", 100)
	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"DOGE"}, []int64{1})
	require.NoError(t, err)

	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.ErrorIs(t, err, oracle.ErrOracleUnavailable)
}

func TestEndRound_Gates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	_, err := f.m.EndRound(ctx, owner)
	require.ErrorIs(t, err, ErrRoundNotActive)

	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.NoError(t, err)

	_, err = f.m.EndRound(ctx, "alice")
	require.ErrorIs(t, err, registry.ErrNotOwner)

	f.advance(59 * time.Minute)
	_, err = f.m.EndRound(ctx, owner)
	require.ErrorIs(t, err, ErrDurationNotElapsed)

	f.advance(time.Minute)
	_, err = f.m.EndRound(ctx, owner)
	require.NoError(t, err)

	_, err = f.m.EndRound(ctx, owner)
	require.ErrorIs(t, err, ErrRoundNotActive)
}

func TestEndRound_StaleOracleKeepsRoundActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.fund(t, "alice", 100)
	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)
	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	_, err = f.m.EndRound(ctx, owner)
	require.ErrorIs(t, err, oracle.ErrStalePrice)

	rd, err := f.m.Round(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RoundActive, rd.Status)
}

func TestOneWeekRound_WinnerTakesPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1_000_000)
	f.fund(t, "alice", 1_000_000)
	f.fund(t, "bob", 1_000_000)

	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{5})
	require.NoError(t, err)
	_, err = f.m.CreatePortfolioNextRound(ctx, "bob", "Crypto", []string{"ETH"}, []int64{5})
	require.NoError(t, err)

	rd, err := f.m.StartRound(ctx, owner, week)
	require.NoError(t, err)
	assert.EqualValues(t, 604800, rd.DurationSeconds)

	// BTC +50%, ETH flat.
	f.advance(week)
	f.reprice(150_000_000000, 3_000_000000)

	rd, err = f.m.EndRound(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, rd.Winners)

	standings, err := f.m.Standings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, standings, 2)
	assert.Equal(t, "2500000000000000000", standings[0].Score.String())
	assert.True(t, standings[1].Score.IsZero())

	won, err := f.m.IsWinner(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = f.m.IsOwnerWinner(ctx, 1)
	require.NoError(t, err)
	assert.False(t, won)

	share, err := f.m.WithdrawPrize(ctx, "alice", 1)
	require.NoError(t, err)
	assertAmount(t, 2_000_000, share)
	assertAmount(t, 2_000_000, f.balance(t, "alice"))
	assertAmount(t, 0, f.balance(t, escrow))

	_, err = f.m.WithdrawPrize(ctx, "alice", 1)
	require.ErrorIs(t, err, store.ErrAlreadyWithdrawn)
	_, err = f.m.WithdrawPrize(ctx, "bob", 1)
	require.ErrorIs(t, err, ErrNotAWinner)

	assert.Equal(t, []string{
		EventPortfolioCreated,
		EventPortfolioCreated,
		EventRoundStarted,
		EventRoundEnded,
		EventPrizeWithdrawn,
	}, f.events.types())
}

func TestTiedWinnersSplitPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1_000_001)
	for _, p := range []string{"alice", "bob", "carol"} {
		f.fund(t, p, 1_000_001)
	}

	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)
	_, err = f.m.CreatePortfolioNextRound(ctx, "bob", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)
	_, err = f.m.CreatePortfolioNextRound(ctx, "carol", "Crypto", []string{"ETH"}, []int64{1})
	require.NoError(t, err)

	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.NoError(t, err)
	f.advance(time.Hour)
	f.reprice(110_000_000000, 3_000_000000)
	_, err = f.m.EndRound(ctx, owner)
	require.NoError(t, err)

	winners, err := f.m.Winners(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, winners)

	total := decimal.Zero
	for _, w := range winners {
		share, err := f.m.WithdrawPrize(ctx, w, 1)
		require.NoError(t, err)
		assertAmount(t, 1_500_001, share)
		total = total.Add(share)
	}

	pool, err := f.m.PrizePool(ctx, 1)
	require.NoError(t, err)
	assertAmount(t, 3_000_003, pool)
	assert.True(t, total.LessThanOrEqual(pool))
	// Dust stays in escrow.
	assertAmount(t, 1, f.balance(t, escrow))

	paid, err := f.m.Withdrawals(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, paid, 2)
}

func TestViews_BeforeRoundEnds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.fund(t, "alice", 100)
	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Equities", []string{"ETH"}, []int64{2})
	require.NoError(t, err)

	_, err = f.m.Winners(ctx, 1)
	require.ErrorIs(t, err, ErrRoundNotEnded)
	_, err = f.m.Standings(ctx, 1)
	require.ErrorIs(t, err, ErrRoundNotEnded)
	_, err = f.m.IsWinner(ctx, "alice", 1)
	require.ErrorIs(t, err, ErrRoundNotEnded)
	_, err = f.m.WithdrawPrize(ctx, "alice", 1)
	require.ErrorIs(t, err, ErrRoundNotEnded)
	_, err = f.m.Winners(ctx, 7)
	require.ErrorIs(t, err, store.ErrNotFound)

	p, err := f.m.ViewPortfolio(ctx, 1, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Equities", p.Type)
	assert.Equal(t, []int64{2}, p.Allocation.Weights())

	_, err = f.m.ViewPortfolio(ctx, 1, 0, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.m.ViewPortfolio(ctx, 1, 9, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// flakyLedger fails the next n transfers.
type flakyLedger struct {
	ledger.Ledger
	n int
}

func (l *flakyLedger) Transfer(ctx context.Context, sender, recipient string, amount decimal.Decimal) error {
	if l.n > 0 {
		l.n--
		return errors.New("rpc: connection reset")
	}
	return l.Ledger.Transfer(ctx, sender, recipient, amount)
}

func TestWithdrawPrize_FailedTransferClearsFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	flaky := &flakyLedger{Ledger: f.token}
	f.ledger.Register("mUSDT", flaky)
	f.fund(t, "alice", 50)

	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)
	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.NoError(t, err)
	f.advance(time.Hour)
	f.reprice(100_000_000000, 3_000_000000)
	_, err = f.m.EndRound(ctx, owner)
	require.NoError(t, err)

	flaky.n = 1
	_, err = f.m.WithdrawPrize(ctx, "alice", 1)
	require.ErrorIs(t, err, ledger.ErrTransferFailed)

	paid, err := f.m.Withdrawals(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, paid)

	share, err := f.m.WithdrawPrize(ctx, "alice", 1)
	require.NoError(t, err)
	assertAmount(t, 50, share)
	assertAmount(t, 50, f.balance(t, "alice"))
}

// reentrantLedger calls back into the manager from inside TransferFrom.
type reentrantLedger struct {
	ledger.Ledger
	m        *Manager
	innerErr error
	viewErr  error
}

func (l *reentrantLedger) TransferFrom(ctx context.Context, spender, owner, recipient string, amount decimal.Decimal) error {
	_, l.innerErr = l.m.CreatePortfolioNextRound(ctx, owner, "Equities", []string{"ETH"}, []int64{1})
	_, l.viewErr = l.m.Settings(ctx)
	return l.Ledger.TransferFrom(ctx, spender, owner, recipient, amount)
}

func TestReentrantLedgerCallRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	hostile := &reentrantLedger{Ledger: f.token, m: f.m}
	f.ledger.Register("mUSDT", hostile)
	f.fund(t, "mallory", 100)

	_, err := f.m.CreatePortfolioNextRound(ctx, "mallory", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)
	require.ErrorIs(t, hostile.innerErr, ErrReentrantCall)
	require.NoError(t, hostile.viewErr)

	rd, err := f.m.Round(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rd.Entries)
	assertAmount(t, 90, f.balance(t, "mallory"))
}

// detachedLedger calls back into the manager on a fresh context that does
// not carry the outer call's mark.
type detachedLedger struct {
	ledger.Ledger
	m        *Manager
	innerErr error
	viewErr  error
}

func (l *detachedLedger) TransferFrom(ctx context.Context, spender, owner, recipient string, amount decimal.Decimal) error {
	cctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, l.innerErr = l.m.CreatePortfolioNextRound(cctx, owner, "Equities", []string{"ETH"}, []int64{1})
	_, l.viewErr = l.m.Settings(cctx)
	return l.Ledger.TransferFrom(ctx, spender, owner, recipient, amount)
}

func TestDetachedCallbackWaitsOnItsContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	detached := &detachedLedger{Ledger: f.token, m: f.m}
	f.ledger.Register("mUSDT", detached)
	f.fund(t, "mallory", 100)

	done := make(chan error, 1)
	go func() {
		_, err := f.m.CreatePortfolioNextRound(ctx, "mallory", "Crypto", []string{"BTC"}, []int64{1})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("CreatePortfolioNextRound did not return")
	}
	require.ErrorIs(t, detached.innerErr, context.DeadlineExceeded)
	require.ErrorIs(t, detached.viewErr, context.DeadlineExceeded)

	rd, err := f.m.Round(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rd.Entries)
	assertAmount(t, 90, f.balance(t, "mallory"))
}

func TestCanceledContextRejectedBeforeLocking(t *testing.T) {
	f := newFixture(t, 10)
	f.fund(t, "alice", 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.ErrorIs(t, err, context.Canceled)
	_, err = f.m.Settings(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assertAmount(t, 100, f.balance(t, "alice"))
}

// brokenStore fails every attempt to open a round with its first entry.
type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) CreateRoundWithPortfolio(context.Context, *model.Round, *model.Portfolio) error {
	return errors.New("disk full")
}

func TestCreatePortfolio_FailedRecordLeavesNoRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.fund(t, "alice", 100)

	reg := registry.New(owner, brokenStore{f.store}, nil).WithClock(f.clock)
	m := NewManager(Config{Owner: owner, Address: escrow}, reg, f.ledger, f.feed, nil, nil).WithClock(f.clock)

	_, err := m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.ErrorContains(t, err, "disk full")

	_, err = f.store.LatestRound(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
	assertAmount(t, 100, f.balance(t, "alice"))
	assertAmount(t, 0, f.balance(t, escrow))
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	_, err := f.m.UpdateSettings(ctx, "alice", "mUSDT", amt(20), 3)
	require.ErrorIs(t, err, registry.ErrNotOwner)
	_, err = f.m.UpdateSettings(ctx, owner, "", amt(20), 3)
	require.ErrorIs(t, err, ErrInvalidSettings)
	_, err = f.m.UpdateSettings(ctx, owner, "mUSDT", decimal.RequireFromString("1.5"), 3)
	require.ErrorIs(t, err, ErrInvalidSettings)
	_, err = f.m.UpdateSettings(ctx, owner, "mUSDT", amt(20), 0)
	require.ErrorIs(t, err, ErrInvalidSettings)
	_, err = f.m.UpdateSettings(ctx, owner, "mXYZ", amt(20), 3)
	require.ErrorIs(t, err, ledger.ErrUnknownToken)

	s, err := f.m.UpdateSettings(ctx, owner, "mUSDT", amt(20), 3)
	require.NoError(t, err)
	assertAmount(t, 20, s.CreationFee)
	assert.Equal(t, 3, s.MaxAssets)
	assert.Equal(t, time.Hour, s.MaxPriceAge)

	// A pending round pins the token but not the fee.
	f.fund(t, "alice", 100)
	_, err = f.m.CreatePortfolioNextRound(ctx, "alice", "Crypto", []string{"BTC"}, []int64{1})
	require.NoError(t, err)
	_, err = f.m.UpdateSettings(ctx, owner, "mDAI", amt(20), 3)
	require.ErrorIs(t, err, ErrRoundInProgress)
	_, err = f.m.UpdateSettings(ctx, owner, "mUSDT", amt(30), 3)
	require.NoError(t, err)

	// An active round locks everything.
	_, err = f.m.StartRound(ctx, owner, time.Hour)
	require.NoError(t, err)
	_, err = f.m.UpdateSettings(ctx, owner, "mUSDT", amt(40), 3)
	require.ErrorIs(t, err, ErrRoundInProgress)

	f.advance(time.Hour)
	f.reprice(100_000_000000, 3_000_000000)
	_, err = f.m.EndRound(ctx, owner)
	require.NoError(t, err)

	s, err = f.m.UpdateSettings(ctx, owner, "mDAI", amt(40), 3)
	require.NoError(t, err)
	assert.Equal(t, "mDAI", s.FeeToken)
}

func TestAddPortfolioType_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	_, err := f.m.AddPortfolioType(ctx, "alice", "Bonds")
	require.ErrorIs(t, err, registry.ErrNotOwner)

	idx, err := f.m.AddPortfolioType(ctx, owner, "Bonds")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}
