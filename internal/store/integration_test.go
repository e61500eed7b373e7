//go:build integration

package store

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgPool *pgxpool.Pool
	rdb    *redis.Client
)

func init() {
	extraBackends["postgres"] = func(t *testing.T) Store { return newPostgresStore(t) }
	extraBackends["postgres+redis"] = func(t *testing.T) Store {
		t.Helper()
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		return NewCachedStore(newPostgresStore(t), rdb, time.Minute)
	}
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("arena"),
		postgres.WithUsername("arena"),
		postgres.WithPassword("arena"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	pgPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		log.Fatalf("redis endpoint: %v", err)
	}
	rdb = redis.NewClient(&redis.Options{Addr: endpoint})

	code := m.Run()

	rdb.Close()
	pgPool.Close()
	_ = redisContainer.Terminate(ctx)
	_ = pgContainer.Terminate(ctx)
	os.Exit(code)
}

// newPostgresStore returns a migrated store over an emptied schema.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	s := NewPostgresStore(pgPool)
	require.NoError(t, s.Migrate(ctx))
	_, err := pgPool.Exec(ctx,
		`TRUNCATE withdrawals, portfolios, rounds, settings, authorized_callers, portfolio_types RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestCachedStore_InvalidatesRoundOnPortfolioInsert(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, rdb.FlushDB(ctx).Err())
	s := NewCachedStore(newPostgresStore(t), rdb, time.Minute)

	require.NoError(t, s.CreateRound(ctx, pendingRound(1)))

	// Warm the cache.
	r, err := s.GetRound(ctx, 1)
	require.NoError(t, err)
	require.True(t, r.PrizePool.IsZero())
	require.EqualValues(t, 1, rdb.Exists(ctx, roundKey(1)).Val())

	require.NoError(t, s.InsertPortfolio(ctx, entry("p1", 1, "alice", "Crypto", 1_000_000)))
	require.EqualValues(t, 0, rdb.Exists(ctx, roundKey(1)).Val())

	r, err = s.GetRound(ctx, 1)
	require.NoError(t, err)
	require.True(t, r.PrizePool.Equal(amt(1_000_000)))
}
