package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/arena/internal/api"
	"github.com/atmx/arena/internal/auth"
	"github.com/atmx/arena/internal/config"
	"github.com/atmx/arena/internal/ledger"
	"github.com/atmx/arena/internal/metrics"
	"github.com/atmx/arena/internal/model"
	"github.com/atmx/arena/internal/oracle"
	"github.com/atmx/arena/internal/registry"
	"github.com/atmx/arena/internal/round"
	"github.com/atmx/arena/internal/store"
)

var configPath = flag.String("config", "", "Path to configuration file (defaults and ARENA_* env when empty)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("store initialization failed", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collaborators ---
	feed := openOracle(cfg.Oracle)
	ledgers, err := openLedger(cfg.Ledger, cfg.Arena.ManagerAddress)
	if err != nil {
		slog.Error("ledger initialization failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	hub := round.NewHub(logger)
	go hub.Run(ctx)

	// --- Round manager ---
	reg := registry.New(cfg.Arena.Owner, st, logger)
	mgr := round.NewManager(round.Config{
		Owner:   cfg.Arena.Owner,
		Address: cfg.Arena.ManagerAddress,
	}, reg, ledgers, feed, hub, logger)

	fee, _ := cfg.Arena.Fee()
	if err := mgr.Bootstrap(ctx, model.Settings{
		FeeToken:    cfg.Arena.FeeToken,
		CreationFee: fee,
		MaxAssets:   cfg.Arena.MaxAssets,
		MaxPriceAge: cfg.Arena.MaxPriceAge,
	}, cfg.Arena.PortfolioTypes); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	tokens := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	limiter := auth.NewRateLimiter(rate.Limit(cfg.Auth.RateLimit), cfg.Auth.RateBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"arena"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for round events. Long-lived, so outside the
		// request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			r.Use(tokens.Authenticate)
			r.Use(limiter.Middleware)
			api.NewHandler(mgr, logger).Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("arena listening",
			"addr", cfg.Server.Addr,
			"owner", mgr.Owner(),
			"manager", mgr.Address(),
			"storage", cfg.Storage.Driver,
			"oracle", cfg.Oracle.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down arena...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("arena stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openStore builds the configured store, wrapping it with the Redis cache
// when a URL is set. The returned funcs release its resources.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case "sqlite":
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite database", "path", cfg.SQLitePath)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	}

	return st, cleanup, nil
}

func openOracle(cfg config.OracleConfig) oracle.Oracle {
	if cfg.Driver == "http" {
		slog.Info("using HTTP price feed", "url", cfg.HTTPURL)
		return oracle.NewHTTPFeed(cfg.HTTPURL, cfg.Timeout)
	}
	feed := oracle.NewStaticFeed(nil)
	for _, p := range cfg.StaticPrices {
		feed.Set(p.Asset, p.Price, p.Decimals)
	}
	slog.Warn("using static price feed", "assets", len(cfg.StaticPrices))
	return feed
}

// openLedger registers the in-process fee token and seeds configured
// balances. With auto-approve each seeded account grants the manager an
// allowance for its whole balance.
func openLedger(cfg config.LedgerConfig, manager string) (*ledger.Directory, error) {
	token := ledger.NewMemoryLedger(cfg.Symbol, cfg.Decimals)
	for _, b := range cfg.Balances {
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("balance for %s: %w", b.Account, err)
		}
		if err := token.Mint(b.Account, amount); err != nil {
			return nil, fmt.Errorf("mint for %s: %w", b.Account, err)
		}
		if cfg.AutoApprove {
			if err := token.Approve(b.Account, manager, amount); err != nil {
				return nil, fmt.Errorf("approve for %s: %w", b.Account, err)
			}
		}
	}

	dir := ledger.NewDirectory()
	dir.Register(cfg.Symbol, token)
	slog.Info("fee token ready", "symbol", cfg.Symbol, "decimals", cfg.Decimals, "accounts", len(cfg.Balances))
	return dir, nil
}
