// Package config loads the arena server configuration from an optional YAML
// file and ARENA_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Arena   ArenaConfig   `mapstructure:"arena"`
	Storage StorageConfig `mapstructure:"storage"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	RateLimit float64       `mapstructure:"rate_limit"` // requests per second per caller
	RateBurst int           `mapstructure:"rate_burst"`
}

type ArenaConfig struct {
	Owner          string        `mapstructure:"owner"`
	ManagerAddress string        `mapstructure:"manager_address"`
	FeeToken       string        `mapstructure:"fee_token"`
	CreationFee    string        `mapstructure:"creation_fee"` // integer, token base units
	MaxAssets      int           `mapstructure:"max_assets"`
	MaxPriceAge    time.Duration `mapstructure:"max_price_age"` // 0 disables the staleness check
	PortfolioTypes []string      `mapstructure:"portfolio_types"`
}

// Fee parses CreationFee.
func (c ArenaConfig) Fee() (decimal.Decimal, error) {
	return decimal.NewFromString(c.CreationFee)
}

type StorageConfig struct {
	Driver      string        `mapstructure:"driver"` // memory, postgres, sqlite
	PostgresURL string        `mapstructure:"postgres_url"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	RedisURL    string        `mapstructure:"redis_url"` // optional cache in front of the store
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type OracleConfig struct {
	Driver       string        `mapstructure:"driver"` // static, http
	HTTPURL      string        `mapstructure:"http_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	StaticPrices []StaticPrice `mapstructure:"static_prices"`
}

// StaticPrice seeds the static feed. Listed rather than keyed because asset
// symbols are case-sensitive.
type StaticPrice struct {
	Asset    string `mapstructure:"asset"`
	Price    int64  `mapstructure:"price"`
	Decimals int32  `mapstructure:"decimals"`
}

// LedgerConfig describes the in-process fee token.
type LedgerConfig struct {
	Symbol   string    `mapstructure:"symbol"`
	Decimals int32     `mapstructure:"decimals"`
	Balances []Balance `mapstructure:"balances"`
	// AutoApprove grants the manager an allowance equal to each seeded
	// balance, for local play without a wallet.
	AutoApprove bool `mapstructure:"auto_approve"`
}

type Balance struct {
	Account string `mapstructure:"account"`
	Amount  string `mapstructure:"amount"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path (if non-empty) over the defaults, then applies ARENA_*
// environment overrides, e.g. ARENA_STORAGE_DRIVER.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.rate_limit", 10.0)
	v.SetDefault("auth.rate_burst", 20)

	v.SetDefault("arena.owner", "")
	v.SetDefault("arena.manager_address", "arena")
	v.SetDefault("arena.fee_token", "mUSDT")
	v.SetDefault("arena.creation_fee", "1000000")
	v.SetDefault("arena.max_assets", 15)
	v.SetDefault("arena.max_price_age", "1h")
	v.SetDefault("arena.portfolio_types", []string{"Crypto", "Equities"})

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.sqlite_path", "./data/arena.db")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.cache_ttl", "30s")

	v.SetDefault("oracle.driver", "static")
	v.SetDefault("oracle.http_url", "")
	v.SetDefault("oracle.timeout", "5s")

	v.SetDefault("ledger.symbol", "mUSDT")
	v.SetDefault("ledger.decimals", 6)
	v.SetDefault("ledger.auto_approve", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}

	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}
	if c.Auth.TokenTTL < time.Minute {
		return fmt.Errorf("auth.token_ttl must be at least 1 minute")
	}
	if c.Auth.RateLimit <= 0 || c.Auth.RateBurst < 1 {
		return fmt.Errorf("auth.rate_limit and auth.rate_burst must be positive")
	}

	if strings.TrimSpace(c.Arena.Owner) == "" {
		return fmt.Errorf("arena.owner is required")
	}
	if strings.TrimSpace(c.Arena.ManagerAddress) == "" {
		return fmt.Errorf("arena.manager_address is required")
	}
	if strings.EqualFold(strings.TrimSpace(c.Arena.Owner), strings.TrimSpace(c.Arena.ManagerAddress)) {
		return fmt.Errorf("arena.manager_address must differ from arena.owner")
	}
	if c.Arena.FeeToken == "" {
		return fmt.Errorf("arena.fee_token is required")
	}
	fee, err := c.Arena.Fee()
	if err != nil || fee.IsNegative() || !fee.IsInteger() {
		return fmt.Errorf("arena.creation_fee must be a non-negative integer")
	}
	if c.Arena.MaxAssets < 1 {
		return fmt.Errorf("arena.max_assets must be at least 1")
	}
	if c.Arena.MaxPriceAge < 0 {
		return fmt.Errorf("arena.max_price_age must not be negative")
	}
	if len(c.Arena.PortfolioTypes) == 0 {
		return fmt.Errorf("arena.portfolio_types must contain at least one type")
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: memory, postgres, sqlite")
	}
	if c.Storage.RedisURL != "" && c.Storage.CacheTTL <= 0 {
		return fmt.Errorf("storage.cache_ttl must be positive when redis is enabled")
	}

	switch c.Oracle.Driver {
	case "static":
		for _, p := range c.Oracle.StaticPrices {
			if p.Asset == "" || p.Price <= 0 || p.Decimals < 0 {
				return fmt.Errorf("oracle.static_prices entries need an asset, a positive price and non-negative decimals")
			}
		}
	case "http":
		if c.Oracle.HTTPURL == "" {
			return fmt.Errorf("oracle.http_url is required for the http driver")
		}
		if c.Oracle.Timeout <= 0 {
			return fmt.Errorf("oracle.timeout must be positive")
		}
	default:
		return fmt.Errorf("oracle.driver must be one of: static, http")
	}

	if c.Ledger.Symbol == "" {
		return fmt.Errorf("ledger.symbol is required")
	}
	if c.Ledger.Symbol != c.Arena.FeeToken {
		return fmt.Errorf("ledger.symbol must match arena.fee_token")
	}
	if c.Ledger.Decimals < 0 {
		return fmt.Errorf("ledger.decimals must not be negative")
	}
	for _, b := range c.Ledger.Balances {
		amount, err := decimal.NewFromString(b.Amount)
		if b.Account == "" || err != nil || amount.IsNegative() || !amount.IsInteger() {
			return fmt.Errorf("ledger.balances entries need an account and a non-negative integer amount")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
