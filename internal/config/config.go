// Package config provides configuration management for the transfer indexer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chains   ChainsConfig
	Sync     SyncConfig
	Ledger   LedgerConfig
	Queue    QueueConfig
	Webhook  WebhookConfig
	Logging  LoggingConfig
}

// ServerConfig holds the admin HTTP server configuration
type ServerConfig struct {
	Port      string
	Host      string
	RateRPS   int
	RateBurst int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the connection URL used by the pgx pool and golang-migrate.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// ClickHouseConfig holds ClickHouse configuration. The activity mirror is
// only started when Enabled is set.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainsConfig holds chain configuration keyed by numeric chain id
type ChainsConfig struct {
	Enabled []int64
	Chains  map[int64]ChainConfig
}

// ChainConfig holds configuration for a specific chain
type ChainConfig struct {
	ChainID             int64
	RPCPrimary          string
	RPCSecondary        string
	PollInterval        time.Duration
	MaxBlockLag         uint64 // realtime never looks further back than this
	SafetyMargin        uint64 // blocks re-observed on every realtime pass
	EnableReorgCheck    bool
	ReorgCheckMinutes   []int
	WETHAddress         string
	RequestsPerSecond   int
	BackfillRequestsPct int // share of RequestsPerSecond available to backfill
}

// SyncConfig holds sync orchestration settings shared by all chains
type SyncConfig struct {
	PrefetchThreshold   uint64 // realtime ranges at or below this size are pre-warmed
	PrefetchConcurrency int
	BackfillChunkSize   uint64
}

// LedgerConfig holds ledger writer settings
type LedgerConfig struct {
	RetryAttempts       int
	RetryDelay          time.Duration
	BufferMaxRows       int
	BufferFlushInterval time.Duration
	CascadeTransactions bool
	AssetRefresh        time.Duration // allow-list reload period
}

// QueueConfig holds per-queue worker concurrency
type QueueConfig struct {
	PollInterval          time.Duration
	BackfillConcurrency   int
	BlockCheckConcurrency int
	ActivityConcurrency   int
	WebhookConcurrency    int
	HistoryConcurrency    int
	CompletedRetention    time.Duration // completed jobs older than this are pruned
	PruneInterval         time.Duration
}

// WebhookConfig holds outbound webhook settings
type WebhookConfig struct {
	Timeout         time.Duration
	PerHostRPS      int
	HistoryPageSize int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:      getEnv("SERVER_PORT", "8080"),
			Host:      getEnv("SERVER_HOST", "0.0.0.0"),
			RateRPS:   getEnvAsInt("SERVER_RATE_RPS", 20),
			RateBurst: getEnvAsInt("SERVER_RATE_BURST", 40),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "transfer_indexer"),
				User:           getEnv("POSTGRES_USER", "indexer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "transfer_indexer"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Sync: SyncConfig{
			PrefetchThreshold:   uint64(getEnvAsInt("SYNC_PREFETCH_THRESHOLD", 32)),
			PrefetchConcurrency: getEnvAsInt("SYNC_PREFETCH_CONCURRENCY", 32),
			BackfillChunkSize:   uint64(getEnvAsInt("SYNC_BACKFILL_CHUNK_SIZE", 16)),
		},
		Ledger: LedgerConfig{
			RetryAttempts:       getEnvAsInt("LEDGER_RETRY_ATTEMPTS", 10),
			RetryDelay:          getEnvAsDuration("LEDGER_RETRY_DELAY", 2*time.Second),
			BufferMaxRows:       getEnvAsInt("LEDGER_BUFFER_MAX_ROWS", 5000),
			BufferFlushInterval: getEnvAsDuration("LEDGER_BUFFER_FLUSH_INTERVAL", 500*time.Millisecond),
			CascadeTransactions: getEnvAsBool("LEDGER_CASCADE_TRANSACTIONS", true),
			AssetRefresh:        getEnvAsDuration("LEDGER_ASSET_REFRESH", time.Minute),
		},
		Queue: QueueConfig{
			PollInterval:          getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
			BackfillConcurrency:   getEnvAsInt("QUEUE_BACKFILL_CONCURRENCY", 5),
			BlockCheckConcurrency: getEnvAsInt("QUEUE_BLOCK_CHECK_CONCURRENCY", 10),
			ActivityConcurrency:   getEnvAsInt("QUEUE_ACTIVITY_CONCURRENCY", 15),
			WebhookConcurrency:    getEnvAsInt("QUEUE_WEBHOOK_CONCURRENCY", 20),
			HistoryConcurrency:    getEnvAsInt("QUEUE_HISTORY_CONCURRENCY", 5),
			CompletedRetention:    getEnvAsDuration("QUEUE_COMPLETED_RETENTION", 2*time.Hour),
			PruneInterval:         getEnvAsDuration("QUEUE_PRUNE_INTERVAL", 10*time.Minute),
		},
		Webhook: WebhookConfig{
			Timeout:         getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			PerHostRPS:      getEnvAsInt("WEBHOOK_PER_HOST_RPS", 20),
			HistoryPageSize: getEnvAsInt("WEBHOOK_HISTORY_PAGE_SIZE", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	chains, err := loadChainConfigs()
	if err != nil {
		return nil, err
	}
	config.Chains = chains

	return config, nil
}

// Validate checks the settings that would otherwise fail deep inside a worker.
func (c *Config) Validate() error {
	if len(c.Chains.Enabled) == 0 {
		return fmt.Errorf("no chains enabled")
	}
	for _, id := range c.Chains.Enabled {
		chain, ok := c.Chains.Chains[id]
		if !ok {
			return fmt.Errorf("chain %d: missing configuration", id)
		}
		if chain.RPCPrimary == "" {
			return fmt.Errorf("chain %d: CHAIN_%d_RPC_PRIMARY is required", id, id)
		}
		if chain.MaxBlockLag == 0 {
			return fmt.Errorf("chain %d: max block lag must be positive", id)
		}
	}
	if c.Ledger.RetryAttempts <= 0 {
		return fmt.Errorf("ledger retry attempts must be positive")
	}
	if c.Webhook.HistoryPageSize <= 0 {
		return fmt.Errorf("history page size must be positive")
	}
	if c.Ledger.AssetRefresh <= 0 {
		return fmt.Errorf("asset refresh interval must be positive")
	}
	// block-check ids dedupe only while their completed rows exist
	for _, id := range c.Chains.Enabled {
		for _, m := range c.Chains.Chains[id].ReorgCheckMinutes {
			if time.Duration(m)*time.Minute >= c.Queue.CompletedRetention {
				return fmt.Errorf("queue completed retention %s must exceed the %d minute reorg check of chain %d",
					c.Queue.CompletedRetention, m, id)
			}
		}
	}
	return nil
}

// loadChainConfigs loads chain-specific configurations from CHAIN_<id>_* variables
func loadChainConfigs() (ChainsConfig, error) {
	ids, err := parseIntList(getEnv("ENABLED_CHAINS", "1"))
	if err != nil {
		return ChainsConfig{}, fmt.Errorf("invalid ENABLED_CHAINS: %w", err)
	}

	enabled := make([]int64, 0, len(ids))
	chains := make(map[int64]ChainConfig)
	for _, raw := range ids {
		id := int64(raw)
		prefix := fmt.Sprintf("CHAIN_%d_", id)

		reorgMinutes, err := parseIntList(getEnv(prefix+"REORG_CHECK_MINUTES", "1,5,10,30,60"))
		if err != nil {
			return ChainsConfig{}, fmt.Errorf("invalid %sREORG_CHECK_MINUTES: %w", prefix, err)
		}

		chains[id] = ChainConfig{
			ChainID:             id,
			RPCPrimary:          getEnv(prefix+"RPC_PRIMARY", ""),
			RPCSecondary:        getEnv(prefix+"RPC_SECONDARY", ""),
			PollInterval:        getEnvAsDuration(prefix+"POLL_INTERVAL", 12*time.Second),
			MaxBlockLag:         uint64(getEnvAsInt(prefix+"MAX_BLOCK_LAG", 16)),
			SafetyMargin:        uint64(getEnvAsInt(prefix+"SAFETY_MARGIN", 5)),
			EnableReorgCheck:    getEnvAsBool(prefix+"ENABLE_REORG_CHECK", true),
			ReorgCheckMinutes:   reorgMinutes,
			WETHAddress:         strings.ToLower(getEnv(prefix+"WETH_ADDRESS", defaultWETH[id])),
			RequestsPerSecond:   getEnvAsInt(prefix+"RPS", 25),
			BackfillRequestsPct: getEnvAsInt(prefix+"BACKFILL_RPS_PCT", 60),
		}
		enabled = append(enabled, id)
	}

	sort.Slice(enabled, func(i, j int) bool { return enabled[i] < enabled[j] })

	return ChainsConfig{
		Enabled: enabled,
		Chains:  chains,
	}, nil
}

// Wrapped native token contracts for the networks we ship defaults for.
var defaultWETH = map[int64]string{
	1:   "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
	137: "0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270",
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool accepts the strconv.ParseBool spellings plus 0/1
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
