// Package config loads the process-wide immutable configuration from the
// environment, the way the teacher's internal/config package does: plain
// os.Getenv reads with typed helpers and sane defaults, no schema files.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the operator-selectable run mode (spec.md §6).
type Mode string

const (
	ModeLive         Mode = "live"
	ModeDryRun       Mode = "dry-run"
	ModeBackfillOnly Mode = "backfill-only"
)

// SizingMode selects how Decision maps a position component to local qty.
type SizingMode string

const (
	SizingFixedNotional SizingMode = "fixed_notional"
	SizingProportional  SizingMode = "proportional"
	SizingKelly         SizingMode = "kelly"
)

// ReplayPolicy controls how Decision treats backfilled events.
type ReplayPolicy string

const (
	ReplayOff       ReplayPolicy = "off"
	ReplayCloseOnly ReplayPolicy = "close_only"
	ReplayFull      ReplayPolicy = "full"
)

// PriceFailurePolicy controls Decision's behavior when a reference or
// expected price is missing.
type PriceFailurePolicy string

const (
	PriceFailureReject            PriceFailurePolicy = "reject"
	PriceFailureAllowWithoutPrice PriceFailurePolicy = "allow_without_price"
)

// RetryBudgetMode selects the safety transition on UNKNOWN-retry exhaustion.
type RetryBudgetMode string

const (
	RetryBudgetArmedSafe RetryBudgetMode = "ARMED_SAFE"
	RetryBudgetHalt      RetryBudgetMode = "HALT"
)

// Config is the process-wide immutable value loaded once at startup and
// hashed; the hash is compared to the persisted hash on restart.
type Config struct {
	Mode  Mode
	Debug bool

	// Leader source
	LeaderWalletAddress  string
	SymbolMap            map[string]string // coin -> execution-venue symbol
	BackfillWindowMs     int64
	OverlapMs            int64
	StreamBackoffInitial time.Duration
	StreamBackoffCap     time.Duration
	DedupTTLMs           int64
	MaintenanceSkipGap   bool

	// Decision
	MaxStaleMs           int64
	MaxFutureMs          int64
	ReplayPolicy         ReplayPolicy
	SlippageCapPct       decimal.Decimal
	PriceFallbackEnabled bool
	PriceFailurePolicy   PriceFailurePolicy
	SizingMode           SizingMode
	FixedNotional        decimal.Decimal
	ProportionalRatio    decimal.Decimal
	KellyFraction        decimal.Decimal
	StrategyVersion      string

	// Execution
	TIFSeconds                 int
	OrderPollIntervalSec       int
	MarketFallbackEnabled      bool
	MarketFallbackThresholdPct decimal.Decimal
	MarketSlippageCapPct       decimal.Decimal
	UnknownPollIntervalSec     int
	RetryBudgetMaxAttempts     int
	RetryBudgetWindowSec       int
	RetryBudgetMode            RetryBudgetMode

	// Safety
	SnapshotMaxStaleMs        int64
	WarnDriftThreshold        decimal.Decimal
	CriticalDriftThreshold    decimal.Decimal
	ReconcileIntervalSec      int
	AutoRecoveryConsecutiveOK int
	Symbols                   []string

	// Storage
	DatabasePath string

	// Venue credentials (env-bound secrets; absence in live mode is fatal)
	VenueBaseURL   string
	VenueAPIKey    string
	VenueAPISecret string

	// Leader source connectivity
	LeaderWSURL   string
	LeaderRESTURL string

	// Telegram operator notifications
	TelegramToken  string
	TelegramChatID int64

	// Orchestrator
	IdleBackoff          time.Duration
	HeartbeatIntervalSec int
}

// Load reads the environment into a Config, applying the same defaults /
// getEnv* idiom the teacher uses in internal/config.Load.
func Load() (*Config, error) {
	cfg := &Config{
		Mode:  Mode(getEnv("BOT_MODE", string(ModeDryRun))),
		Debug: getEnvBool("DEBUG", false),

		LeaderWalletAddress:  os.Getenv("LEADER_WALLET_ADDRESS"),
		SymbolMap:            parseSymbolMap(getEnv("SYMBOL_MAP", "BTC:BTCUSDT,ETH:ETHUSDT,SOL:SOLUSDT")),
		BackfillWindowMs:     getEnvInt64("BACKFILL_WINDOW_MS", 10*60*1000),
		OverlapMs:            getEnvInt64("INGEST_OVERLAP_MS", 2000),
		StreamBackoffInitial: getEnvDuration("STREAM_BACKOFF_INITIAL", 1*time.Second),
		StreamBackoffCap:     getEnvDuration("STREAM_BACKOFF_CAP", 60*time.Second),
		DedupTTLMs:           getEnvInt64("DEDUP_TTL_MS", 7*24*60*60*1000),
		MaintenanceSkipGap:   getEnvBool("MAINTENANCE_SKIP_GAP", false),

		MaxStaleMs:           getEnvInt64("DECISION_MAX_STALE_MS", 30*1000),
		MaxFutureMs:          getEnvInt64("DECISION_MAX_FUTURE_MS", 5*1000),
		ReplayPolicy:         ReplayPolicy(getEnv("REPLAY_POLICY", string(ReplayCloseOnly))),
		SlippageCapPct:       getEnvDecimal("SLIPPAGE_CAP_PCT", decimal.NewFromFloat(0.005)),
		PriceFallbackEnabled: getEnvBool("PRICE_FALLBACK_ENABLED", true),
		PriceFailurePolicy:   PriceFailurePolicy(getEnv("PRICE_FAILURE_POLICY", string(PriceFailureReject))),
		SizingMode:           SizingMode(getEnv("SIZING_MODE", string(SizingProportional))),
		FixedNotional:        getEnvDecimal("SIZING_FIXED_NOTIONAL", decimal.NewFromFloat(100)),
		ProportionalRatio:    getEnvDecimal("SIZING_PROPORTIONAL_RATIO", decimal.NewFromFloat(0.001)),
		KellyFraction:        getEnvDecimal("SIZING_KELLY_FRACTION", decimal.NewFromFloat(0.25)),
		StrategyVersion:      getEnv("STRATEGY_VERSION", "v1"),

		TIFSeconds:                 getEnvInt("EXEC_TIF_SECONDS", 30),
		OrderPollIntervalSec:       getEnvInt("EXEC_ORDER_POLL_INTERVAL_SEC", 2),
		MarketFallbackEnabled:      getEnvBool("EXEC_MARKET_FALLBACK_ENABLED", true),
		MarketFallbackThresholdPct: getEnvDecimal("EXEC_MARKET_FALLBACK_THRESHOLD_PCT", decimal.NewFromFloat(0.5)),
		MarketSlippageCapPct:       getEnvDecimal("EXEC_MARKET_SLIPPAGE_CAP_PCT", decimal.NewFromFloat(0.005)),
		UnknownPollIntervalSec:     getEnvInt("EXEC_UNKNOWN_POLL_INTERVAL_SEC", 5),
		RetryBudgetMaxAttempts:     getEnvInt("EXEC_RETRY_BUDGET_MAX_ATTEMPTS", 3),
		RetryBudgetWindowSec:       getEnvInt("EXEC_RETRY_BUDGET_WINDOW_SEC", 60),
		RetryBudgetMode:            RetryBudgetMode(getEnv("EXEC_RETRY_BUDGET_MODE", string(RetryBudgetArmedSafe))),

		SnapshotMaxStaleMs:        getEnvInt64("SAFETY_SNAPSHOT_MAX_STALE_MS", 15*1000),
		WarnDriftThreshold:        getEnvDecimal("SAFETY_WARN_DRIFT", decimal.NewFromFloat(0.01)),
		CriticalDriftThreshold:    getEnvDecimal("SAFETY_CRITICAL_DRIFT", decimal.NewFromFloat(0.05)),
		ReconcileIntervalSec:      getEnvInt("SAFETY_RECONCILE_INTERVAL_SEC", 10),
		AutoRecoveryConsecutiveOK: getEnvInt("SAFETY_AUTO_RECOVERY_CONSECUTIVE_OK", 3),
		Symbols:                   parseSymbolList(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")),

		DatabasePath: getEnv("DATABASE_PATH", "data/copytrader.db"),

		VenueBaseURL:   getEnv("VENUE_BASE_URL", "https://fapi.example-venue.com"),
		VenueAPIKey:    os.Getenv("VENUE_API_KEY"),
		VenueAPISecret: os.Getenv("VENUE_API_SECRET"),

		LeaderWSURL:   getEnv("LEADER_WS_URL", "wss://api.hyperliquid.xyz/ws"),
		LeaderRESTURL: getEnv("LEADER_REST_URL", "https://api.hyperliquid.xyz"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		IdleBackoff:          getEnvDuration("ORCHESTRATOR_IDLE_BACKOFF", 500*time.Millisecond),
		HeartbeatIntervalSec: getEnvInt("ORCHESTRATOR_HEARTBEAT_INTERVAL_SEC", 15),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Mode == ModeLive {
		if c.LeaderWalletAddress == "" {
			return fmt.Errorf("LEADER_WALLET_ADDRESS is required in live mode")
		}
		if c.VenueAPIKey == "" || c.VenueAPISecret == "" {
			return fmt.Errorf("VENUE_API_KEY/VENUE_API_SECRET are required in live mode")
		}
	}
	switch c.Mode {
	case ModeLive, ModeDryRun, ModeBackfillOnly:
	default:
		return fmt.Errorf("invalid BOT_MODE %q", c.Mode)
	}
	return nil
}

// Hash returns a deterministic fingerprint of the configuration, compared
// against the persisted config_hash system_state key at startup.
func (c *Config) Hash() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mode=%s;debug=%v;leader=%s;", c.Mode, c.Debug, c.LeaderWalletAddress)
	keys := make([]string, 0, len(c.SymbolMap))
	for k := range c.SymbolMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "sym:%s=%s;", k, c.SymbolMap[k])
	}
	fmt.Fprintf(&sb, "backfill=%d;overlap=%d;replay=%s;sizing=%s;slippage=%s;",
		c.BackfillWindowMs, c.OverlapMs, c.ReplayPolicy, c.SizingMode, c.SlippageCapPct.String())
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func parseSymbolMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func parseSymbolList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
