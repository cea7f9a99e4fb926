package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"leverbot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	Symbols    []string // Symbols traded and streamed
	Leverage   int
	QuoteAsset string // Account asset backing positions (e.g., "USDT")

	// Risk Admission
	MinRiskFraction     float64           // Kelly clamp floor
	MaxRiskFraction     float64           // Kelly clamp ceiling
	RoundTripFeeRate    float64           // Entry+exit fee as a price fraction
	BaseStopDistance    float64           // Default stop distance as a price fraction
	VolStopMultiple     float64           // Stop widening multiple on realized vol
	HeatCeilingFraction float64           // Aggregate at-risk capital cap as a fraction of balance
	CorrelationGroups   map[string]string // symbol -> group
	MaxTradesPerDay     int               // 0 disables the daily cap
	MinNotional         float64
	MaxPositionNotional float64

	// Sizing Adjustments
	TakeProfitStopMultiple float64 // Target distance as a multiple of the stop
	SmallBalanceTier       float64 // Account sizes below this use SmallMinProfit
	LargeBalanceTier       float64 // Account sizes above this use LargeMinProfit
	SmallMinProfit         float64
	MidMinProfit           float64
	LargeMinProfit         float64
	StreakLength           int
	WinStreakFactor        float64
	LossStreakFactor       float64
	HighVolFactor          float64
	VolThreshold           float64
	DrawdownFactor         float64
	DrawdownThreshold      float64

	// Signal Scorer
	ScorerShortWindow  int
	ScorerLongWindow   int
	ScorerRSIWindow    int
	ScorerOverbought   float64
	ScorerOversold     float64
	EntryConfidence    float64       // Minimum scorer confidence to submit a candidate
	EvalInterval       time.Duration // Cadence of the candidate evaluation loop

	// Position Management
	LockThreshold    float64       // Progress ratio that freezes the take-profit level
	BreakevenTrigger float64       // Leveraged return that moves the stop to entry
	BreakevenBuffer  float64       // Price fraction past entry for the breakeven stop
	TrailDistance    float64       // Chandelier trail fraction (0 disables)
	MaxHoldDuration  time.Duration // 0 disables time exits

	// Transport
	MaxRetries       int           // Retry budget for rate-limit failures
	NetworkRetries   int           // Smaller budget for network/timeout failures
	RetryBaseDelay   time.Duration // First backoff delay
	RetryMaxDelay    time.Duration // Backoff ceiling
	CallTimeout      time.Duration // Hard per-attempt timeout
	FailureThreshold int           // Consecutive failures before the circuit opens
	BreakerCooldown  time.Duration // Initial open window
	BreakerMaxCool   time.Duration // Cap on the extended cooldown

	// Market Data
	StalenessThreshold time.Duration // Quotes older than this suppress decisions
	ReconnectMinDelay  time.Duration
	ReconnectMaxDelay  time.Duration
	StreamReadTimeout  time.Duration // Feed considered dead after this much silence

	// Lifecycle
	ShutdownTimeout time.Duration

	// Database
	DBPath string

	// Observability
	MetricsAddr string // Listen address for the /metrics endpoint, "" disables

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading Parameters
	cfg.Symbols = splitList(getEnv("SYMBOLS", "ETHUSDT"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDT")

	cfg.Leverage, err = getEnvAsIntRequired("LEVERAGE", 4)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEVERAGE: %v", err))
	} else if cfg.Leverage <= 0 {
		errs = append(errs, "LEVERAGE must be positive")
	}

	// Risk Admission
	cfg.MinRiskFraction, err = getEnvAsFloatRequired("MIN_RISK_FRACTION", 0.005)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_RISK_FRACTION: %v", err))
	}
	cfg.MaxRiskFraction, err = getEnvAsFloatRequired("MAX_RISK_FRACTION", 0.04)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_RISK_FRACTION: %v", err))
	}
	if cfg.MinRiskFraction <= 0 || cfg.MaxRiskFraction <= cfg.MinRiskFraction {
		errs = append(errs, "risk fractions must satisfy 0 < MIN_RISK_FRACTION < MAX_RISK_FRACTION")
	}

	cfg.RoundTripFeeRate, err = getEnvAsFloatRequired("ROUND_TRIP_FEE_RATE", 0.0012)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ROUND_TRIP_FEE_RATE: %v", err))
	} else if cfg.RoundTripFeeRate <= 0 {
		errs = append(errs, "ROUND_TRIP_FEE_RATE must be positive")
	}

	cfg.BaseStopDistance, err = getEnvAsFloatRequired("BASE_STOP_DISTANCE", 0.005)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BASE_STOP_DISTANCE: %v", err))
	} else if cfg.BaseStopDistance <= 0 || cfg.BaseStopDistance >= 1.0 {
		errs = append(errs, "BASE_STOP_DISTANCE must be between 0.0 and 1.0 (exclusive)")
	}
	cfg.VolStopMultiple = getEnvAsFloat("VOL_STOP_MULTIPLE", 2.0)

	cfg.HeatCeilingFraction, err = getEnvAsFloatRequired("HEAT_CEILING_FRACTION", 0.10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid HEAT_CEILING_FRACTION: %v", err))
	} else if cfg.HeatCeilingFraction <= 0 {
		errs = append(errs, "HEAT_CEILING_FRACTION must be positive")
	}

	cfg.CorrelationGroups, err = parseCorrelationGroups(getEnv("CORRELATION_GROUPS", ""))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CORRELATION_GROUPS: %v", err))
	}

	cfg.MaxTradesPerDay = getEnvAsInt("MAX_TRADES_PER_DAY", 5)
	if cfg.MaxTradesPerDay < 0 {
		errs = append(errs, "MAX_TRADES_PER_DAY cannot be negative")
	}
	cfg.MinNotional = getEnvAsFloat("MIN_NOTIONAL", 20.0)
	cfg.MaxPositionNotional = getEnvAsFloat("MAX_POSITION_NOTIONAL", 0)

	// Sizing Adjustments
	cfg.TakeProfitStopMultiple = getEnvAsFloat("TAKE_PROFIT_STOP_MULTIPLE", 3.0)
	cfg.SmallBalanceTier = getEnvAsFloat("SMALL_BALANCE_TIER", 100.0)
	cfg.LargeBalanceTier = getEnvAsFloat("LARGE_BALANCE_TIER", 1000.0)
	cfg.SmallMinProfit = getEnvAsFloat("SMALL_MIN_PROFIT", 0.009)
	cfg.MidMinProfit = getEnvAsFloat("MID_MIN_PROFIT", 0.0075)
	cfg.LargeMinProfit = getEnvAsFloat("LARGE_MIN_PROFIT", 0.006)
	for _, tier := range []float64{cfg.SmallMinProfit, cfg.MidMinProfit, cfg.LargeMinProfit} {
		if tier <= cfg.RoundTripFeeRate {
			errs = append(errs, "every min-profit tier must exceed ROUND_TRIP_FEE_RATE")
			break
		}
	}
	cfg.StreakLength = getEnvAsInt("STREAK_LENGTH", 3)
	cfg.WinStreakFactor = getEnvAsFloat("WIN_STREAK_FACTOR", 1.2)
	cfg.LossStreakFactor = getEnvAsFloat("LOSS_STREAK_FACTOR", 0.5)
	cfg.HighVolFactor = getEnvAsFloat("HIGH_VOL_FACTOR", 0.75)
	cfg.VolThreshold = getEnvAsFloat("VOL_THRESHOLD", 0.02)
	cfg.DrawdownFactor = getEnvAsFloat("DRAWDOWN_FACTOR", 0.75)
	cfg.DrawdownThreshold = getEnvAsFloat("DRAWDOWN_THRESHOLD", 0.10)

	// Signal Scorer
	cfg.ScorerShortWindow = getEnvAsInt("SCORER_SHORT_WINDOW", 20)
	cfg.ScorerLongWindow = getEnvAsInt("SCORER_LONG_WINDOW", 60)
	cfg.ScorerRSIWindow = getEnvAsInt("SCORER_RSI_WINDOW", 14)
	cfg.ScorerOverbought = getEnvAsFloat("SCORER_RSI_OVERBOUGHT", 70.0)
	cfg.ScorerOversold = getEnvAsFloat("SCORER_RSI_OVERSOLD", 30.0)
	if cfg.ScorerShortWindow <= 0 || cfg.ScorerLongWindow <= 0 || cfg.ScorerRSIWindow <= 0 {
		errs = append(errs, "scorer windows must be positive")
	}
	if cfg.ScorerShortWindow >= cfg.ScorerLongWindow {
		errs = append(errs, "SCORER_SHORT_WINDOW must be less than SCORER_LONG_WINDOW")
	}
	cfg.EntryConfidence = getEnvAsFloat("ENTRY_CONFIDENCE", 0.3)
	if cfg.EntryConfidence < 0 || cfg.EntryConfidence > 1 {
		errs = append(errs, "ENTRY_CONFIDENCE must be in [0.0, 1.0]")
	}
	cfg.EvalInterval = getEnvAsDuration("EVAL_INTERVAL_SECONDS", 15, time.Second)

	// Position Management
	cfg.LockThreshold, err = getEnvAsFloatRequired("LOCK_THRESHOLD", 0.75)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOCK_THRESHOLD: %v", err))
	} else if cfg.LockThreshold <= 0 || cfg.LockThreshold > 1.0 {
		errs = append(errs, "LOCK_THRESHOLD must be in (0.0, 1.0]")
	}

	cfg.BreakevenTrigger, err = getEnvAsFloatRequired("BREAKEVEN_TRIGGER", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BREAKEVEN_TRIGGER: %v", err))
	} else if cfg.BreakevenTrigger <= 0 {
		errs = append(errs, "BREAKEVEN_TRIGGER must be positive")
	}
	cfg.BreakevenBuffer = getEnvAsFloat("BREAKEVEN_BUFFER", 0.001)
	cfg.TrailDistance = getEnvAsFloat("TRAIL_DISTANCE", 0.004)
	cfg.MaxHoldDuration = getEnvAsDuration("MAX_HOLD_MINUTES", 0, time.Minute)

	// Transport
	cfg.MaxRetries = getEnvAsInt("MAX_RETRIES", 5)
	cfg.NetworkRetries = getEnvAsInt("NETWORK_RETRIES", 2)
	if cfg.MaxRetries < 0 || cfg.NetworkRetries < 0 {
		errs = append(errs, "retry budgets cannot be negative")
	}
	cfg.RetryBaseDelay = getEnvAsDuration("RETRY_BASE_DELAY_MS", 250, time.Millisecond)
	cfg.RetryMaxDelay = getEnvAsDuration("RETRY_MAX_DELAY_MS", 10000, time.Millisecond)
	cfg.CallTimeout = getEnvAsDuration("CALL_TIMEOUT_SECONDS", 30, time.Second)

	cfg.FailureThreshold = getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5)
	if cfg.FailureThreshold <= 0 {
		errs = append(errs, "BREAKER_FAILURE_THRESHOLD must be positive")
	}
	cfg.BreakerCooldown = getEnvAsDuration("BREAKER_COOLDOWN_SECONDS", 30, time.Second)
	cfg.BreakerMaxCool = getEnvAsDuration("BREAKER_MAX_COOLDOWN_SECONDS", 240, time.Second)

	// Market Data
	cfg.StalenessThreshold = getEnvAsDuration("STALENESS_THRESHOLD_SECONDS", 10, time.Second)
	cfg.ReconnectMinDelay = getEnvAsDuration("RECONNECT_MIN_DELAY_SECONDS", 1, time.Second)
	cfg.ReconnectMaxDelay = getEnvAsDuration("RECONNECT_MAX_DELAY_SECONDS", 60, time.Second)
	cfg.StreamReadTimeout = getEnvAsDuration("STREAM_READ_TIMEOUT_SECONDS", 60, time.Second)
	if cfg.ReconnectMinDelay > cfg.ReconnectMaxDelay {
		errs = append(errs, "RECONNECT_MIN_DELAY_SECONDS must not exceed RECONNECT_MAX_DELAY_SECONDS")
	}

	// Lifecycle
	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT_SECONDS", 30, time.Second)

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/trading_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Observability
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// parseCorrelationGroups parses "GROUP:SYM1|SYM2;GROUP2:SYM3" into a
// symbol -> group map. Symbols never listed form singleton groups downstream.
func parseCorrelationGroups(raw string) (map[string]string, error) {
	groups := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return groups, nil
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("malformed group entry %q (want GROUP:SYM1|SYM2)", entry)
		}
		group := strings.TrimSpace(parts[0])
		for _, sym := range strings.Split(parts[1], "|") {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" {
				continue
			}
			if existing, ok := groups[sym]; ok && existing != group {
				return nil, fmt.Errorf("symbol %s assigned to both %s and %s", sym, existing, group)
			}
			groups[sym] = group
		}
	}
	return groups, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue int, unit time.Duration) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * unit
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
