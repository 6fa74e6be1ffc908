package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr        string
	CORSOrigins []string
}

type Log struct {
	File    string // empty logs to stdout only
	Level   string
	Verbose bool
}

type Storage struct {
	DataDir     string // pebble directory
	JournalFile string // ledger-cli text journal; empty disables it
	// FlushTimeout bounds the final journal drain at shutdown.
	FlushTimeout time.Duration
}

type Market struct {
	ProductsFile  string // YAML catalog; empty uses the built-in list
	USDMNT        float64
	QuoteMaxAge   time.Duration
	TradeTapeSize int
}

type Index struct {
	Alpha              float64
	HistorySize        int
	FundingPeriod      time.Duration
	SettlementInterval time.Duration
	FundingCap         float64
	FundingBaseRate    float64
	SampleInterval     time.Duration
}

type Hedge struct {
	Threshold float64 // fraction of a product's max order size
	Timeout   time.Duration
}

type Ledger struct {
	MaintenanceFraction float64
}

type Circuit struct {
	LimitPct     float64
	HaltPct      float64
	Window       time.Duration
	HaltDuration time.Duration
}

type Feed struct {
	Interval     time.Duration // venue polling cadence
	EnableTxGen  bool          // synthetic CLOB order flow
	TxGenTraders int
}

type Config struct {
	API     API
	Log     Log
	Storage Storage
	Market  Market
	Index   Index
	Hedge   Hedge
	Ledger  Ledger
	Circuit Circuit
	Feed    Feed
}

func Default() Config {
	return Config{
		API: API{Addr: ":8080"},
		Storage: Storage{
			DataDir:      "data",
			FlushTimeout: 10 * time.Second,
		},
		Market: Market{
			USDMNT:        3450,
			QuoteMaxAge:   30 * time.Second,
			TradeTapeSize: 1000,
		},
		Index: Index{
			Alpha:              0.1,
			HistorySize:        1000,
			FundingPeriod:      time.Minute,
			SettlementInterval: 8 * time.Hour,
			FundingCap:         0.01,
			FundingBaseRate:    0.0001 / 8,
			SampleInterval:     time.Second,
		},
		Hedge: Hedge{
			Threshold: 0.05,
			Timeout:   5 * time.Second,
		},
		Ledger:  Ledger{MaintenanceFraction: 0.5},
		Circuit: Circuit{LimitPct: 0.05, HaltPct: 0.10, Window: 5 * time.Minute, HaltDuration: 5 * time.Minute},
		Feed: Feed{
			Interval:     time.Second,
			TxGenTraders: 50,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.CORSOrigins = getEnvList("CORS_ORIGINS", cfg.API.CORSOrigins)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Verbose = getEnvBool("VERBOSE", cfg.Log.Verbose)

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.JournalFile = getEnv("JOURNAL_FILE", cfg.Storage.JournalFile)
	cfg.Storage.FlushTimeout = getEnvDuration("JOURNAL_FLUSH_TIMEOUT_S", time.Second, cfg.Storage.FlushTimeout)

	cfg.Market.ProductsFile = getEnv("PRODUCTS_FILE", cfg.Market.ProductsFile)
	cfg.Market.USDMNT = getEnvFloat("USD_MNT_RATE", cfg.Market.USDMNT)
	cfg.Market.QuoteMaxAge = getEnvDuration("QUOTE_MAX_AGE_MS", time.Millisecond, cfg.Market.QuoteMaxAge)
	cfg.Market.TradeTapeSize = getEnvInt("TRADE_TAPE_SIZE", cfg.Market.TradeTapeSize)

	cfg.Index.Alpha = getEnvFloat("INDEX_ALPHA", cfg.Index.Alpha)
	cfg.Index.HistorySize = getEnvInt("INDEX_HISTORY", cfg.Index.HistorySize)
	cfg.Index.FundingPeriod = getEnvDuration("FUNDING_PERIOD_S", time.Second, cfg.Index.FundingPeriod)
	cfg.Index.SettlementInterval = getEnvDuration("SETTLEMENT_INTERVAL_H", time.Hour, cfg.Index.SettlementInterval)
	cfg.Index.FundingCap = getEnvFloat("FUNDING_CAP", cfg.Index.FundingCap)
	cfg.Index.FundingBaseRate = getEnvFloat("FUNDING_BASE_RATE", cfg.Index.FundingBaseRate)
	cfg.Index.SampleInterval = getEnvDuration("SAMPLE_INTERVAL_MS", time.Millisecond, cfg.Index.SampleInterval)

	cfg.Hedge.Threshold = getEnvFloat("HEDGE_THRESHOLD", cfg.Hedge.Threshold)
	cfg.Hedge.Timeout = getEnvDuration("HEDGE_TIMEOUT_MS", time.Millisecond, cfg.Hedge.Timeout)

	cfg.Ledger.MaintenanceFraction = getEnvFloat("MAINTENANCE_FRACTION", cfg.Ledger.MaintenanceFraction)

	cfg.Circuit.LimitPct = getEnvFloat("CIRCUIT_LIMIT_PCT", cfg.Circuit.LimitPct)
	cfg.Circuit.HaltPct = getEnvFloat("CIRCUIT_HALT_PCT", cfg.Circuit.HaltPct)
	cfg.Circuit.Window = getEnvDuration("CIRCUIT_WINDOW_S", time.Second, cfg.Circuit.Window)
	cfg.Circuit.HaltDuration = getEnvDuration("CIRCUIT_HALT_S", time.Second, cfg.Circuit.HaltDuration)

	cfg.Feed.Interval = getEnvDuration("FEED_INTERVAL_MS", time.Millisecond, cfg.Feed.Interval)
	cfg.Feed.EnableTxGen = getEnvBool("ENABLE_TXGEN", cfg.Feed.EnableTxGen)

	return cfg
}

// Validate rejects settings the exchange cannot run with.
func (c Config) Validate() error {
	switch {
	case c.API.Addr == "":
		return fmt.Errorf("API_ADDR is required")
	case c.Storage.DataDir == "":
		return fmt.Errorf("DATA_DIR is required")
	case c.Storage.FlushTimeout <= 0:
		return fmt.Errorf("JOURNAL_FLUSH_TIMEOUT_S must be positive")
	case c.Market.USDMNT <= 0:
		return fmt.Errorf("USD_MNT_RATE must be positive, got %v", c.Market.USDMNT)
	case c.Market.TradeTapeSize <= 0:
		return fmt.Errorf("TRADE_TAPE_SIZE must be positive, got %d", c.Market.TradeTapeSize)
	case c.Index.Alpha <= 0 || c.Index.Alpha > 1:
		return fmt.Errorf("INDEX_ALPHA must be in (0, 1], got %v", c.Index.Alpha)
	case c.Index.HistorySize < 2:
		return fmt.Errorf("INDEX_HISTORY must be at least 2, got %d", c.Index.HistorySize)
	case c.Index.FundingPeriod <= 0 || c.Index.SettlementInterval <= 0 || c.Index.SampleInterval <= 0:
		return fmt.Errorf("funding period, settlement interval and sample interval must be positive")
	case c.Index.FundingCap <= 0:
		return fmt.Errorf("FUNDING_CAP must be positive, got %v", c.Index.FundingCap)
	case c.Hedge.Threshold < 0:
		return fmt.Errorf("HEDGE_THRESHOLD cannot be negative, got %v", c.Hedge.Threshold)
	case c.Hedge.Timeout <= 0:
		return fmt.Errorf("HEDGE_TIMEOUT_MS must be positive")
	case c.Ledger.MaintenanceFraction <= 0 || c.Ledger.MaintenanceFraction >= 1:
		return fmt.Errorf("MAINTENANCE_FRACTION must be in (0, 1), got %v", c.Ledger.MaintenanceFraction)
	case c.Circuit.LimitPct <= 0 || c.Circuit.HaltPct < c.Circuit.LimitPct:
		return fmt.Errorf("circuit limits need 0 < CIRCUIT_LIMIT_PCT <= CIRCUIT_HALT_PCT")
	case c.Feed.Interval <= 0:
		return fmt.Errorf("FEED_INTERVAL_MS must be positive")
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, unit time.Duration, defaultValue time.Duration) time.Duration {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return time.Duration(v) * unit
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
