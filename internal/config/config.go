package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campusx/exchange/internal/market"
	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/retry"
)

// Config holds all runtime configuration for the exchange.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL  string
	RedisURL     string
	RedisTTL     time.Duration
	KafkaBrokers []string
	KafkaTopic   string

	FeedQueueSize      int
	FeedPublishTimeout time.Duration

	MatchInterval   time.Duration
	Retry           retry.Policy
	MarketBuyBuffer decimal.Decimal

	// Initial market state, applied only when none is stored yet.
	MarketOpen        bool
	IPOPrice          decimal.Decimal
	IPOShares         int64
	CircuitBreaker    model.CircuitBreaker
	TradingWindow     *market.Window
	TradingWindowSpec string
	TradingTimeZone   string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	redisTTL, err := getDuration("REDIS_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_TTL: %w", err)
	}

	feedQueueSize, err := getInt("FEED_QUEUE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_QUEUE_SIZE: %w", err)
	}
	if feedQueueSize < 1 {
		return nil, fmt.Errorf("invalid FEED_QUEUE_SIZE: must be at least 1, got %d", feedQueueSize)
	}
	feedTimeout, err := getDuration("FEED_PUBLISH_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_PUBLISH_TIMEOUT: %w", err)
	}
	if feedTimeout <= 0 {
		return nil, fmt.Errorf("invalid FEED_PUBLISH_TIMEOUT: must be positive, got %s", feedTimeout)
	}

	matchInterval, err := getDuration("MATCH_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid MATCH_INTERVAL: %w", err)
	}
	if matchInterval <= 0 {
		return nil, fmt.Errorf("invalid MATCH_INTERVAL: must be positive, got %s", matchInterval)
	}

	maxAttempts, err := getInt("RETRY_MAX_ATTEMPTS", retry.DefaultPolicy.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %w", err)
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: must be at least 1, got %d", maxAttempts)
	}
	baseDelay, err := getDuration("RETRY_BASE_DELAY", retry.DefaultPolicy.BaseDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_BASE_DELAY: %w", err)
	}
	maxDelay, err := getDuration("RETRY_MAX_DELAY", retry.DefaultPolicy.MaxDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_MAX_DELAY: %w", err)
	}

	buffer, err := getDecimal("MARKET_BUY_BUFFER", decimal.RequireFromString("0.2"))
	if err != nil {
		return nil, fmt.Errorf("invalid MARKET_BUY_BUFFER: %w", err)
	}
	if buffer.IsNegative() {
		return nil, fmt.Errorf("invalid MARKET_BUY_BUFFER: must not be negative, got %s", buffer)
	}

	marketOpen, err := getBool("MARKET_OPEN", true)
	if err != nil {
		return nil, fmt.Errorf("invalid MARKET_OPEN: %w", err)
	}

	ipoPrice, err := getDecimal("IPO_PRICE", decimal.NewFromInt(100))
	if err != nil {
		return nil, fmt.Errorf("invalid IPO_PRICE: %w", err)
	}
	if !ipoPrice.IsPositive() {
		return nil, fmt.Errorf("invalid IPO_PRICE: must be positive, got %s", ipoPrice)
	}
	ipoShares, err := getInt("IPO_SHARES", 10000)
	if err != nil {
		return nil, fmt.Errorf("invalid IPO_SHARES: %w", err)
	}
	if ipoShares < 0 {
		return nil, fmt.Errorf("invalid IPO_SHARES: must not be negative, got %d", ipoShares)
	}

	breaker := model.CircuitBreaker{Mode: model.BreakerMode(getStr("CIRCUIT_BREAKER_MODE", ""))}
	switch breaker.Mode {
	case "":
	case model.BreakerPercent, model.BreakerFixed:
		breaker.Enabled = true
		if breaker.Band, err = getDecimal("CIRCUIT_BREAKER_BAND", decimal.Zero); err != nil {
			return nil, fmt.Errorf("invalid CIRCUIT_BREAKER_BAND: %w", err)
		}
		if !breaker.Band.IsPositive() {
			return nil, fmt.Errorf("invalid CIRCUIT_BREAKER_BAND: must be positive when CIRCUIT_BREAKER_MODE is set")
		}
	default:
		return nil, fmt.Errorf("invalid CIRCUIT_BREAKER_MODE: %q, must be one of: percent, fixed", breaker.Mode)
	}

	windowSpec := getStr("TRADING_WINDOW", "")
	tz := getStr("TRADING_TZ", "UTC")
	window, err := market.ParseWindow(windowSpec, tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TRADING_WINDOW: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}
	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}
	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}
	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DatabaseURL:        getStr("DATABASE_URL", ""),
		RedisURL:           getStr("REDIS_URL", ""),
		RedisTTL:           redisTTL,
		KafkaBrokers:       getList("KAFKA_BROKERS"),
		KafkaTopic:         getStr("KAFKA_TOPIC", "exchange.trades"),
		FeedQueueSize:      feedQueueSize,
		FeedPublishTimeout: feedTimeout,
		MatchInterval:      matchInterval,
		Retry:              retry.Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: maxDelay},
		MarketBuyBuffer:    buffer,
		MarketOpen:         marketOpen,
		IPOPrice:           ipoPrice,
		IPOShares:          int64(ipoShares),
		CircuitBreaker:     breaker,
		TradingWindow:      window,
		TradingWindowSpec:  windowSpec,
		TradingTimeZone:    tz,
		ReadTimeout:        readTimeout,
		WriteTimeout:       writeTimeout,
		IdleTimeout:        idleTimeout,
		ShutdownTimeout:    shutdownTimeout,
	}, nil
}

// InitialMarketState is the market state stored on first start.
func (c *Config) InitialMarketState() model.MarketState {
	return model.MarketState{
		IsOpen:             c.MarketOpen,
		IPOPrice:           c.IPOPrice,
		IPOSharesRemaining: c.IPOShares,
		Breaker:            c.CircuitBreaker,
	}
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

// getList splits a comma-separated variable, dropping empty entries.
func getList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
