package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang-market-feed/internal/segment"

	"github.com/joho/godotenv"
)

var (
	ErrMissingToken    = errors.New("feed access token is required (FEED_ACCESS_TOKEN or FEED_TOKEN_FILE)")
	ErrMissingClientID = errors.New("feed client id is required (FEED_CLIENT_ID)")
)

// Config holds all application configuration
type Config struct {
	// Feed connection
	Feed FeedConfig `json:"feed"`

	// Server Configuration
	Server ServerConfig `json:"server"`

	// Database Configuration
	Database DatabaseConfig `json:"database"`

	// Market session used by the candle engine
	Market MarketConfig `json:"market"`

	// Application Settings
	App AppConfig `json:"app"`

	// Logging Configuration
	Logging LoggingConfig `json:"logging"`
}

// FeedConfig holds the credentials and tuning of the market feed connection
type FeedConfig struct {
	AccessToken       string        `json:"-"`
	TokenFile         string        `json:"token_file"`
	ClientID          string        `json:"client_id"`
	Version           int           `json:"version"`
	Mode              string        `json:"mode"`
	URL               string        `json:"url"`
	FlushInterval     time.Duration `json:"flush_interval"`
	BaseBackoff       time.Duration `json:"base_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff"`
	CoolOff           time.Duration `json:"cool_off"`
	Jitter            float64       `json:"jitter"`
	MessagesPerSecond float64       `json:"messages_per_second"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	Watchlist         string        `json:"watchlist"` // comma separated SEG:ID entries or symbols
	LockDir           string        `json:"lock_dir"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	TimescaleDB TimescaleDBConfig `json:"timescale_db"`
	Redis       RedisConfig       `json:"redis"`
	SQLite      SQLiteConfig      `json:"sqlite"`
}

// TimescaleDBConfig holds TimescaleDB configuration
type TimescaleDBConfig struct {
	Enabled      bool   `json:"enabled"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Database     string `json:"database"`
	Username     string `json:"username"`
	Password     string `json:"-"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	URL          string `json:"-"` // Full connection URL

	Retention time.Duration `json:"retention"` // 0 keeps everything
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled   bool          `json:"enabled"`
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Password  string        `json:"-"`
	Database  int           `json:"database"`
	URL       string        `json:"-"` // Full connection URL
	LatestTTL time.Duration `json:"latest_ttl"`
}

// SQLiteConfig holds SQLite configuration
type SQLiteConfig struct {
	Path           string `json:"path"`
	SeedFile       string `json:"seed_file"` // JSON instrument list
	ListURL        string `json:"list_url"`  // JSON instrument list endpoint
	RefreshOnStart bool   `json:"refresh_on_start"`
}

// MarketConfig holds the trading session
type MarketConfig struct {
	Timezone      string        `json:"timezone"`
	Open          time.Duration `json:"open"`  // 09:15 IST
	Close         time.Duration `json:"close"` // 15:30 IST
	LateTolerance time.Duration `json:"late_tolerance"`
	TestMode      bool          `json:"test_mode"` // build candles outside market hours
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment    string        `json:"environment"`
	Debug          bool          `json:"debug"`
	TickBuffer     int           `json:"tick_buffer"`
	StatsInterval  time.Duration `json:"stats_interval"`
	RelayQueueSize int           `json:"relay_queue_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
	Output string `json:"output"` // comma separated zap output paths
}

// envFiles are tried in order; the first one that loads wins
var envFiles = []string{
	"configs/feed.env",
	"configs/.env",
	".env",
}

// Load loads configuration from environment variables and files
func Load() (*Config, error) {
	config := LoadUnvalidated()

	if err := config.Feed.ResolveToken(); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// LoadUnvalidated reads the env files and environment without requiring
// feed credentials. Maintenance tools use it.
func LoadUnvalidated() *Config {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				break // Successfully loaded
			}
		}
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only
func FromEnv() *Config {
	return &Config{
		Feed: FeedConfig{
			AccessToken:       getEnvOrDefault("FEED_ACCESS_TOKEN", ""),
			TokenFile:         getEnvOrDefault("FEED_TOKEN_FILE", ""),
			ClientID:          getEnvOrDefault("FEED_CLIENT_ID", ""),
			Version:           getIntOrDefault("FEED_VERSION", 2),
			Mode:              getEnvOrDefault("FEED_MODE", "quote"),
			URL:               getEnvOrDefault("FEED_URL", "wss://api-feed.dhan.co"),
			FlushInterval:     getDurationOrDefault("FEED_FLUSH_INTERVAL", 250*time.Millisecond),
			BaseBackoff:       getDurationOrDefault("FEED_BACKOFF_BASE", 2*time.Second),
			MaxBackoff:        getDurationOrDefault("FEED_BACKOFF_MAX", 90*time.Second),
			CoolOff:           getDurationOrDefault("FEED_COOL_OFF", 60*time.Second),
			Jitter:            getFloatOrDefault("FEED_BACKOFF_JITTER", 0.2),
			MessagesPerSecond: getFloatOrDefault("FEED_MESSAGES_PER_SECOND", 0),
			HandshakeTimeout:  getDurationOrDefault("FEED_HANDSHAKE_TIMEOUT", 10*time.Second),
			ReadTimeout:       getDurationOrDefault("FEED_READ_TIMEOUT", 0),
			Watchlist:         getEnvOrDefault("FEED_WATCHLIST", ""),
			LockDir:           getEnvOrDefault("FEED_LOCK_DIR", os.TempDir()),
		},
		Server: ServerConfig{
			Port:         getEnvOrDefault("WS_PORT", "8080"),
			Host:         getEnvOrDefault("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationOrDefault("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationOrDefault("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationOrDefault("IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			TimescaleDB: TimescaleDBConfig{
				Enabled:      getBoolOrDefault("TIMESCALE_ENABLED", true),
				Host:         getEnvOrDefault("TIMESCALE_HOST", "localhost"),
				Port:         getIntOrDefault("TIMESCALE_PORT", 5432),
				Database:     getEnvOrDefault("TIMESCALE_DB", "market_feed"),
				Username:     getEnvOrDefault("TIMESCALE_USER", "feed_user"),
				Password:     getEnvOrDefault("TIMESCALE_PASSWORD", "feed_password"),
				SSLMode:      getEnvOrDefault("TIMESCALE_SSLMODE", "disable"),
				MaxOpenConns: getIntOrDefault("TIMESCALE_MAX_OPEN_CONNS", 25),
				MaxIdleConns: getIntOrDefault("TIMESCALE_MAX_IDLE_CONNS", 5),
				URL:          getEnvOrDefault("TIMESCALE_URL", ""),
				Retention:    getDurationOrDefault("CANDLE_RETENTION", 0),
			},
			Redis: RedisConfig{
				Enabled:   getBoolOrDefault("REDIS_ENABLED", true),
				Host:      getEnvOrDefault("REDIS_HOST", "localhost"),
				Port:      getIntOrDefault("REDIS_PORT", 6379),
				Password:  getEnvOrDefault("REDIS_PASSWORD", ""),
				Database:  getIntOrDefault("REDIS_DB", 0),
				URL:       getEnvOrDefault("REDIS_URL", ""),
				LatestTTL: getDurationOrDefault("REDIS_LATEST_TTL", 24*time.Hour),
			},
			SQLite: SQLiteConfig{
				Path:           getEnvOrDefault("INSTRUMENT_DB", "configs/instruments.db"),
				SeedFile:       getEnvOrDefault("INSTRUMENT_SEED_FILE", "configs/instruments.json"),
				ListURL:        getEnvOrDefault("INSTRUMENT_LIST_URL", ""),
				RefreshOnStart: getBoolOrDefault("INSTRUMENT_REFRESH", false),
			},
		},
		Market: MarketConfig{
			Timezone:      getEnvOrDefault("MARKET_TIMEZONE", "Asia/Kolkata"),
			Open:          getDurationOrDefault("MARKET_OPEN", 9*time.Hour+15*time.Minute),
			Close:         getDurationOrDefault("MARKET_CLOSE", 15*time.Hour+30*time.Minute),
			LateTolerance: getDurationOrDefault("LATE_TOLERANCE", 2*time.Minute),
			TestMode:      getBoolOrDefault("TEST_MODE", false),
		},
		App: AppConfig{
			Environment:    getEnvOrDefault("ENVIRONMENT", "development"),
			Debug:          getBoolOrDefault("DEBUG", false),
			TickBuffer:     getIntOrDefault("TICK_BUFFER", 10000),
			StatsInterval:  getDurationOrDefault("STATS_INTERVAL", 30*time.Second),
			RelayQueueSize: getIntOrDefault("RELAY_QUEUE_SIZE", 256),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
			Output: getEnvOrDefault("LOG_OUTPUT", "stdout"),
		},
	}
}

// ResolveToken falls back to the token file when no token is set inline
func (f *FeedConfig) ResolveToken() error {
	if f.AccessToken != "" {
		return nil
	}
	if f.TokenFile == "" {
		return ErrMissingToken
	}
	raw, err := os.ReadFile(f.TokenFile)
	if err != nil {
		return fmt.Errorf("read token file %s: %w", f.TokenFile, err)
	}
	f.AccessToken = strings.TrimSpace(string(raw))
	if f.AccessToken == "" {
		return fmt.Errorf("token file %s is empty: %w", f.TokenFile, ErrMissingToken)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Feed.AccessToken == "" {
		return ErrMissingToken
	}
	if c.Feed.ClientID == "" {
		return ErrMissingClientID
	}
	switch strings.ToLower(c.Feed.Mode) {
	case "ticker", "quote", "full":
	default:
		return fmt.Errorf("unknown feed mode %q", c.Feed.Mode)
	}
	if c.Feed.MaxBackoff < c.Feed.BaseBackoff {
		return fmt.Errorf("feed max backoff %s is below base %s", c.Feed.MaxBackoff, c.Feed.BaseBackoff)
	}
	if c.Feed.Jitter < 0 || c.Feed.Jitter > 1 {
		return fmt.Errorf("feed jitter must be within [0,1], got %f", c.Feed.Jitter)
	}
	if _, err := ParseWatchlist(c.Feed.Watchlist); err != nil {
		return err
	}

	// Validate server configuration
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.SQLite.Path == "" {
		return fmt.Errorf("SQLite path is required")
	}

	// Validate market hours
	if c.Market.Open >= c.Market.Close {
		return fmt.Errorf("market open time must be before market close time")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("invalid market timezone %q: %w", c.Market.Timezone, err)
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return strings.ToLower(c.App.Environment) == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.App.Environment) == "development"
}

// GetTimescaleConnectionString returns the TimescaleDB connection string
func (c *Config) GetTimescaleConnectionString() string {
	if c.Database.TimescaleDB.URL != "" {
		return c.Database.TimescaleDB.URL
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.TimescaleDB.Username,
		c.Database.TimescaleDB.Password,
		c.Database.TimescaleDB.Host,
		c.Database.TimescaleDB.Port,
		c.Database.TimescaleDB.Database,
		c.Database.TimescaleDB.SSLMode,
	)
}

// GetRedisConnectionString returns the Redis connection string
func (c *Config) GetRedisConnectionString() string {
	if c.Database.Redis.URL != "" {
		return c.Database.Redis.URL
	}

	if c.Database.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Database.Redis.Password,
			c.Database.Redis.Host,
			c.Database.Redis.Port,
			c.Database.Redis.Database,
		)
	}

	return fmt.Sprintf("redis://%s:%d/%d",
		c.Database.Redis.Host,
		c.Database.Redis.Port,
		c.Database.Redis.Database,
	)
}

// WatchEntry is one watchlist item: either a full instrument or a symbol to look up
type WatchEntry struct {
	Segment    string `json:"segment,omitempty"`
	SecurityID string `json:"security_id,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
}

// Resolved reports whether the entry already names an instrument
func (w WatchEntry) Resolved() bool { return w.Segment != "" && w.SecurityID != "" }

// ParseWatchlist parses "NSE_EQ:1333, 2:52175, RELIANCE" style lists
func ParseWatchlist(raw string) ([]WatchEntry, error) {
	var entries []WatchEntry
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		seg, id, found := strings.Cut(item, ":")
		if !found {
			entries = append(entries, WatchEntry{Symbol: strings.ToUpper(item)})
			continue
		}

		seg, id = strings.TrimSpace(seg), strings.TrimSpace(id)
		if seg == "" || id == "" {
			return nil, fmt.Errorf("invalid watchlist entry %q", item)
		}
		if _, err := strconv.ParseUint(id, 10, 32); err != nil {
			return nil, fmt.Errorf("invalid security id in watchlist entry %q", item)
		}
		entries = append(entries, WatchEntry{
			Segment:    segment.ToRequestString(seg),
			SecurityID: id,
		})
	}
	return entries, nil
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
