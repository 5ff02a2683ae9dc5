package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentials(t *testing.T) {
	t.Setenv("FEED_ACCESS_TOKEN", "token-123")
	t.Setenv("FEED_CLIENT_ID", "1000000001")
}

func TestLoadDefaults(t *testing.T) {
	setCredentials(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "token-123", cfg.Feed.AccessToken)
	assert.Equal(t, 2, cfg.Feed.Version)
	assert.Equal(t, "quote", cfg.Feed.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed.FlushInterval)
	assert.Equal(t, 2*time.Second, cfg.Feed.BaseBackoff)
	assert.Equal(t, 90*time.Second, cfg.Feed.MaxBackoff)
	assert.Equal(t, 60*time.Second, cfg.Feed.CoolOff)
	assert.Equal(t, 0.2, cfg.Feed.Jitter)
	assert.Equal(t, 9*time.Hour+15*time.Minute, cfg.Market.Open)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	setCredentials(t)
	t.Setenv("FEED_MODE", "full")
	t.Setenv("FEED_BACKOFF_JITTER", "0.1")
	t.Setenv("FEED_MESSAGES_PER_SECOND", "5")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("ENVIRONMENT", "Production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.Feed.Mode)
	assert.Equal(t, 0.1, cfg.Feed.Jitter)
	assert.Equal(t, 5.0, cfg.Feed.MessagesPerSecond)
	assert.Equal(t, "redis://cache:6379/2", cfg.GetRedisConnectionString())
	assert.True(t, cfg.IsProduction())
}

func TestLoadMissingCredentials(t *testing.T) {
	t.Setenv("FEED_ACCESS_TOKEN", "")
	t.Setenv("FEED_TOKEN_FILE", "")
	t.Setenv("FEED_CLIENT_ID", "1")
	_, err := Load()
	assert.True(t, errors.Is(err, ErrMissingToken))

	t.Setenv("FEED_ACCESS_TOKEN", "tok")
	t.Setenv("FEED_CLIENT_ID", "")
	_, err = Load()
	assert.True(t, errors.Is(err, ErrMissingClientID))
}

func TestResolveTokenFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  file-token\n"), 0o600))

	f := FeedConfig{TokenFile: path}
	require.NoError(t, f.ResolveToken())
	assert.Equal(t, "file-token", f.AccessToken)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	f = FeedConfig{TokenFile: empty}
	assert.ErrorIs(t, f.ResolveToken(), ErrMissingToken)

	f = FeedConfig{TokenFile: filepath.Join(t.TempDir(), "missing")}
	assert.Error(t, f.ResolveToken())
}

func TestValidateRejectsBadValues(t *testing.T) {
	setCredentials(t)

	cfg := FromEnv()
	cfg.Feed.AccessToken = "tok"
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Feed.Mode = "depth"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Feed.MaxBackoff = time.Second
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Market.Open = bad.Market.Close
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Feed.Watchlist = "NSE_EQ:abc"
	assert.Error(t, bad.Validate())
}

func TestParseWatchlist(t *testing.T) {
	entries, err := ParseWatchlist(" NSE_EQ:1333, 2:52175 ,reliance,, idx_i:13")
	require.NoError(t, err)
	assert.Equal(t, []WatchEntry{
		{Segment: "NSE_EQ", SecurityID: "1333"},
		{Segment: "NSE_FNO", SecurityID: "52175"},
		{Symbol: "RELIANCE"},
		{Segment: "IDX_I", SecurityID: "13"},
	}, entries)
	assert.True(t, entries[0].Resolved())
	assert.False(t, entries[2].Resolved())

	_, err = ParseWatchlist("NSE_EQ:")
	assert.Error(t, err)

	entries, err = ParseWatchlist("")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTimescaleConnectionString(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{TimescaleDB: TimescaleDBConfig{
		Host: "db", Port: 5432, Database: "feed", Username: "u", Password: "p", SSLMode: "disable",
	}}}
	assert.Equal(t, "postgres://u:p@db:5432/feed?sslmode=disable", cfg.GetTimescaleConnectionString())
}
