package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds application configuration.
type Config struct {
	// Store selects the record store backend: "sqlite" (default) or "redis".
	Store string `json:"store,omitempty"`

	// RedisAddr is the host:port of the Redis server when Store is "redis".
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// WriteConcurrency bounds the number of store writes a single reconciliation
	// keeps in flight.
	WriteConcurrency int `json:"write_concurrency,omitempty"`

	// PollInterval and FetchTimeout are Go duration strings ("5m", "30s").
	PollInterval string `json:"poll_interval,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`

	// UserAgent is sent with every feed request.
	UserAgent string `json:"user_agent,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store:            StoreSQLite,
		RedisAddr:        "localhost:6379",
		WriteConcurrency: 8,
		PollInterval:     "5m",
		FetchTimeout:     "30s",
		UserAgent:        "tidings/1.0",
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Validate checks values that cannot be caught by JSON decoding.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q (want %q or %q)", c.Store, StoreSQLite, StoreRedis)
	}
	if c.WriteConcurrency < 1 {
		return fmt.Errorf("write_concurrency must be at least 1, got %d", c.WriteConcurrency)
	}
	if _, err := c.PollEvery(); err != nil {
		return err
	}
	if _, err := c.FetchDeadline(); err != nil {
		return err
	}
	return nil
}

// PollEvery parses PollInterval.
func (c *Config) PollEvery() (time.Duration, error) {
	return parsePositiveDuration("poll_interval", c.PollInterval)
}

// FetchDeadline parses FetchTimeout.
func (c *Config) FetchDeadline() (time.Duration, error) {
	return parsePositiveDuration("fetch_timeout", c.FetchTimeout)
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.tidings.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.tidings) and repo (.tidings) directories.
// Repo config is found by walking upward from startDir to find the nearest .tidings/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .tidings/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".tidings", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	return cfg, nil
}

func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	return &Config{
		Store:            pickString(base.Store, overlay.Store),
		RedisAddr:        pickString(base.RedisAddr, overlay.RedisAddr),
		RedisPassword:    pickString(base.RedisPassword, overlay.RedisPassword),
		RedisDB:          pickInt(base.RedisDB, overlay.RedisDB),
		DBMaxOpenConns:   pickInt(base.DBMaxOpenConns, overlay.DBMaxOpenConns),
		DBMaxIdleConns:   pickInt(base.DBMaxIdleConns, overlay.DBMaxIdleConns),
		WriteConcurrency: pickInt(base.WriteConcurrency, overlay.WriteConcurrency),
		PollInterval:     pickString(base.PollInterval, overlay.PollInterval),
		FetchTimeout:     pickString(base.FetchTimeout, overlay.FetchTimeout),
		UserAgent:        pickString(base.UserAgent, overlay.UserAgent),
		LogLevel:         pickString(base.LogLevel, overlay.LogLevel),
		LogFormat:        pickString(base.LogFormat, overlay.LogFormat),
		DisabledTools:    mergeStringSlice(base.DisabledTools, overlay.DisabledTools),
	}
}

func pickString(base, overlay string) string {
	if s := strings.TrimSpace(overlay); s != "" {
		return s
	}
	return base
}

func pickInt(base, overlay int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
