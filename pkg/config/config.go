package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const Version = "1.2.0"

// Config holds application configuration
type Config struct {
	// Server configuration
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Storage configuration
	StorageType   string `mapstructure:"storage_type"` // "sqlite" or "neo4j"
	DBPath        string `mapstructure:"db_path"`      // SQLite database path
	Neo4jURI      string `mapstructure:"neo4j_uri"`
	Neo4jUser     string `mapstructure:"neo4j_user"`
	Neo4jPassword string `mapstructure:"neo4j_password"`
	Neo4jDatabase string `mapstructure:"neo4j_database"`

	// Cache configuration
	CacheType string `mapstructure:"cache_type"` // "memory" or "redis"
	CacheTTL  int    `mapstructure:"cache_ttl"`  // seconds
	CacheSize int    `mapstructure:"cache_size"`
	RedisHost string `mapstructure:"redis_host"`
	RedisPort int    `mapstructure:"redis_port"`

	// Upstream API configuration
	APIURL       string `mapstructure:"bizzdesign_api_url"`
	ClientID     string `mapstructure:"bizzdesign_client_id"`
	ClientSecret string `mapstructure:"bizzdesign_client_secret"`
	RepositoryID string `mapstructure:"bizzdesign_repository_id"`

	// Fetch configuration
	FetchPageSize    int `mapstructure:"fetch_page_size"`
	FetchPageDelayMs int `mapstructure:"fetch_page_delay_ms"`
	FetchTimeout     int `mapstructure:"fetch_timeout"` // seconds
	FetchMaxRetries  int `mapstructure:"fetch_max_retries"`
	CallLogSize      int `mapstructure:"call_log_size"`

	// Load configuration
	LoadBatchSize int `mapstructure:"load_batch_size"`

	// Observability
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// Debug
	Debug bool `mapstructure:"debug"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Host:             "0.0.0.0",
		Port:             3001,
		CORSOrigins:      []string{"*"},
		StorageType:      "sqlite",
		DBPath:           "bizzgraph.db",
		Neo4jURI:         "bolt://localhost:7687",
		Neo4jUser:        "neo4j",
		Neo4jPassword:    "",
		Neo4jDatabase:    "neo4j",
		CacheType:        "memory",
		CacheTTL:         300,
		CacheSize:        1024,
		RedisHost:        "localhost",
		RedisPort:        6379,
		FetchPageSize:    10000,
		FetchPageDelayMs: 100,
		FetchTimeout:     30,
		FetchMaxRetries:  3,
		CallLogSize:      100,
		LoadBatchSize:    5000,
		MetricsEnabled:   true,
		Debug:            false,
	}
}

// PageDelay returns the delay between pages of one fetch
func (c *Config) PageDelay() time.Duration {
	return time.Duration(c.FetchPageDelayMs) * time.Millisecond
}

// Timeout returns the upstream HTTP timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.FetchTimeout) * time.Second
}

// CacheDuration returns the query cache TTL
func (c *Config) CacheDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// HasUpstream reports whether upstream credentials are configured
func (c *Config) HasUpstream() bool {
	return c.APIURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// StoreConfig returns the factory settings for the configured storage backend
func (c *Config) StoreConfig() map[string]interface{} {
	if c.StorageType == "neo4j" {
		return map[string]interface{}{
			"neo4j_uri":      c.Neo4jURI,
			"neo4j_user":     c.Neo4jUser,
			"neo4j_password": c.Neo4jPassword,
			"neo4j_database": c.Neo4jDatabase,
		}
	}
	return map[string]interface{}{
		"db_path": c.DBPath,
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if val := os.Getenv("HOST"); val != "" {
		cfg.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Port = port
		}
	}
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		cfg.CORSOrigins = splitList(val)
	}
	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		cfg.StorageType = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	}
	if val := os.Getenv("NEO4J_URI"); val != "" {
		cfg.Neo4jURI = val
	}
	if val := os.Getenv("NEO4J_USER"); val != "" {
		cfg.Neo4jUser = val
	}
	if val := os.Getenv("NEO4J_PASSWORD"); val != "" {
		cfg.Neo4jPassword = val
	}
	if val := os.Getenv("NEO4J_DATABASE"); val != "" {
		cfg.Neo4jDatabase = val
	}
	if val := os.Getenv("CACHE_TYPE"); val != "" {
		cfg.CacheType = val
	}
	if val := os.Getenv("CACHE_TTL"); val != "" {
		if ttl, err := strconv.Atoi(val); err == nil {
			cfg.CacheTTL = ttl
		}
	}
	if val := os.Getenv("CACHE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.CacheSize = size
		}
	}
	if val := os.Getenv("REDIS_HOST"); val != "" {
		cfg.RedisHost = val
	}
	if val := os.Getenv("REDIS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.RedisPort = port
		}
	}
	if val := os.Getenv("BIZZDESIGN_API_URL"); val != "" {
		cfg.APIURL = val
	}
	if val := os.Getenv("BIZZDESIGN_CLIENT_ID"); val != "" {
		cfg.ClientID = val
	}
	if val := os.Getenv("BIZZDESIGN_CLIENT_SECRET"); val != "" {
		cfg.ClientSecret = val
	}
	if val := os.Getenv("BIZZDESIGN_REPOSITORY_ID"); val != "" {
		cfg.RepositoryID = val
	}
	if val := os.Getenv("FETCH_PAGE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.FetchPageSize = size
		}
	}
	if val := os.Getenv("FETCH_PAGE_DELAY_MS"); val != "" {
		if delay, err := strconv.Atoi(val); err == nil {
			cfg.FetchPageDelayMs = delay
		}
	}
	if val := os.Getenv("FETCH_TIMEOUT"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			cfg.FetchTimeout = timeout
		}
	}
	if val := os.Getenv("FETCH_MAX_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			cfg.FetchMaxRetries = retries
		}
	}
	if val := os.Getenv("CALL_LOG_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.CallLogSize = size
		}
	}
	if val := os.Getenv("LOAD_BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.LoadBatchSize = size
		}
	}
	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		cfg.MetricsEnabled = parseBool(val)
	}
	if val := os.Getenv("DEBUG"); val != "" {
		cfg.Debug = parseBool(val)
	}
}

// LoadFile overlays values from a config file (yaml, toml or json).
// Keys absent from the file keep their current value.
func LoadFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

func parseBool(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes"
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
