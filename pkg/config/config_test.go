package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ha1tch/bizzgraph/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "sqlite", cfg.StorageType)
	assert.Equal(t, 10000, cfg.FetchPageSize)
	assert.Equal(t, 100*time.Millisecond, cfg.PageDelay())
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, 3, cfg.FetchMaxRetries)
	assert.Equal(t, 100, cfg.CallLogSize)
	assert.Equal(t, 5000, cfg.LoadBatchSize)
	assert.False(t, cfg.HasUpstream())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("STORAGE_TYPE", "neo4j")
	t.Setenv("BIZZDESIGN_API_URL", "https://example.test")
	t.Setenv("BIZZDESIGN_CLIENT_ID", "id")
	t.Setenv("BIZZDESIGN_CLIENT_SECRET", "secret")
	t.Setenv("BIZZDESIGN_REPOSITORY_ID", "42")
	t.Setenv("LOAD_BATCH_SIZE", "250")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("DEBUG", "yes")
	t.Setenv("CACHE_TTL", "not-a-number")

	cfg := config.Default()
	config.LoadFromEnv(cfg)

	assert.Equal(t, 8088, cfg.Port)
	assert.Equal(t, "neo4j", cfg.StorageType)
	assert.Equal(t, "42", cfg.RepositoryID)
	assert.Equal(t, 250, cfg.LoadBatchSize)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.HasUpstream())
	// invalid numbers keep the default
	assert.Equal(t, 300, cfg.CacheTTL)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bizzgraph.yaml")
	content := "port: 9999\nbizzdesign_repository_id: \"7\"\nload_batch_size: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := config.Default()
	require.NoError(t, config.LoadFile(cfg, path))

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "7", cfg.RepositoryID)
	assert.Equal(t, 10, cfg.LoadBatchSize)
	assert.Equal(t, "sqlite", cfg.StorageType)
}

func TestLoadFile_Missing(t *testing.T) {
	cfg := config.Default()
	err := config.LoadFile(cfg, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStoreConfig(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, map[string]interface{}{"db_path": "bizzgraph.db"}, cfg.StoreConfig())

	cfg.StorageType = "neo4j"
	cfg.Neo4jPassword = "secret"
	sc := cfg.StoreConfig()
	assert.Equal(t, "bolt://localhost:7687", sc["neo4j_uri"])
	assert.Equal(t, "secret", sc["neo4j_password"])
	assert.NotContains(t, sc, "db_path")
}
