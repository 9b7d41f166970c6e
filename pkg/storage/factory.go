package storage

import (
	"fmt"
	"sort"
	"sync"
)

// StoreFactory is a function that creates a new GraphStore instance
type StoreFactory func(config map[string]interface{}) (GraphStore, error)

var (
	storeMu       sync.RWMutex
	storeRegistry = make(map[string]StoreFactory)
)

// RegisterStore registers a new store implementation
func RegisterStore(name string, factory StoreFactory) {
	storeMu.Lock()
	defer storeMu.Unlock()
	storeRegistry[name] = factory
}

// NewStore creates a new store instance by name
func NewStore(name string, config map[string]interface{}) (GraphStore, error) {
	storeMu.RLock()
	factory, exists := storeRegistry[name]
	storeMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}

	return factory(config)
}

// ListStores returns all registered store types
func ListStores() []string {
	storeMu.RLock()
	defer storeMu.RUnlock()

	stores := make([]string, 0, len(storeRegistry))
	for name := range storeRegistry {
		stores = append(stores, name)
	}
	sort.Strings(stores)
	return stores
}

// init registers built-in stores
func init() {
	// Register SQLiteStore
	RegisterStore("sqlite", func(config map[string]interface{}) (GraphStore, error) {
		dbPath, ok := config["db_path"].(string)
		if !ok {
			dbPath = "bizzgraph.db"
		}

		sqliteConfig := DefaultSQLiteConfig()
		sqliteConfig.DBPath = dbPath

		// Allow overriding config options
		if wal, ok := config["enable_wal"].(bool); ok {
			sqliteConfig.EnableWAL = wal
		}
		if cache, ok := config["cache_size"].(int); ok {
			sqliteConfig.CacheSize = cache
		}
		if timeout, ok := config["busy_timeout"].(int); ok {
			sqliteConfig.BusyTimeout = timeout
		}

		store, err := NewSQLiteStore(dbPath, sqliteConfig)
		if err != nil {
			return nil, err
		}
		return store, nil
	})

	// Register Neo4jStore
	RegisterStore("neo4j", func(config map[string]interface{}) (GraphStore, error) {
		neo4jConfig := Neo4jConfig{
			URI:      stringOr(config, "neo4j_uri", "bolt://localhost:7687"),
			Username: stringOr(config, "neo4j_user", "neo4j"),
			Password: stringOr(config, "neo4j_password", ""),
			Database: stringOr(config, "neo4j_database", "neo4j"),
		}
		store, err := NewNeo4jStore(neo4jConfig)
		if err != nil {
			return nil, err
		}
		return store, nil
	})
}

func stringOr(config map[string]interface{}, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
