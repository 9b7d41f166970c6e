package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ha1tch/bizzgraph/pkg/bizzdesign"
	"github.com/ha1tch/bizzgraph/pkg/cache"
	"github.com/ha1tch/bizzgraph/pkg/config"
	"github.com/ha1tch/bizzgraph/pkg/extractor"
	"github.com/ha1tch/bizzgraph/pkg/metrics"
	"github.com/ha1tch/bizzgraph/pkg/pipeline"
	"github.com/ha1tch/bizzgraph/pkg/progress"
	"github.com/ha1tch/bizzgraph/pkg/server"
	"github.com/ha1tch/bizzgraph/pkg/storage"
	"github.com/rs/zerolog"
)

func main() {
	// Setup logger
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Logger().
		Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	// Load configuration
	cfg := config.Default()
	config.LoadFromEnv(cfg)

	if cfg.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	printBanner(cfg)

	// Initialize storage
	store, err := storage.NewStore(cfg.StorageType, cfg.StoreConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	// Log store info
	if infoProvider, ok := store.(storage.InfoProvider); ok {
		info := infoProvider.Info()
		logger.Info().
			Str("type", info.Type).
			Str("version", info.Version).
			Str("target", info.Target).
			Msg("Storage initialized")
	}

	// Initialize cache
	var cacheInstance cache.Cache
	if cfg.CacheType == "redis" {
		redisCache, err := cache.NewRedisCache(cfg.RedisHost, cfg.RedisPort, cfg.CacheDuration())
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to Redis, falling back to memory cache")
			cacheInstance = cache.NewMemoryCache(cfg.CacheSize, cfg.CacheDuration())
		} else {
			cacheInstance = redisCache
			logger.Info().Msg("Using Redis cache")
		}
	} else {
		cacheInstance = cache.NewMemoryCache(cfg.CacheSize, cfg.CacheDuration())
		logger.Info().Msg("Using in-memory cache")
	}

	collector := metrics.NewCollector("bizzgraph")
	bus := progress.NewBus(logger)

	// Initialize upstream client
	var client *bizzdesign.Client
	if cfg.HasUpstream() {
		client, err = newClient(cfg, collector, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize BizzDesign client")
		}
		logger.Info().Str("url", cfg.APIURL).Msg("BizzDesign client initialized")
	} else {
		logger.Warn().Msg("BizzDesign credentials not set, sync is disabled")
	}

	fetchers := func() (extractor.Fetcher, error) {
		if client == nil {
			return nil, fmt.Errorf("BizzDesign API is not configured")
		}
		return client, nil
	}

	pipe := pipeline.New(fetchers, store, cacheInstance, bus, logger, pipeline.Options{
		BatchSize: cfg.LoadBatchSize,
		Metrics:   collector,
	})

	deps := server.Deps{
		Store:    store,
		Cache:    cacheInstance,
		Pipeline: pipe,
		Bus:      bus,
		Metrics:  collector,
	}
	if client != nil {
		deps.Upstream = client
	}

	// Create server
	srv := server.New(cfg, deps, logger)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info().Msg("Shutting down gracefully...")

		if pipe.Running() {
			logger.Warn().Msg("A sync or import run is in progress and will be abandoned")
		}
		if err := cacheInstance.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close cache")
		}
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}

		os.Exit(0)
	}()

	if pinger, ok := store.(storage.Pinger); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pinger.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("Storage is not reachable yet")
		}
		cancel()
	}

	// Start server
	logger.Info().Msg("Server ready to accept requests")
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func newClient(cfg *config.Config, collector *metrics.Collector, logger zerolog.Logger) (*bizzdesign.Client, error) {
	opts := bizzdesign.DefaultOptions()
	opts.BaseURL = cfg.APIURL
	opts.ClientID = cfg.ClientID
	opts.ClientSecret = cfg.ClientSecret
	opts.Timeout = cfg.Timeout()
	opts.PageSize = cfg.FetchPageSize
	opts.PageDelay = cfg.PageDelay()
	opts.MaxRetries = cfg.FetchMaxRetries
	opts.CallLogSize = cfg.CallLogSize
	opts.Logger = logger
	opts.Metrics = collector
	return bizzdesign.NewClient(opts)
}

func printBanner(cfg *config.Config) {
	cyan := "\033[1;36m"
	reset := "\033[0m"

	fmt.Print(cyan)
	fmt.Println("//////////////////////////////////////////////")
	fmt.Println("//  _     _                                 //")
	fmt.Println("// | |__ (_)_________ _ _ __ __ _ _ __ | |_  //")
	fmt.Println("// | '_ \\| |_  /_  / _` | '__/ _` | '_ \\| '_ \\ //")
	fmt.Println("// | |_) | |/ / / / (_| | | | (_| | |_) | | | //")
	fmt.Println("// |_.__/|_/___/___\\__, |_|  \\__,_| .__/|_| |_//")
	fmt.Println("//                 |___/          |_|         //")
	fmt.Println("//////////////////////////////////////////////")
	fmt.Print(reset)

	fmt.Println()
	fmt.Println("///////////////////////// bizzgraph " + config.Version + " //////////////////////////")
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println("Server Configuration:")
	fmt.Printf("  Host: %s\n", cfg.Host)
	fmt.Printf("  Port: %d\n", cfg.Port)
	fmt.Printf("  Metrics: %v\n", cfg.MetricsEnabled)
	fmt.Println()
	fmt.Println("Storage Configuration:")
	fmt.Printf("  Type: %s\n", cfg.StorageType)
	if cfg.StorageType == "neo4j" {
		fmt.Printf("  URI: %s (database %s)\n", cfg.Neo4jURI, cfg.Neo4jDatabase)
	} else {
		fmt.Printf("  Path: %s\n", cfg.DBPath)
	}
	fmt.Printf("  Load batch size: %d\n", cfg.LoadBatchSize)
	fmt.Println()
	fmt.Println("Cache Configuration:")
	fmt.Printf("  Type: %s\n", cfg.CacheType)
	fmt.Printf("  TTL: %d seconds\n", cfg.CacheTTL)
	if cfg.CacheType == "redis" {
		fmt.Printf("  Redis: %s:%d\n", cfg.RedisHost, cfg.RedisPort)
	}
	fmt.Println()
	fmt.Println("Upstream Configuration:")
	if cfg.HasUpstream() {
		fmt.Printf("  API: %s\n", cfg.APIURL)
		fmt.Printf("  Default repository: %s\n", cfg.RepositoryID)
		fmt.Printf("  Page size: %d (delay %dms)\n", cfg.FetchPageSize, cfg.FetchPageDelayMs)
		fmt.Printf("  Timeout: %d seconds, retries: %d\n", cfg.FetchTimeout, cfg.FetchMaxRetries)
	} else {
		fmt.Println("  Not configured")
	}
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println()
}
