package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ha1tch/bizzgraph/pkg/bizzdesign"
	"github.com/ha1tch/bizzgraph/pkg/config"
	"github.com/ha1tch/bizzgraph/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bizzgraph-sync",
	Short: "Headless BizzDesign graph sync",
	Long: "bizzgraph-sync extracts a BizzDesign repository, loads it into the graph store " +
		"and inspects the result without starting the HTTP server.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Default()
		if cfgFile != "" {
			if err := config.LoadFile(cfg, cfgFile); err != nil {
				return err
			}
		}
		config.LoadFromEnv(cfg)

		level := zerolog.InfoLevel
		if verbose || cfg.Debug {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(os.Stderr).With().
			Timestamp().
			Logger().
			Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// repositoryArg returns the first argument or the configured default repository
func repositoryArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg.RepositoryID == "" {
		return "", fmt.Errorf("repository id is required (argument or BIZZDESIGN_REPOSITORY_ID)")
	}
	return cfg.RepositoryID, nil
}

func openStore() (storage.GraphStore, error) {
	store, err := storage.NewStore(cfg.StorageType, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StorageType, err)
	}
	return store, nil
}

func newClient() (*bizzdesign.Client, error) {
	if !cfg.HasUpstream() {
		return nil, fmt.Errorf("BIZZDESIGN_API_URL, BIZZDESIGN_CLIENT_ID and BIZZDESIGN_CLIENT_SECRET are required")
	}
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
	return bizzdesign.NewClient(opts)
}
