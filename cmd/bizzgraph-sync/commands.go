package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/ha1tch/bizzgraph/pkg/extractor"
	"github.com/ha1tch/bizzgraph/pkg/pipeline"
	"github.com/ha1tch/bizzgraph/pkg/progress"
	"github.com/ha1tch/bizzgraph/pkg/storage"
	"github.com/spf13/cobra"
)

var extractOnly bool

var syncCmd = &cobra.Command{
	Use:   "sync [repository-id]",
	Short: "Extract a repository and replace its graph",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoID, err := repositoryArg(args)
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bus := progress.NewBus(logger)
		unsubscribe := bus.SubscribeFunc(func(ev progress.Event) {
			if ev.Type != progress.EventProgress {
				return
			}
			if ev.Total != nil {
				fmt.Fprintf(os.Stderr, "  %-18s %d/%d\n", ev.Phase, ev.Current, *ev.Total)
			} else {
				fmt.Fprintf(os.Stderr, "  %-18s %d\n", ev.Phase, ev.Current)
			}
		})
		defer unsubscribe()

		pipe := pipeline.New(func() (extractor.Fetcher, error) { return client, nil },
			store, nil, bus, logger, pipeline.Options{BatchSize: cfg.LoadBatchSize})

		if extractOnly {
			synced, err := pipe.Sync(ctx, repoID)
			if err != nil {
				return err
			}
			fmt.Printf("Extracted %s (%s): %d objects, %d relationships in %dms\n",
				synced.RepositoryName, synced.RepositoryID, synced.ObjectsCount, synced.RelationshipsCount, synced.Duration)
			return nil
		}

		synced, imported, err := pipe.SyncAndImport(ctx, repoID)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %s (%s) run %s\n", synced.RepositoryName, synced.RepositoryID, synced.RunID)
		fmt.Printf("  Objects:       %d\n", imported.Load.Objects)
		fmt.Printf("  Relationships: %d (%d skipped)\n", imported.Load.Relations, imported.Load.SkippedRelations)
		fmt.Printf("  Data blocks:   %d\n", imported.Load.DataBlocks)
		fmt.Printf("  Tags:          %d\n", imported.Load.Tags)
		for _, phase := range imported.Load.Phases {
			fmt.Printf("  %-14s %6d items %4d batches %v\n", phase.Name, phase.Items, phase.Batches, phase.Duration)
		}
		return nil
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich [repository-id]",
	Short: "Recompute derived fields of a loaded repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoID, err := repositoryArg(args)
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RefreshDerived(cmd.Context(), repoID); err != nil {
			return fmt.Errorf("failed to refresh derived fields: %w", err)
		}
		fmt.Printf("Refreshed derived fields for repository %s\n", repoID)
		return nil
	},
}

var topN int

var statsCmd = &cobra.Command{
	Use:   "stats [repository-id]",
	Short: "Print counts and the most connected objects",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoID, err := repositoryArg(args)
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		return printStats(cmd.Context(), store, repoID)
	},
}

func printStats(ctx context.Context, store storage.GraphReader, repoID string) error {
	stats, err := store.Stats(ctx, repoID)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Printf("Repository %s\n", repoID)
	fmt.Printf("  Objects:       %d\n", stats.TotalObjects)
	fmt.Printf("  Relationships: %d\n", stats.TotalRelationships)

	types := make([]string, 0, len(stats.ObjectsByType))
	for t := range stats.ObjectsByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return stats.ObjectsByType[types[i]] > stats.ObjectsByType[types[j]] ||
			(stats.ObjectsByType[types[i]] == stats.ObjectsByType[types[j]] && types[i] < types[j])
	})
	for _, t := range types {
		fmt.Printf("    %-48s %d\n", t, stats.ObjectsByType[t])
	}

	if topN <= 0 {
		return nil
	}
	central, err := store.DegreeCentrality(ctx, repoID)
	if err != nil {
		return fmt.Errorf("failed to compute centrality: %w", err)
	}
	if len(central) > topN {
		central = central[:topN]
	}
	fmt.Println("  Most connected:")
	for _, c := range central {
		fmt.Printf("    %4.0f  %s (%s)\n", c.Score, c.NodeName, c.NodeType)
	}
	return nil
}

func init() {
	syncCmd.Flags().BoolVar(&extractOnly, "extract-only", false, "extract and report without loading")
	statsCmd.Flags().IntVar(&topN, "top", 10, "number of most connected objects to print")

	rootCmd.AddCommand(syncCmd, enrichCmd, statsCmd)
}
