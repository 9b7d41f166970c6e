package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ha1tch/bizzgraph/pkg/bizzdesign"
	"github.com/ha1tch/bizzgraph/pkg/cache"
	"github.com/ha1tch/bizzgraph/pkg/extractor"
	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/ha1tch/bizzgraph/pkg/pipeline"
	"github.com/ha1tch/bizzgraph/pkg/progress"
	"github.com/ha1tch/bizzgraph/pkg/storage"
	"github.com/ha1tch/bizzgraph/pkg/validation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves a fixed repository; block, when set, holds AllObjects until closed
type fakeFetcher struct {
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) Repository(ctx context.Context, id string) (*models.Repository, error) {
	if id != "42" {
		return nil, bizzdesign.ErrRepositoryNotFound
	}
	return &models.Repository{ID: "42", Name: "Enterprise"}, nil
}

func (f *fakeFetcher) AllObjects(ctx context.Context, repoID string, onProgress bizzdesign.ProgressFunc, opts bizzdesign.FetchOptions) ([]models.Object, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	onProgress(0, 3)
	return []models.Object{
		{ID: "A", Type: "ArchiMate:Node", Name: "Alpha"},
		{ID: "B", Type: "ArchiMate:Node", Name: "Beta"},
		{ID: "C", Type: "ArchiMate:Node", Name: "Gamma"},
	}, nil
}

func (f *fakeFetcher) AllRelations(ctx context.Context, repoID string, onProgress bizzdesign.ProgressFunc) ([]models.Relation, error) {
	onProgress(0, 2)
	return []models.Relation{
		{ID: "r1", Type: "ArchiMate:Serving", SourceID: "A", TargetID: "B"},
		{ID: "r2", Type: "ArchiMate:Serving", SourceID: "B", TargetID: "C"},
	}, nil
}

type pipelineEnv struct {
	pipeline *pipeline.Pipeline
	store    storage.GraphStore
	cache    *cache.MemoryCache
	bus      *progress.Bus
	fetcher  *fakeFetcher
}

func setupPipelineTest(t *testing.T) (*pipelineEnv, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "bizzgraph-pipeline-*")
	require.NoError(t, err)

	store, err := storage.NewStore("sqlite", map[string]interface{}{"db_path": filepath.Join(dir, "graph.db")})
	require.NoError(t, err)

	env := &pipelineEnv{
		store:   store,
		cache:   cache.NewMemoryCache(100, time.Minute),
		bus:     progress.NewBus(zerolog.Nop()),
		fetcher: &fakeFetcher{},
	}
	env.pipeline = pipeline.New(func() (extractor.Fetcher, error) { return env.fetcher, nil },
		store, env.cache, env.bus, zerolog.Nop(), pipeline.Options{BatchSize: 2})

	return env, func() {
		env.cache.Close()
		store.Close()
		os.RemoveAll(dir)
	}
}

// ============================================================================
// Sync and import
// ============================================================================

func TestImport_NoSnapshot(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()

	_, err := env.pipeline.Import(context.Background(), "42")
	assert.ErrorIs(t, err, pipeline.ErrNoSnapshot)
	assert.False(t, env.pipeline.Status("42").HasExtraction)
}

func TestSyncThenImport(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()
	ctx := context.Background()

	synced, err := env.pipeline.Sync(ctx, "42")
	require.NoError(t, err)
	assert.NotEmpty(t, synced.RunID)
	assert.Equal(t, "42", synced.RepositoryID)
	assert.Equal(t, "Enterprise", synced.RepositoryName)
	assert.Equal(t, 3, synced.ObjectsCount)
	assert.Equal(t, 2, synced.RelationshipsCount)

	status := env.pipeline.Status("42")
	assert.True(t, status.HasExtraction)
	assert.Equal(t, 3, status.ObjectsCount)

	// nothing is loaded by a sync alone
	stats, err := env.store.Stats(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalObjects)

	key := cache.Key("42", "stats", nil)
	require.NoError(t, env.cache.Set(ctx, key, []byte(`{}`), 0))

	imported, err := env.pipeline.Import(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 3, imported.ObjectsCount)
	assert.Equal(t, 2, imported.Load.Relations)
	assert.NotEqual(t, synced.RunID, imported.RunID)

	stats, err = env.store.Stats(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalObjects)
	assert.Equal(t, 2, stats.TotalRelationships)

	_, err = env.cache.Get(ctx, key)
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestSyncAndImport(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()

	events, unsubscribe := env.bus.Subscribe(256)
	defer unsubscribe()

	synced, imported, err := env.pipeline.SyncAndImport(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, synced.RunID, imported.RunID)

	var phases []string
	completes := 0
	timeout := time.After(time.Second)
	for completes < 2 {
		select {
		case ev := <-events:
			assert.Equal(t, synced.RunID, ev.RunID)
			if ev.Type == progress.EventProgress {
				phases = append(phases, ev.Phase)
			}
			if ev.Type == progress.EventComplete {
				completes++
			}
		case <-timeout:
			t.Fatal("timed out waiting for completion events")
		}
	}
	assert.Contains(t, phases, extractor.PhaseObjects)
	assert.Contains(t, phases, "load:objects")
	assert.Contains(t, phases, "load:relations")
}

func TestImport_IgnoresCallerCancellation(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()

	_, err := env.pipeline.Sync(context.Background(), "42")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	imported, err := env.pipeline.Import(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 3, imported.Load.Objects)
}

// ============================================================================
// Guards
// ============================================================================

func TestSync_InvalidRepository(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()

	_, err := env.pipeline.Sync(context.Background(), "abc")
	assert.True(t, validation.IsValidationError(err))
	assert.False(t, env.pipeline.Running())
}

func TestSync_UnknownRepository(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()

	_, err := env.pipeline.Sync(context.Background(), "7")
	assert.ErrorIs(t, err, bizzdesign.ErrRepositoryNotFound)
	assert.False(t, env.pipeline.Status("7").HasExtraction)
}

func TestSync_FetcherUnavailable(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()

	boom := errors.New("no credentials")
	p := pipeline.New(func() (extractor.Fetcher, error) { return nil, boom },
		env.store, env.cache, env.bus, zerolog.Nop(), pipeline.Options{})

	_, err := p.Sync(context.Background(), "42")
	assert.ErrorIs(t, err, boom)
}

func TestSync_SingleRun(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()

	env.fetcher.block = make(chan struct{})
	env.fetcher.started = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := env.pipeline.Sync(context.Background(), "42")
		done <- err
	}()

	<-env.fetcher.started
	assert.True(t, env.pipeline.Running())

	_, err := env.pipeline.Sync(context.Background(), "42")
	assert.ErrorIs(t, err, pipeline.ErrRunInProgress)
	_, err = env.pipeline.Import(context.Background(), "42")
	assert.ErrorIs(t, err, pipeline.ErrRunInProgress)

	close(env.fetcher.block)
	require.NoError(t, <-done)
	assert.False(t, env.pipeline.Running())
}

func TestStatus_Expires(t *testing.T) {
	env, cleanup := setupPipelineTest(t)
	defer cleanup()

	p := pipeline.New(func() (extractor.Fetcher, error) { return env.fetcher, nil },
		env.store, nil, env.bus, zerolog.Nop(), pipeline.Options{SnapshotTTL: 20 * time.Millisecond})

	_, err := p.Sync(context.Background(), "42")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return !p.Status("42").HasExtraction
	}, time.Second, 10*time.Millisecond)
}
