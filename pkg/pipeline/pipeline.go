package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ha1tch/bizzgraph/pkg/cache"
	"github.com/ha1tch/bizzgraph/pkg/extractor"
	"github.com/ha1tch/bizzgraph/pkg/loader"
	"github.com/ha1tch/bizzgraph/pkg/metrics"
	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/ha1tch/bizzgraph/pkg/progress"
	"github.com/ha1tch/bizzgraph/pkg/storage"
	"github.com/ha1tch/bizzgraph/pkg/validation"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

var (
	// ErrNoSnapshot is returned by Import when no snapshot is held for the repository
	ErrNoSnapshot = errors.New("no snapshot held for repository")
	// ErrRunInProgress is returned when a sync or import is already running
	ErrRunInProgress = errors.New("a sync or import is already running")
)

// Defaults
const (
	DefaultSnapshotTTL  = 24 * time.Hour
	DefaultMaxSnapshots = 8
)

// FetcherFactory builds an upstream client for one run, so that
// credential changes take effect without a restart
type FetcherFactory func() (extractor.Fetcher, error)

// Options configures a Pipeline
type Options struct {
	BatchSize    int
	SnapshotTTL  time.Duration
	MaxSnapshots int
	Metrics      *metrics.Collector
}

// SyncResult describes one extraction run
type SyncResult struct {
	RunID              string    `json:"runId"`
	RepositoryID       string    `json:"repositoryId"`
	RepositoryName     string    `json:"repositoryName"`
	ObjectsCount       int       `json:"objectsCount"`
	RelationshipsCount int       `json:"relationshipsCount"`
	StartTime          time.Time `json:"startTime"`
	EndTime            time.Time `json:"endTime"`
	Duration           int64     `json:"duration"` // milliseconds
}

// ImportResult describes one load of a held snapshot
type ImportResult struct {
	RunID              string         `json:"runId"`
	RepositoryID       string         `json:"repositoryId"`
	ObjectsCount       int            `json:"objectsCount"`
	RelationshipsCount int            `json:"relationshipsCount"`
	StartTime          time.Time      `json:"startTime"`
	EndTime            time.Time      `json:"endTime"`
	Duration           int64          `json:"duration"` // milliseconds
	Load               *loader.Result `json:"load"`
}

// SnapshotStatus reports whether a snapshot is held for a repository
type SnapshotStatus struct {
	HasExtraction      bool      `json:"hasExtraction"`
	RepositoryID       string    `json:"repositoryId"`
	ObjectsCount       int       `json:"objectsCount,omitempty"`
	RelationshipsCount int       `json:"relationshipsCount,omitempty"`
	ExtractedAt        time.Time `json:"extractedAt,omitempty"`
}

// Pipeline runs extractions and loads, one at a time
type Pipeline struct {
	fetchers FetcherFactory
	writer   storage.GraphWriter
	cache    cache.Cache
	bus      *progress.Bus
	logger   zerolog.Logger
	opts     Options

	snapshots *expirable.LRU[string, *models.Snapshot]

	mu      sync.Mutex
	running bool
}

// New creates a pipeline. cache may be nil.
func New(fetchers FetcherFactory, writer storage.GraphWriter, c cache.Cache, bus *progress.Bus, logger zerolog.Logger, opts Options) *Pipeline {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = DefaultSnapshotTTL
	}
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = DefaultMaxSnapshots
	}
	return &Pipeline{
		fetchers:  fetchers,
		writer:    writer,
		cache:     c,
		bus:       bus,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		opts:      opts,
		snapshots: expirable.NewLRU[string, *models.Snapshot](opts.MaxSnapshots, nil, opts.SnapshotTTL),
	}
}

func (p *Pipeline) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunInProgress
	}
	p.running = true
	return nil
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Running reports whether a run is in progress
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status reports the snapshot held for a repository
func (p *Pipeline) Status(repoID string) SnapshotStatus {
	status := SnapshotStatus{RepositoryID: repoID}
	if snap, ok := p.snapshots.Peek(repoID); ok {
		status.HasExtraction = true
		status.ObjectsCount = len(snap.Objects)
		status.RelationshipsCount = len(snap.Relations)
		status.ExtractedAt = snap.ExtractedAt
	}
	return status
}

// Hold stores a snapshot for a later Import, replacing any previous one
func (p *Pipeline) Hold(snapshot *models.Snapshot) {
	p.snapshots.Add(snapshot.Repository.ID, snapshot)
}

// Sync extracts a repository and holds the snapshot for Import
func (p *Pipeline) Sync(ctx context.Context, repoID string) (*SyncResult, error) {
	if err := validation.RepositoryID(repoID); err != nil {
		return nil, err
	}
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	return p.sync(ctx, uuid.NewString(), repoID)
}

// Import loads the held snapshot of a repository into the store
func (p *Pipeline) Import(ctx context.Context, repoID string) (*ImportResult, error) {
	if err := validation.RepositoryID(repoID); err != nil {
		return nil, err
	}
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	return p.load(ctx, uuid.NewString(), repoID)
}

// SyncAndImport extracts then loads a repository as one run
func (p *Pipeline) SyncAndImport(ctx context.Context, repoID string) (*SyncResult, *ImportResult, error) {
	if err := validation.RepositoryID(repoID); err != nil {
		return nil, nil, err
	}
	if err := p.acquire(); err != nil {
		return nil, nil, err
	}
	defer p.release()

	runID := uuid.NewString()
	synced, err := p.sync(ctx, runID, repoID)
	if err != nil {
		return nil, nil, err
	}
	imported, err := p.load(ctx, runID, repoID)
	if err != nil {
		return synced, nil, err
	}
	return synced, imported, nil
}

func (p *Pipeline) sync(ctx context.Context, runID, repoID string) (*SyncResult, error) {
	fetcher, err := p.fetchers()
	if err != nil {
		p.bus.Error(runID, "Upstream client unavailable", err)
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}

	start := time.Now()
	snapshot, err := extractor.New(fetcher, p.bus, p.logger).Extract(progress.WithRunID(ctx, runID), repoID)
	if err != nil {
		return nil, err
	}
	end := time.Now()

	p.Hold(snapshot)

	return &SyncResult{
		RunID:              runID,
		RepositoryID:       snapshot.Repository.ID,
		RepositoryName:     snapshot.Repository.Name,
		ObjectsCount:       len(snapshot.Objects),
		RelationshipsCount: len(snapshot.Relations),
		StartTime:          start.UTC(),
		EndTime:            end.UTC(),
		Duration:           end.Sub(start).Milliseconds(),
	}, nil
}

// load runs detached from ctx cancellation: an abandoned HTTP request must
// not stop a replace load halfway between phases.
func (p *Pipeline) load(ctx context.Context, runID, repoID string) (*ImportResult, error) {
	snapshot, ok := p.snapshots.Get(repoID)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSnapshot, repoID)
	}
	ctx = context.WithoutCancel(ctx)

	l := loader.New(p.writer, p.logger, loader.Options{
		BatchSize: p.opts.BatchSize,
		Metrics:   p.opts.Metrics,
		OnBatch: func(phase string, processed, total int) {
			p.bus.Progress(runID, "load:"+phase, processed, total, -1)
		},
	})

	start := time.Now()
	p.bus.Start(runID, fmt.Sprintf("Loading repository %s", repoID))

	result, err := l.SaveSnapshot(ctx, snapshot)

	// Readers may have cached a partially replaced graph either way
	if cerr := cache.InvalidateRepository(ctx, p.cache, repoID); cerr != nil {
		p.logger.Warn().Err(cerr).Str("repository", repoID).Msg("Failed to invalidate query cache")
	}

	if err != nil {
		p.bus.Error(runID, fmt.Sprintf("Load of repository %s failed", repoID), err)
		return nil, err
	}
	end := time.Now()

	p.bus.Complete(runID, fmt.Sprintf("Loaded %d objects and %d relations", result.Objects, result.Relations), result)

	return &ImportResult{
		RunID:              runID,
		RepositoryID:       repoID,
		ObjectsCount:       len(snapshot.Objects),
		RelationshipsCount: len(snapshot.Relations),
		StartTime:          start.UTC(),
		EndTime:            end.UTC(),
		Duration:           end.Sub(start).Milliseconds(),
		Load:               result,
	}, nil
}
