package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ha1tch/bizzgraph/pkg/bizzdesign"
	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/ha1tch/bizzgraph/pkg/progress"
	"github.com/ha1tch/bizzgraph/pkg/validation"
	"github.com/rs/zerolog"
)

// Phases reported on the progress bus
const (
	PhaseObjects   = "objects"
	PhaseRelations = "relations"
)

// Fetcher is the part of the upstream client the extractor needs
type Fetcher interface {
	Repository(ctx context.Context, id string) (*models.Repository, error)
	AllObjects(ctx context.Context, repoID string, onProgress bizzdesign.ProgressFunc, opts bizzdesign.FetchOptions) ([]models.Object, error)
	AllRelations(ctx context.Context, repoID string, onProgress bizzdesign.ProgressFunc) ([]models.Relation, error)
}

// Extractor assembles one repository snapshot from the upstream API
type Extractor struct {
	fetcher Fetcher
	bus     *progress.Bus
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an extractor
func New(fetcher Fetcher, bus *progress.Bus, logger zerolog.Logger) *Extractor {
	return &Extractor{
		fetcher: fetcher,
		bus:     bus,
		logger:  logger.With().Str("component", "extractor").Logger(),
		now:     time.Now,
	}
}

// Extract fetches repository metadata, objects and relations. Nothing is persisted.
func (e *Extractor) Extract(ctx context.Context, repositoryID string) (*models.Snapshot, error) {
	if err := validation.RepositoryID(repositoryID); err != nil {
		return nil, err
	}

	runID := progress.RunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}

	start := e.now()
	e.bus.Start(runID, fmt.Sprintf("Extracting repository %s", repositoryID))

	snapshot, err := e.extract(ctx, runID, repositoryID)
	if err != nil {
		e.logger.Error().Err(err).Str("repository", repositoryID).Msg("Extraction failed")
		e.bus.Error(runID, fmt.Sprintf("Extraction of repository %s failed", repositoryID), err)
		return nil, err
	}

	snapshot.ExtractedAt = start.UTC()
	snapshot.Duration = e.now().Sub(start)

	e.logger.Info().
		Str("repository", repositoryID).
		Int("objects", len(snapshot.Objects)).
		Int("relations", len(snapshot.Relations)).
		Dur("duration", snapshot.Duration).
		Msg("Extraction complete")

	e.bus.Complete(runID, fmt.Sprintf("Extracted %d objects and %d relations", len(snapshot.Objects), len(snapshot.Relations)),
		map[string]int{"objects": len(snapshot.Objects), "relations": len(snapshot.Relations)})

	return snapshot, nil
}

func (e *Extractor) extract(ctx context.Context, runID, repositoryID string) (*models.Snapshot, error) {
	repo, err := e.fetcher.Repository(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository: %w", err)
	}

	objects, err := e.fetcher.AllObjects(ctx, repositoryID, func(offset, current int) {
		e.bus.Progress(runID, PhaseObjects, current, -1, offset)
	}, bizzdesign.FetchOptions{
		IncludeMetrics:     true,
		IncludeProfiles:    true,
		IncludeExternalIDs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch objects: %w", err)
	}
	e.bus.Progress(runID, PhaseObjects, len(objects), len(objects), -1)

	relations, err := e.fetcher.AllRelations(ctx, repositoryID, func(offset, current int) {
		e.bus.Progress(runID, PhaseRelations, current, -1, offset)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relations: %w", err)
	}
	e.bus.Progress(runID, PhaseRelations, len(relations), len(relations), -1)

	return &models.Snapshot{
		Repository: *repo,
		Objects:    objects,
		Relations:  relations,
	}, nil
}
