package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ha1tch/bizzgraph/pkg/metrics"
	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/ha1tch/bizzgraph/pkg/storage"
	"github.com/ha1tch/bizzgraph/pkg/validation"
	"github.com/rs/zerolog"
)

// DefaultBatchSize is the number of rows written per transaction
const DefaultBatchSize = 5000

// Load phases, in execution order
const (
	PhaseRepository = "repository"
	PhaseDelete     = "delete"
	PhaseObjects    = "objects"
	PhaseDataBlocks = "datablocks"
	PhaseTags       = "tags"
	PhaseTagEdges   = "tag_edges"
	PhaseRelations  = "relations"
	PhaseDerived    = "derived"
)

// ErrInvalidSnapshot is returned when a snapshot fails validation before any write
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// BatchFunc is called after every committed batch
type BatchFunc func(phase string, processed, total int)

// Options configures a Loader
type Options struct {
	BatchSize int
	Metrics   *metrics.Collector
	OnBatch   BatchFunc
}

// PhaseResult describes one completed phase
type PhaseResult struct {
	Name     string        `json:"name"`
	Items    int           `json:"items"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration"`
}

// Result summarizes a completed load
type Result struct {
	RepositoryID     string                `json:"repositoryId"`
	Objects          int                   `json:"objects"`
	Relations        int                   `json:"relations"`
	SkippedRelations int                   `json:"skippedRelations"`
	DataBlocks       int                   `json:"dataBlocks"`
	Tags             int                   `json:"tags"`
	Deleted          *storage.DeleteResult `json:"deleted,omitempty"`
	Duration         time.Duration         `json:"duration"`
	Phases           []PhaseResult         `json:"phases"`
}

// Loader replaces a repository's graph in the store
type Loader struct {
	writer    storage.GraphWriter
	logger    zerolog.Logger
	batchSize int
	metrics   *metrics.Collector
	onBatch   BatchFunc
	now       func() time.Time
}

// New creates a loader writing through writer
func New(writer storage.GraphWriter, logger zerolog.Logger, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Loader{
		writer:    writer,
		logger:    logger.With().Str("component", "loader").Logger(),
		batchSize: opts.BatchSize,
		metrics:   opts.Metrics,
		onBatch:   opts.OnBatch,
		now:       time.Now,
	}
}

// ============================================================================
// Prepare
// ============================================================================

// Prepared holds a snapshot normalized into store records
type Prepared struct {
	Repository models.Repository
	Objects    []storage.ObjectRecord
	DataBlocks []storage.DataBlockRecord
	Tags       []string
	TagEdges   []storage.TagEdge
	Relations  []storage.RelationRecord
}

// Prepare normalizes a snapshot. It does no I/O and can be repeated freely;
// now stamps data blocks that carry no update time.
func Prepare(snapshot *models.Snapshot, now time.Time) *Prepared {
	p := &Prepared{
		Repository: snapshot.Repository,
		Objects:    make([]storage.ObjectRecord, 0, len(snapshot.Objects)),
		Relations:  make([]storage.RelationRecord, 0, len(snapshot.Relations)),
	}
	stamp := now.UTC().Format(time.RFC3339)
	seenTags := make(map[string]bool)

	for i := range snapshot.Objects {
		obj := &snapshot.Objects[i]

		var objectName string
		if obj.ObjectName != nil && !obj.ObjectName.IsZero() {
			if raw, err := json.Marshal(obj.ObjectName); err == nil {
				objectName = string(raw)
			}
		}

		tags := uniqueTags(obj.Tags)
		p.Objects = append(p.Objects, storage.ObjectRecord{
			ID:          obj.ID,
			Type:        obj.Type,
			Name:        obj.DisplayName(),
			ObjectName:  objectName,
			Description: obj.Description,
			Properties:  toJSON(obj.Properties),
			Metadata:    toJSON(obj.Metadata),
			Tags:        tags,
		})

		for _, tag := range tags {
			if !seenTags[tag] {
				seenTags[tag] = true
				p.Tags = append(p.Tags, tag)
			}
			p.TagEdges = append(p.TagEdges, storage.TagEdge{ObjectID: obj.ID, Tag: tag})
		}

		for _, doc := range obj.Documents {
			updatedAt := doc.UpdatedAt
			if updatedAt == "" {
				updatedAt = stamp
			}
			p.DataBlocks = append(p.DataBlocks, storage.DataBlockRecord{
				ID:        obj.ID + ":" + doc.SchemaNamespace + ":" + doc.SchemaName,
				ObjectID:  obj.ID,
				Namespace: doc.SchemaNamespace,
				Name:      doc.SchemaName,
				Values:    toJSON(doc.Values),
				UpdatedAt: updatedAt,
			})
		}
	}

	for _, rel := range snapshot.Relations {
		p.Relations = append(p.Relations, storage.RelationRecord{
			ID:         rel.ID,
			Type:       rel.Type,
			SourceID:   rel.SourceID,
			TargetID:   rel.TargetID,
			Properties: toJSON(rel.Properties),
			Metadata:   toJSON(rel.Metadata),
		})
	}

	return p
}

func uniqueTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func toJSON(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// ============================================================================
// Save
// ============================================================================

// SaveRepository replaces the repository's graph with the given objects and relations
func (l *Loader) SaveRepository(ctx context.Context, repo models.Repository, objects []models.Object, relations []models.Relation) (*Result, error) {
	return l.SaveSnapshot(ctx, &models.Snapshot{Repository: repo, Objects: objects, Relations: relations})
}

// SaveSnapshot validates, prepares and loads a snapshot
func (l *Loader) SaveSnapshot(ctx context.Context, snapshot *models.Snapshot) (*Result, error) {
	report := validation.Snapshot(snapshot)
	if !report.Valid() {
		err := fmt.Errorf("%w: %s", ErrInvalidSnapshot, strings.Join(report.Errors, "; "))
		l.metrics.ObserveLoad(err)
		return nil, err
	}
	for _, warning := range report.Warnings {
		l.logger.Warn().Str("repository", snapshot.Repository.ID).Msg(warning)
	}

	result, err := l.Save(ctx, Prepare(snapshot, l.now()))
	l.metrics.ObserveLoad(err)
	return result, err
}

// Save runs the replace load. A failing phase aborts the load and leaves
// earlier phases committed; the repository stays inconsistent until the
// next successful load.
func (l *Loader) Save(ctx context.Context, p *Prepared) (*Result, error) {
	start := l.now()
	repoID := p.Repository.ID
	result := &Result{RepositoryID: repoID}

	l.logger.Info().
		Str("repository", repoID).
		Int("objects", len(p.Objects)).
		Int("relations", len(p.Relations)).
		Int("dataBlocks", len(p.DataBlocks)).
		Int("tags", len(p.Tags)).
		Msg("Starting replace load")

	err := l.phase(result, PhaseRepository, func() (int, int, error) {
		return 1, 1, l.writer.UpsertRepository(ctx, p.Repository)
	})
	if err != nil {
		return nil, err
	}

	err = l.phase(result, PhaseDelete, func() (int, int, error) {
		deleted, err := l.writer.DeleteRepositoryGraph(ctx, repoID)
		if err != nil {
			return 0, 0, err
		}
		result.Deleted = deleted
		l.logger.Info().
			Str("repository", repoID).
			Int64("objects", deleted.Objects).
			Int64("orphanObjects", deleted.OrphanObjects).
			Int64("orphanDataBlocks", deleted.OrphanDataBlocks).
			Int64("orphanTags", deleted.OrphanTags).
			Msg("Existing graph deleted")
		return int(deleted.Objects), 1, nil
	})
	if err != nil {
		return nil, err
	}

	err = l.phase(result, PhaseObjects, func() (int, int, error) {
		return batched(ctx, l, PhaseObjects, p.Objects, func(batch []storage.ObjectRecord) (int, error) {
			return len(batch), l.writer.UpsertObjects(ctx, repoID, batch)
		})
	})
	if err != nil {
		return nil, err
	}
	result.Objects = len(p.Objects)

	if len(p.DataBlocks) > 0 {
		err = l.phase(result, PhaseDataBlocks, func() (int, int, error) {
			return batched(ctx, l, PhaseDataBlocks, p.DataBlocks, func(batch []storage.DataBlockRecord) (int, error) {
				return l.writer.CreateDataBlocks(ctx, batch)
			})
		})
		if err != nil {
			return nil, err
		}
		result.DataBlocks = lastPhase(result).Items
	}

	if len(p.Tags) > 0 {
		err = l.phase(result, PhaseTags, func() (int, int, error) {
			return len(p.Tags), 1, l.writer.CreateTags(ctx, p.Tags)
		})
		if err != nil {
			return nil, err
		}
		result.Tags = len(p.Tags)

		err = l.phase(result, PhaseTagEdges, func() (int, int, error) {
			return batched(ctx, l, PhaseTagEdges, p.TagEdges, func(batch []storage.TagEdge) (int, error) {
				return len(batch), l.writer.AttachTags(ctx, batch)
			})
		})
		if err != nil {
			return nil, err
		}
	}

	if len(p.Relations) > 0 {
		err = l.phase(result, PhaseRelations, func() (int, int, error) {
			return batched(ctx, l, PhaseRelations, p.Relations, func(batch []storage.RelationRecord) (int, error) {
				return l.writer.CreateRelations(ctx, repoID, batch)
			})
		})
		if err != nil {
			return nil, err
		}
		result.Relations = lastPhase(result).Items
		result.SkippedRelations = len(p.Relations) - result.Relations
		if result.SkippedRelations > 0 {
			l.logger.Warn().
				Str("repository", repoID).
				Int("skipped", result.SkippedRelations).
				Msg("Relations with unknown endpoints were not created")
		}
	}

	err = l.phase(result, PhaseDerived, func() (int, int, error) {
		return len(p.Objects), 1, l.writer.RefreshDerived(ctx, repoID)
	})
	if err != nil {
		return nil, err
	}

	result.Duration = l.now().Sub(start)
	l.logger.Info().
		Str("repository", repoID).
		Int("objects", result.Objects).
		Int("relations", result.Relations).
		Int("dataBlocks", result.DataBlocks).
		Int("tags", result.Tags).
		Dur("duration", result.Duration).
		Msg("Replace load complete")

	return result, nil
}

// phase runs fn and records its outcome. fn returns items and batches written.
func (l *Loader) phase(result *Result, name string, fn func() (int, int, error)) error {
	start := l.now()
	items, batches, err := fn()
	if err != nil {
		l.logger.Error().Err(err).Str("repository", result.RepositoryID).Str("phase", name).Msg("Load phase failed")
		return fmt.Errorf("load phase %s failed: %w", name, err)
	}
	elapsed := l.now().Sub(start)
	result.Phases = append(result.Phases, PhaseResult{Name: name, Items: items, Batches: batches, Duration: elapsed})
	l.logger.Debug().Str("phase", name).Int("items", items).Dur("duration", elapsed).Msg("Load phase complete")
	return nil
}

func lastPhase(result *Result) PhaseResult {
	return result.Phases[len(result.Phases)-1]
}

// batched writes rows in sequential fixed-size transactions. The context is
// checked between batches only; a running batch always completes.
func batched[T any](ctx context.Context, l *Loader, phase string, rows []T, write func([]T) (int, error)) (int, int, error) {
	total := len(rows)
	batches := (total + l.batchSize - 1) / l.batchSize
	start := l.now()
	processed, written := 0, 0

	for i := 0; i < batches; i++ {
		if err := ctx.Err(); err != nil {
			return written, i, err
		}

		lo := i * l.batchSize
		hi := lo + l.batchSize
		if hi > total {
			hi = total
		}
		batch := rows[lo:hi]

		batchStart := l.now()
		n, err := write(batch)
		if err != nil {
			return written, i, fmt.Errorf("batch %d/%d: %w", i+1, batches, err)
		}
		batchDuration := l.now().Sub(batchStart)

		processed += len(batch)
		written += n
		l.metrics.ObserveBatch(phase, n, batchDuration)

		elapsed := l.now().Sub(start)
		eta := time.Duration(0)
		if processed > 0 {
			eta = time.Duration(float64(elapsed) / float64(processed) * float64(total-processed))
		}

		l.logger.Info().
			Str("phase", phase).
			Int("batch", i+1).
			Int("batches", batches).
			Int("size", len(batch)).
			Int("processed", processed).
			Int("total", total).
			Str("percent", fmt.Sprintf("%.1f", float64(processed)*100/float64(total))).
			Dur("duration", batchDuration).
			Dur("eta", eta.Round(time.Second)).
			Msg("Batch committed")

		if l.onBatch != nil {
			l.onBatch(phase, processed, total)
		}
	}

	return written, batches, nil
}
