package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ha1tch/bizzgraph/pkg/models"
)

var (
	// ErrNotFound is returned when an object or data block is not found
	ErrNotFound = errors.New("entity not found")
	// ErrUnknownStore is returned by NewStore for an unregistered backend
	ErrUnknownStore = errors.New("unknown store type")
)

// Query bounds. Results are truncated at these limits, never paginated past them.
const (
	DefaultPageSize      = 50
	MaxPageSize          = 1000
	DefaultSampleLimit   = 500
	MaxSampleLimit       = 1000
	MaxSampleEdges       = 2000
	DefaultNeighbors     = 50
	MaxNeighbors         = 50
	MaxNeighborDepth     = 2
	CentralityLimit      = 100
	DefaultShortestDepth = 10
	DefaultAllPathsDepth = 5
	DefaultAllPathsLimit = 50
	HubThreshold         = 10
	IncomingDegreeWeight = 1.5
)

// ============================================================================
// Write model
// ============================================================================

// ObjectRecord is a normalized object ready to be written
type ObjectRecord struct {
	ID          string
	Type        string
	Name        string // resolved display name
	ObjectName  string // raw localized name as JSON, empty when absent
	Description string
	Properties  string // JSON
	Metadata    string // JSON
	Tags        []string
}

// SearchName is the lowercased text matched by name searches: the display
// name followed by each localized name value. Language keys are not included.
func (r ObjectRecord) SearchName() string {
	parts := []string{r.Name}
	if r.ObjectName != "" {
		var names models.LocalizedName
		if err := json.Unmarshal([]byte(r.ObjectName), &names); err == nil {
			for _, lang := range names.Languages() {
				if v := names.Get(lang); v != "" && v != r.Name {
					parts = append(parts, v)
				}
			}
		}
	}
	return SearchTerm(strings.Join(parts, "\n"))
}

// SearchDescription is the lowercased text matched by description searches
func (r ObjectRecord) SearchDescription() string {
	return SearchTerm(r.Description)
}

// SearchTerm folds text for case-insensitive matching. Stored search text
// and query terms are both folded here, never by the backend.
func SearchTerm(s string) string {
	return strings.ToLower(s)
}

// DataBlockRecord is a data block flattened out of its owning object
type DataBlockRecord struct {
	ID        string // objectId:namespace:name
	ObjectID  string
	Namespace string
	Name      string
	Values    string // JSON
	UpdatedAt string
}

// TagEdge links an object to a tag
type TagEdge struct {
	ObjectID string
	Tag      string
}

// RelationRecord is a normalized relation ready to be written
type RelationRecord struct {
	ID         string
	Type       string
	SourceID   string
	TargetID   string
	Properties string // JSON
	Metadata   string // JSON
}

// DeleteResult counts what the delete phase removed
type DeleteResult struct {
	Objects          int64 `json:"objects"`
	OrphanObjects    int64 `json:"orphanObjects"`
	OrphanDataBlocks int64 `json:"orphanDataBlocks"`
	OrphanTags       int64 `json:"orphanTags"`
}

// GraphWriter is the loader-facing side of a store. Every method runs
// in its own transaction.
type GraphWriter interface {
	UpsertRepository(ctx context.Context, repo models.Repository) error

	// DeleteRepositoryGraph removes the repository's objects with their edges,
	// then objects with no containment edge, then orphan data blocks and tags.
	DeleteRepositoryGraph(ctx context.Context, repoID string) (*DeleteResult, error)

	// UpsertObjects writes objects by id and (re)attaches their containment edge
	UpsertObjects(ctx context.Context, repoID string, batch []ObjectRecord) error

	// CreateDataBlocks writes data blocks whose owning object exists; returns how many were written
	CreateDataBlocks(ctx context.Context, batch []DataBlockRecord) (int, error)

	CreateTags(ctx context.Context, names []string) error
	AttachTags(ctx context.Context, batch []TagEdge) error

	// CreateRelations creates edges whose endpoints are both contained in the
	// repository and silently skips the rest; returns how many were created
	CreateRelations(ctx context.Context, repoID string, batch []RelationRecord) (int, error)

	// RefreshDerived recomputes category, display name, degree counts, hub/leaf
	// flags and edge endpoint names for the repository
	RefreshDerived(ctx context.Context, repoID string) error
}

// ============================================================================
// Read model
// ============================================================================

// ObjectQuery filters a paginated object listing
type ObjectQuery struct {
	Page     int // 0-based
	PageSize int
	Type     string
	Search   string
}

// Normalize applies defaults and bounds
func (q ObjectQuery) Normalize() ObjectQuery {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// GraphFilter filters a graph sample
type GraphFilter struct {
	Type   string
	Search string
}

// DataBlockFilter filters a data block listing
type DataBlockFilter struct {
	Namespace string
	Name      string
	ObjectID  string
}

// GraphReader is the query-facing side of a store. Queries against a
// repository with no data return empty results, not errors.
type GraphReader interface {
	Repositories(ctx context.Context) ([]models.Repository, error)

	ListObjects(ctx context.Context, repoID string, q ObjectQuery) (*models.ObjectPage, error)
	GetObject(ctx context.Context, id string) (*models.ObjectDetail, error)
	Stats(ctx context.Context, repoID string) (*models.Stats, error)

	GraphSample(ctx context.Context, repoID string, limit int, filter GraphFilter) (*models.GraphData, error)
	// Neighbors is a bounded, lossy expansion: at most maxNeighbors nodes per hop
	Neighbors(ctx context.Context, repoID, nodeID string, depth, maxNeighbors int) (*models.GraphData, error)

	DegreeCentrality(ctx context.Context, repoID string) ([]models.CentralityResult, error)
	// WeightedDegree scores inDegree*1.5 + outDegree over distinct peers. It is not PageRank.
	WeightedDegree(ctx context.Context, repoID string) ([]models.CentralityResult, error)

	ShortestPath(ctx context.Context, repoID, fromID, toID string, maxDepth int) (*models.PathResult, error)
	AllPaths(ctx context.Context, repoID, fromID, toID string, maxDepth, limit int) ([]models.PathResult, error)

	ListDataBlocks(ctx context.Context, repoID string, filter DataBlockFilter) ([]models.DataBlock, error)
	GetDataBlock(ctx context.Context, id string) (*models.DataBlock, error)
	DataBlocksByObject(ctx context.Context, objectID string) ([]models.DataBlock, error)
}

// GraphStore is a complete backend
type GraphStore interface {
	GraphWriter
	GraphReader
	Close() error
}

// StoreInfo provides metadata about the store implementation
type StoreInfo struct {
	Type    string // "sqlite", "neo4j"
	Version string
	Target  string // file path or URI
}

// InfoProvider allows stores to provide metadata about their capabilities
type InfoProvider interface {
	Info() StoreInfo
}

// Pinger is implemented by stores that can check their connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClampDepth bounds a neighbor depth to 1..MaxNeighborDepth
func ClampDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > MaxNeighborDepth {
		return MaxNeighborDepth
	}
	return depth
}

// ClampSample bounds a graph sample size
func ClampSample(limit int) int {
	if limit <= 0 {
		return DefaultSampleLimit
	}
	if limit > MaxSampleLimit {
		return MaxSampleLimit
	}
	return limit
}

// ClampNeighbors bounds the per-hop neighbor count to 1..MaxNeighbors
func ClampNeighbors(n int) int {
	if n <= 0 {
		return DefaultNeighbors
	}
	if n > MaxNeighbors {
		return MaxNeighbors
	}
	return n
}
