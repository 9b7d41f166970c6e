package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/ha1tch/bizzgraph/pkg/storage"
)

// ============================================================================
// Objects
// ============================================================================

// handleListObjects lists a page of objects; page is 0-based
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	repoID, err := s.repositoryID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	q := storage.ObjectQuery{
		Page:     queryInt(r, "page", 0),
		PageSize: queryInt(r, "pageSize", storage.DefaultPageSize),
		Type:     r.URL.Query().Get("type"),
		Search:   r.URL.Query().Get("search"),
	}.Normalize()

	if repoID == "" {
		s.writeJSON(w, http.StatusOK, models.Response{
			Success:    true,
			Data:       []models.ObjectSummary{},
			Pagination: models.NewPagination(q.Page, q.PageSize, 0),
		})
		return
	}

	s.cached(w, r, repoID, "objects", func() (interface{}, *models.Pagination, error) {
		page, err := s.store.ListObjects(r.Context(), repoID, q)
		if err != nil {
			return nil, nil, err
		}
		return page.Items, models.NewPagination(q.Page, q.PageSize, page.Total), nil
	})
}

// handleGetObject returns one object with tags, relations and data blocks
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.objectParam(w, r, "id")
	if !ok {
		return
	}

	detail, err := s.store.GetObject(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeData(w, detail)
}

// handleStats returns aggregate counts; zeros when no repository is selected
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	repoID, err := s.repositoryID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	type statsView struct {
		*models.Stats
		RepositoryID *string `json:"repositoryId"`
	}

	if repoID == "" {
		s.writeData(w, statsView{Stats: &models.Stats{ObjectsByType: map[string]int{}}})
		return
	}

	s.cached(w, r, repoID, "stats", func() (interface{}, *models.Pagination, error) {
		stats, err := s.store.Stats(r.Context(), repoID)
		if err != nil {
			return nil, nil, err
		}
		return statsView{Stats: stats, RepositoryID: &repoID}, nil, nil
	})
}

// ============================================================================
// Graph
// ============================================================================

// handleGraph returns a graph sample, or a node neighborhood when nodeId is set
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	repoID, err := s.repositoryID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if repoID == "" {
		s.writeData(w, models.GraphData{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}})
		return
	}

	limit := storage.ClampSample(queryInt(r, "limit", storage.DefaultSampleLimit))
	nodeID := r.URL.Query().Get("nodeId")

	s.cached(w, r, repoID, "graph", func() (interface{}, *models.Pagination, error) {
		if nodeID != "" {
			perHop := storage.ClampNeighbors(queryInt(r, "limit", storage.DefaultNeighbors))
			data, err := s.store.Neighbors(r.Context(), repoID, nodeID, 1, perHop)
			return data, nil, err
		}
		data, err := s.store.GraphSample(r.Context(), repoID, limit, storage.GraphFilter{
			Type:   r.URL.Query().Get("type"),
			Search: r.URL.Query().Get("search"),
		})
		return data, nil, err
	})
}

// handleNeighbors expands a node by one or two hops
func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	repoID, ok := s.requireRepositoryID(w, r)
	if !ok {
		return
	}
	id, ok := s.objectParam(w, r, "id")
	if !ok {
		return
	}

	depth := storage.ClampDepth(queryInt(r, "depth", 1))
	limit := storage.ClampNeighbors(queryInt(r, "limit", storage.DefaultNeighbors))

	s.cached(w, r, repoID, "neighbors:"+id, func() (interface{}, *models.Pagination, error) {
		data, err := s.store.Neighbors(r.Context(), repoID, id, depth, limit)
		return data, nil, err
	})
}

// ============================================================================
// Analysis
// ============================================================================

// handleCentrality ranks nodes by degree or weighted degree
func (s *Server) handleCentrality(w http.ResponseWriter, r *http.Request) {
	repoID, ok := s.requireRepositoryID(w, r)
	if !ok {
		return
	}

	kind := r.URL.Query().Get("type")
	if kind == "" {
		kind = "degree"
	}
	if kind != "degree" && kind != "pagerank" {
		s.writeError(w, http.StatusBadRequest, "type must be degree or pagerank")
		return
	}

	s.cached(w, r, repoID, "centrality", func() (interface{}, *models.Pagination, error) {
		var results []models.CentralityResult
		var err error
		if kind == "pagerank" {
			results, err = s.store.WeightedDegree(r.Context(), repoID)
		} else {
			results, err = s.store.DegreeCentrality(r.Context(), repoID)
		}
		if err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"type": kind, "results": results}, nil, nil
	})
}

// handlePaths finds the shortest path, or all paths when findAll=true
func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	repoID, ok := s.requireRepositoryID(w, r)
	if !ok {
		return
	}

	sourceID := r.URL.Query().Get("sourceId")
	targetID := r.URL.Query().Get("targetId")
	if sourceID == "" || targetID == "" {
		s.writeError(w, http.StatusBadRequest, "sourceId and targetId are required")
		return
	}

	if queryBool(r, "findAll") {
		maxDepth := queryInt(r, "maxDepth", storage.DefaultAllPathsDepth)
		limit := queryInt(r, "limit", storage.DefaultAllPathsLimit)
		paths, err := s.store.AllPaths(r.Context(), repoID, sourceID, targetID, maxDepth, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if paths == nil {
			paths = []models.PathResult{}
		}
		s.writeData(w, map[string]interface{}{"sourceId": sourceID, "targetId": targetID, "paths": paths})
		return
	}

	maxDepth := queryInt(r, "maxDepth", storage.DefaultShortestDepth)
	path, err := s.store.ShortestPath(r.Context(), repoID, sourceID, targetID, maxDepth)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeData(w, map[string]interface{}{"sourceId": sourceID, "targetId": targetID, "path": path})
}

// ============================================================================
// Data blocks
// ============================================================================

func (s *Server) handleListDataBlocks(w http.ResponseWriter, r *http.Request) {
	repoID, err := s.repositoryID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if repoID == "" {
		s.writeData(w, []models.DataBlock{})
		return
	}

	blocks, err := s.store.ListDataBlocks(r.Context(), repoID, storage.DataBlockFilter{
		Namespace: r.URL.Query().Get("namespace"),
		Name:      r.URL.Query().Get("name"),
		ObjectID:  r.URL.Query().Get("objectId"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeData(w, blocks)
}

func (s *Server) handleGetDataBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := s.objectParam(w, r, "id")
	if !ok {
		return
	}

	block, err := s.store.GetDataBlock(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeData(w, block)
}

func (s *Server) handleDataBlocksByObject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.objectParam(w, r, "objectId")
	if !ok {
		return
	}

	blocks, err := s.store.DataBlocksByObject(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if blocks == nil {
		blocks = []models.DataBlock{}
	}
	s.writeData(w, blocks)
}

// ============================================================================
// Upstream
// ============================================================================

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		s.writeError(w, http.StatusServiceUnavailable, "upstream API is not configured")
		return
	}

	repos, err := s.upstream.Repositories(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeData(w, repos)
}

// handleLiveDataBlocks reads an object's data blocks straight from the
// upstream API instead of the last import
func (s *Server) handleLiveDataBlocks(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		s.writeError(w, http.StatusServiceUnavailable, "upstream API is not configured")
		return
	}
	repoID, ok := s.requireRepositoryID(w, r)
	if !ok {
		return
	}
	id, ok := s.objectParam(w, r, "objectId")
	if !ok {
		return
	}

	docs, err := s.upstream.ObjectDataBlocks(r.Context(), repoID, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	s.writeData(w, docs)
}

// handleDataBlockDefinition returns the upstream schema of one data block kind
func (s *Server) handleDataBlockDefinition(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		s.writeError(w, http.StatusServiceUnavailable, "upstream API is not configured")
		return
	}
	repoID, ok := s.requireRepositoryID(w, r)
	if !ok {
		return
	}
	namespace, ok := s.objectParam(w, r, "namespace")
	if !ok {
		return
	}
	name, ok := s.objectParam(w, r, "name")
	if !ok {
		return
	}

	def, err := s.upstream.DataBlockDefinition(r.Context(), repoID, namespace, name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if def == nil {
		s.writeError(w, http.StatusNotFound, "data block definition not found")
		return
	}
	s.writeData(w, def)
}

// handleCallLogs returns the most recent upstream calls, newest first
func (s *Server) handleCallLogs(w http.ResponseWriter, r *http.Request) {
	if s.upstream == nil {
		s.writeData(w, []interface{}{})
		return
	}
	s.writeData(w, s.upstream.Logs(queryInt(r, "limit", 50)))
}

// ============================================================================
// Sync and import
// ============================================================================

type runRequest struct {
	RepositoryID string `json:"repositoryId"`
	Import       bool   `json:"import"`
}

// decodeRun reads an optional JSON body and resolves the target repository
func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (runRequest, bool) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return req, false
	}
	if req.RepositoryID == "" {
		req.RepositoryID = s.config.RepositoryID
	}
	if req.RepositoryID == "" {
		s.writeError(w, http.StatusBadRequest, "repositoryId is required")
		return req, false
	}
	return req, true
}

// handleSync extracts a repository and, when import is set, loads it
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	req, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	if req.Import {
		synced, imported, err := s.pipeline.SyncAndImport(r.Context(), req.RepositoryID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeData(w, map[string]interface{}{"sync": synced, "import": imported})
		return
	}

	synced, err := s.pipeline.Sync(r.Context(), req.RepositoryID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeData(w, synced)
}

// handleImport loads the held snapshot of a repository
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.writeError(w, http.StatusServiceUnavailable, "import is not configured")
		return
	}
	req, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	imported, err := s.pipeline.Import(r.Context(), req.RepositoryID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeData(w, imported)
}

// handleImportStatus reports whether a snapshot is held for the default repository
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	repoID, err := s.repositoryID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if repoID == "" || s.pipeline == nil {
		s.writeData(w, map[string]interface{}{
			"hasExtraction": false,
			"message":       "No repository selected",
		})
		return
	}
	s.writeData(w, s.pipeline.Status(repoID))
}
