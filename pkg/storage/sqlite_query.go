package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ha1tch/bizzgraph/pkg/graph"
	"github.com/ha1tch/bizzgraph/pkg/models"
	"golang.org/x/sync/errgroup"
)

// nodeLabel resolves the label shown for an object node
const nodeLabel = `COALESCE(NULLIF(o.display_name, ''), NULLIF(o.name, ''), NULLIF(o.object_name, ''), o.id)`

// nodeColumns selects a models.GraphNode
const nodeColumns = `o.id, ` + nodeLabel + `, o.type, o.category, o.sub_category`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds a substring pattern over the folded search columns for LIKE ... ESCAPE '\'
func likePattern(search string) string {
	return "%" + likeEscaper.Replace(SearchTerm(search)) + "%"
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func decodeMap(raw string) map[string]interface{} {
	result := make(map[string]interface{})
	if raw == "" {
		return result
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return make(map[string]interface{})
	}
	return result
}

// objectFilter builds the FROM/WHERE clause for repository-scoped objects.
// Search covers the display and localized names, plus description when asked.
func objectFilter(repoID, typ, search string, withDescription bool) (string, []interface{}) {
	var b strings.Builder
	args := []interface{}{repoID}

	b.WriteString(`FROM objects o JOIN contains c ON c.object_id = o.id WHERE c.repository_id = ?`)
	if typ != "" {
		b.WriteString(` AND o.type = ?`)
		args = append(args, typ)
	}
	if search != "" {
		pattern := likePattern(search)
		b.WriteString(` AND (o.search_name LIKE ? ESCAPE '\'`)
		args = append(args, pattern)
		if withDescription {
			b.WriteString(` OR o.search_description LIKE ? ESCAPE '\'`)
			args = append(args, pattern)
		}
		b.WriteString(`)`)
	}
	return b.String(), args
}

// ============================================================================
// Repositories and objects
// ============================================================================

// Repositories lists the repositories that have been loaded
func (s *SQLiteStore) Repositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, version FROM repositories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	repos := []models.Repository{}
	for rows.Next() {
		var r models.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Version); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// ListObjects returns one page of objects plus the total matching count
func (s *SQLiteStore) ListObjects(ctx context.Context, repoID string, q ObjectQuery) (*models.ObjectPage, error) {
	q = q.Normalize()
	from, args := objectFilter(repoID, q.Type, q.Search, true)

	page := &models.ObjectPage{Items: []models.ObjectSummary{}}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		query := `SELECT o.id, o.type, o.name, o.object_name, o.description, o.properties, o.metadata ` +
			from + ` ORDER BY o.name, o.id LIMIT ? OFFSET ?`
		pageArgs := append(append([]interface{}{}, args...), q.PageSize, q.Page*q.PageSize)
		rows, err := s.db.QueryContext(gctx, query, pageArgs...)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var item models.ObjectSummary
			var props, meta string
			if err := rows.Scan(&item.ID, &item.Type, &item.Name, &item.ObjectName,
				&item.Description, &props, &meta); err != nil {
				return err
			}
			item.Properties = decodeMap(props)
			item.Metadata = decodeMap(meta)
			page.Items = append(page.Items, item)
		}
		return rows.Err()
	})

	g.Go(func() error {
		return s.db.QueryRowContext(gctx, `SELECT COUNT(*) `+from, args...).Scan(&page.Total)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return page, nil
}

// GetObject returns an object with its tags, relations and data blocks
func (s *SQLiteStore) GetObject(ctx context.Context, id string) (*models.ObjectDetail, error) {
	detail := &models.ObjectDetail{}
	var props, meta string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, object_name, description, properties, metadata,
		       category, sub_category, relationship_count, is_hub, is_leaf
		FROM objects WHERE id = ?
	`, id).Scan(&detail.ID, &detail.Type, &detail.Name, &detail.ObjectName, &detail.Description,
		&props, &meta, &detail.Category, &detail.SubCategory, &detail.RelationshipCount,
		&detail.IsHub, &detail.IsLeaf)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query object: %w", err)
	}
	detail.Properties = decodeMap(props)
	detail.Metadata = decodeMap(meta)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := s.db.QueryContext(gctx,
			`SELECT tag_name FROM object_tags WHERE object_id = ? ORDER BY tag_name`, id)
		if err != nil {
			return err
		}
		defer rows.Close()

		detail.Tags = []string{}
		for rows.Next() {
			var tag string
			if err := rows.Scan(&tag); err != nil {
				return err
			}
			detail.Tags = append(detail.Tags, tag)
		}
		return rows.Err()
	})

	// Joins drop relations whose peer no longer exists.
	g.Go(func() (err error) {
		detail.Relationships.Outgoing, err = s.relationRefs(gctx, `
			SELECT p.id, COALESCE(NULLIF(p.display_name, ''), NULLIF(p.name, ''), p.id), r.type
			FROM relations r JOIN objects p ON p.id = r.target_id
			WHERE r.source_id = ? ORDER BY r.seq
		`, id)
		return err
	})

	g.Go(func() (err error) {
		detail.Relationships.Incoming, err = s.relationRefs(gctx, `
			SELECT p.id, COALESCE(NULLIF(p.display_name, ''), NULLIF(p.name, ''), p.id), r.type
			FROM relations r JOIN objects p ON p.id = r.source_id
			WHERE r.target_id = ? ORDER BY r.seq
		`, id)
		return err
	})

	g.Go(func() (err error) {
		detail.DataBlocks, err = s.queryDataBlocks(gctx, `WHERE d.object_id = ?`, []interface{}{id})
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load object %s: %w", id, err)
	}
	return detail, nil
}

func (s *SQLiteStore) relationRefs(ctx context.Context, query, id string) ([]models.RelationRef, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := []models.RelationRef{}
	for rows.Next() {
		var ref models.RelationRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Type); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Stats counts objects, relations and objects per type for a repository
func (s *SQLiteStore) Stats(ctx context.Context, repoID string) (*models.Stats, error) {
	stats := &models.Stats{ObjectsByType: make(map[string]int)}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.db.QueryRowContext(gctx,
			`SELECT COUNT(*) FROM contains WHERE repository_id = ?`, repoID).Scan(&stats.TotalObjects)
	})

	g.Go(func() error {
		return s.db.QueryRowContext(gctx, `
			SELECT COUNT(*) FROM relations r
			JOIN contains c ON c.object_id = r.source_id
			WHERE c.repository_id = ?
		`, repoID).Scan(&stats.TotalRelationships)
	})

	g.Go(func() error {
		rows, err := s.db.QueryContext(gctx, `
			SELECT o.type, COUNT(*) FROM objects o
			JOIN contains c ON c.object_id = o.id
			WHERE c.repository_id = ?
			GROUP BY o.type
		`, repoID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var typ string
			var count int
			if err := rows.Scan(&typ, &count); err != nil {
				return err
			}
			stats.ObjectsByType[typ] = count
		}
		return rows.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return stats, nil
}

// ============================================================================
// Graph views
// ============================================================================

func scanNodes(rows *sql.Rows) ([]models.GraphNode, error) {
	defer rows.Close()

	nodes := []models.GraphNode{}
	for rows.Next() {
		var n models.GraphNode
		if err := rows.Scan(&n.ID, &n.Label, &n.Type, &n.Category, &n.SubCategory); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func scanEdges(rows *sql.Rows) ([]models.GraphEdge, error) {
	defer rows.Close()

	edges := []models.GraphEdge{}
	for rows.Next() {
		var e models.GraphEdge
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Type, &e.FromName, &e.ToName); err != nil {
			return nil, err
		}
		e.Label = e.Type
		if e.Type == "" {
			e.Type = "RELATES_TO"
		}
		if e.FromName == "" {
			e.FromName = e.From
		}
		if e.ToName == "" {
			e.ToName = e.To
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

const edgeColumns = `r.id, r.source_id, r.target_id, r.type, r.from_name, r.to_name`

// GraphSample returns up to limit matching nodes and the edges among them
func (s *SQLiteStore) GraphSample(ctx context.Context, repoID string, limit int, filter GraphFilter) (*models.GraphData, error) {
	limit = ClampSample(limit)
	from, args := objectFilter(repoID, filter.Type, filter.Search, false)
	sample := `SELECT o.id ` + from + ` ORDER BY o.id LIMIT ?`
	sampleArgs := append(append([]interface{}{}, args...), limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` `+from+` ORDER BY o.id LIMIT ?`, sampleArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to sample nodes: %w", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	data := &models.GraphData{Nodes: nodes, Edges: []models.GraphEdge{}}
	if len(nodes) == 0 {
		return data, nil
	}

	edgeArgs := append(append([]interface{}{}, sampleArgs...), MaxSampleEdges)
	rows, err = s.db.QueryContext(ctx, `
		WITH sample AS (`+sample+`)
		SELECT `+edgeColumns+` FROM relations r
		WHERE r.source_id IN (SELECT id FROM sample) AND r.target_id IN (SELECT id FROM sample)
		ORDER BY r.seq LIMIT ?
	`, edgeArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to sample edges: %w", err)
	}
	if data.Edges, err = scanEdges(rows); err != nil {
		return nil, err
	}
	return data, nil
}

// incidentEdges returns edges touching any of ids whose both endpoints are
// contained in the repository
func (s *SQLiteStore) incidentEdges(ctx context.Context, repoID string, ids []string) ([]models.GraphEdge, error) {
	if len(ids) == 0 {
		return []models.GraphEdge{}, nil
	}
	in := placeholders(len(ids))
	args := []interface{}{repoID, repoID}
	args = append(args, stringArgs(ids)...)
	args = append(args, stringArgs(ids)...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM relations r
		JOIN contains cs ON cs.object_id = r.source_id AND cs.repository_id = ?
		JOIN contains ct ON ct.object_id = r.target_id AND ct.repository_id = ?
		WHERE r.source_id IN (`+in+`) OR r.target_id IN (`+in+`)
		ORDER BY r.seq
	`, args...)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

// expand picks up to max new peers reachable from frontier through edges,
// skipping anything in exclude, and keeps at most max edges to those peers.
func expand(edges []models.GraphEdge, frontier, exclude map[string]bool, max int) ([]string, []models.GraphEdge) {
	var peers []string
	picked := make(map[string]bool)
	var kept []models.GraphEdge

	for _, e := range edges {
		var peer string
		switch {
		case frontier[e.From] && !frontier[e.To]:
			peer = e.To
		case frontier[e.To] && !frontier[e.From]:
			peer = e.From
		default:
			continue
		}
		if exclude[peer] {
			continue
		}
		if !picked[peer] {
			if len(peers) >= max {
				continue
			}
			picked[peer] = true
			peers = append(peers, peer)
		}
		if len(kept) < max {
			kept = append(kept, e)
		}
	}
	return peers, kept
}

// Neighbors returns the center node plus a bounded one or two hop expansion.
// Each hop keeps at most maxNeighbors nodes and edges, so larger
// neighborhoods are truncated.
func (s *SQLiteStore) Neighbors(ctx context.Context, repoID, nodeID string, depth, maxNeighbors int) (*models.GraphData, error) {
	depth = ClampDepth(depth)
	maxNeighbors = ClampNeighbors(maxNeighbors)

	data := &models.GraphData{Nodes: []models.GraphNode{}, Edges: []models.GraphEdge{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM objects o
		JOIN contains c ON c.object_id = o.id
		WHERE c.repository_id = ? AND o.id = ?
	`, repoID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load node: %w", err)
	}
	center, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(center) == 0 {
		return data, nil
	}

	included := map[string]bool{nodeID: true}
	edges, err := s.incidentEdges(ctx, repoID, []string{nodeID})
	if err != nil {
		return nil, fmt.Errorf("failed to expand node: %w", err)
	}
	hop1, hop1Edges := expand(edges, map[string]bool{nodeID: true}, included, maxNeighbors)
	order := append([]string{nodeID}, hop1...)
	data.Edges = append(data.Edges, hop1Edges...)

	if depth > 1 && len(hop1) > 0 {
		frontier := make(map[string]bool, len(hop1))
		for _, id := range hop1 {
			frontier[id] = true
			included[id] = true
		}
		edges, err := s.incidentEdges(ctx, repoID, hop1)
		if err != nil {
			return nil, fmt.Errorf("failed to expand second hop: %w", err)
		}
		hop2, hop2Edges := expand(edges, frontier, included, maxNeighbors)
		order = append(order, hop2...)
		data.Edges = append(data.Edges, hop2Edges...)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM objects o WHERE o.id IN (`+placeholders(len(order))+`)`,
		stringArgs(order)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load neighbors: %w", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	sort.Slice(nodes, func(i, j int) bool { return position[nodes[i].ID] < position[nodes[j].ID] })
	data.Nodes = nodes
	return data, nil
}

// ============================================================================
// Analysis
// ============================================================================

// DegreeCentrality ranks objects by incident relation count
func (s *SQLiteStore) DegreeCentrality(ctx context.Context, repoID string) ([]models.CentralityResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, `+nodeLabel+`, o.type,
		       (SELECT COUNT(*) FROM relations r WHERE r.source_id = o.id) +
		       (SELECT COUNT(*) FROM relations r WHERE r.target_id = o.id) AS degree
		FROM objects o
		JOIN contains c ON c.object_id = o.id
		WHERE c.repository_id = ?
		ORDER BY degree DESC, o.id ASC
		LIMIT ?
	`, repoID, CentralityLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to compute degree centrality: %w", err)
	}
	defer rows.Close()

	results := []models.CentralityResult{}
	for rows.Next() {
		var r models.CentralityResult
		if err := rows.Scan(&r.NodeID, &r.NodeName, &r.NodeType, &r.Score); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// WeightedDegree ranks objects by distinct predecessors*1.5 + distinct successors
func (s *SQLiteStore) WeightedDegree(ctx context.Context, repoID string) ([]models.CentralityResult, error) {
	rg, err := s.repoGraph(ctx, repoID)
	if err != nil {
		return nil, err
	}

	results := make([]models.CentralityResult, 0, len(rg.nodes))
	for _, id := range rg.Nodes() {
		n := rg.nodes[id]
		results = append(results, models.CentralityResult{
			NodeID:   id,
			NodeName: n.Name,
			NodeType: n.Type,
			Score:    float64(rg.InDegree(id))*IncomingDegreeWeight + float64(rg.OutDegree(id)),
		})
	}
	sortCentrality(results)
	if len(results) > CentralityLimit {
		results = results[:CentralityLimit]
	}
	return results, nil
}

// sortCentrality orders by score descending, then id
func sortCentrality(results []models.CentralityResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].NodeID < results[j].NodeID
	})
}

// repoGraph is the directed relation graph of one repository plus node labels
type repoGraph struct {
	*graph.IndexedGraph
	nodes map[string]models.PathNode
}

func (rg *repoGraph) pathResult(path []string) models.PathResult {
	result := models.PathResult{
		Path:   path,
		Length: len(path) - 1,
		Nodes:  make([]models.PathNode, len(path)),
	}
	for i, id := range path {
		result.Nodes[i] = rg.nodes[id]
	}
	return result
}

// repoGraph returns the cached graph for a repository, building it when absent
func (s *SQLiteStore) repoGraph(ctx context.Context, repoID string) (*repoGraph, error) {
	if rg, ok := s.graphs.Get(repoID); ok {
		return rg, nil
	}
	gen := s.graphGeneration()

	rg := &repoGraph{IndexedGraph: graph.NewIndexedGraph(), nodes: make(map[string]models.PathNode)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, `+nodeLabel+`, o.type FROM objects o
		JOIN contains c ON c.object_id = o.id
		WHERE c.repository_id = ?
	`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph nodes: %w", err)
	}
	for rows.Next() {
		var n models.PathNode
		if err := rows.Scan(&n.ID, &n.Name, &n.Type); err != nil {
			rows.Close()
			return nil, err
		}
		rg.nodes[n.ID] = n
		rg.AddNode(n.ID, n.Type)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT r.source_id, r.target_id, r.type FROM relations r
		JOIN contains cs ON cs.object_id = r.source_id AND cs.repository_id = ?
		JOIN contains ct ON ct.object_id = r.target_id AND ct.repository_id = ?
		ORDER BY r.seq
	`, repoID, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, to, typ string
		if err := rows.Scan(&from, &to, &typ); err != nil {
			return nil, err
		}
		rg.AddEdge(from, to, typ)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.cacheGraph(repoID, gen, rg)
	return rg, nil
}

// ShortestPath returns a shortest directed path of at most maxDepth hops, or
// nil when none exists
func (s *SQLiteStore) ShortestPath(ctx context.Context, repoID, fromID, toID string, maxDepth int) (*models.PathResult, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultShortestDepth
	}

	rg, err := s.repoGraph(ctx, repoID)
	if err != nil {
		return nil, err
	}

	path, err := rg.FindPath(fromID, toID, maxDepth)
	if errors.Is(err, graph.ErrNoPath) || errors.Is(err, graph.ErrNodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result := rg.pathResult(path)
	return &result, nil
}

// AllPaths returns up to limit simple directed paths, shortest first
func (s *SQLiteStore) AllPaths(ctx context.Context, repoID, fromID, toID string, maxDepth, limit int) ([]models.PathResult, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultAllPathsDepth
	}
	if limit <= 0 {
		limit = DefaultAllPathsLimit
	}

	rg, err := s.repoGraph(ctx, repoID)
	if err != nil {
		return nil, err
	}

	results := []models.PathResult{}
	for _, path := range rg.FindAllPaths(fromID, toID, maxDepth, limit) {
		results = append(results, rg.pathResult(path))
	}
	return results, nil
}

// ============================================================================
// Data blocks
// ============================================================================

func (s *SQLiteStore) queryDataBlocks(ctx context.Context, where string, args []interface{}) ([]models.DataBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.object_id,
		       COALESCE(NULLIF(o.display_name, ''), o.name, ''), COALESCE(o.type, ''),
		       d.namespace, d.name, d.values_json, d.updated_at
		FROM datablocks d
		LEFT JOIN objects o ON o.id = d.object_id
		`+where+`
		ORDER BY d.namespace, d.name, d.id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := []models.DataBlock{}
	for rows.Next() {
		var b models.DataBlock
		var values string
		if err := rows.Scan(&b.ID, &b.ObjectID, &b.ObjectName, &b.ObjectType,
			&b.Namespace, &b.Name, &values, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Values = decodeMap(values)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// ListDataBlocks lists data blocks of objects in the repository
func (s *SQLiteStore) ListDataBlocks(ctx context.Context, repoID string, filter DataBlockFilter) ([]models.DataBlock, error) {
	where := `JOIN contains c ON c.object_id = d.object_id WHERE c.repository_id = ?`
	args := []interface{}{repoID}
	if filter.Namespace != "" {
		where += ` AND d.namespace = ?`
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		where += ` AND d.name = ?`
		args = append(args, filter.Name)
	}
	if filter.ObjectID != "" {
		where += ` AND d.object_id = ?`
		args = append(args, filter.ObjectID)
	}

	blocks, err := s.queryDataBlocks(ctx, where, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list data blocks: %w", err)
	}
	if len(blocks) > MaxPageSize {
		blocks = blocks[:MaxPageSize]
	}
	return blocks, nil
}

// GetDataBlock returns one data block by its composite id
func (s *SQLiteStore) GetDataBlock(ctx context.Context, id string) (*models.DataBlock, error) {
	blocks, err := s.queryDataBlocks(ctx, `WHERE d.id = ?`, []interface{}{id})
	if err != nil {
		return nil, fmt.Errorf("failed to query data block: %w", err)
	}
	if len(blocks) == 0 {
		return nil, ErrNotFound
	}
	return &blocks[0], nil
}

// DataBlocksByObject lists the data blocks owned by an object
func (s *SQLiteStore) DataBlocksByObject(ctx context.Context, objectID string) ([]models.DataBlock, error) {
	blocks, err := s.queryDataBlocks(ctx, `WHERE d.object_id = ?`, []interface{}{objectID})
	if err != nil {
		return nil, fmt.Errorf("failed to list data blocks: %w", err)
	}
	return blocks, nil
}
